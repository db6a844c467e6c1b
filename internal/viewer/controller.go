// Package viewer keeps the selected reporting period and the normalized
// display model in sync with the backend.
package viewer

import (
	"context"
	"log"
	"sync"
	"time"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/i18n"
	"go-pipeline-report-ui/internal/report"
)

// Backend is the subset of the pipeline API the viewer uses.
type Backend interface {
	LatestReport(ctx context.Context, period string) ([]byte, error)
	DownloadCluster(ctx context.Context, clusterID string) (*backend.Download, error)
	DownloadSegment(ctx context.Context, segmentID, period string) (*backend.Download, error)
	ArtifactURL(path string) string
}

// SnapshotStore archives applied payloads per period.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, period string, payload []byte, fetchedAt time.Time) error
}

// Fetch outcomes reported to the observer.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
)

// FetchObserver receives one call per report fetch.
type FetchObserver func(period, outcome string, duration time.Duration)

type Option func(*Controller)

// WithSnapshots writes every applied payload through to store.
func WithSnapshots(store SnapshotStore) Option {
	return func(c *Controller) { c.store = store }
}

func WithFetchObserver(fn FetchObserver) Option {
	return func(c *Controller) { c.observe = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// selection identifies what a scoped fetch was issued for.
type selection struct {
	mode  report.Mode
	index int
}

// Controller owns the viewer state. Fetches are never queued: each one takes
// a new sequence number and only the latest may mutate the display.
type Controller struct {
	backend Backend
	printer *i18n.Printer
	store   SnapshotStore
	observe FetchObserver
	now     func() time.Time

	mu          sync.Mutex
	initialized bool
	periods     []string
	mode        report.Mode
	index       int
	display     report.Display
	seq         uint64
	inflight    int
	lastReq     *selection
	lastReqOK   bool
	lastTarget  string
	lastApplied time.Time
}

func New(b Backend, printer *i18n.Printer, opts ...Option) *Controller {
	c := &Controller{
		backend: b,
		printer: printer,
		now:     time.Now,
		mode:    report.ModeMonth,
		display: report.Placeholder(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initialize adopts hinted periods when given and fetches the first one.
// Without a hint it fetches the unscoped report to discover periods, then
// fetches period 0, or applies the unscoped report when none exist.
func (c *Controller) Initialize(ctx context.Context, hinted []string) {
	if len(hinted) > 0 {
		c.mu.Lock()
		c.periods = append([]string(nil), hinted...)
		c.index = 0
		c.initialized = true
		c.mu.Unlock()
		c.fetchSelection(ctx)
		return
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	payload, ok := c.fetch(ctx, "")
	periods := report.AvailablePeriods(payload)

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		c.emit("", OutcomeStale, 0)
		return
	}
	c.initialized = true
	if !ok {
		c.mu.Unlock()
		return
	}
	c.periods = periods
	c.index = 0
	c.mu.Unlock()

	if len(periods) > 0 {
		c.fetchSelection(ctx)
		return
	}
	c.applyIfLatest(ctx, seq, "", payload)
}

// SetPeriodMode switches between month and year addressing, resets the
// index to 0 and refetches.
func (c *Controller) SetPeriodMode(ctx context.Context, mode report.Mode) {
	c.mu.Lock()
	c.mode = mode
	c.index = 0
	c.mu.Unlock()
	c.fetchSelection(ctx)
}

// SetSelectedPeriodIndex clamps i and refetches its target. Re-selecting the
// index whose fetch is in flight or already applied does nothing.
func (c *Controller) SetSelectedPeriodIndex(ctx context.Context, i int) {
	c.mu.Lock()
	i = report.Clamp(i, len(report.Options(c.periods, c.mode)))
	sel := selection{mode: c.mode, index: i}
	if c.index == i && c.lastReq != nil && *c.lastReq == sel && c.lastReqOK {
		c.mu.Unlock()
		return
	}
	c.index = i
	c.mu.Unlock()
	c.fetchSelection(ctx)
}

// Refresh refetches the current target.
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.Lock()
	hasPeriods := len(c.periods) > 0
	c.mu.Unlock()
	if hasPeriods {
		c.fetchSelection(ctx)
		return
	}
	c.FetchAndApply(ctx, "")
}

// FetchAndApply fetches /report/latest scoped to period ("" for all periods)
// and replaces the display on success. Failures keep the current display and
// are only logged. It reports whether the payload was applied.
func (c *Controller) FetchAndApply(ctx context.Context, period string) bool {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	payload, ok := c.fetch(ctx, period)
	if !ok {
		return false
	}
	return c.applyIfLatest(ctx, seq, period, payload)
}

func (c *Controller) fetchSelection(ctx context.Context) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	sel := selection{mode: c.mode, index: c.index}
	target := report.Target(c.periods, c.mode, c.index)
	c.lastReq = &sel
	c.lastReqOK = true
	c.mu.Unlock()

	payload, ok := c.fetch(ctx, target)
	if !ok {
		c.mu.Lock()
		if seq == c.seq {
			c.lastReqOK = false
		}
		c.mu.Unlock()
		return
	}
	if !c.applyIfLatest(ctx, seq, target, payload) {
		c.mu.Lock()
		if seq == c.seq {
			c.lastReqOK = false
		}
		c.mu.Unlock()
	}
}

// fetch performs the HTTP call with the in-flight counter held. It never
// returns an error; ok is false when nothing usable came back.
func (c *Controller) fetch(ctx context.Context, period string) ([]byte, bool) {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	start := time.Now()
	payload, err := c.backend.LatestReport(ctx, period)
	if err != nil {
		log.Printf("report fetch failed period=%q err=%v", period, err)
		c.emit(period, OutcomeError, time.Since(start))
		return nil, false
	}
	return payload, true
}

func (c *Controller) applyIfLatest(ctx context.Context, seq uint64, period string, payload []byte) bool {
	start := time.Now()
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		log.Printf("report fetch dropped period=%q reason=superseded", period)
		c.emit(period, OutcomeStale, time.Since(start))
		return false
	}
	merger := report.Merger{Printer: c.printer, Now: c.now}
	next, err := merger.Merge(c.display, payload)
	if err != nil {
		c.mu.Unlock()
		log.Printf("report payload rejected period=%q err=%v", period, err)
		c.emit(period, OutcomeInvalid, time.Since(start))
		return false
	}
	c.display = next
	c.initialized = true
	c.lastTarget = period
	c.lastApplied = c.now()
	fetchedAt := c.lastApplied
	c.mu.Unlock()

	c.emit(period, OutcomeApplied, time.Since(start))
	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, period, payload, fetchedAt); err != nil {
			log.Printf("report snapshot save failed period=%q err=%v", period, err)
		}
	}
	return true
}

func (c *Controller) emit(period, outcome string, d time.Duration) {
	if c.observe != nil {
		c.observe(period, outcome, d)
	}
}

// IsFetching reports whether any report fetch is in flight.
func (c *Controller) IsFetching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}

// Display returns a copy of the current display model.
func (c *Controller) Display() report.Display {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display.Clone()
}

// State is a read-only view of the controller.
type State struct {
	Initialized    bool              `json:"initialized"`
	Mode           report.Mode       `json:"mode"`
	Periods        []string          `json:"periods"`
	Options        []string          `json:"options"`
	SelectedIndex  int               `json:"selected_index"`
	Target         string            `json:"target"`
	TargetLabel    string            `json:"target_label"`
	IsFetching     bool              `json:"is_fetching"`
	LastTarget     string            `json:"last_target"`
	LastAppliedAt  *time.Time        `json:"last_applied_at,omitempty"`
	DownloadPeriod string            `json:"download_period"`
	ShapImages     report.ShapImages `json:"shap_images"`
	Display        report.Display    `json:"display"`
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	periods := append([]string{}, c.periods...)
	options := append([]string{}, report.Options(c.periods, c.mode)...)
	target := report.Target(c.periods, c.mode, c.index)
	label := target
	if label == "" {
		label = c.printer.Sprintf(i18n.MsgAllPeriods)
	}

	st := State{
		Initialized:    c.initialized,
		Mode:           c.mode,
		Periods:        periods,
		Options:        options,
		SelectedIndex:  report.Clamp(c.index, len(options)),
		Target:         target,
		TargetLabel:    label,
		IsFetching:     c.inflight > 0,
		LastTarget:     c.lastTarget,
		DownloadPeriod: report.NormalizeDownloadPeriod(c.display.Label),
		ShapImages:     report.ResolveShapImages(c.display.Analytics.ShapImages, c.backend.ArtifactURL),
		Display:        c.display.Clone(),
	}
	if !c.lastApplied.IsZero() {
		t := c.lastApplied
		st.LastAppliedAt = &t
	}
	return st
}

// DownloadCluster proxies a product cluster CSV export.
func (c *Controller) DownloadCluster(ctx context.Context, clusterID string) (*backend.Download, error) {
	return c.backend.DownloadCluster(ctx, clusterID)
}

// DownloadSegment proxies a segment CSV export, scoped to the period derived
// from the current display label.
func (c *Controller) DownloadSegment(ctx context.Context, segmentID string) (*backend.Download, error) {
	c.mu.Lock()
	period := report.NormalizeDownloadPeriod(c.display.Label)
	c.mu.Unlock()
	return c.backend.DownloadSegment(ctx, segmentID, period)
}
