// Package upload drives one file through ingest and backend pipeline
// execution, exposing progress while the pipeline runs.
package upload

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/i18n"
)

// Status is the upload session state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusPolling   Status = "polling"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Backend is the subset of the pipeline API the controller needs.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*backend.UploadAck, error)
	PipelineStatus(ctx context.Context) (*backend.PipelineStatus, error)
	PipelineLogs(ctx context.Context) (string, error)
}

// HistoryRecorder persists finished sessions.
type HistoryRecorder interface {
	RecordUpload(ctx context.Context, rec snapshots.UploadRecord) error
}

// FileInfo describes the selected file.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// File is a selected file plus its content.
type File struct {
	FileInfo
	Body io.Reader
}

// Session is a snapshot of the current upload.
type Session struct {
	ID             string                  `json:"id,omitempty"`
	File           *FileInfo               `json:"file,omitempty"`
	Status         Status                  `json:"status"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	FinishedAt     *time.Time              `json:"finished_at,omitempty"`
	Elapsed        time.Duration           `json:"-"`
	ElapsedSec     int                     `json:"elapsed_sec"`
	Progress       *backend.PipelineStatus `json:"progress,omitempty"`
	Polls          int                     `json:"polls"`
	Error          string                  `json:"error,omitempty"`
	ErrorKind      Kind                    `json:"error_kind,omitempty"`
	PreviewPeriods []string                `json:"preview_periods,omitempty"`
	ShowLogs       bool                    `json:"show_logs"`
	Logs           string                  `json:"logs,omitempty"`
}

// Handoff is what the viewer receives when the pipeline reaches a terminal state.
type Handoff struct {
	File           FileInfo `json:"file"`
	PreviewPeriods []string `json:"preview_periods"`
	PipelineFailed bool     `json:"pipeline_failed"`
	Message        string   `json:"message,omitempty"`
}

// Options configures a Controller.
type Options struct {
	MaxUploadMB  int
	PollInterval time.Duration
	LogTailChars int
	Printer      *i18n.Printer
}

// Option customizes a Controller.
type Option func(*Controller)

// WithProgressHook registers fn to receive a snapshot after every state change.
func WithProgressHook(fn func(Session)) Option {
	return func(c *Controller) { c.hook = fn }
}

// WithHistory records terminal sessions into h.
func WithHistory(h HistoryRecorder) Option {
	return func(c *Controller) { c.history = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the single active upload session. It is safe for
// concurrent use; backend calls are made without holding the lock and every
// result is dropped if the session generation moved on in the meantime.
type Controller struct {
	backend  Backend
	printer  *i18n.Printer
	maxMB    int
	maxBytes int64
	interval time.Duration
	logTail  int

	hook    func(Session)
	history HistoryRecorder
	now     func() time.Time

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	logLimiter *rate.Limiter
	session    Session
}

func New(b Backend, opts Options, extra ...Option) *Controller {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.LogTailChars <= 0 {
		opts.LogTailChars = 2000
	}
	c := &Controller{
		backend:  b,
		printer:  opts.Printer,
		maxMB:    opts.MaxUploadMB,
		maxBytes: int64(opts.MaxUploadMB) * 1024 * 1024,
		interval: opts.PollInterval,
		logTail:  opts.LogTailChars,
		now:      time.Now,
		session:  Session{Status: StatusIdle},
	}
	c.logLimiter = rate.NewLimiter(rate.Every(c.interval), 1)
	for _, o := range extra {
		o(c)
	}
	return c
}

// MaxUploadBytes is the configured size limit.
func (c *Controller) MaxUploadBytes() int64 { return c.maxBytes }

// SelectFile validates and records a file. An oversized file leaves the
// session idle with a validation error and never touches the network.
func (c *Controller) SelectFile(f FileInfo) error {
	c.mu.Lock()
	c.supersedeLocked()
	if f.Size > c.maxBytes {
		verr := validationError(c.printer, c.maxMB, f.Size)
		c.session = Session{Status: StatusIdle, Error: verr.Message, ErrorKind: verr.Kind, ShowLogs: c.session.ShowLogs}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return verr
	}
	file := f
	c.session = Session{ID: uuid.NewString(), File: &file, Status: StatusIdle, ShowLogs: c.session.ShowLogs}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// Submit uploads f and moves the session to polling. Any previous polling
// loop is invalidated first.
func (c *Controller) Submit(ctx context.Context, f File) (*backend.UploadAck, error) {
	if err := c.SelectFile(f.FileInfo); err != nil {
		return nil, err
	}

	c.mu.Lock()
	gen := c.gen
	started := c.now()
	c.session.Status = StatusUploading
	c.session.StartedAt = &started
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	log.Printf("upload submit session=%s file=%s size=%d", snap.ID, f.Name, f.Size)
	ack, err := c.backend.Upload(ctx, f.Name, f.Body)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil, ErrSuperseded
	}
	if err != nil {
		uerr := classifySubmitError(c.printer, c.maxMB, err)
		log.Printf("upload submit failed session=%s kind=%s err=%v", snap.ID, uerr.Kind, err)
		c.finishLocked(StatusIdle, uerr.Kind, uerr.Message)
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		c.record(snap)
		return nil, uerr
	}
	c.session.Status = StatusPolling
	c.session.PreviewPeriods = append([]string(nil), ack.PreviewPeriods...)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	c.record(snap)
	return ack, nil
}

// AwaitCompletion polls pipeline status until done or failed. The first poll
// is immediate; later polls follow the configured interval. Transport, parse
// and non-2xx failures are retried with no upper bound. A failed pipeline is
// returned as an *Error of KindPipelineFailed.
func (c *Controller) AwaitCompletion(ctx context.Context) (*backend.PipelineStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.session.Status != StatusPolling {
		c.mu.Unlock()
		return nil, ErrNotPolling
	}
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	id := c.session.ID
	c.mu.Unlock()

	var timer *time.Timer
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if timer == nil {
				timer = time.NewTimer(c.interval)
				defer timer.Stop()
			} else {
				timer.Reset(c.interval)
			}
			select {
			case <-ctx.Done():
				return nil, c.stopped(ctx, gen)
			case <-timer.C:
			}
		}

		st, err := c.backend.PipelineStatus(ctx)
		if ctx.Err() != nil {
			return nil, c.stopped(ctx, gen)
		}
		if err != nil {
			log.Printf("pipeline status poll error session=%s attempt=%d err=%v", id, attempt+1, err)
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil, ErrSuperseded
		}
		c.session.Progress = st
		c.session.Polls++
		showLogs := c.session.ShowLogs
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)

		if showLogs {
			c.refreshLogs(ctx, gen)
		}

		switch st.Status {
		case backend.StatusDone:
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return nil, ErrSuperseded
			}
			c.finishLocked(StatusDone, "", "")
			snap := c.snapshotLocked()
			c.mu.Unlock()
			log.Printf("pipeline done session=%s polls=%d", id, snap.Polls)
			c.notify(snap)
			c.record(snap)
			return st, nil
		case backend.StatusFailed:
			msg := st.Message
			if msg == "" {
				msg = c.printer.Sprintf(i18n.MsgPipelineFailedRaw)
			}
			perr := &Error{Kind: KindPipelineFailed, Message: c.printer.Sprintf(i18n.MsgPipelineFailed, msg), Err: errors.New(msg)}

			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return nil, ErrSuperseded
			}
			c.finishLocked(StatusFailed, perr.Kind, perr.Message)
			snap := c.snapshotLocked()
			c.mu.Unlock()
			log.Printf("pipeline failed session=%s message=%q", id, msg)
			c.notify(snap)
			c.record(snap)
			return st, perr
		}
	}
}

// Run selects, submits and waits. A pipeline failure still produces a
// hand-off so callers can move on to inspect partial results.
func (c *Controller) Run(ctx context.Context, f File) (*Handoff, error) {
	ack, err := c.Submit(ctx, f)
	if err != nil {
		return nil, err
	}

	h := &Handoff{File: f.FileInfo, PreviewPeriods: append([]string{}, ack.PreviewPeriods...)}
	st, err := c.AwaitCompletion(ctx)
	if err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) || uerr.Kind != KindPipelineFailed {
			return nil, err
		}
		h.PipelineFailed = true
		h.Message = uerr.Message
		return h, nil
	}
	if st != nil {
		h.Message = st.Message
	}
	return h, nil
}

// SetShowLogs toggles the log tail. Turning it off drops the cached text.
func (c *Controller) SetShowLogs(show bool) {
	c.mu.Lock()
	c.session.ShowLogs = show
	if !show {
		c.session.Logs = ""
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// RequestLogs fetches the log tail when logs are shown and the session is
// active. Fetches are rate limited to the poll interval; in between, the
// cached tail is returned.
func (c *Controller) RequestLogs(ctx context.Context) (string, error) {
	c.mu.Lock()
	show := c.session.ShowLogs
	active := c.session.Status == StatusUploading || c.session.Status == StatusPolling
	gen := c.gen
	cached := c.session.Logs
	c.mu.Unlock()

	if !show || !active {
		return cached, nil
	}
	if err := c.refreshLogs(ctx, gen); err != nil {
		return cached, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Logs, nil
}

func (c *Controller) refreshLogs(ctx context.Context, gen uint64) error {
	if !c.logLimiter.Allow() {
		return nil
	}
	text, err := c.backend.PipelineLogs(ctx)
	if err != nil {
		log.Printf("pipeline logs fetch error err=%v", err)
		return err
	}
	tail := Tail(text, c.logTail)

	c.mu.Lock()
	if gen != c.gen || !c.session.ShowLogs {
		c.mu.Unlock()
		return nil
	}
	c.session.Logs = tail
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}

// Reset cancels any polling loop and returns the session to idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.supersedeLocked()
	c.session = Session{Status: StatusIdle, ShowLogs: c.session.ShowLogs}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Progress is a session snapshot with derived estimate and stage rows.
type Progress struct {
	Session
	Estimate       Estimate    `json:"estimate"`
	EstimateText   string      `json:"estimate_text"`
	StageIndex     int         `json:"stage_index"`
	StageLabel     string      `json:"stage_label"`
	Stages         []StageView `json:"stages"`
	MaxUploadMB    int         `json:"max_upload_mb"`
	MaxUploadBytes int64       `json:"max_upload_bytes"`
}

// Progress derives the estimate and active stage from the current session.
func (c *Controller) Progress() Progress {
	s := c.Snapshot()
	est := EstimateRemaining(s.Progress, s.Elapsed)
	idx := StageIndex(s.Progress, s.Elapsed)
	return Progress{
		Session:        s,
		Estimate:       est,
		EstimateText:   est.Describe(c.printer),
		StageIndex:     idx,
		StageLabel:     c.printer.Sprintf(Stages[idx].Label),
		Stages:         StageViews(c.printer, idx),
		MaxUploadMB:    c.maxMB,
		MaxUploadBytes: c.maxBytes,
	}
}

func (c *Controller) supersedeLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) finishLocked(status Status, kind Kind, msg string) {
	now := c.now()
	c.session.Status = status
	c.session.FinishedAt = &now
	c.session.ErrorKind = kind
	c.session.Error = msg
	c.cancel = nil
}

func (c *Controller) stopped(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return ErrSuperseded
	}
	return ctx.Err()
}

func (c *Controller) snapshotLocked() Session {
	s := c.session
	if s.File != nil {
		f := *s.File
		s.File = &f
	}
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	if s.PreviewPeriods != nil {
		s.PreviewPeriods = append([]string(nil), s.PreviewPeriods...)
	}
	if s.StartedAt != nil {
		end := c.now()
		if s.FinishedAt != nil {
			end = *s.FinishedAt
		}
		s.Elapsed = end.Sub(*s.StartedAt)
		if s.Elapsed < 0 {
			s.Elapsed = 0
		}
		s.ElapsedSec = int(s.Elapsed / time.Second)
	}
	return s
}

func (c *Controller) notify(s Session) {
	if c.hook != nil {
		c.hook(s)
	}
}

func (c *Controller) record(s Session) {
	if c.history == nil || s.ID == "" || s.File == nil {
		return
	}
	rec := snapshots.UploadRecord{
		ID:             s.ID,
		Filename:       s.File.Name,
		SizeBytes:      s.File.Size,
		Status:         string(s.Status),
		ErrorKind:      string(s.ErrorKind),
		Message:        s.Error,
		PreviewPeriods: s.PreviewPeriods,
		FinishedAt:     s.FinishedAt,
	}
	if s.StartedAt != nil {
		rec.StartedAt = *s.StartedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.RecordUpload(ctx, rec); err != nil {
		log.Printf("upload history record failed session=%s err=%v", s.ID, err)
	}
}
