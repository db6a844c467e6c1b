package viewer

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/i18n"
	"go-pipeline-report-ui/internal/report"
)

type reply struct {
	body string
	err  error
	gate chan struct{}
}

// fakeBackend answers LatestReport from a per-period script and records calls.
type fakeBackend struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []string
	entered chan string

	segmentPeriod string
}

func (f *fakeBackend) LatestReport(ctx context.Context, period string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, period)
	r, ok := f.replies[period]
	entered := f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- period
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &backend.StatusError{Op: "LatestReport", StatusCode: 404}
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func (f *fakeBackend) DownloadCluster(context.Context, string) (*backend.Download, error) {
	return &backend.Download{Filename: "cluster.csv", Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeBackend) DownloadSegment(_ context.Context, id, period string) (*backend.Download, error) {
	f.mu.Lock()
	f.segmentPeriod = period
	f.mu.Unlock()
	return &backend.Download{Filename: "segment_" + id + "_customers.csv", Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeBackend) ArtifactURL(p string) string {
	if p == "" {
		return ""
	}
	return "http://api" + p
}

func (f *fakeBackend) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func payload(period string, members int) string {
	return `{"overview":{"_period":"` + period + `","kpis":{"totalMembers":` + strconv.Itoa(members) + `}}}`
}

func newController(fb *fakeBackend, opts ...Option) *Controller {
	return New(fb, i18n.NewPrinter("zh-TW"), opts...)
}

func TestInitializeWithHintFetchesFirstPeriod(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{"2025-02": {body: payload("2025-02", 500)}}}
	c := newController(fb)

	c.Initialize(context.Background(), []string{"2025-02", "2025-01"})

	assert.Equal(t, []string{"2025-02"}, fb.callList())
	st := c.State()
	assert.Equal(t, []string{"2025-02", "2025-01"}, st.Periods)
	assert.Equal(t, 0, st.SelectedIndex)
	assert.Equal(t, "2025-02", st.Target)
	assert.Equal(t, "2025-02", st.Display.Label)
	assert.Equal(t, report.Num(500), st.Display.TotalMembers)
	assert.False(t, st.IsFetching)
}

func TestInitializeDiscoversPeriods(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"":        {body: `{"overview":{"available_periods":["2025-01","2024-12"],"kpis":{"totalMembers":1}}}`},
		"2025-01": {body: payload("2025-01", 77)},
	}}
	c := newController(fb)

	c.Initialize(context.Background(), nil)

	assert.Equal(t, []string{"", "2025-01"}, fb.callList())
	st := c.State()
	assert.Equal(t, []string{"2025-01", "2024-12"}, st.Periods)
	assert.Equal(t, report.Num(77), st.Display.TotalMembers)
}

func TestInitializeWithoutPeriodsAppliesBaseReport(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"": {body: `{"overview":{"_period":"all","kpis":{"totalMembers":9}}}`},
	}}
	c := newController(fb)

	c.Initialize(context.Background(), nil)

	assert.Equal(t, []string{""}, fb.callList())
	st := c.State()
	assert.True(t, st.Initialized)
	assert.Equal(t, "all", st.Display.Label)
	assert.Equal(t, "全期間", st.TargetLabel)
}

func TestYearModeIndexOneTargetsSecondYear(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"2024-07": {body: payload("2024-07", 1)},
		"2024":    {body: payload("2024", 2)},
		"2025":    {body: payload("2025", 3)},
	}}
	c := newController(fb)
	c.Initialize(context.Background(), []string{"2024-07", "2024-08", "2025-01"})

	c.SetPeriodMode(context.Background(), report.ModeYear)
	c.SetSelectedPeriodIndex(context.Background(), 1)

	assert.Equal(t, []string{"2024-07", "2024", "2025"}, fb.callList())
	st := c.State()
	assert.Equal(t, []string{"2024", "2025"}, st.Options)
	assert.Equal(t, "2025", st.Target)
	assert.Equal(t, report.Num(3), st.Display.TotalMembers)
}

func TestSelectingCurrentIndexTwiceFetchesOnce(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"2025-02": {body: payload("2025-02", 1)},
		"2025-01": {body: payload("2025-01", 2)},
	}}
	c := newController(fb)
	c.Initialize(context.Background(), []string{"2025-02", "2025-01"})

	c.SetSelectedPeriodIndex(context.Background(), 1)
	c.SetSelectedPeriodIndex(context.Background(), 1)

	assert.Equal(t, []string{"2025-02", "2025-01"}, fb.callList())
}

func TestSelectingAfterFailureRetries(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{"2025-02": {body: payload("2025-02", 1)}}}
	c := newController(fb)
	c.Initialize(context.Background(), []string{"2025-02", "2025-01"})

	c.SetSelectedPeriodIndex(context.Background(), 1)
	c.SetSelectedPeriodIndex(context.Background(), 1)

	assert.Equal(t, []string{"2025-02", "2025-01", "2025-01"}, fb.callList())
}

func TestLastRequestWins(t *testing.T) {
	gateA := make(chan struct{})
	fb := &fakeBackend{
		replies: map[string]reply{
			"2025-02": {body: payload("2025-02", 100), gate: gateA},
			"2025-01": {body: payload("2025-01", 200)},
		},
		entered: make(chan string, 4),
	}
	c := newController(fb)

	done := make(chan struct{})
	go func() {
		c.Initialize(context.Background(), []string{"2025-02", "2025-01"})
		close(done)
	}()
	require.Equal(t, "2025-02", <-fb.entered)
	assert.True(t, c.IsFetching())

	c.SetSelectedPeriodIndex(context.Background(), 1)
	require.Equal(t, "2025-01", <-fb.entered)

	close(gateA)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale fetch never returned")
	}

	st := c.State()
	assert.Equal(t, "2025-01", st.Display.Label)
	assert.Equal(t, report.Num(200), st.Display.TotalMembers)
	assert.False(t, st.IsFetching)
}

func TestFetchFailureKeepsDisplay(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"2025-02": {body: payload("2025-02", 500)},
		"2025-01": {err: &backend.StatusError{Op: "LatestReport", StatusCode: 500}},
		"2024-12": {err: &backend.TransportError{Op: "LatestReport", Err: errors.New("refused")}},
		"2024-11": {body: `<html>oops</html>`},
	}}
	var outcomes []string
	c := newController(fb, WithFetchObserver(func(_, outcome string, _ time.Duration) {
		outcomes = append(outcomes, outcome)
	}))
	c.Initialize(context.Background(), []string{"2025-02"})
	before := c.Display()

	for _, p := range []string{"2025-01", "2024-12", "2024-11"} {
		assert.False(t, c.FetchAndApply(context.Background(), p))
		assert.False(t, c.IsFetching())
	}

	assert.Equal(t, before, c.Display())
	assert.Equal(t, []string{OutcomeApplied, OutcomeError, OutcomeError, OutcomeInvalid}, outcomes)
}

func TestTotalMembersReplacedByScopedFetch(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{"2025-02": {body: payload("2025-02", 500)}}}
	c := newController(fb)
	require.Equal(t, report.Num(0), c.Display().TotalMembers)

	require.True(t, c.FetchAndApply(context.Background(), "2025-02"))
	assert.Equal(t, report.Num(500), c.Display().TotalMembers)
}

func TestAppliedPayloadIsArchived(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{"2025-02": {body: payload("2025-02", 5)}}}
	store := &memorySnapshots{}
	c := newController(fb, WithSnapshots(store))

	c.Initialize(context.Background(), []string{"2025-02"})

	require.Len(t, store.saved, 1)
	assert.Equal(t, "2025-02", store.saved[0])
}

func TestDownloadSegmentUsesLabelPeriod(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{
		"": {body: `{"overview":{"lastDate":"2025-02-28","kpis":{}}}`},
	}}
	c := newController(fb)
	c.Initialize(context.Background(), nil)

	dl, err := c.DownloadSegment(context.Background(), "4")
	require.NoError(t, err)
	assert.Equal(t, "segment_4_customers.csv", dl.Filename)
	assert.Equal(t, "2025-02", fb.segmentPeriod)
	assert.Equal(t, "2025-02", c.State().DownloadPeriod)
}

func TestRefreshWithoutPeriodsFetchesUnscoped(t *testing.T) {
	fb := &fakeBackend{replies: map[string]reply{"": {body: payload("all", 1)}}}
	c := newController(fb)

	c.Refresh(context.Background())
	assert.Equal(t, []string{""}, fb.callList())
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/5 * * * *")
	assert.NoError(t, err)
	_, err = ParseSchedule("every five minutes")
	assert.Error(t, err)
}

func TestRunRefreshScheduleDisabled(t *testing.T) {
	c := newController(&fakeBackend{})
	assert.NoError(t, RunRefreshSchedule(context.Background(), " ", c, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, RunRefreshSchedule(ctx, "0 0 1 1 *", c, time.Second))
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved []string
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, period string, _ []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, period)
	return nil
}
