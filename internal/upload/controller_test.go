package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/i18n"
)

type statusResult struct {
	st  *backend.PipelineStatus
	err error
}

type fakeBackend struct {
	mu          sync.Mutex
	uploadCalls int
	uploadErr   error
	ack         *backend.UploadAck
	statuses    []statusResult
	polls       int
	logs        string
	logCalls    int
	blockPolls  bool
	pollStarted chan struct{}
}

func (f *fakeBackend) Upload(_ context.Context, _ string, r io.Reader) (*backend.UploadAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if r != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if f.ack == nil {
		return &backend.UploadAck{}, nil
	}
	return f.ack, nil
}

func (f *fakeBackend) PipelineStatus(ctx context.Context) (*backend.PipelineStatus, error) {
	f.mu.Lock()
	if f.blockPolls {
		f.polls++
		started := f.pollStarted
		f.mu.Unlock()
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, &backend.TransportError{Op: "PipelineStatus", Err: ctx.Err()}
	}
	defer f.mu.Unlock()
	idx := f.polls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.polls++
	res := f.statuses[idx]
	return res.st, res.err
}

func (f *fakeBackend) PipelineLogs(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	return f.logs, nil
}

func (f *fakeBackend) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func status(s, msg string) statusResult {
	return statusResult{st: &backend.PipelineStatus{Status: s, Message: msg}}
}

func newTestController(b Backend, extra ...Option) *Controller {
	return New(b, Options{
		MaxUploadMB:  100,
		PollInterval: time.Millisecond,
		LogTailChars: 10,
		Printer:      i18n.NewPrinter("zh-TW"),
	}, extra...)
}

func csvFile(name string, size int64) File {
	return File{FileInfo: FileInfo{Name: name, Size: size}, Body: strings.NewReader("a,b\n")}
}

func TestOversizeFileNeverReachesNetwork(t *testing.T) {
	fb := &fakeBackend{}
	c := newTestController(fb)

	_, err := c.Submit(context.Background(), csvFile("big.csv", 150*1024*1024))

	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Contains(t, uerr.Message, "100MB")
	assert.Equal(t, 0, fb.uploadCalls)

	snap := c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, uerr.Message, snap.Error)
}

func TestSelectFileAtLimitIsAccepted(t *testing.T) {
	c := newTestController(&fakeBackend{})
	require.NoError(t, c.SelectFile(FileInfo{Name: "ok.csv", Size: 100 * 1024 * 1024}))
	snap := c.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "ok.csv", snap.File.Name)
}

func TestSubmit413UsesConfiguredLimit(t *testing.T) {
	fb := &fakeBackend{uploadErr: &backend.StatusError{Op: "Upload", StatusCode: 413, Body: []byte(`{"detail":"nginx says no"}`)}}
	c := newTestController(fb)

	_, err := c.Submit(context.Background(), csvFile("orders.csv", 10))

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, KindServerRejection, uerr.Kind)
	assert.Equal(t, "檔案超過 100MB 限制，請調整後再試", uerr.Message)
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestRejectionMessageMapping(t *testing.T) {
	p := i18n.NewPrinter("zh-TW")
	cases := []struct {
		body string
		want string
	}{
		{body: `{"detail":"bad columns"}`, want: "bad columns"},
		{body: `{"message":"try later"}`, want: "try later"},
		{body: `{"detail":"","message":"second"}`, want: "second"},
		{body: `{"other":1}`, want: "上傳失敗，請稍後再試"},
		{body: `Internal Server Error`, want: "Internal Server Error"},
		{body: ``, want: "上傳失敗，請稍後再試"},
	}
	for _, tc := range cases {
		got := rejectionMessage(p, 100, &backend.StatusError{StatusCode: 500, Body: []byte(tc.body)})
		assert.Equal(t, tc.want, got, tc.body)
	}
}

func TestSubmitConnectivityError(t *testing.T) {
	fb := &fakeBackend{uploadErr: &backend.TransportError{Op: "Upload", Err: errors.New("connection refused")}}
	c := newTestController(fb)

	_, err := c.Submit(context.Background(), csvFile("orders.csv", 10))

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, KindConnectivity, uerr.Kind)
	assert.Equal(t, "無法連線到後端服務，請確認伺服器是否啟動", uerr.Message)
}

func TestRunPollsUntilDone(t *testing.T) {
	fb := &fakeBackend{
		ack:      &backend.UploadAck{PreviewPeriods: []string{"2025-02", "2025-01"}},
		statuses: []statusResult{status("running", ""), status("running", ""), status("done", "")},
	}
	var rec recordingHistory
	c := newTestController(fb, WithHistory(&rec))

	h, err := c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)

	assert.Equal(t, 3, fb.pollCount())
	assert.False(t, h.PipelineFailed)
	assert.Equal(t, []string{"2025-02", "2025-01"}, h.PreviewPeriods)
	assert.Equal(t, "orders.csv", h.File.Name)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 3, fb.pollCount(), "no poll after terminal status")

	snap := c.Snapshot()
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, 3, snap.Polls)
	require.NotEmpty(t, rec.records)
	assert.Equal(t, "done", rec.records[len(rec.records)-1].Status)
}

func TestRunHandsOffOnPipelineFailure(t *testing.T) {
	fb := &fakeBackend{statuses: []statusResult{status("running", ""), status("failed", "bad schema")}}
	c := newTestController(fb)

	h, err := c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)

	assert.True(t, h.PipelineFailed)
	assert.Equal(t, "解析失敗: bad schema", h.Message)
	assert.Equal(t, 2, fb.pollCount())
	assert.Equal(t, StatusFailed, c.Snapshot().Status)
	assert.Equal(t, KindPipelineFailed, c.Snapshot().ErrorKind)
}

func TestPipelineFailureDefaultMessage(t *testing.T) {
	fb := &fakeBackend{statuses: []statusResult{status("failed", "")}}
	c := newTestController(fb)

	h, err := c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)
	assert.Equal(t, "解析失敗: Pipeline failed", h.Message)
}

func TestTransientPollErrorsAreRetried(t *testing.T) {
	fb := &fakeBackend{statuses: []statusResult{
		{err: &backend.TransportError{Op: "PipelineStatus", Err: errors.New("reset")}},
		{err: &backend.StatusError{Op: "PipelineStatus", StatusCode: 502}},
		status("weird", ""),
		status("done", ""),
	}}
	c := newTestController(fb)

	h, err := c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)
	assert.False(t, h.PipelineFailed)
	assert.Equal(t, 4, fb.pollCount())
	assert.Equal(t, 2, c.Snapshot().Polls)
}

func TestResetSupersedesPollingLoop(t *testing.T) {
	fb := &fakeBackend{blockPolls: true, pollStarted: make(chan struct{})}
	c := newTestController(fb)

	_, err := c.Submit(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.AwaitCompletion(context.Background())
		done <- err
	}()

	<-fb.pollStarted
	c.Reset()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("polling loop did not stop after reset")
	}
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	assert.Nil(t, c.Snapshot().Progress)
}

func TestAwaitCompletionRequiresSubmittedUpload(t *testing.T) {
	c := newTestController(&fakeBackend{})
	_, err := c.AwaitCompletion(context.Background())
	assert.ErrorIs(t, err, ErrNotPolling)
}

func TestLogsFetchedOnlyWhenShown(t *testing.T) {
	fb := &fakeBackend{
		statuses: []statusResult{status("running", ""), status("done", "")},
		logs:     "0123456789abcdef",
	}
	var tails []string
	c := newTestController(fb, WithProgressHook(func(s Session) {
		if s.Logs != "" {
			tails = append(tails, s.Logs)
		}
	}))

	_, err := c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)
	assert.Equal(t, 0, fb.logCalls)

	fb.polls = 0
	c.SetShowLogs(true)
	_, err = c.Run(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fb.logCalls, 1)
	require.NotEmpty(t, tails)
	assert.Equal(t, "6789abcdef", tails[0])

	c.SetShowLogs(false)
	assert.Equal(t, "", c.Snapshot().Logs)
}

func TestTailCountsCharacters(t *testing.T) {
	assert.Equal(t, "", Tail("abc", 0))
	assert.Equal(t, "abc", Tail("abc", 5))
	assert.Equal(t, "完成", Tail("階段完成", 2))
}

func TestProgressUsesStaticEstimateBeforeStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	fb := &fakeBackend{blockPolls: true, pollStarted: make(chan struct{})}
	c := newTestController(fb, WithClock(func() time.Time { return clock }))

	_, err := c.Submit(context.Background(), csvFile("orders.csv", 10))
	require.NoError(t, err)

	clock = now.Add(20 * time.Second)
	p := c.Progress()
	assert.Equal(t, 20, p.ElapsedSec)
	assert.Equal(t, SourceStatic, p.Estimate.Source)
	assert.Equal(t, 60, p.Estimate.RemainingSec)
	assert.Equal(t, 2, p.StageIndex)
	assert.Equal(t, "Stage 3 - 產品分群", p.StageLabel)
	assert.Equal(t, "預估剩餘 60 秒", p.EstimateText)
	assert.Len(t, p.Stages, 7)
	assert.Equal(t, "done", p.Stages[1].State)
	assert.Equal(t, "active", p.Stages[2].State)
}

type recordingHistory struct {
	mu      sync.Mutex
	records []snapshots.UploadRecord
}

func (r *recordingHistory) RecordUpload(_ context.Context, rec snapshots.UploadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}
