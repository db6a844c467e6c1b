package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PipelineStatus is the last-fetched backend job snapshot.
type PipelineStatus struct {
	Status                string   `json:"status"`
	CurrentStage          string   `json:"current_stage,omitempty"`
	Percent               *float64 `json:"percent,omitempty"`
	EstimatedRemainingSec *float64 `json:"estimated_remaining_sec,omitempty"`
	Message               string   `json:"message,omitempty"`
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// UploadAck is the ingest acknowledgment.
type UploadAck struct {
	PreviewPeriods []string `json:"preview_periods"`
	SavedAs        string   `json:"saved_as,omitempty"`
	Size           int64    `json:"size,omitempty"`
}

// Download is a streamed CSV export. Callers must close Body.
type Download struct {
	Filename    string
	ContentType string
	Body        io.ReadCloser
}

// TransportError means the request never got an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response. Body is capped at maxErrorBody bytes.
type StatusError struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend status=%d body=%s", e.Op, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

const maxErrorBody = 64 * 1024

// Observer receives one call per backend request, used for metrics.
type Observer func(operation string, duration time.Duration, err error)

// Client talks to the analytics pipeline REST API.
type Client struct {
	endpoint string
	http     *http.Client
	upload   *http.Client
	observe  Observer
}

// NewClient builds a client. uploadTimeout of zero means the upload request
// is bounded only by its context, since large files may take minutes.
func NewClient(endpoint string, timeout, uploadTimeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{Timeout: timeout},
		upload:   &http.Client{Timeout: uploadTimeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Endpoint returns the normalized base URL.
func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

// SetObserver installs a per-request hook. Not safe to call concurrently with requests.
func (c *Client) SetObserver(o Observer) {
	c.observe = o
}

// Upload streams r as the multipart field "file" to /upload.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadAck, error) {
	const op = "Upload"
	start := time.Now()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/upload", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		err = &TransportError{Op: op, Err: err}
		c.record(op, start, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(op, resp)
	if err != nil {
		c.record(op, start, err)
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	ack := &UploadAck{
		SavedAs: parsed.Get("saved_as").String(),
		Size:    parsed.Get("size").Int(),
	}
	if periods := parsed.Get("preview_periods"); periods.IsArray() {
		for _, p := range periods.Array() {
			if s := strings.TrimSpace(p.String()); s != "" {
				ack.PreviewPeriods = append(ack.PreviewPeriods, s)
			}
		}
	}
	c.record(op, start, nil)
	return ack, nil
}

// PipelineStatus fetches /pipeline/status.
func (c *Client) PipelineStatus(ctx context.Context) (*PipelineStatus, error) {
	const op = "PipelineStatus"
	start := time.Now()

	body, err := c.get(ctx, op, "/pipeline/status", nil)
	if err != nil {
		c.record(op, start, err)
		return nil, err
	}

	st, err := ParsePipelineStatus(body)
	c.record(op, start, err)
	return st, err
}

// ParsePipelineStatus decodes a status payload. Numeric fields accept numbers
// and numeric strings; anything else is treated as absent.
func ParsePipelineStatus(body []byte) (*PipelineStatus, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("pipeline status: invalid json")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, errors.New("pipeline status: expected object")
	}

	return &PipelineStatus{
		Status:                parsed.Get("status").String(),
		CurrentStage:          optionalString(parsed.Get("current_stage")),
		Percent:               optionalFloat(parsed.Get("percent")),
		EstimatedRemainingSec: optionalFloat(parsed.Get("estimated_remaining_sec")),
		Message:               optionalString(parsed.Get("message")),
	}, nil
}

// PipelineLogs returns the full text of /artifacts/pipeline_logs.txt.
func (c *Client) PipelineLogs(ctx context.Context) (string, error) {
	const op = "PipelineLogs"
	start := time.Now()
	body, err := c.get(ctx, op, "/artifacts/pipeline_logs.txt", nil)
	c.record(op, start, err)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// LatestReport fetches /report/latest, scoped to period when non-empty.
// The raw payload is returned for normalization by the caller.
func (c *Client) LatestReport(ctx context.Context, period string) ([]byte, error) {
	const op = "LatestReport"
	start := time.Now()

	var q url.Values
	if period = strings.TrimSpace(period); period != "" {
		q = url.Values{"period": []string{period}}
	}
	body, err := c.get(ctx, op, "/report/latest", q)
	c.record(op, start, err)
	return body, err
}

// DownloadCluster streams the CSV export for a product cluster.
func (c *Client) DownloadCluster(ctx context.Context, clusterID string) (*Download, error) {
	path := "/stage3/cluster/" + url.PathEscape(clusterID) + "/download"
	return c.download(ctx, "DownloadCluster", path, nil, fmt.Sprintf("cluster_%s.csv", clusterID))
}

// DownloadSegment streams the CSV export for a customer segment.
func (c *Client) DownloadSegment(ctx context.Context, segmentID, period string) (*Download, error) {
	path := "/stage4/segment/" + url.PathEscape(segmentID) + "/download"
	var q url.Values
	if period = strings.TrimSpace(period); period != "" {
		q = url.Values{"period": []string{period}}
	}
	return c.download(ctx, "DownloadSegment", path, q, fmt.Sprintf("segment_%s_customers.csv", segmentID))
}

// ArtifactURL resolves an artifact path (e.g. a SHAP image) against the API base.
func (c *Client) ArtifactURL(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.Endpoint() + p
}

func (c *Client) download(ctx context.Context, op, path string, q url.Values, fallbackName string) (*Download, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodGet, path, q)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		err = &TransportError{Op: op, Err: err}
		c.record(op, start, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: blob}
		c.record(op, start, err)
		return nil, err
	}

	name := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fallbackName
	}
	c.record(op, start, nil)
	return &Download{
		Filename:    name,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

var dispositionFilename = regexp.MustCompile(`filename="?([^";]+)"?`)

// FilenameFromDisposition extracts the filename from a Content-Disposition header.
func FilenameFromDisposition(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return name
		}
	}
	if m := dispositionFilename.FindStringSubmatch(header); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, q)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	return readBody(op, resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values) (*http.Request, error) {
	u, err := url.Parse(c.endpoint + path)
	if err != nil {
		return nil, err
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return http.NewRequestWithContext(ctx, method, u.String(), nil)
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: blob}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return body, nil
}

func (c *Client) record(op string, start time.Time, err error) {
	if c.observe != nil {
		c.observe(op, time.Since(start), err)
	}
}

func optionalString(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

func optionalFloat(r gjson.Result) *float64 {
	switch r.Type {
	case gjson.Number:
		v := r.Float()
		return &v
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return nil
		}
		v := gjson.Parse(s)
		if v.Type != gjson.Number {
			return nil
		}
		f := v.Float()
		return &f
	default:
		return nil
	}
}
