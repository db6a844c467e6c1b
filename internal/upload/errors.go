package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/i18n"
)

// Kind classifies upload failures.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConnectivity    Kind = "connectivity"
	KindServerRejection Kind = "server_rejection"
	KindPipelineFailed  Kind = "pipeline_failed"
)

// Error is a user-facing upload failure. Message is already localized.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == k
}

var (
	// ErrSuperseded is returned to a caller whose session was replaced or reset
	// while it was waiting on the backend.
	ErrSuperseded = errors.New("upload session superseded")
	// ErrNotPolling means AwaitCompletion was called without a submitted upload.
	ErrNotPolling = errors.New("no upload awaiting completion")
)

func validationError(p *i18n.Printer, maxMB int, size int64) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: p.Sprintf(i18n.MsgFileTooLarge, maxMB),
		Err:     fmt.Errorf("file size %d exceeds %dMB", size, maxMB),
	}
}

// classifySubmitError maps an ingest failure onto the error taxonomy.
func classifySubmitError(p *i18n.Printer, maxMB int, err error) *Error {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return &Error{Kind: KindServerRejection, Message: rejectionMessage(p, maxMB, se), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindConnectivity, Message: p.Sprintf(i18n.MsgUploadFailed), Err: err}
	}
	return &Error{Kind: KindConnectivity, Message: p.Sprintf(i18n.MsgBackendUnreachable), Err: err}
}

// rejectionMessage: 413 always reports the configured limit; otherwise the
// body's detail or message field, raw text when the body is not JSON, or the
// generic fallback.
func rejectionMessage(p *i18n.Printer, maxMB int, se *backend.StatusError) string {
	if se.StatusCode == http.StatusRequestEntityTooLarge {
		return p.Sprintf(i18n.MsgUploadTooLarge, maxMB)
	}

	fallback := p.Sprintf(i18n.MsgUploadFailed)
	text := strings.TrimSpace(string(se.Body))
	if text == "" {
		return fallback
	}
	if !gjson.Valid(text) {
		return text
	}
	parsed := gjson.Parse(text)
	for _, key := range []string{"detail", "message"} {
		if v := parsed.Get(key); jsTruthy(v) {
			return v.String()
		}
	}
	return fallback
}

func jsTruthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	}
	return true
}
