package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/vss"
)

// ErrCancelled is recorded for attempts stopped by Dispatcher.Cancel.
var ErrCancelled = errors.New("cancelled")

// DispatchError is the outcome of one failed attempt.
type DispatchError struct {
	Target     data.Target
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s: status %d: %v", e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// statusCoder is implemented by the HTTP errors of the frigate and vss clients.
type statusCoder interface {
	HTTPStatus() int
}

// classify decides whether a failed attempt is worth repeating. Timeouts,
// network errors, 429 and 5xx are transient; other 4xx answers and
// malformed responses are not.
func classify(target data.Target, err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	out := &DispatchError{Target: target, Err: err}

	var sc statusCoder
	if errors.As(err, &sc) {
		out.StatusCode = sc.HTTPStatus()
		out.Retryable = out.StatusCode >= 500 || out.StatusCode == http.StatusTooManyRequests
		return out
	}

	var ne net.Error
	switch {
	case errors.Is(err, vss.ErrMalformedResponse):
		out.Retryable = false
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne):
		out.Retryable = true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		out.Retryable = true
	default:
		out.Retryable = false
	}
	return out
}
