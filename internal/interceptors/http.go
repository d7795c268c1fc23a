package interceptors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey int

const taskIDKey ctxKey = iota

// WithTaskID returns a context carrying the task id for outbound call tagging.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext extracts the task id set by WithTaskID, if any.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey).(string); ok {
		return v
	}
	return ""
}

// TaskHTTPRoundTripper adds task metadata headers to outgoing HTTP requests so
// backend logs can be correlated with the task that triggered the call.
type TaskHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewTaskHTTPRoundTripper wraps base (http.DefaultTransport when nil).
func NewTaskHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TaskHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper and injects task headers.
func (t *TaskHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if id := TaskIDFromContext(req.Context()); id != "" {
		req.Header.Set("X-Task-ID", id)
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	return t.base.RoundTrip(req)
}
