package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// HTTPWrapper guards an HTTP client with a circuit breaker. Server-side
// failures (5xx) count against the breaker, client errors (4xx) do not.
type HTTPWrapper struct {
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPWrapper wraps client with a breaker named for the protected call.
func NewHTTPWrapper(client *http.Client, name, service string, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWrapper{
		client:  client,
		breaker: New(name, service, config, logger),
	}
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}

// Do executes the request through the breaker. A 5xx response trips the
// breaker but is still handed back to the caller with a nil error, so the
// caller sees exactly what the server sent.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = w.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return resp, nil
	}
	return resp, err
}
