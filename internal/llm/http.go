package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/interceptors"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/pricing"
	"github.com/fathomlab/fathom/internal/tracing"
)

const maxAttempts = 3

// newHTTPWrapper builds the breaker-guarded HTTP client shared by all
// provider implementations. Task and request IDs are injected into outbound
// headers for upstream correlation.
func newHTTPWrapper(provider string, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	base := &http.Client{
		Timeout:   clientTimeout(),
		Transport: interceptors.NewTaskHTTPRoundTripper(http.DefaultTransport),
	}
	return circuitbreaker.NewHTTPWrapper(base, provider, "llm", circuitbreaker.LLMConfig(), logger)
}

func clientTimeout() time.Duration {
	if v := os.Getenv("FATHOM_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 45 * time.Second
}

func backoff(attempt int) time.Duration {
	return time.Duration(500*(1<<attempt)) * time.Millisecond
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

// postJSON sends body to url and decodes the response into out, retrying
// transient failures (timeouts, 408, 429, 5xx) with exponential backoff. An
// open circuit breaker aborts immediately: retrying would only hammer a
// provider already known to be down.
func postJSON(ctx context.Context, wrapper *circuitbreaker.HTTPWrapper, provider, url string, header http.Header, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// One span covers all attempts; retries are one logical provider call.
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		// Rebuild the request each attempt so the body reader is fresh.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)

		resp, err := wrapper.Do(req)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				return fmt.Errorf("%s unavailable: %w", provider, err)
			}
			lastErr = err
			if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode %s response: %w", provider, err)
			}
			return nil
		}

		var eresp map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		resp.Body.Close()
		lastErr = fmt.Errorf("%s status %d: %v", provider, resp.StatusCode, eresp)
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			continue
		}
		return lastErr
	}
	return lastErr
}

// observe records call metrics and runs as a deferred helper in each Generate.
func observe(provider, model string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMCalls.WithLabelValues(provider, model, status).Inc()
	metrics.LLMCallDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// usageFor fills the accounting struct for a completed call.
func usageFor(provider, model string, promptTokens, completionTokens, totalTokens int) models.TokenUsage {
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	return models.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          pricing.CostForSplit(model, promptTokens, completionTokens),
		Model:            model,
		Provider:         provider,
	}
}
