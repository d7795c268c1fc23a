package httpapi

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
)

// statusRecorder captures the response status for the access log while
// passing Flusher and Hijacker through for SSE and WebSocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if r.status == 0 {
			r.status = http.StatusOK
		}
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// accessLog logs one line per request. Health and metrics probes are skipped;
// they fire every few seconds and say nothing.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", clientIP(r)))
	})
}

// recoverPanics turns handler panics into 500s instead of dropped
// connections. http.ErrAbortHandler passes through untouched.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			s.logger.Error("Handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

const (
	rateLimitPrefix  = "fathom:ratelimit:"
	rateLimitWindow  = time.Minute
	defaultPerMinute = 10
)

// RateLimiter caps task submissions per caller over a sliding one-minute
// window kept in a Redis sorted set. Redis trouble fails open; the breaker
// inside the wrapper stops the hammering.
type RateLimiter struct {
	client    *circuitbreaker.RedisWrapper
	perMinute int
	logger    *zap.Logger
}

func NewRateLimiter(client *circuitbreaker.RedisWrapper, perMinute int, logger *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, perMinute: perMinute, logger: logger}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerName(r)
		if caller == "" {
			caller = clientIP(r)
		}

		allowed, remaining := rl.allow(r, caller)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("caller", caller),
				zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow prunes the caller's window, counts it, and records this request. The
// three steps are not transactional; a burst racing itself may squeeze in one
// extra call, which is acceptable for an admission limit.
func (rl *RateLimiter) allow(r *http.Request, caller string) (bool, int) {
	ctx := r.Context()
	key := rateLimitPrefix + caller
	now := time.Now()
	windowStart := now.Add(-rateLimitWindow)

	if err := rl.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		rl.logger.Warn("Rate limit prune failed, allowing request", zap.Error(err))
		return true, rl.perMinute
	}
	count, err := rl.client.ZCard(ctx, key).Result()
	if err != nil {
		rl.logger.Warn("Rate limit count failed, allowing request", zap.Error(err))
		return true, rl.perMinute
	}
	if count >= int64(rl.perMinute) {
		return false, 0
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := rl.client.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		rl.logger.Warn("Rate limit record failed, allowing request", zap.Error(err))
		return true, rl.perMinute
	}
	rl.client.Expire(ctx, key, rateLimitWindow+time.Second)

	remaining := rl.perMinute - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
