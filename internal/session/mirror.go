package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/models"
)

const defaultSummaryTTL = 24 * time.Hour

// Mirror writes terminal task summaries to Redis so other processes can see
// recent outcomes without a database round trip. It is advisory: writes drop
// on failure.
type Mirror struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(addr string, ttl time.Duration, logger *zap.Logger) (*Mirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	m := NewMirrorWithClient(circuitbreaker.NewRedisWrapper(client, logger), ttl, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return m, nil
}

// NewMirrorWithClient wraps an existing client, used where the caller already
// holds a breaker-guarded connection.
func NewMirrorWithClient(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	return &Mirror{client: client, ttl: ttl, logger: logger}
}

func summaryKey(taskID string) string {
	return "task:summary:" + taskID
}

// WriteSummary stores one terminal summary.
func (m *Mirror) WriteSummary(summary models.TaskSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		m.logger.Warn("Summary marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.client.Set(ctx, summaryKey(summary.TaskID), data, m.ttl).Err(); err != nil {
		m.logger.Warn("Summary mirror write failed",
			zap.String("task_id", summary.TaskID),
			zap.Error(err))
	}
}

// ReadSummary fetches a mirrored summary. A missing key returns (nil, nil).
func (m *Mirror) ReadSummary(ctx context.Context, taskID string) (*models.TaskSummary, error) {
	data, err := m.client.Get(ctx, summaryKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s models.TaskSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &s, nil
}

// Ping reports mirror connectivity for health checks.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) Close() error { return m.client.Close() }
