package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
)

// RedisMirror appends every published event to a per-task Redis stream so
// external consumers can tail task progress without holding an in-process
// subscription. Mirroring is strictly best-effort: failures are logged and
// never reach the pipeline.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
	logger    *zap.Logger

	queue chan Event
	done  chan struct{}
}

// MirrorConfig controls the Redis stream mirror.
type MirrorConfig struct {
	KeyPrefix string        // default "fathom:events:"
	MaxLen    int64         // approximate stream cap, default 512
	TTL       time.Duration // stream expiry, default 1h
	QueueSize int           // pending append buffer, default 1024
}

// NewRedisMirror starts the background writer. Close must be called to drain.
func NewRedisMirror(client *redis.Client, cfg MirrorConfig, logger *zap.Logger) *RedisMirror {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fathom:events:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 512
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	m := &RedisMirror{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		ttl:       cfg.TTL,
		logger:    logger,
		queue:     make(chan Event, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Append enqueues an event for mirroring. Drops when the queue is full.
func (m *RedisMirror) Append(evt Event) {
	select {
	case m.queue <- evt:
	default:
		metrics.EventsDropped.Inc()
	}
}

// StreamKey returns the Redis stream key for a task.
func (m *RedisMirror) StreamKey(taskID string) string {
	return m.keyPrefix + taskID
}

// Close drains the queue and stops the writer.
func (m *RedisMirror) Close() {
	close(m.queue)
	<-m.done
}

func (m *RedisMirror) run() {
	defer close(m.done)
	for evt := range m.queue {
		m.write(evt)
	}
}

func (m *RedisMirror) write(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := m.StreamKey(evt.TaskID)
	pipe := m.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": evt.Type,
			"seq":  fmt.Sprintf("%d", evt.Seq),
			"data": string(evt.Marshal()),
		},
	})
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Debug("Event mirror write failed",
			zap.String("task_id", evt.TaskID),
			zap.Error(err),
		)
	}
}
