package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisMirrorAppends(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, MirrorConfig{MaxLen: 16, TTL: time.Minute}, zap.NewNop())

	m := NewManager(16)
	m.AttachMirror(mirror)

	taskID := "task-mirror"
	m.Publish(taskID, Event{Type: TypeStatusUpdate, Message: "planning"})
	m.Publish(taskID, Event{Type: TypeProgress})

	// Close drains the queue before we read the stream back.
	mirror.Close()

	ctx := context.Background()
	entries, err := client.XRange(ctx, mirror.StreamKey(taskID), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, TypeStatusUpdate, entries[0].Values["type"])
	assert.Equal(t, "0", entries[0].Values["seq"])
	assert.Equal(t, TypeProgress, entries[1].Values["type"])
	assert.Contains(t, entries[0].Values["data"], `"task_id":"task-mirror"`)
}

func TestRedisMirrorFailureIsSilent(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	mirror := NewRedisMirror(client, MirrorConfig{}, zap.NewNop())
	m := NewManager(16)
	m.AttachMirror(mirror)

	// Publish must not block or panic even though Redis is unreachable.
	m.Publish("task-x", Event{Type: TypeStatusUpdate})
	mirror.Close()
}
