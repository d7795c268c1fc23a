package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/models"
)

func TestMirrorWriteAndRead(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror, err := NewMirror(mr.Addr(), time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer mirror.Close()

	done := time.Now().Truncate(time.Second)
	mirror.WriteSummary(models.TaskSummary{
		TaskID:      "task-1",
		Query:       "caffeine and sleep",
		Status:      models.StatusCompleted,
		Format:      models.FormatMarkdown,
		Iteration:   2,
		CreatedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	})

	got, err := mirror.ReadSummary(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "caffeine and sleep", got.Query)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Iteration)

	ttl := mr.TTL(summaryKey("task-1"))
	assert.Greater(t, ttl, time.Duration(0), "summaries expire")
}

func TestMirrorReadMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror, err := NewMirror(mr.Addr(), 0, zap.NewNop())
	require.NoError(t, err)
	defer mirror.Close()

	got, err := mirror.ReadSummary(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegistryMirrorsTerminalSummaries(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror, err := NewMirror(mr.Addr(), time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer mirror.Close()

	reg := NewRegistry(Options{Mirror: mirror}, zap.NewNop())
	s, _ := reg.Create("grid storage", models.TaskConfig{})
	finish(s)

	require.Eventually(t, func() bool {
		return mr.Exists(summaryKey(s.ID()))
	}, 2*time.Second, 10*time.Millisecond, "terminal summary lands in redis")

	got, err := mirror.ReadSummary(context.Background(), s.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
