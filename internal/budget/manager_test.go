package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/models"
)

func TestUnlimitedByDefault(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{})

	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: 1_000_000}))
	res := m.Check("t1", 1_000_000)
	assert.True(t, res.CanProceed)
	assert.False(t, res.BackpressureActive)
	assert.Equal(t, "low", res.Pressure)
}

func TestBudgetEnforcement(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{TaskBudget: 10000})

	res := m.Check("t1", 2000)
	assert.True(t, res.CanProceed)
	assert.Equal(t, 10000, res.RemainingTokens)

	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: 9000, CostUSD: 0.05}))

	res = m.Check("t1", 2000)
	assert.False(t, res.CanProceed)
	assert.Contains(t, res.Reason, "task budget exceeded")
	assert.Equal(t, 1000, res.RemainingTokens)

	// Other tasks are unaffected.
	res = m.Check("t2", 2000)
	assert.True(t, res.CanProceed)
}

func TestBackpressureRamp(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{TaskBudget: 10000})
	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: 8000}))

	res := m.Check("t1", 200) // 82%
	assert.True(t, res.BackpressureActive)
	assert.Equal(t, 50, res.BackpressureDelay)

	res = m.Check("t1", 1600) // 96%
	assert.Equal(t, 1500, res.BackpressureDelay)
	assert.Equal(t, "critical", res.Pressure)

	res = m.Check("t1", 2500) // over limit
	assert.Equal(t, 5000, res.BackpressureDelay)
	assert.False(t, res.CanProceed)
}

func TestPressureLevels(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{0.1, "low"},
		{0.6, "medium"},
		{0.8, "high"},
		{0.95, "critical"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pressureLevel(tt.percent))
	}
}

func TestUsageAccumulates(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{})

	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: 100, CostUSD: 0.01}))
	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: 250, CostUSD: 0.02}))

	tokens, cost := m.Usage("t1")
	assert.Equal(t, 350, tokens)
	assert.InDelta(t, 0.03, cost, 1e-9)

	m.Forget("t1")
	tokens, cost = m.Usage("t1")
	assert.Zero(t, tokens)
	assert.Zero(t, cost)
}

func TestRecordOverflow(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{})
	const maxInt = int(^uint(0) >> 1)

	require.NoError(t, m.Record("t1", models.TokenUsage{TotalTokens: maxInt - 10}))
	err := m.Record("t1", models.TokenUsage{TotalTokens: 100})
	assert.ErrorIs(t, err, ErrTokenOverflow)
}

func TestRateLimit(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{})

	// Unconfigured clients are never limited.
	assert.True(t, m.CheckRateLimit("anonymous"))

	m.SetRateLimit("client-a", 2, time.Minute)
	assert.True(t, m.CheckRateLimit("client-a"))
	assert.True(t, m.CheckRateLimit("client-a"))
	assert.False(t, m.CheckRateLimit("client-a"))

	// Limits are per client.
	assert.True(t, m.CheckRateLimit("anonymous"))
}
