package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPolicy = `package fathom.research

deny_reasons[msg] {
	contains(input.query, "forbidden")
	msg := "forbidden topic"
}

approval_reasons[msg] {
	input.auto_approve
	input.estimated_iterations > 3
	msg := "too many iterations for auto-approve"
}

decision := {
	"allow": count(deny_reasons) == 0,
	"require_approval": count(approval_reasons) > 0,
	"reason": reason,
}

reason := concat("; ", sort(deny_reasons | approval_reasons)) {
	count(deny_reasons | approval_reasons) > 0
}

reason := "ok" {
	count(deny_reasons) == 0
	count(approval_reasons) == 0
}
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.rego"), []byte(content), 0o644))
	return dir
}

func TestEvaluateEnforce(t *testing.T) {
	dir := writePolicy(t, testPolicy)
	engine, err := New(Config{Enabled: true, Mode: ModeEnforce, Path: dir, Environment: "test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, engine.Enabled())

	ctx := context.Background()

	t.Run("allows ordinary submissions", func(t *testing.T) {
		d, err := engine.Evaluate(ctx, &Input{Stage: StageSubmission, Query: "battery recycling markets"})
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.False(t, d.RequireApproval)
		assert.Equal(t, "ok", d.Reason)
	})

	t.Run("denies matched queries", func(t *testing.T) {
		d, err := engine.Evaluate(ctx, &Input{Stage: StageSubmission, Query: "research the forbidden archive"})
		require.NoError(t, err)
		assert.False(t, d.Allow)
		assert.Contains(t, d.Reason, "forbidden topic")
	})

	t.Run("forces the gate for large auto-approved plans", func(t *testing.T) {
		d, err := engine.Evaluate(ctx, &Input{
			Stage:               StageApproval,
			Query:               "battery recycling markets",
			AutoApprove:         true,
			SubtaskCount:        4,
			EstimatedIterations: 5,
		})
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.True(t, d.RequireApproval)
		assert.Contains(t, d.Reason, "too many iterations")
	})
}

func TestDryRunNeverBlocks(t *testing.T) {
	dir := writePolicy(t, testPolicy)
	engine, err := New(Config{Enabled: true, Mode: ModeDryRun, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), &Input{Stage: StageSubmission, Query: "the forbidden archive"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.False(t, d.RequireApproval)
	assert.Contains(t, d.Reason, "would deny")
}

func TestDisabledEngineFailsOpen(t *testing.T) {
	engine, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, engine.Enabled())

	d, err := engine.Evaluate(context.Background(), &Input{Stage: StageSubmission, Query: "anything"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "policy engine disabled", d.Reason)
}

func TestFailClosedNeedsPolicies(t *testing.T) {
	_, err := New(Config{Enabled: true, Mode: ModeEnforce, Path: t.TempDir(), FailClosed: true}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestBrokenPolicyFailsOpen(t *testing.T) {
	dir := writePolicy(t, "package fathom.research\n\ndecision := {")
	engine, err := New(Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, engine.Enabled())
}

func TestReloadDropsCachedDecisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "research.rego")
	denyAll := "package fathom.research\n\ndecision := {\"allow\": false, \"require_approval\": false, \"reason\": \"locked\"}\n"
	allowAll := "package fathom.research\n\ndecision := {\"allow\": true, \"require_approval\": false, \"reason\": \"open\"}\n"

	require.NoError(t, os.WriteFile(path, []byte(denyAll), 0o644))
	engine, err := New(Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	in := &Input{Stage: StageSubmission, Query: "same query"}
	d, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	require.NoError(t, os.WriteFile(path, []byte(allowAll), 0o644))
	require.NoError(t, engine.Load())

	d, err = engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "open", d.Reason)
}

func TestShippedResearchPolicy(t *testing.T) {
	engine, err := New(Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        filepath.Join("..", "..", "config", "policies"),
		Environment: "prod",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, engine.Enabled())

	ctx := context.Background()

	d, err := engine.Evaluate(ctx, &Input{Stage: StageSubmission, Query: "grid storage economics"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.False(t, d.RequireApproval)

	d, err = engine.Evaluate(ctx, &Input{Stage: StageSubmission, Query: "   "})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "empty query")

	d, err = engine.Evaluate(ctx, &Input{
		Stage:       StageApproval,
		Query:       "grid storage economics",
		AutoApprove: true,
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.True(t, d.RequireApproval, "prod auto-approve always goes through the gate")
}
