package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	initial, err := Load(path)
	require.NoError(t, err)
	w, err := NewWatcher(path, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func TestNewWatcherRequiresPathAndConfig(t *testing.T) {
	_, err := NewWatcher("", Default(), zap.NewNop())
	require.Error(t, err)

	_, err = NewWatcher("fathom.yaml", nil, zap.NewNop())
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	w := startWatcher(t, path)

	var got atomic.Value
	w.OnChange(func(old, new *Config) {
		got.Store([2]string{old.Logging.Level, new.Logging.Level})
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		return got.Load() != nil
	}, 3*time.Second, 20*time.Millisecond)

	levels := got.Load().([2]string)
	assert.Equal(t, "info", levels[0])
	assert.Equal(t, "debug", levels[1])
	assert.Equal(t, "debug", w.Current().Logging.Level)
}

func TestWatcherKeepsCurrentOnInvalidReload(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	w := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: nosuch\n"), 0o644))

	// Give the debounced reload time to run and fail validation.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "info", w.Current().Logging.Level)

	// A follow-up valid write proves the loop survived the failure.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.Current().Logging.Level == "warn"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherNotifiesPolicyChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fathom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	w := startWatcher(t, path)

	var fired atomic.Int32
	w.OnPolicyChange(func(string) error {
		fired.Add(1)
		return nil
	})

	rego := filepath.Join(dir, "research.rego")
	require.NoError(t, os.WriteFile(rego, []byte("package fathom.research\n"), 0o644))

	require.Eventually(t, func() bool {
		return fired.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)

	// Policy files never trigger a config reload.
	assert.Equal(t, "info", w.Current().Logging.Level)
}

func TestWatcherWatchesPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	polDir := filepath.Join(dir, "policies")
	require.NoError(t, os.Mkdir(polDir, 0o755))
	path := filepath.Join(dir, "fathom.yaml")
	body := "policy:\n  path: " + polDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	w := startWatcher(t, path)

	var fired atomic.Int32
	w.OnPolicyChange(func(string) error {
		fired.Add(1)
		return nil
	})

	rego := filepath.Join(polDir, "research.rego")
	require.NoError(t, os.WriteFile(rego, []byte("package fathom.research\n"), 0o644))

	require.Eventually(t, func() bool {
		return fired.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherFiresNamedFileHandlers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fathom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	w := startWatcher(t, path)

	var fired atomic.Int32
	w.OnFile("models.yaml", func() error {
		fired.Add(1)
		return nil
	})

	models := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(models, []byte("pricing: {}\n"), 0o644))

	require.Eventually(t, func() bool {
		return fired.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fathom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	w := startWatcher(t, path)

	var changes atomic.Int32
	w.OnChange(func(old, new *Config) { changes.Add(1) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, changes.Load())
}
