package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay coalesces the burst of write events editors and atomic
// renames produce for a single save.
const debounceDelay = 50 * time.Millisecond

// Watcher re-reads the config file when it changes and notifies subscribers.
// Policy bundle changes (.rego files in the watched directory) get their own
// callback so the policy engine can recompile without a full config reload.
type Watcher struct {
	path   string
	dir    string
	logger *zap.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}

	mu             sync.RWMutex
	current        *Config
	handlers       []func(old, new *Config)
	policyHandlers []func(path string) error
	fileHandlers   map[string][]func() error
	started        bool
}

// NewWatcher prepares a watcher for path seeded with the already-loaded
// configuration. Call Start to begin watching.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs a file path")
	}
	if initial == nil {
		return nil, fmt.Errorf("config watcher needs an initial configuration")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		logger:       logger,
		fsw:          fsw,
		stopCh:       make(chan struct{}),
		current:      initial,
		fileHandlers: make(map[string][]func() error),
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
// Callbacks run synchronously on the watch goroutine; keep them quick.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// OnPolicyChange registers a callback for .rego files changing in the
// watched directory tree.
func (w *Watcher) OnPolicyChange(fn func(path string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policyHandlers = append(w.policyHandlers, fn)
}

// OnFile registers a callback for a sibling file, named by base name, so
// auxiliary files like models.yaml can reload without a full config cycle.
func (w *Watcher) OnFile(base string, fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fileHandlers[base] = append(w.fileHandlers[base], fn)
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("config watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	// Policies usually live in a subdirectory; fsnotify is not recursive.
	if p := w.current.Policy.Path; p != "" && p != w.dir {
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				w.logger.Warn("cannot watch policy directory",
					zap.String("dir", p),
					zap.Error(err))
			}
		}
	}
	go w.loop()
	w.logger.Info("config watcher started",
		zap.String("file", w.path),
		zap.String("dir", w.dir))
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fsw.Close()
}

func (w *Watcher) loop() {
	var (
		debounce *time.Timer
		pending  <-chan time.Time
	)
	for {
		select {
		case <-w.stopCh:
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Op == fsnotify.Chmod {
				continue
			}
			if strings.EqualFold(filepath.Ext(evt.Name), ".rego") {
				if evt.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.firePolicyHandlers(evt.Name)
				}
				continue
			}
			if !sameFile(evt.Name, w.path) {
				if evt.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.fireFileHandlers(filepath.Base(evt.Name))
				}
				continue
			}
			if evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Warn("config file removed, keeping current configuration",
					zap.String("file", w.path))
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

// reload re-reads the file. A failed load keeps the current configuration
// in place so a half-written or invalid file never degrades a running
// service.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current configuration",
			zap.String("file", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	handlers := make([]func(old, new *Config), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("file", w.path))
	for _, fn := range handlers {
		fn(old, next)
	}
}

func (w *Watcher) firePolicyHandlers(path string) {
	w.mu.RLock()
	handlers := make([]func(path string) error, len(w.policyHandlers))
	copy(handlers, w.policyHandlers)
	w.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(path); err != nil {
			w.logger.Error("policy reload failed",
				zap.String("file", path),
				zap.Error(err))
		}
	}
}

func (w *Watcher) fireFileHandlers(base string) {
	w.mu.RLock()
	handlers := make([]func() error, len(w.fileHandlers[base]))
	copy(handlers, w.fileHandlers[base])
	w.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(); err != nil {
			w.logger.Error("file reload failed",
				zap.String("file", base),
				zap.Error(err))
		}
	}
}

func sameFile(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		return a == b
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return a == b
	}
	return aa == bb
}
