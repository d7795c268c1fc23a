// Package templates maintains the prompt catalogue used by the agents.
// Built-in prompts ship with the binary; a prompts directory can override any
// of them by file name.
package templates

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fathomlab/fathom/internal/metrics"
)

// Registry holds parsed prompt templates keyed by name.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]Entry
}

// Entry captures a loaded prompt alongside bookkeeping data.
type Entry struct {
	Name        string
	Template    *template.Template
	Source      string // "builtin" or the file path that overrode it
	ContentHash string
	LoadedAt    time.Time
}

// Summary exposes lightweight information about a registered prompt.
type Summary struct {
	Name        string
	Source      string
	ContentHash string
}

// LoadError aggregates per-file failures from a directory load.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %d prompt(s): %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// NewRegistry constructs a registry seeded with the built-in prompts.
func NewRegistry() *Registry {
	r := &Registry{prompts: make(map[string]Entry)}
	for name, text := range builtinPrompts {
		r.register(name, text, "builtin")
	}
	return r
}

func (r *Registry) register(name, text, source string) {
	tpl := template.Must(template.New(name).Parse(text))
	hash := sha256.Sum256([]byte(text))
	r.mu.Lock()
	r.prompts[name] = Entry{
		Name:        name,
		Template:    tpl,
		Source:      source,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}
	r.mu.Unlock()
	metrics.PromptsLoaded.WithLabelValues(name).Inc()
}

// LoadDirectory loads every .md and .tmpl file under root, overriding
// built-ins that share the base name.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat prompt directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("prompt path %s is not a directory", root)
	}

	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isPrompt(path) {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return fmt.Errorf("walk prompt directory %s: %w", root, err)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.PromptLoadErrors.WithLabelValues("read").Inc()
		return fmt.Errorf("read file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tpl, err := template.New(name).Parse(string(data))
	if err != nil {
		metrics.PromptLoadErrors.WithLabelValues("parse").Inc()
		return fmt.Errorf("parse template: %w", err)
	}

	hash := sha256.Sum256(data)
	r.mu.Lock()
	r.prompts[name] = Entry{
		Name:        name,
		Template:    tpl,
		Source:      path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
	}
	r.mu.Unlock()
	metrics.PromptsLoaded.WithLabelValues(name).Inc()
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.prompts[name]
	return entry, ok
}

// Render executes the named prompt with the supplied variables. CurrentTime
// is always available to templates.
func (r *Registry) Render(name string, data map[string]any) (string, error) {
	entry, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}

	if data == nil {
		data = make(map[string]any, 1)
	}
	if _, ok := data["CurrentTime"]; !ok {
		data["CurrentTime"] = time.Now().Format("2006-01-02 15:04:05")
	}

	var buf bytes.Buffer
	if err := entry.Template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// List returns summaries of all registered prompts sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.prompts))
	for _, entry := range r.prompts {
		summaries = append(summaries, Summary{
			Name:        entry.Name,
			Source:      entry.Source,
			ContentHash: entry.ContentHash,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

func isPrompt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".tmpl"
}
