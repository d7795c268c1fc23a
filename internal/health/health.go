// Package health aggregates dependency checks behind the liveness and
// readiness endpoints. Critical failures make the service not ready;
// non-critical failures only degrade it.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's outcome.
type CheckResult struct {
	Component string         `json:"component"`
	Status    CheckStatus    `json:"-"`
	State     string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Critical  bool           `json:"critical"`
	Duration  time.Duration  `json:"-"`
	LatencyMS int64          `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	IsCritical() bool
	Timeout() time.Duration
	Check(ctx context.Context) CheckResult
}

// Snapshot is the aggregate of one full run.
type Snapshot struct {
	Status     CheckStatus            `json:"-"`
	State      string                 `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager holds the registered checkers and computes aggregate health. Checks
// run on demand; every probe here is a local ping or an in-memory state read,
// so there is no cached background loop.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		logger:   logger,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %q already registered", name)
	}
	m.checkers[name] = c
	m.order = append(m.order, name)
	sort.Strings(m.order)
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Run executes every checker with its own timeout and aggregates the results.
func (m *Manager) Run(ctx context.Context) Snapshot {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	snap := Snapshot{
		Components: make(map[string]CheckResult, len(names)),
		Timestamp:  time.Now().UTC(),
	}
	if len(names) == 0 {
		snap.Status = StatusUnknown
		snap.State = snap.Status.String()
		snap.Message = "no health checks registered"
		snap.Ready = true
		return snap
	}

	criticalFailures := 0
	degraded := 0
	for _, name := range names {
		result := m.runOne(ctx, checkers[name])
		snap.Components[name] = result
		metrics.HealthCheckStatus.WithLabelValues(name).Set(float64(result.Status))

		switch result.Status {
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				degraded++
			}
		case StatusDegraded:
			degraded++
		}
	}

	switch {
	case criticalFailures > 0:
		snap.Status = StatusUnhealthy
		snap.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		snap.Ready = false
	case degraded > 0:
		snap.Status = StatusDegraded
		snap.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		snap.Ready = true
	default:
		snap.Status = StatusHealthy
		snap.Message = fmt.Sprintf("all %d components healthy", len(names))
		snap.Ready = true
	}
	snap.State = snap.Status.String()
	return snap
}

// Ready reports whether every critical dependency is up.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Run(ctx).Ready
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	result.LatencyMS = result.Duration.Milliseconds()
	result.State = result.Status.String()

	if result.Status == StatusUnhealthy {
		m.logger.Warn("Health check failed",
			zap.String("checker", result.Component),
			zap.Bool("critical", result.Critical),
			zap.String("error", result.Error),
		)
	}
	return result
}
