// Package budget tracks per-task token consumption and paces clients. A task
// budget of zero disables enforcement entirely.
package budget

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathomlab/fathom/internal/models"
)

// ErrTokenOverflow indicates a token counter would overflow the int range.
var ErrTokenOverflow = fmt.Errorf("token count would overflow")

// CheckResult reports whether a call of the estimated size may proceed and
// how hard the caller should back off first.
type CheckResult struct {
	CanProceed         bool   `json:"can_proceed"`
	Reason             string `json:"reason,omitempty"`
	RemainingTokens    int    `json:"remaining_tokens"`
	BackpressureActive bool   `json:"backpressure_active"`
	BackpressureDelay  int    `json:"backpressure_delay_ms"`
	Pressure           string `json:"pressure"` // low, medium, high, critical
}

type taskUsage struct {
	tokens int
	cost   float64
}

// Manager tracks token usage per task against a shared budget and rate-limits
// task starts per API client.
type Manager struct {
	logger *zap.Logger

	taskBudget            int
	backpressureThreshold float64
	maxBackpressureDelay  int

	mu    sync.RWMutex
	usage map[string]*taskUsage

	limiterMu sync.RWMutex
	limiters  map[string]*rate.Limiter
}

// Options configure enforcement. TaskBudget of zero means unlimited.
type Options struct {
	TaskBudget             int
	BackpressureThreshold  float64
	MaxBackpressureDelayMs int
}

func NewManager(logger *zap.Logger, opts Options) *Manager {
	m := &Manager{
		logger:                logger,
		taskBudget:            opts.TaskBudget,
		backpressureThreshold: 0.8,
		maxBackpressureDelay:  5000,
		usage:                 make(map[string]*taskUsage),
		limiters:              make(map[string]*rate.Limiter),
	}
	if opts.BackpressureThreshold > 0 {
		m.backpressureThreshold = opts.BackpressureThreshold
	}
	if opts.MaxBackpressureDelayMs > 0 {
		m.maxBackpressureDelay = opts.MaxBackpressureDelayMs
	}
	return m
}

// Check reports whether a call of the estimated size fits the task budget.
// With no budget configured every check passes at low pressure.
func (m *Manager) Check(taskID string, estimatedTokens int) *CheckResult {
	if m.taskBudget <= 0 {
		return &CheckResult{CanProceed: true, Pressure: "low"}
	}

	m.mu.RLock()
	used := 0
	if u, ok := m.usage[taskID]; ok {
		used = u.tokens
	}
	m.mu.RUnlock()

	projected := used + estimatedTokens
	usagePercent := float64(projected) / float64(m.taskBudget)

	result := &CheckResult{
		CanProceed:      projected <= m.taskBudget,
		RemainingTokens: m.taskBudget - used,
		Pressure:        pressureLevel(usagePercent),
	}
	if !result.CanProceed {
		result.Reason = fmt.Sprintf("task budget exceeded: %d/%d tokens", projected, m.taskBudget)
	}
	if usagePercent >= m.backpressureThreshold {
		result.BackpressureActive = true
		result.BackpressureDelay = m.backpressureDelay(usagePercent)
	}
	return result
}

// Record accumulates actual usage for a task.
func (m *Manager) Record(taskID string, usage models.TokenUsage) error {
	const maxInt = int(^uint(0) >> 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[taskID]
	if !ok {
		u = &taskUsage{}
		m.usage[taskID] = u
	}
	if u.tokens > maxInt-usage.TotalTokens {
		return ErrTokenOverflow
	}
	u.tokens += usage.TotalTokens
	u.cost += usage.CostUSD
	return nil
}

// Usage returns the accumulated tokens and cost for a task.
func (m *Manager) Usage(taskID string) (tokens int, costUSD float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.usage[taskID]; ok {
		return u.tokens, u.cost
	}
	return 0, 0
}

// Forget drops accounting for a task, typically on eviction.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, taskID)
}

// SetRateLimit caps task starts for an API client.
func (m *Manager) SetRateLimit(clientID string, requestsPerInterval int, interval time.Duration) {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	ratePerSecond := float64(requestsPerInterval) / interval.Seconds()
	m.limiters[clientID] = rate.NewLimiter(rate.Limit(ratePerSecond), requestsPerInterval)
}

// CheckRateLimit reports whether the client may start another task now.
// Clients without a configured limit are always allowed.
func (m *Manager) CheckRateLimit(clientID string) bool {
	m.limiterMu.RLock()
	limiter, exists := m.limiters[clientID]
	m.limiterMu.RUnlock()

	if !exists {
		return true
	}
	return limiter.Allow()
}

func (m *Manager) backpressureDelay(usagePercent float64) int {
	if usagePercent < m.backpressureThreshold {
		return 0
	}
	switch {
	case usagePercent >= 1.0:
		return m.maxBackpressureDelay
	case usagePercent >= 0.95:
		return 1500
	case usagePercent >= 0.9:
		return 750
	case usagePercent >= 0.85:
		return 300
	default:
		return 50
	}
}

func pressureLevel(usagePercent float64) string {
	switch {
	case usagePercent < 0.5:
		return "low"
	case usagePercent < 0.75:
		return "medium"
	case usagePercent < 0.9:
		return "high"
	default:
		return "critical"
	}
}
