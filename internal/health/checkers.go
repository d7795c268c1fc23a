package health

import (
	"context"
	"time"
)

const (
	defaultCheckTimeout = 5 * time.Second
	// Latency past this marks an otherwise healthy dependency degraded.
	slowThreshold = 100 * time.Millisecond
)

// PingFunc probes one dependency and returns its error, if any.
type PingFunc func(ctx context.Context) error

// Dependency turns a ping into a checker: an error is unhealthy, a slow
// answer is degraded. Covers the database, Redis, and the vector store.
type Dependency struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     PingFunc
}

func NewDependency(name string, critical bool, ping PingFunc) *Dependency {
	return &Dependency{
		name:     name,
		critical: critical,
		timeout:  defaultCheckTimeout,
		ping:     ping,
	}
}

func (d *Dependency) Name() string           { return d.name }
func (d *Dependency) IsCritical() bool       { return d.critical }
func (d *Dependency) Timeout() time.Duration { return d.timeout }

func (d *Dependency) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := d.ping(ctx)
	elapsed := time.Since(start)

	result := CheckResult{Duration: elapsed}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = d.name + " ping failed"
		return result
	}
	if elapsed > slowThreshold {
		result.Status = StatusDegraded
		result.Message = d.name + " responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = d.name + " healthy"
	return result
}

// CheckFunc is a fully custom checker for components whose state lives in
// memory, like the policy engine or a circuit breaker.
type CheckFunc struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewCheckFunc(name string, critical bool, fn func(ctx context.Context) CheckResult) *CheckFunc {
	return &CheckFunc{
		name:     name,
		critical: critical,
		timeout:  defaultCheckTimeout,
		fn:       fn,
	}
}

func (c *CheckFunc) Name() string           { return c.name }
func (c *CheckFunc) IsCritical() bool       { return c.critical }
func (c *CheckFunc) Timeout() time.Duration { return c.timeout }

func (c *CheckFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}
