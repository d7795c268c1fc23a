// Package policy evaluates Rego policies at the two control points of a
// research task: submission (allow or deny) and the approval gate (force the
// human gate even when the caller asked for auto-approve).
package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
)

// decisionQuery is the document every policy module contributes to.
const decisionQuery = "data.fathom.research.decision"

// Stages name the control point an evaluation runs at.
const (
	StageSubmission = "submission"
	StageApproval   = "approval"
)

// Input is the evaluation context handed to the policies.
type Input struct {
	TaskID string `json:"task_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Stage  string `json:"stage"`
	Query  string `json:"query"`

	// Plan shape, set at the approval stage once a plan exists.
	SubtaskCount        int `json:"subtask_count,omitempty"`
	EstimatedIterations int `json:"estimated_iterations,omitempty"`

	AutoApprove bool      `json:"auto_approve"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is the policy verdict. RequireApproval only matters at the
// approval stage, where it overrides an auto-approve request.
type Decision struct {
	Allow           bool   `json:"allow"`
	RequireApproval bool   `json:"require_approval,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Engine loads Rego modules from a directory and evaluates them. A disabled
// engine answers every Evaluate with the fail-open (or fail-closed) default.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery

	enabled bool
	cache   *decisionCache
}

// New compiles the configured policies and returns a ready engine. With
// fail-open semantics a load failure logs and disables the engine instead of
// failing startup.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if e.enabled {
		if err := e.Load(); err != nil {
			if cfg.FailClosed {
				return nil, fmt.Errorf("load policies: %w", err)
			}
			logger.Warn("Policy load failed, engine disabled", zap.Error(err))
			e.enabled = false
		}
	}
	return e, nil
}

// Load reads and compiles every .rego file under the configured path. It is
// safe to call while evaluations are in flight; the config watcher calls it
// on policy file changes.
func (e *Engine) Load() error {
	if !e.cfg.Enabled {
		return nil
	}

	modules := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}

	if len(modules) == 0 {
		if e.cfg.FailClosed {
			return fmt.Errorf("no policies under %s", e.cfg.Path)
		}
		e.logger.Warn("No policy files found", zap.String("path", e.cfg.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.cache.Purge()

	e.logger.Info("Policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("path", e.cfg.Path))
	return nil
}

// Evaluate runs the policies against the input. The returned decision already
// has the engine mode applied: in dry-run it always allows and carries the
// would-have verdict in the reason.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	fallback := &Decision{
		Allow:  !e.cfg.FailClosed,
		Reason: "policy engine disabled",
	}

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		return fallback, nil
	}

	if input.Environment == "" {
		input.Environment = e.cfg.Environment
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	if d, ok := e.cache.Get(input); ok {
		return d, nil
	}

	inputMap, err := toMap(input)
	if err != nil {
		e.logger.Error("Policy input conversion failed", zap.Error(err))
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy input conversion failed"}, err
		}
		return fallback, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return fallback, nil
	}

	raw := parseResults(results)
	metrics.PolicyDecisions.WithLabelValues(outcome(raw), string(e.cfg.Mode)).Inc()

	decision := e.applyMode(raw, input)
	e.cache.Set(input, decision)
	return decision, nil
}

// Enabled reports whether policies are loaded and evaluations are live.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

func (e *Engine) Mode() Mode { return e.cfg.Mode }

func (e *Engine) Environment() string { return e.cfg.Environment }

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseResults extracts the decision document. No result or an unexpected
// shape is a deny, the policy author's contract is a complete decision rule.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := value["reason"].(string); ok {
			decision.Reason = reason
		}
		if req, ok := value["require_approval"].(bool); ok {
			decision.RequireApproval = req
		}
	case bool:
		decision.Allow = value
		if value {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func outcome(d *Decision) string {
	switch {
	case !d.Allow:
		return "deny"
	case d.RequireApproval:
		return "require_approval"
	default:
		return "allow"
	}
}

// applyMode turns a raw verdict into the effective one. Dry-run rewrites
// blocking verdicts into allows so callers never act on them.
func (e *Engine) applyMode(raw *Decision, input *Input) *Decision {
	switch e.cfg.Mode {
	case ModeEnforce:
		return raw
	case ModeDryRun:
		if raw.Allow && !raw.RequireApproval {
			return raw
		}
		effective := &Decision{Allow: true}
		if !raw.Allow {
			effective.Reason = "dry-run: would deny: " + raw.Reason
		} else {
			effective.Reason = "dry-run: would require approval: " + raw.Reason
		}
		e.logger.Info("Dry-run policy verdict not applied",
			zap.Bool("would_allow", raw.Allow),
			zap.Bool("would_require_approval", raw.RequireApproval),
			zap.String("reason", raw.Reason),
			zap.String("stage", input.Stage),
			zap.String("task_id", input.TaskID),
			zap.String("user_id", input.UserID))
		return effective
	default:
		return &Decision{Allow: !e.cfg.FailClosed, Reason: "policy engine disabled"}
	}
}

// decisionCache is a small LRU with TTL. The key folds in every input field
// the policies can see so distinct requests never share an entry.

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	return fmt.Sprintf("%s|%s|%s|%t|%d|%d|%x",
		input.Stage, input.UserID, input.Environment, input.AutoApprove,
		input.SubtaskCount, input.EstimatedIterations, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(cacheEntry)
	if !entry.expiresAt.After(time.Now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return entry.decision, true
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}

// Purge drops every cached decision. Called after a policy reload so stale
// verdicts never outlive the rules that produced them.
func (c *decisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
