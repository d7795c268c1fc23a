package session

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

const defaultMaxResident = 256

// Options configures the registry.
type Options struct {
	// MaxResident caps how many terminal sessions stay in memory. Live
	// sessions never count against it and are never evicted.
	MaxResident int

	// Mirror, when set, receives a summary of every task that reaches a
	// terminal status.
	Mirror *Mirror
}

// Registry is the live task table.
type Registry struct {
	logger      *zap.Logger
	mirror      *Mirror
	maxResident int

	mu       sync.RWMutex
	sessions map[string]*TaskSession
	terminal *list.List // LRU of terminal sessions, front = most recent
	elems    map[string]*list.Element
	onEvict  []func(taskID string)
}

func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxResident <= 0 {
		opts.MaxResident = defaultMaxResident
	}
	return &Registry{
		logger:      logger,
		mirror:      opts.Mirror,
		maxResident: opts.MaxResident,
		sessions:    make(map[string]*TaskSession),
		terminal:    list.New(),
		elems:       make(map[string]*list.Element),
	}
}

// OnEvict registers a hook called with the task id after a terminal session
// leaves memory. Hooks run outside the registry lock.
func (r *Registry) OnEvict(fn func(taskID string)) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// Create registers a new pending task and returns its session together with
// the context its runner must live under. The context is independent of any
// request context; the task outlives the call that started it.
func (r *Registry) Create(query string, cfg models.TaskConfig) (*TaskSession, context.Context) {
	now := time.Now()
	task := &models.Task{
		ID:        uuid.New().String(),
		Query:     query,
		Config:    cfg,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskSession{
		id:        task.ID,
		task:      task,
		decisions: make(chan models.Decision, decisionBuffer),
		cancel:    cancel,
		registry:  r,
	}

	r.mu.Lock()
	r.sessions[task.ID] = s
	metrics.TasksResident.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	r.logger.Info("Task session created",
		zap.String("task_id", task.ID),
		zap.Bool("auto_approve", cfg.AutoApprove),
		zap.Int("max_iterations", cfg.MaxIterations))
	return s, ctx
}

// Get returns the session for a task id. A hit on a terminal session
// refreshes its eviction position.
func (r *Registry) Get(taskID string) (*TaskSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	if !ok {
		return nil, false
	}
	if el, resident := r.elems[taskID]; resident {
		r.terminal.MoveToFront(el)
	}
	return s, true
}

// Snapshot is a convenience deep-copy read.
func (r *Registry) Snapshot(taskID string) (*models.Task, bool) {
	s, ok := r.Get(taskID)
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// Bind points the task at a new event-channel connection. Last writer wins;
// the superseded connection id comes back so its transport can be closed.
func (r *Registry) Bind(taskID, connID string) (superseded string, ok bool) {
	s, found := r.Get(taskID)
	if !found {
		return "", false
	}
	s.mu.Lock()
	superseded = s.connID
	s.connID = connID
	s.mu.Unlock()
	if superseded != "" {
		r.logger.Debug("Event channel rebound",
			zap.String("task_id", taskID),
			zap.String("superseded", superseded),
			zap.String("conn_id", connID))
	}
	return superseded, true
}

// Unbind clears the binding if connID still owns it. A connection that was
// superseded and then closes must not clear its successor.
func (r *Registry) Unbind(taskID, connID string) {
	s, found := r.Get(taskID)
	if !found {
		return
	}
	s.mu.Lock()
	if s.connID == connID {
		s.connID = ""
	}
	s.mu.Unlock()
}

// Cancel fires the task's cancel hook. The runner performs the actual
// transition to cancelled; terminal tasks ignore the signal.
func (r *Registry) Cancel(taskID string) bool {
	s, ok := r.Get(taskID)
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Resident returns how many sessions are in memory, live and terminal.
func (r *Registry) Resident() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Summaries lists resident tasks newest first. It backs history queries when
// no persistent store is configured.
func (r *Registry) Summaries(limit, offset int) []models.TaskSummary {
	r.mu.RLock()
	all := make([]models.TaskSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s.Snapshot().Summary())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []models.TaskSummary{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Close cancels every live session. Runners observe their contexts and wind
// down on their own.
func (r *Registry) Close() {
	r.mu.RLock()
	sessions := make([]*TaskSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Cancel()
	}
}

// noteTerminal runs on a session's first transition into a terminal status:
// it joins the resident-terminal LRU, evicts past the cap, and mirrors the
// summary.
func (r *Registry) noteTerminal(s *TaskSession, summary models.TaskSummary) {
	var evicted []string
	r.mu.Lock()
	if _, tracked := r.elems[s.id]; !tracked {
		r.elems[s.id] = r.terminal.PushFront(s.id)
	}
	for r.terminal.Len() > r.maxResident {
		back := r.terminal.Back()
		if back == nil {
			break
		}
		id := back.Value.(string)
		r.terminal.Remove(back)
		delete(r.elems, id)
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	hooks := r.onEvict
	metrics.TasksResident.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, id := range evicted {
		metrics.TasksEvicted.Inc()
		for _, fn := range hooks {
			fn(id)
		}
		r.logger.Debug("Evicted terminal task session", zap.String("task_id", id))
	}

	if r.mirror != nil {
		go r.mirror.WriteSummary(summary)
	}
}
