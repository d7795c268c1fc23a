// Package session owns the live task registry. Each research task gets one
// TaskSession: the Task record (single writer is the task's runner goroutine),
// the decision channel into the approval gate, the cancel hook, and the
// advisory event-channel binding. Terminal sessions stay resident for fast
// snapshot reads until LRU eviction; full history lives in the database.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

// decisionBuffer absorbs the race between the dispatcher's state check and
// the approval gate re-entering its select. The gate drains the channel when
// it starts a new wait.
const decisionBuffer = 4

// TaskSession is one live task and its control surface.
type TaskSession struct {
	id string

	mu   sync.Mutex
	task *models.Task

	decisions chan models.Decision

	cancel     context.CancelFunc
	cancelOnce sync.Once

	connID string

	registry *Registry
}

func (s *TaskSession) ID() string { return s.id }

// Snapshot returns a deep copy safe to hand outside the runner goroutine.
func (s *TaskSession) Snapshot() *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

// Status reads the current status without copying the whole record.
func (s *TaskSession) Status() models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Status
}

// Update applies fn to the task record. Only the owning runner goroutine may
// call it; the lock exists for snapshot readers, not competing writers. The
// first transition into a terminal status hands the session to the registry's
// resident-terminal bookkeeping.
func (s *TaskSession) Update(fn func(*models.Task)) {
	s.mu.Lock()
	wasTerminal := s.task.Status.IsTerminal()
	fn(s.task)
	s.task.UpdatedAt = time.Now()
	nowTerminal := s.task.Status.IsTerminal()
	summary := s.task.Summary()
	s.mu.Unlock()

	if !wasTerminal && nowTerminal && s.registry != nil {
		s.registry.noteTerminal(s, summary)
	}
}

// Offer delivers a decision without blocking. False means the buffer is full;
// the caller reports that upstream as a no-op.
func (s *TaskSession) Offer(d models.Decision) bool {
	select {
	case s.decisions <- d:
		return true
	default:
		return false
	}
}

// Decisions is the receive side for the approval gate.
func (s *TaskSession) Decisions() <-chan models.Decision { return s.decisions }

// Drain empties buffered decisions in arrival order. The gate calls it when
// entering a new approval wait so leftovers from a previous round are
// acknowledged instead of applied to the new plan.
func (s *TaskSession) Drain() []models.Decision {
	var drained []models.Decision
	for {
		select {
		case d := <-s.decisions:
			drained = append(drained, d)
		default:
			return drained
		}
	}
}

// Cancel fires the task context exactly once. The runner observes it at loop
// tops and before external calls.
func (s *TaskSession) Cancel() {
	s.cancelOnce.Do(s.cancel)
}
