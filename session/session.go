package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
)

// Session binds one FlowState to its id and serializes every access to it.
// At most one run may hold the session's lease at a time.
type Session struct {
	id  string
	def *flows.Definition
	now func() time.Time

	mu     sync.Mutex
	state  FlowState
	closed bool
	lease  string
}

var (
	// ErrSessionClosed is returned for sessions that were rejected or
	// replaced. It matches stepflow.ErrSessionNotFound.
	ErrSessionClosed = fmt.Errorf("%w: session closed",
		stepflow.ErrSessionNotFound)

	// ErrLeaseLost is returned when a run commits without holding the lease
	ErrLeaseLost = fmt.Errorf("%w: run lease lost", stepflow.ErrSessionBusy)
)

func newSession(
	id string, def *flows.Definition, vars stepflow.Vars, start int,
	now func() time.Time,
) *Session {
	ts := now()
	return &Session{
		id:  id,
		def: def,
		now: now,
		state: FlowState{
			SessionID:        id,
			FlowID:           def.ID,
			Status:           StatusRunning,
			CurrentStepIndex: start,
			NodeCount:        len(def.Nodes),
			Context:          vars,
			Steps:            []StepResult{},
			CreatedAt:        ts,
			UpdatedAt:        ts,
		},
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Definition returns a copy of the flow the session was started with
func (s *Session) Definition() *flows.Definition {
	return s.def.Clone()
}

// Snapshot returns a deep copy of the current state
func (s *Session) Snapshot() FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Closed reports whether the session was rejected or replaced
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Busy reports whether a run currently holds the lease
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease != ""
}

// Acquire grants the run lease to runID
func (s *Session) Acquire(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.lease != "" {
		return fmt.Errorf("%w: %s", stepflow.ErrSessionBusy, s.id)
	}
	s.lease = runID
	return nil
}

// Release gives the lease back; releasing a lease held by another run is a
// no-op
func (s *Session) Release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == runID {
		s.lease = ""
	}
}

// Update applies fn to a copy of the state and commits it atomically when
// fn succeeds and the result is consistent
func (s *Session) Update(fn func(*FlowState) error) (FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FlowState{}, ErrSessionClosed
	}
	return s.commit(fn)
}

// UpdateIdle is Update for mutations that must not overlap with a run
func (s *Session) UpdateIdle(fn func(*FlowState) error) (FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FlowState{}, ErrSessionClosed
	}
	if s.lease != "" {
		return FlowState{}, fmt.Errorf("%w: %s",
			stepflow.ErrSessionBusy, s.id)
	}
	return s.commit(fn)
}

// CommitRun is Update for the run holding the lease
func (s *Session) CommitRun(
	runID string, fn func(*FlowState) error,
) (FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state.Clone(), ErrSessionClosed
	}
	if s.lease != runID {
		return s.state.Clone(), ErrLeaseLost
	}
	return s.commit(fn)
}

func (s *Session) close() FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		next := s.state.Clone()
		next.Status = StatusCompleted
		next.Pending = nil
		ts := s.now()
		next.UpdatedAt = ts
		next.FinishedAt = &ts
		s.state = next
		s.closed = true
	}
	return s.state.Clone()
}

func (s *Session) commit(fn func(*FlowState) error) (FlowState, error) {
	next := s.state.Clone()
	if err := fn(&next); err != nil {
		return s.state.Clone(), err
	}
	if err := next.CheckInvariants(); err != nil {
		return s.state.Clone(), fmt.Errorf("session %s: %w", s.id, err)
	}

	ts := s.now()
	next.UpdatedAt = ts
	switch {
	case !next.Status.IsTerminal():
		next.FinishedAt = nil
	case next.FinishedAt == nil:
		next.FinishedAt = &ts
	}
	s.state = next
	return s.state.Clone(), nil
}

// reapable reports whether the session can be dropped at now
func (s *Session) reapable(now time.Time, retention, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease != "" {
		return false
	}
	if s.closed || s.state.Status.IsTerminal() {
		finished := s.state.UpdatedAt
		if s.state.FinishedAt != nil {
			finished = *s.state.FinishedAt
		}
		return !now.Before(finished.Add(retention))
	}
	return idle > 0 && !now.Before(s.state.UpdatedAt.Add(idle))
}
