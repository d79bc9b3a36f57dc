package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/log"
)

// Registry owns every live session. It is an explicit value so each server
// or test gets its own isolated set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	retention time.Duration
	idleTTL   time.Duration
	archiver  Archiver
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// Summary is the listing view of a session
type Summary struct {
	SessionID        string    `json:"sessionId"`
	FlowID           string    `json:"flowId,omitempty"`
	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	NodeCount        int       `json:"nodeCount"`
	Closed           bool      `json:"closed,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

const (
	DefaultRetention = 30 * time.Minute
	DefaultIdleTTL   = 24 * time.Hour
)

// WithRetention sets how long finished or closed sessions stay visible
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithIdleTTL sets how long an unfinished session may sit untouched; zero
// keeps it forever
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) { r.idleTTL = d }
}

// WithArchiver stores reaped sessions somewhere before they are dropped
func WithArchiver(a Archiver) Option {
	return func(r *Registry) { r.archiver = a }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		retention: DefaultRetention,
		idleTTL:   DefaultIdleTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a session under a fresh id
func (r *Registry) Create(
	def *flows.Definition, vars stepflow.Vars, start int,
) (*Session, error) {
	return r.CreateWithID(uuid.NewString(), def, vars, start)
}

// CreateWithID starts a session under id. A session already registered
// under that id is closed and replaced.
func (r *Registry) CreateWithID(
	id string, def *flows.Definition, vars stepflow.Vars, start int,
) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id",
			stepflow.ErrMalformedRequest)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if start < 0 || start > len(def.Nodes) {
		return nil, fmt.Errorf("%w: start index %d outside [0, %d]",
			stepflow.ErrMalformedRequest, start, len(def.Nodes))
	}
	if vars == nil {
		vars = stepflow.Vars{stepflow.PreviousOutputKey: nil}
	}
	if err := vars.Validate(); err != nil {
		return nil, err
	}

	sess := newSession(id, def.Clone(), vars.Clone(), start, r.now)

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = sess
	r.mu.Unlock()

	if old != nil {
		old.close()
		r.logger.Info("Session replaced", log.SessionID(id))
	}
	r.logger.Debug("Session created",
		log.SessionID(id),
		log.FlowID(def.ID),
		log.StepIndex(start))
	return sess, nil
}

// Get returns the session registered under id, closed or not
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stepflow.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Update mutates the state of an open session
func (r *Registry) Update(
	id string, fn func(*FlowState) error,
) (FlowState, error) {
	sess, err := r.Get(id)
	if err != nil {
		return FlowState{}, err
	}
	return sess.Update(fn)
}

// Close marks the session completed, drops any pending confirmation and
// refuses further runs or control calls
func (r *Registry) Close(id string) (FlowState, error) {
	sess, err := r.Get(id)
	if err != nil {
		return FlowState{}, err
	}
	if sess.Closed() {
		return FlowState{}, ErrSessionClosed
	}
	st := sess.close()
	r.logger.Info("Session closed", log.SessionID(id))
	return st, nil
}

// FlowState returns a read-only snapshot; it never advances execution
func (r *Registry) FlowState(id string) (FlowState, error) {
	sess, err := r.Get(id)
	if err != nil {
		return FlowState{}, err
	}
	return sess.Snapshot(), nil
}

// List summarizes every registered session, newest first
func (r *Registry) List() []Summary {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	res := make([]Summary, 0, len(all))
	for _, s := range all {
		st := s.Snapshot()
		res = append(res, Summary{
			SessionID:        st.SessionID,
			FlowID:           st.FlowID,
			Status:           st.Status,
			CurrentStepIndex: st.CurrentStepIndex,
			NodeCount:        st.NodeCount,
			Closed:           s.Closed(),
			UpdatedAt:        st.UpdatedAt,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap drops sessions past their retention or idle window and hands them
// to the archiver. It returns how many were dropped.
func (r *Registry) Reap(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var reaped []*Session
	for id, s := range r.sessions {
		if s.reapable(now, r.retention, r.idleTTL) {
			reaped = append(reaped, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range reaped {
		st := s.Snapshot()
		if r.archiver != nil {
			if err := r.archiver.Archive(ctx, st); err != nil {
				r.logger.Warn("Session archive failed",
					log.SessionID(st.SessionID),
					log.Error(err))
			}
		}
		r.logger.Debug("Session reaped",
			log.SessionID(st.SessionID),
			log.Status(st.Status))
	}
	return len(reaped)
}

// Janitor reaps on every tick until ctx is done
func (r *Registry) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Archived loads the snapshot of a reaped session from the archiver
func (r *Registry) Archived(ctx context.Context, id string) (FlowState, error) {
	if r.archiver == nil {
		return FlowState{}, fmt.Errorf("%w: %s",
			stepflow.ErrSessionNotFound, id)
	}
	return r.archiver.Load(ctx, id)
}
