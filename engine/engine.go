package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/log"
	"github.com/forechoandlook/stepflow/session"
)

// Engine advances flow sessions step by step. It never blocks waiting for a
// human: a confirmation gate ends the event sequence and a later Run picks
// the session up again.
type Engine struct {
	sessions *session.Registry
	executor stepflow.Executor
	catalog  flows.Catalog
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	monitors   []Monitor
	monitorMux sync.RWMutex
}

// NodeTypeChecker is implemented by executors that know which node types
// they can run
type NodeTypeChecker interface {
	Supports(nodeType string) bool
}

// RunRequest starts or continues a session
type RunRequest struct {
	FlowID      string                `json:"flowId,omitempty"`
	Flow        *flows.Definition     `json:"flow,omitempty"`
	Context     map[string]any        `json:"context,omitempty"`
	SessionID   string                `json:"sessionId,omitempty"`
	StartIndex  *int                  `json:"startIndex,omitempty"`
	Credentials *stepflow.Credentials `json:"credentials,omitempty"`
	Replace     bool                  `json:"replace,omitempty"`
}

// Execution is a prepared run. Nothing advances until Events is consumed.
type Execution struct {
	engine  *Engine
	ctx     context.Context
	sess    *session.Session
	def     *flows.Definition
	creds   *stepflow.Credentials
	runID   string
	created bool
}

// Option configures an Engine
type Option func(*Engine)

const tracerName = "github.com/forechoandlook/stepflow/engine"

// WithCatalog sets the source used to resolve RunRequest.FlowID
func WithCatalog(c flows.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithMonitor registers an observer for every emitted event
func WithMonitor(m Monitor) Option {
	return func(e *Engine) {
		if m != nil {
			e.monitors = append(e.monitors, m)
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer overrides the OpenTelemetry tracer wrapped around node calls
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides time.Now for step timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(
	sessions *session.Registry, executor stepflow.Executor, opts ...Option,
) *Engine {
	e := &Engine{
		sessions: sessions,
		executor: executor,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddMonitor registers an observer after construction
func (e *Engine) AddMonitor(m Monitor) {
	if m == nil {
		return
	}
	e.monitorMux.Lock()
	e.monitors = append(e.monitors, m)
	e.monitorMux.Unlock()
}

// Sessions exposes the registry backing the engine
func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Catalog returns the configured flow source, if any
func (e *Engine) Catalog() flows.Catalog {
	return e.catalog
}

// Run validates the request and prepares an execution. Lookup, validation
// and credential failures are returned here and never touch a session.
// Context and StartIndex only apply when a session is created.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Execution, error) {
	def, err := e.resolveDefinition(req)
	if err != nil {
		return nil, err
	}

	if req.SessionID == "" || req.Replace {
		return e.start(ctx, req, def)
	}
	return e.resume(ctx, req, def)
}

func (e *Engine) start(
	ctx context.Context, req RunRequest, def *flows.Definition,
) (*Execution, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: flow or flowId is required",
			stepflow.ErrMalformedRequest)
	}
	if err := e.checkDefinition(def); err != nil {
		return nil, err
	}

	start := 0
	if req.StartIndex != nil {
		start = *req.StartIndex
	}
	if start < 0 || start > len(def.Nodes) {
		return nil, fmt.Errorf("%w: start index %d outside [0, %d]",
			stepflow.ErrMalformedRequest, start, len(def.Nodes))
	}

	vars, err := stepflow.NewVars(req.Context)
	if err != nil {
		return nil, err
	}
	if err := e.checkCredentials(def, start, req.Credentials); err != nil {
		return nil, err
	}

	var sess *session.Session
	if req.SessionID != "" {
		sess, err = e.sessions.CreateWithID(req.SessionID, def, vars, start)
	} else {
		sess, err = e.sessions.Create(def, vars, start)
	}
	if err != nil {
		return nil, err
	}

	return e.newExecution(ctx, sess, req.Credentials, true), nil
}

func (e *Engine) resume(
	ctx context.Context, req RunRequest, def *flows.Definition,
) (*Execution, error) {
	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Closed() {
		return nil, session.ErrSessionClosed
	}

	bound := sess.Definition()
	if def != nil && !def.SameShape(bound) {
		return nil, fmt.Errorf(
			"%w: flow does not match the one session %s was started with",
			stepflow.ErrMalformedRequest, req.SessionID)
	}

	st := sess.Snapshot()
	if err := e.checkCredentials(
		bound, st.CurrentStepIndex, req.Credentials,
	); err != nil {
		return nil, err
	}
	if sess.Busy() {
		return nil, fmt.Errorf("%w: %s", stepflow.ErrSessionBusy, sess.ID())
	}

	return e.newExecution(ctx, sess, req.Credentials, false), nil
}

func (e *Engine) newExecution(
	ctx context.Context, sess *session.Session, creds *stepflow.Credentials,
	created bool,
) *Execution {
	return &Execution{
		engine:  e,
		ctx:     ctx,
		sess:    sess,
		def:     sess.Definition(),
		creds:   creds,
		runID:   ulid.MustNew(ulid.Now(), rand.Reader).String(),
		created: created,
	}
}

func (e *Engine) resolveDefinition(req RunRequest) (*flows.Definition, error) {
	switch {
	case req.Flow != nil && req.FlowID != "":
		return nil, fmt.Errorf("%w: give either flow or flowId, not both",
			stepflow.ErrMalformedRequest)
	case req.Flow != nil:
		return req.Flow.Clone(), nil
	case req.FlowID != "":
		if e.catalog == nil {
			return nil, fmt.Errorf("%w: %s (no catalog configured)",
				stepflow.ErrFlowNotFound, req.FlowID)
		}
		return e.catalog.Lookup(req.FlowID)
	default:
		return nil, nil
	}
}

func (e *Engine) checkDefinition(def *flows.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	checker, ok := e.executor.(NodeTypeChecker)
	if !ok {
		return nil
	}
	for _, n := range def.Nodes {
		if !checker.Supports(n.Type) {
			return fmt.Errorf("%w: node %q has unknown type %q",
				stepflow.ErrMalformedRequest, n.ID, n.Type)
		}
	}
	return nil
}

// checkCredentials fails when any node still to run needs credentials the
// caller did not supply
func (e *Engine) checkCredentials(
	def *flows.Definition, from int, creds *stepflow.Credentials,
) error {
	aware, ok := e.executor.(stepflow.CredentialAware)
	if !ok || !creds.Empty() {
		return nil
	}
	for i := from; i < len(def.Nodes); i++ {
		n := def.Nodes[i]
		if aware.RequiresCredentials(n.Type, n.Config) {
			return fmt.Errorf("%w: node %q (%s) needs credentials",
				stepflow.ErrCredentialMissing, n.ID, n.Type)
		}
	}
	return nil
}

// FlowState is the read-only projection used by status polling
func (e *Engine) FlowState(id string) (session.FlowState, error) {
	return e.sessions.FlowState(id)
}

// SessionID returns the id of the session this execution advances
func (x *Execution) SessionID() string {
	return x.sess.ID()
}

// RunID returns the ULID tagging every event of this execution
func (x *Execution) RunID() string {
	return x.runID
}

// Created reports whether the execution started a new session
func (x *Execution) Created() bool {
	return x.created
}

// Events returns the lazy event sequence. The sequence ends at completion,
// at a fatal error, at a confirmation gate, when the session is paused or
// closed, or when the caller stops iterating or cancels the context.
func (x *Execution) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		r := &runner{
			Execution: x,
			yield:     yield,
		}
		x.engine.logger.Debug("Run started",
			log.SessionID(x.sess.ID()),
			log.RunID(x.runID),
			log.FlowID(x.def.ID))
		r.run()
		x.engine.logger.Debug("Run ended",
			log.SessionID(x.sess.ID()),
			log.RunID(x.runID),
			slog.Int("events", r.seq))
	}
}

// Collect drains the sequence into a slice
func (x *Execution) Collect() []Event {
	var res []Event
	for ev := range x.Events() {
		res = append(res, ev)
	}
	return res
}
