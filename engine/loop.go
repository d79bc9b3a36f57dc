package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/log"
	"github.com/forechoandlook/stepflow/session"
)

type runner struct {
	*Execution
	yield   func(Event) bool
	seq     int
	stopped bool
}

type nodeOutcome struct {
	output    any
	named     map[string]any
	err       error
	startedAt time.Time
	endedAt   time.Time
}

var errPointerMoved = errors.New("step pointer moved during execution")

func (r *runner) run() {
	if err := r.sess.Acquire(r.runID); err != nil {
		r.emitFailure(err)
		return
	}
	defer r.sess.Release(r.runID)

	st := r.sess.Snapshot()
	switch st.Status {
	case session.StatusPaused, session.StatusCompleted, session.StatusError:
		r.emitStatus(st)
		return
	case session.StatusIdle:
		var err error
		st, err = r.commit(func(st *session.FlowState) error {
			st.Status = session.StatusRunning
			return nil
		})
		if err != nil {
			r.emitFailure(err)
			return
		}
	}

	if st.Pending != nil && !r.finishConfirmed() {
		return
	}

	for r.step() {
	}
}

// step runs the node at the current pointer and reports whether the loop
// should continue
func (r *runner) step() bool {
	if r.ctx.Err() != nil {
		return false
	}

	st := r.sess.Snapshot()
	if st.Status == session.StatusPaused {
		r.emitStatus(st)
		return false
	}

	idx := st.CurrentStepIndex
	if idx >= len(r.def.Nodes) {
		r.complete()
		return false
	}

	node := r.def.Nodes[idx]
	if !r.emit(Event{
		Type:         EventStepStart,
		Status:       st.Status,
		StepIndex:    idx,
		NodeID:       node.ID,
		NodeType:     node.Type,
		ShowResponse: node.ShowResponse,
	}, st) {
		return false
	}

	if node.RequiresConfirmation {
		r.suspend()
		return false
	}

	res := r.execute(node, st.Context)
	if res.err != nil && r.ctx.Err() != nil {
		// abandoned mid-call: record nothing for this node
		return false
	}
	if res.err != nil {
		return r.fail(idx, node, res)
	}
	return r.succeed(idx, node, res)
}

func (r *runner) execute(node flows.Node, vars stepflow.Vars) nodeOutcome {
	e := r.engine
	ctx, span := e.tracer.Start(r.ctx, "stepflow.node",
		trace.WithAttributes(
			attribute.String("stepflow.session_id", r.sess.ID()),
			attribute.String("stepflow.node_id", node.ID),
			attribute.String("stepflow.node_type", node.Type),
		))
	defer span.End()

	out := nodeOutcome{startedAt: e.now()}
	res, err := e.executor.Execute(
		ctx, node.Type, node.Config, vars.Clone(), r.creds,
	)
	out.endedAt = e.now()

	if err == nil {
		out.output, err = stepflow.NormalizeValue(stepflow.OutputFromResult(res))
		if err != nil {
			err = fmt.Errorf("output is not serializable: %w", err)
		}
	}
	if err == nil {
		var named stepflow.Vars
		named, err = stepflow.Vars{}.Merge(stepflow.NamedOutputs(res))
		if err != nil {
			err = fmt.Errorf("named output rejected: %w", err)
		}
		delete(named, stepflow.PreviousOutputKey)
		out.named = named
	}
	if err != nil {
		out.err = &stepflow.NodeExecutionError{
			NodeID:   node.ID,
			NodeType: node.Type,
			Err:      err,
		}
		msg := stepflow.RedactError(out.err, r.creds)
		span.SetStatus(codes.Error, msg)
	}
	return out
}

func (r *runner) succeed(idx int, node flows.Node, res nodeOutcome) bool {
	step := session.StepResult{
		StepIndex:  idx,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Output:     res.output,
		StartedAt:  res.startedAt,
		FinishedAt: res.endedAt,
		Attempt:    1,
	}

	st, err := r.commit(func(st *session.FlowState) error {
		if st.CurrentStepIndex != idx {
			return errPointerMoved
		}
		next, err := st.Context.Merge(res.named)
		if err != nil {
			return err
		}
		next[stepflow.PreviousOutputKey] = res.output
		st.Context = next
		st.Steps = append(st.Steps, step)
		st.CurrentStepIndex++
		return nil
	})
	if err != nil {
		r.handleCommitError(idx, node, err)
		return false
	}

	return r.emit(Event{
		Type:         EventStepComplete,
		Status:       st.Status,
		StepIndex:    idx,
		NodeID:       node.ID,
		NodeType:     node.Type,
		ShowResponse: node.ShowResponse,
		Step:         &step,
	}, st)
}

func (r *runner) fail(idx int, node flows.Node, res nodeOutcome) bool {
	msg := stepflow.RedactError(res.err, r.creds)
	step := session.StepResult{
		StepIndex:  idx,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Error:      msg,
		StartedAt:  res.startedAt,
		FinishedAt: res.endedAt,
		Attempt:    1,
	}
	fatal := !r.def.ContinueOnFailure

	st, err := r.commit(func(st *session.FlowState) error {
		if st.CurrentStepIndex != idx {
			return errPointerMoved
		}
		st.Steps = append(st.Steps, step)
		if fatal {
			st.Status = session.StatusError
			st.Error = msg
			return nil
		}
		st.CurrentStepIndex++
		return nil
	})
	if err != nil {
		r.handleCommitError(idx, node, err)
		return false
	}

	if !r.emit(Event{
		Type:         EventStepError,
		Status:       st.Status,
		StepIndex:    idx,
		NodeID:       node.ID,
		NodeType:     node.Type,
		ShowResponse: node.ShowResponse,
		Step:         &step,
		Error:        msg,
	}, st) {
		return false
	}

	if !fatal {
		return true
	}
	r.emit(Event{
		Type:      EventError,
		Status:    st.Status,
		StepIndex: idx,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Error:     msg,
		State:     &st,
	}, st)
	return false
}

// suspend parks the session at a confirmation gate. The sequence ends here;
// a confirm followed by a new Run continues past the gate.
func (r *runner) suspend() {
	st, err := r.commit(func(st *session.FlowState) error {
		st.Status = session.StatusWaitingOperation
		return nil
	})
	if err != nil {
		r.emitFailure(err)
		return
	}
	r.emitStatus(st)
}

// finishConfirmed records the step result of a gate confirmed since the
// last run
func (r *runner) finishConfirmed() bool {
	var step session.StepResult
	st, err := r.commit(func(st *session.FlowState) error {
		p := st.Pending
		if p == nil {
			return nil
		}
		node := r.def.Nodes[p.StepIndex]
		step = session.StepResult{
			StepIndex:  p.StepIndex,
			NodeID:     node.ID,
			NodeType:   node.Type,
			Output:     stepflow.CloneValue(st.Context.PreviousOutput()),
			Confirmed:  true,
			StartedAt:  p.ConfirmedAt,
			FinishedAt: r.engine.now(),
		}
		st.Steps = append(st.Steps, step)
		st.Pending = nil
		return nil
	})
	if err != nil {
		r.emitFailure(err)
		return false
	}
	if step.NodeID == "" {
		return true
	}

	node := r.def.Nodes[step.StepIndex]
	return r.emit(Event{
		Type:         EventStepComplete,
		Status:       st.Status,
		StepIndex:    step.StepIndex,
		NodeID:       node.ID,
		NodeType:     node.Type,
		ShowResponse: node.ShowResponse,
		Step:         &step,
	}, st)
}

func (r *runner) complete() {
	st, err := r.commit(func(st *session.FlowState) error {
		st.Status = session.StatusCompleted
		st.Error = ""
		st.Pending = nil
		return nil
	})
	if err != nil {
		r.emitFailure(err)
		return
	}
	r.emit(Event{
		Type:      EventComplete,
		Status:    st.Status,
		StepIndex: st.CurrentStepIndex,
		State:     &st,
	}, st)
}

func (r *runner) commit(
	fn func(*session.FlowState) error,
) (session.FlowState, error) {
	return r.sess.CommitRun(r.runID, fn)
}

// handleCommitError reports a result that could not be recorded. A session
// closed while the node ran drops the result quietly.
func (r *runner) handleCommitError(idx int, node flows.Node, err error) {
	r.engine.logger.Warn("Step result dropped",
		log.SessionID(r.sess.ID()),
		log.RunID(r.runID),
		log.NodeID(node.ID),
		log.StepIndex(idx),
		log.ErrorString(stepflow.RedactError(err, r.creds)))

	if errors.Is(err, session.ErrSessionClosed) {
		r.emitStatus(r.sess.Snapshot())
		return
	}
	r.emitFailure(err)
}

func (r *runner) emitStatus(st session.FlowState) {
	r.emit(Event{
		Type:      EventStatusChange,
		Status:    st.Status,
		StepIndex: st.CurrentStepIndex,
		State:     &st,
	}, st)
}

// emitFailure reports an engine-level problem without touching the session
func (r *runner) emitFailure(err error) {
	st := r.sess.Snapshot()
	r.emit(Event{
		Type:      EventError,
		Status:    st.Status,
		StepIndex: st.CurrentStepIndex,
		Error:     stepflow.RedactError(err, r.creds),
		State:     &st,
	}, st)
}

func (r *runner) emit(ev Event, st session.FlowState) bool {
	if r.stopped {
		return false
	}
	r.seq++
	ev.Seq = r.seq
	ev.SessionID = r.sess.ID()
	ev.RunID = r.runID
	ev.Timestamp = r.engine.now()
	ev.CurrentStepIndex = st.CurrentStepIndex

	r.engine.emitEvent(context.WithoutCancel(r.ctx), ev)
	if !r.yield(ev) {
		r.stopped = true
		return false
	}
	return true
}
