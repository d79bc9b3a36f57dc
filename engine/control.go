package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/log"
	"github.com/forechoandlook/stepflow/session"
)

// Action names a control surface operation
type Action string

const (
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
	ActionRestart Action = "restart"
)

// Restart modes accepted in ControlRequest.OperationAction
const (
	OperationRetry  = "retry"
	OperationExtend = "extend"
)

// Keys read from restart data when no explicit target is given
const (
	dataTargetStep   = "targetStep"
	dataTargetNodeID = "targetNodeId"
)

// ControlRequest alters a session between runs. Control calls only prepare
// state; nodes run when the caller issues a new Run for the session.
type ControlRequest struct {
	SessionID       string         `json:"sessionId"`
	Action          Action         `json:"action"`
	Data            map[string]any `json:"data,omitempty"`
	OperationAction string         `json:"operationAction,omitempty"`
	TargetStep      *int           `json:"targetStep,omitempty"`
	TargetNodeID    string         `json:"targetNodeId,omitempty"`
}

// Control applies one control surface action and returns the new state
func (e *Engine) Control(
	ctx context.Context, req ControlRequest,
) (session.FlowState, error) {
	if err := validateControl(req); err != nil {
		return session.FlowState{}, err
	}

	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return session.FlowState{}, err
	}
	if sess.Closed() {
		return session.FlowState{}, session.ErrSessionClosed
	}

	var st session.FlowState
	switch req.Action {
	case ActionPause:
		st, err = sess.Update(pause)
	case ActionResume:
		st, err = sess.Update(resume)
	case ActionConfirm:
		st, err = sess.UpdateIdle(e.confirm(sess.Definition(), req.Data))
	case ActionReject:
		st, err = e.sessions.Close(req.SessionID)
	case ActionRestart:
		st, err = sess.UpdateIdle(restart(sess.Definition(), req))
	}
	if err != nil {
		return session.FlowState{}, err
	}

	e.logger.InfoContext(ctx, "Flow control applied",
		log.SessionID(req.SessionID),
		log.Event(req.Action),
		log.Status(st.Status),
		log.StepIndex(st.CurrentStepIndex))
	return st, nil
}

func validateControl(req ControlRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required",
			stepflow.ErrMalformedRequest)
	}
	switch req.Action {
	case ActionPause, ActionResume, ActionConfirm, ActionReject, ActionRestart:
	default:
		return fmt.Errorf("%w: unknown action %q",
			stepflow.ErrMalformedRequest, req.Action)
	}
	switch req.OperationAction {
	case "", OperationRetry, OperationExtend:
	default:
		return fmt.Errorf("%w: unknown operationAction %q",
			stepflow.ErrMalformedRequest, req.OperationAction)
	}
	if _, err := (stepflow.Vars{}).Merge(req.Data); err != nil {
		return err
	}
	return nil
}

func pause(st *session.FlowState) error {
	if st.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot pause a %s session",
			stepflow.ErrInvalidTransition, st.Status)
	}
	st.Status = session.StatusPaused
	return nil
}

// resume only flips the status; the caller must Run again to advance
func resume(st *session.FlowState) error {
	if st.Status != session.StatusPaused {
		return fmt.Errorf("%w: resume needs a paused session, got %s",
			stepflow.ErrInvalidTransition, st.Status)
	}
	st.Status = session.StatusRunning
	return nil
}

func (e *Engine) confirm(
	def *flows.Definition, data map[string]any,
) func(*session.FlowState) error {
	return func(st *session.FlowState) error {
		if st.Status != session.StatusWaitingOperation {
			return fmt.Errorf("%w: confirm needs a waiting session, got %s",
				stepflow.ErrInvalidTransition, st.Status)
		}
		idx := st.CurrentStepIndex
		if idx >= len(def.Nodes) {
			return fmt.Errorf("%w: no gate at step %d",
				stepflow.ErrInvalidTransition, idx)
		}

		next, err := st.Context.Merge(data)
		if err != nil {
			return err
		}
		st.Context = next
		st.Pending = &session.Confirmation{
			NodeID:      def.Nodes[idx].ID,
			StepIndex:   idx,
			ConfirmedAt: e.now(),
		}
		st.CurrentStepIndex = idx + 1
		st.Status = session.StatusRunning
		return nil
	}
}

func restart(
	def *flows.Definition, req ControlRequest,
) func(*session.FlowState) error {
	return func(st *session.FlowState) error {
		data := make(map[string]any, len(req.Data))
		for k, v := range req.Data {
			data[k] = v
		}

		target, err := restartTarget(def, req, data, *st)
		if err != nil {
			return err
		}

		next, err := st.Context.Merge(data)
		if err != nil {
			return err
		}
		st.Context = next

		kept := make([]session.StepResult, 0, len(st.Steps))
		for _, step := range st.Steps {
			if step.StepIndex < target {
				kept = append(kept, step)
				continue
			}
			st.History = append(st.History, step)
		}
		st.Steps = kept
		if st.Pending != nil && st.Pending.StepIndex >= target {
			st.Pending = nil
		}

		st.CurrentStepIndex = target
		st.Status = session.StatusRunning
		st.Error = ""
		return nil
	}
}

// restartTarget resolves the restart pointer. Explicit node ids win over
// explicit indexes, then the same keys inside data, then operationAction.
// Target keys found in data are removed so they are not merged.
func restartTarget(
	def *flows.Definition, req ControlRequest, data map[string]any,
	st session.FlowState,
) (int, error) {
	nodeID := req.TargetNodeID
	if raw, ok := data[dataTargetNodeID]; ok {
		delete(data, dataTargetNodeID)
		if s, ok := raw.(string); ok && nodeID == "" {
			nodeID = s
		}
	}
	step := req.TargetStep
	if raw, ok := data[dataTargetStep]; ok {
		delete(data, dataTargetStep)
		if n, ok := asIndex(raw); ok && step == nil {
			step = &n
		}
	}

	switch {
	case nodeID != "":
		idx := def.IndexOf(nodeID)
		if idx < 0 {
			return 0, fmt.Errorf("%w: unknown target node %q",
				stepflow.ErrMalformedRequest, nodeID)
		}
		return idx, nil
	case step != nil:
		if *step < 0 || *step > len(def.Nodes) {
			return 0, fmt.Errorf("%w: target step %d outside [0, %d]",
				stepflow.ErrMalformedRequest, *step, len(def.Nodes))
		}
		return *step, nil
	case req.OperationAction == OperationRetry:
		if last, ok := st.LastStep(); ok {
			return last.StepIndex, nil
		}
		return st.CurrentStepIndex, nil
	default:
		return st.CurrentStepIndex, nil
	}
}

func asIndex(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
