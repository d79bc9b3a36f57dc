package engine

import (
	"context"
	"time"

	"github.com/forechoandlook/stepflow/session"
)

// EventType enumerates the records a run streams to its caller
type EventType string

const (
	EventStatusChange EventType = "status-change"
	EventStepStart    EventType = "step-start"
	EventStepComplete EventType = "step-complete"
	EventStepError    EventType = "step-error"
	EventError        EventType = "error"
	EventComplete     EventType = "complete"
)

// Event is one independently parseable progress record. Status-change,
// error and complete events carry a full state snapshot.
type Event struct {
	Type             EventType           `json:"type"`
	SessionID        string              `json:"sessionId"`
	RunID            string              `json:"runId"`
	Seq              int                 `json:"seq"`
	Timestamp        time.Time           `json:"timestamp"`
	Status           session.Status      `json:"status"`
	CurrentStepIndex int                 `json:"currentStepIndex"`
	StepIndex        int                 `json:"stepIndex"`
	NodeID           string              `json:"nodeId,omitempty"`
	NodeType         string              `json:"nodeType,omitempty"`
	ShowResponse     bool                `json:"showResponse,omitempty"`
	Step             *session.StepResult `json:"step,omitempty"`
	Error            string              `json:"error,omitempty"`
	State            *session.FlowState  `json:"state,omitempty"`
}

// Monitor observes every event the engine emits
type Monitor interface {
	Notify(ctx context.Context, event Event)
}

// MonitorFunc adapts a function to Monitor
type MonitorFunc func(ctx context.Context, event Event)

func (f MonitorFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// IsTerminal reports whether the event ends its run's sequence when the
// caller keeps consuming
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventError, EventComplete:
		return true
	case EventStatusChange:
		return e.Status != session.StatusRunning
	default:
		return false
	}
}

// emitEvent fans the event out to all registered monitors
func (e *Engine) emitEvent(ctx context.Context, event Event) {
	e.monitorMux.RLock()
	monitors := append([]Monitor(nil), e.monitors...)
	e.monitorMux.RUnlock()

	for _, monitor := range monitors {
		monitor.Notify(ctx, event)
	}
}
