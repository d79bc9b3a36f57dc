package session

import (
	"fmt"
	"time"

	"github.com/forechoandlook/stepflow"
)

// Status is the lifecycle state of a flow run
type Status string

const (
	StatusIdle             Status = "idle"
	StatusRunning          Status = "running"
	StatusPaused           Status = "paused"
	StatusWaitingOperation Status = "waiting-operation"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// StepResult records one attempted node. Entries are appended once the
// node finishes and never change afterward.
type StepResult struct {
	StepIndex  int       `json:"stepIndex"`
	NodeID     string    `json:"nodeId"`
	NodeType   string    `json:"nodeType,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Confirmed  bool      `json:"confirmed,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Confirmation is a confirmed gate whose step-complete has not been
// streamed yet.
type Confirmation struct {
	NodeID      string    `json:"nodeId"`
	StepIndex   int       `json:"stepIndex"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// FlowState is the execution snapshot of one session
type FlowState struct {
	SessionID        string        `json:"sessionId"`
	FlowID           string        `json:"flowId,omitempty"`
	Status           Status        `json:"status"`
	CurrentStepIndex int           `json:"currentStepIndex"`
	NodeCount        int           `json:"nodeCount"`
	Context          stepflow.Vars `json:"context"`
	Steps            []StepResult  `json:"steps"`
	Error            string        `json:"error,omitempty"`
	History          []StepResult  `json:"history,omitempty"`
	Pending          *Confirmation `json:"pendingConfirmation,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	FinishedAt       *time.Time    `json:"finishedAt,omitempty"`
}

// IsTerminal reports whether the status ends a run
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Failed reports whether the step recorded an error
func (r StepResult) Failed() bool {
	return r.Error != ""
}

// Clone returns a deep copy of the state
func (st FlowState) Clone() FlowState {
	res := st
	res.Context = st.Context.Clone()
	res.Steps = cloneSteps(st.Steps)
	res.History = cloneSteps(st.History)
	if st.Pending != nil {
		p := *st.Pending
		res.Pending = &p
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		res.FinishedAt = &t
	}
	return res
}

// LastStep returns the most recent step result, if any
func (st FlowState) LastStep() (StepResult, bool) {
	if len(st.Steps) == 0 {
		return StepResult{}, false
	}
	return st.Steps[len(st.Steps)-1], true
}

// CheckInvariants verifies the step pointer and step list agree. A failed
// fatal step sits at the current index, so error states allow one extra
// entry.
func (st FlowState) CheckInvariants() error {
	if st.CurrentStepIndex < 0 || st.CurrentStepIndex > st.NodeCount {
		return fmt.Errorf("current step %d outside [0, %d]",
			st.CurrentStepIndex, st.NodeCount)
	}
	limit := st.CurrentStepIndex
	if st.Status == StatusError {
		limit++
	}
	if len(st.Steps) > limit {
		return fmt.Errorf("%d steps recorded with current step %d (%s)",
			len(st.Steps), st.CurrentStepIndex, st.Status)
	}
	if st.Status == StatusError && st.Error == "" {
		return fmt.Errorf("error status without an error message")
	}
	if st.Status == StatusCompleted && st.Pending != nil {
		return fmt.Errorf("completed state with a pending confirmation")
	}
	return nil
}

func cloneSteps(steps []StepResult) []StepResult {
	if steps == nil {
		return nil
	}
	res := make([]StepResult, len(steps))
	for i, s := range steps {
		s.Output = stepflow.CloneValue(s.Output)
		res[i] = s
	}
	return res
}
