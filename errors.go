package stepflow

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound means the session id is unknown, reaped or closed.
	// Callers should start a fresh run instead of retrying.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFlowNotFound is returned when a flow id cannot be resolved
	ErrFlowNotFound = errors.New("flow not found")

	// ErrCredentialMissing is returned before any step runs when a node
	// needs credentials the caller did not supply
	ErrCredentialMissing = errors.New("credentials missing")

	// ErrMalformedRequest marks structurally invalid input
	ErrMalformedRequest = errors.New("malformed request")

	// ErrInvalidTransition is returned when a control action's precondition
	// does not hold for the session's current status
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionBusy is returned when another run is advancing the session
	ErrSessionBusy = errors.New("session is busy")
)

// NodeExecutionError wraps a failure raised by a node executor.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
