package flows

import (
	"fmt"

	"github.com/forechoandlook/stepflow"
)

// Node declares one step of a flow.
type Node struct {
	ID                   string         `json:"nodeId" yaml:"id"`
	Type                 string         `json:"nodeType" yaml:"type"`
	Config               map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	RequiresConfirmation bool           `json:"requiresConfirmation,omitempty" yaml:"requiresConfirmation,omitempty"`
	ShowResponse         bool           `json:"showResponse,omitempty" yaml:"showResponse,omitempty"`
}

// Definition is an ordered list of nodes plus pipeline-level flags. Node
// order is execution order.
type Definition struct {
	ID                string `json:"id,omitempty" yaml:"id"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty"`
	Description       string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes             []Node `json:"nodes" yaml:"nodes"`
	ContinueOnFailure bool   `json:"continueOnFailure,omitempty" yaml:"continueOnFailure,omitempty"`
}

// Validate checks the structural rules every runnable definition obeys.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: flow definition is required",
			stepflow.ErrMalformedRequest)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: flow %q has no nodes",
			stepflow.ErrMalformedRequest, d.ID)
	}

	seen := make(map[string]struct{}, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id",
				stepflow.ErrMalformedRequest, i)
		}
		if n.Type == "" {
			return fmt.Errorf("%w: node %q has no type",
				stepflow.ErrMalformedRequest, n.ID)
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("%w: duplicate node id %q",
				stepflow.ErrMalformedRequest, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a stored definition.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	res := *d
	res.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		res.Nodes[i] = n.Clone()
	}
	return &res
}

// Clone returns a deep copy of the node declaration.
func (n Node) Clone() Node {
	if n.Config != nil {
		cfg, _ := stepflow.NormalizeValue(n.Config)
		if m, ok := cfg.(map[string]any); ok {
			n.Config = m
		}
	}
	return n
}

// SameShape reports whether both definitions declare the same node ids in
// the same order.
func (d *Definition) SameShape(other *Definition) bool {
	if d == nil || other == nil || len(d.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range d.Nodes {
		if d.Nodes[i].ID != other.Nodes[i].ID {
			return false
		}
	}
	return true
}

// IndexOf returns the position of a node id, or -1.
func (d *Definition) IndexOf(nodeID string) int {
	for i, n := range d.Nodes {
		if n.ID == nodeID {
			return i
		}
	}
	return -1
}
