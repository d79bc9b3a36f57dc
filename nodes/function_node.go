package nodes

import (
	"context"
	"fmt"

	"github.com/forechoandlook/stepflow"
)

// executeFunction runs the Go callback registered under config.name
func (r *Registry) executeFunction(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	name, err := call.Config.RequireString("name")
	if err != nil {
		return nil, err
	}
	fn, ok := r.function(name)
	if !ok {
		return nil, fmt.Errorf("function %q is not registered", name)
	}
	return fn(ctx, call.Vars)
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "function",
		Description: "Calls a Go callback registered with Registry.RegisterFunction.",
		Example:     `reg.RegisterFunction("clean", func(ctx context.Context, vars stepflow.Vars) (stepflow.NodeResult, error) { return stepflow.ResultWithOutput("cleaned"), nil })`,
	})
}
