package nodes

import (
	"context"
	"time"

	"github.com/forechoandlook/stepflow"
)

// executeDelay waits for config.duration then passes the previous output on
func executeDelay(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	d, err := call.Config.Duration("duration", 0)
	if err != nil {
		return nil, err
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return stepflow.ResultWithOutput(call.Vars.PreviousOutput()), nil
	}
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "delay",
		Description: "Pauses for `duration` (a Go duration or milliseconds) and passes the previous output through.",
		Example:     `{"type": "delay", "config": {"duration": "500ms"}}`,
	})
}
