package nodes

import (
	"context"

	"github.com/forechoandlook/stepflow"
)

// executeSet returns config.value as the output and each entry of
// config.values as a named output
func executeSet(_ context.Context, call Call) (stepflow.NodeResult, error) {
	values, err := call.Config.Map("values")
	if err != nil {
		return nil, err
	}

	res := stepflow.ResultWithOutput(call.Config["value"])
	for k, v := range values {
		if err := stepflow.ValidateKey(k); err != nil {
			return nil, err
		}
		res[k] = v
	}
	return res, nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "set",
		Description: "Emits a constant output and optional named values into the context.",
		Example:     `{"type": "set", "config": {"value": "draft", "values": {"lang": "fr"}}}`,
	})
}
