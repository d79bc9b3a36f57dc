package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forechoandlook/stepflow"
)

// executeTransform renders config.template against the context. With
// parseJson set the rendered text is decoded and the value becomes the
// output.
func executeTransform(_ context.Context, call Call) (stepflow.NodeResult, error) {
	tmpl, err := call.Config.RequireString("template")
	if err != nil {
		return nil, err
	}
	parse, err := call.Config.Bool("parseJson", false)
	if err != nil {
		return nil, err
	}

	text, err := render(call.Config, tmpl, call.Vars)
	if err != nil {
		return nil, err
	}
	if !parse {
		return stepflow.ResultWithOutput(text), nil
	}

	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, fmt.Errorf("transform output is not JSON: %w", err)
	}
	return stepflow.ResultWithOutput(value), nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "transform",
		Description: "Renders a template (go-template, f-string or jinja2) against the flow context.",
		Example:     `{"type": "transform", "config": {"template": "Summary: {{.previousOutput}}"}}`,
	})
}
