package nodes

import (
	"context"
	"log/slog"

	"github.com/forechoandlook/stepflow"
)

// logHandler writes a rendered message and selected context keys to the
// logger, then passes the previous output through.
//
// Config keys: message, keys, level, format.
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	msg, err := call.Config.String("message", "flow log")
	if err != nil {
		return nil, err
	}
	if msg, err = render(call.Config, msg, call.Vars); err != nil {
		return nil, err
	}
	keys, err := stringList(call.Config, "keys")
	if err != nil {
		return nil, err
	}
	levelName, err := call.Config.String("level", "info")
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, badConfig("level", "a log level", levelName)
	}

	attrs := make([]any, 0, len(keys))
	for _, key := range keys {
		if val, ok := call.Vars[key]; ok {
			attrs = append(attrs, slog.Any(key, val))
		}
	}
	h.logger.Log(ctx, level, msg, attrs...)
	return stepflow.ResultWithOutput(call.Vars.PreviousOutput()), nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "log",
		Description: "Logs a templated message and selected context keys, passing the previous output through.",
		Example:     `{"type": "log", "config": {"message": "drafted {{.docId}}", "keys": ["previousOutput"]}}`,
	})
}
