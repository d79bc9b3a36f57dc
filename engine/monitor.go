package engine

import (
	"context"
	"log/slog"

	"github.com/forechoandlook/stepflow/log"
)

// LogMonitor writes every event to a slog.Logger. Step boundaries go out at
// debug level; failures, suspensions and completions at info or warn.
type LogMonitor struct {
	logger *slog.Logger
}

func NewLogMonitor(logger *slog.Logger) *LogMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{logger: logger}
}

func (m *LogMonitor) Notify(ctx context.Context, ev Event) {
	attrs := []any{
		log.Event(ev.Type),
		log.SessionID(ev.SessionID),
		log.RunID(ev.RunID),
		log.Status(ev.Status),
		log.StepIndex(ev.StepIndex),
	}
	if ev.NodeID != "" {
		attrs = append(attrs, log.NodeID(ev.NodeID), log.NodeType(ev.NodeType))
	}

	switch ev.Type {
	case EventStepError, EventError:
		attrs = append(attrs, log.ErrorString(ev.Error))
		m.logger.WarnContext(ctx, "Flow step failed", attrs...)
	case EventComplete:
		m.logger.InfoContext(ctx, "Flow completed", attrs...)
	case EventStatusChange:
		m.logger.InfoContext(ctx, "Flow status changed", attrs...)
	default:
		m.logger.DebugContext(ctx, "Flow step", attrs...)
	}
}
