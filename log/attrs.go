package log

import "log/slog"

func SessionID[T ~string](id T) slog.Attr {
	return slog.String("session_id", string(id))
}

func RunID[T ~string](id T) slog.Attr {
	return slog.String("run_id", string(id))
}

func FlowID[T ~string](id T) slog.Attr {
	return slog.String("flow_id", string(id))
}

func NodeID[T ~string](id T) slog.Attr {
	return slog.String("node_id", string(id))
}

func NodeType[T ~string](t T) slog.Attr {
	return slog.String("node_type", string(t))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Event[T ~string](typ T) slog.Attr {
	return slog.String("event", string(typ))
}

func StepIndex(idx int) slog.Attr {
	return slog.Int("step_index", idx)
}

// Error logs the error message. Callers pass errors that were already
// redacted when they may carry credentials.
func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
