package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/session"
)

// stubExecutor understands a handful of node types:
//
//	echo    returns config.value, plus config.named as named outputs
//	fail    returns an error (echoing the api key when one is supplied)
//	secure  like echo, but requires credentials
//	hook    runs the function registered under config.hook
type stubExecutor struct {
	mu    sync.Mutex
	calls []string
	hooks map[string]func(ctx context.Context, vars stepflow.Vars) (stepflow.NodeResult, error)
}

var _ engine.NodeTypeChecker = (*stubExecutor)(nil)
var _ stepflow.CredentialAware = (*stubExecutor)(nil)

func newStub() *stubExecutor {
	return &stubExecutor{
		hooks: map[string]func(context.Context, stepflow.Vars) (stepflow.NodeResult, error){},
	}
}

func (s *stubExecutor) Execute(
	ctx context.Context, nodeType string, config map[string]any,
	vars stepflow.Vars, creds *stepflow.Credentials,
) (stepflow.NodeResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprint(config["value"]))
	s.mu.Unlock()

	switch nodeType {
	case "echo", "secure":
		res := stepflow.ResultWithOutput(config["value"])
		if named, ok := config["named"].(map[string]any); ok {
			for k, v := range named {
				res[k] = v
			}
		}
		return res, nil
	case "fail":
		if !creds.Empty() {
			return nil, fmt.Errorf("upstream rejected key %s", creds.APIKey)
		}
		return nil, errors.New("boom")
	case "hook":
		s.mu.Lock()
		fn := s.hooks[fmt.Sprint(config["hook"])]
		s.mu.Unlock()
		return fn(ctx, vars)
	}
	return nil, fmt.Errorf("unexpected node type %s", nodeType)
}

func (s *stubExecutor) Supports(nodeType string) bool {
	switch nodeType {
	case "echo", "fail", "secure", "hook":
		return true
	}
	return false
}

func (s *stubExecutor) RequiresCredentials(nodeType string, _ map[string]any) bool {
	return nodeType == "secure"
}

func (s *stubExecutor) Hook(
	name string, fn func(context.Context, stepflow.Vars) (stepflow.NodeResult, error),
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[name] = fn
}

func (s *stubExecutor) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func echo(value any) map[string]any {
	return map[string]any{"value": value}
}

// abc is the A, B (confirmation gate), C flow
func abc() *flows.Definition {
	return flows.NewBuilder("abc").
		Then("A", "echo", echo("a")).
		Confirm("B", "echo", echo("b")).
		Then("C", "echo", echo("c")).
		MustBuild()
}

func newEngine(
	t *testing.T, exec stepflow.Executor, opts ...engine.Option,
) (*engine.Engine, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	return engine.New(reg, exec, opts...), reg
}

func runAll(
	t *testing.T, e *engine.Engine, req engine.RunRequest,
) (*engine.Execution, []engine.Event) {
	t.Helper()
	x, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	return x, x.Collect()
}

type eventSig struct {
	Type   engine.EventType
	NodeID string
	Status session.Status
}

func signatures(events []engine.Event) []eventSig {
	res := make([]eventSig, len(events))
	for i, ev := range events {
		res[i] = eventSig{Type: ev.Type, NodeID: ev.NodeID}
		if ev.Type == engine.EventStatusChange {
			res[i].Status = ev.Status
		}
	}
	return res
}

func sig(t engine.EventType, node string) eventSig {
	return eventSig{Type: t, NodeID: node}
}

func statusSig(s session.Status) eventSig {
	return eventSig{Type: engine.EventStatusChange, Status: s}
}
