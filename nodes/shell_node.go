package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/forechoandlook/stepflow"
)

// Named outputs of the shell node
const (
	shellExitCodeKey = "exitCode"
	shellStderrKey   = "stderr"
)

// shellHandler runs an external command with a JSON payload on stdin. The
// payload is the whole context, or config.input's value when set.
//
// Config keys: command, args, dir, env, input, parseJson, allowFailure.
type shellHandler struct{}

func (shellHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	cfg := call.Config
	command, err := cfg.RequireString("command")
	if err != nil {
		return nil, err
	}
	args, err := stringList(cfg, "args")
	if err != nil {
		return nil, err
	}
	for i, a := range args {
		if args[i], err = render(cfg, a, call.Vars); err != nil {
			return nil, err
		}
	}
	dir, err := cfg.String("dir", "")
	if err != nil {
		return nil, err
	}
	env, err := cfg.StringMap("env")
	if err != nil {
		return nil, err
	}
	input, err := cfg.String("input", "")
	if err != nil {
		return nil, err
	}
	parse, err := cfg.Bool("parseJson", false)
	if err != nil {
		return nil, err
	}
	allowFailure, err := cfg.Bool("allowFailure", false)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(shellPayload(call.Vars, input))
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr) && allowFailure:
		exitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("command %s failed: %w: %s",
			command, runErr, strings.TrimSpace(stderr.String()))
	}

	var out any = strings.TrimRight(stdout.String(), "\r\n")
	if parse {
		var parsed any
		if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
			return nil, fmt.Errorf("command %s output is not JSON: %w",
				command, err)
		}
		out = parsed
	}

	return stepflow.NodeResult{
		stepflow.OutputKey: out,
		shellExitCodeKey:   exitCode,
		shellStderrKey:     stderr.String(),
	}, nil
}

func shellPayload(vars stepflow.Vars, input string) any {
	if input == "" {
		return vars
	}
	if v, ok := vars[input]; ok {
		return v
	}
	return map[string]any{}
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "shell",
		Description: "Runs a command with the context as JSON on stdin; stdout becomes the output. Installed only when enabled.",
		Example:     `{"type": "shell", "config": {"command": "git", "args": ["log", "-1", "--format=%s"]}}`,
	})
}
