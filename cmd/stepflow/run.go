package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/session"
	"github.com/forechoandlook/stepflow/utils"
)

var (
	ErrRejected   = errors.New("flow rejected at confirmation gate")
	ErrFlowFailed = errors.New("flow failed")
)

type runOptions struct {
	sets        []string
	contextJSON string
	startIndex  int
	autoConfirm bool
}

// terminal drives a session from the command line: events go to out as
// NDJSON, gates are confirmed on in, prompts go to prompt
type terminal struct {
	engine      *engine.Engine
	in          *bufio.Reader
	out         io.Writer
	prompt      io.Writer
	autoConfirm bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <flowId|file>",
		Short: "Run a flow in the terminal, printing events as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := ro.request(args[0])
			if err != nil {
				return err
			}
			req.Credentials = a.credentials()

			t := &terminal{
				engine:      a.engine,
				in:          bufio.NewReader(cmd.InOrStdin()),
				out:         cmd.OutOrStdout(),
				prompt:      cmd.ErrOrStderr(),
				autoConfirm: ro.autoConfirm,
			}
			_, err = t.run(cmd.Context(), req)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&ro.sets, "set", nil, "initial context value key=value (JSON values allowed)")
	flags.StringVar(&ro.contextJSON, "context", "", "initial context as a JSON object")
	flags.IntVar(&ro.startIndex, "start", 0, "index of the first step to run")
	flags.BoolVarP(&ro.autoConfirm, "auto-confirm", "y", false, "confirm every gate without prompting")
	return cmd
}

// request builds the initial run request. A path to an existing file is
// loaded as an inline flow; anything else is a catalog id.
func (ro *runOptions) request(target string) (engine.RunRequest, error) {
	initial, err := parseContext(ro.contextJSON, ro.sets)
	if err != nil {
		return engine.RunRequest{}, err
	}
	req := engine.RunRequest{Context: initial}
	if ro.startIndex != 0 {
		start := ro.startIndex
		req.StartIndex = &start
	}

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		def, err := flows.LoadFile(target)
		if err != nil {
			return engine.RunRequest{}, err
		}
		req.Flow = def
		return req, nil
	}
	req.FlowID = target
	return req, nil
}

// parseContext merges the --context object with the --set pairs, pairs
// winning on conflicts
func parseContext(raw string, sets []string) (map[string]any, error) {
	base := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &base); err != nil {
			return nil, fmt.Errorf("%w: --context: %v",
				stepflow.ErrMalformedRequest, err)
		}
	}

	pairs := make(map[string]any, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: --set %q is not key=value",
				stepflow.ErrMalformedRequest, s)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		pairs[k] = val
	}
	return utils.MergeMaps(base, pairs), nil
}

// run advances the session until it completes, fails, is rejected, or is
// left paused, confirming gates along the way
func (t *terminal) run(
	ctx context.Context, req engine.RunRequest,
) (session.FlowState, error) {
	enc := json.NewEncoder(t.out)
	for {
		x, err := t.engine.Run(ctx, req)
		if err != nil {
			return session.FlowState{}, err
		}
		for ev := range x.Events() {
			if err := enc.Encode(ev); err != nil {
				return session.FlowState{}, err
			}
		}

		id := x.SessionID()
		st, err := t.engine.FlowState(id)
		if err != nil {
			return st, err
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		switch st.Status {
		case session.StatusCompleted, session.StatusPaused:
			return st, nil
		case session.StatusError:
			return st, fmt.Errorf("%w: %s", ErrFlowFailed, st.Error)
		case session.StatusWaitingOperation:
			ok, err := t.confirm(st)
			if err != nil {
				return st, err
			}
			if !ok {
				if _, err := t.engine.Control(ctx, engine.ControlRequest{
					SessionID: id,
					Action:    engine.ActionReject,
				}); err != nil {
					return st, err
				}
				return st, ErrRejected
			}
			if _, err := t.engine.Control(ctx, engine.ControlRequest{
				SessionID: id,
				Action:    engine.ActionConfirm,
			}); err != nil {
				return st, err
			}
		default:
			return st, nil
		}
		req = engine.RunRequest{SessionID: id, Credentials: req.Credentials}
	}
}

func (t *terminal) confirm(st session.FlowState) (bool, error) {
	if t.autoConfirm {
		return true, nil
	}

	fmt.Fprintf(t.prompt, "\nStep %s is waiting for confirmation.\n", t.gateName(st))
	if out := st.Context.PreviousOutput(); out != nil {
		fmt.Fprintf(t.prompt, "Previous output: %v\n", out)
	}
	fmt.Fprint(t.prompt, "Continue? [y/N] ")

	line, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (t *terminal) gateName(st session.FlowState) string {
	sess, err := t.engine.Sessions().Get(st.SessionID)
	if err == nil {
		def := sess.Definition()
		if st.CurrentStepIndex < len(def.Nodes) {
			return def.Nodes[st.CurrentStepIndex].ID
		}
	}
	return fmt.Sprintf("#%d", st.CurrentStepIndex)
}
