package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/session"
)

const (
	mcpServerName    = "stepflow"
	mcpServerVersion = "1.0.0"
)

// MCPTools exposes the engine as MCP tools
type MCPTools struct {
	engine   *engine.Engine
	defaults *stepflow.Credentials
}

// RunResult is what run_flow returns: every event of one run invocation and
// the state it left behind
type RunResult struct {
	SessionID string            `json:"sessionId"`
	Events    []engine.Event    `json:"events"`
	State     session.FlowState `json:"state"`
}

// NewMCPServer builds an MCP server with the run_flow, control_flow,
// get_flow_state and list_flows tools
func NewMCPServer(eng *engine.Engine, defaults *stepflow.Credentials) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		mcpServerName,
		mcpServerVersion,
		mcpserver.WithToolCapabilities(true),
	)
	t := &MCPTools{engine: eng, defaults: defaults}
	t.register(s)
	return s
}

// NewMCPHandler serves the MCP SSE transport under basePath (basePath/sse
// and basePath/message)
func NewMCPHandler(
	eng *engine.Engine, basePath string, defaults *stepflow.Credentials,
) http.Handler {
	return mcpserver.NewSSEServer(
		NewMCPServer(eng, defaults),
		mcpserver.WithStaticBasePath(basePath),
	)
}

func (t *MCPTools) register(s *mcpserver.MCPServer) {
	s.AddTool(
		mcp.NewTool(
			"run_flow",
			mcp.WithDescription("Start a flow or continue a session; runs until completion, an error, or a confirmation gate"),
			mcp.WithString("flowId", mcp.Description("Catalog id of the flow to start")),
			mcp.WithObject("flow", mcp.Description("Inline flow definition")),
			mcp.WithString("sessionId", mcp.Description("Session to continue")),
			mcp.WithObject("context", mcp.Description("Initial context for a new session")),
			mcp.WithNumber("startIndex", mcp.Description("First step of a new session")),
			mcp.WithObject("credentials", mcp.Description("Provider credentials for model calls")),
		),
		t.handleRun,
	)

	s.AddTool(
		mcp.NewTool(
			"control_flow",
			mcp.WithDescription("Pause, resume, confirm, reject or restart a session"),
			mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session to control")),
			mcp.WithString("action", mcp.Required(),
				mcp.Enum("pause", "resume", "confirm", "reject", "restart"),
				mcp.Description("Control action")),
			mcp.WithObject("data", mcp.Description("Values merged into the context")),
			mcp.WithString("operationAction", mcp.Description("retry or extend, for restart")),
			mcp.WithNumber("targetStep", mcp.Description("Restart target index")),
			mcp.WithString("targetNodeId", mcp.Description("Restart target node")),
		),
		t.handleControl,
	)

	s.AddTool(
		mcp.NewTool(
			"get_flow_state",
			mcp.WithDescription("Read a session's state without advancing it"),
			mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session to read")),
		),
		t.handleGetState,
	)

	s.AddTool(
		mcp.NewTool(
			"list_flows",
			mcp.WithDescription("List the flows available by id"),
		),
		t.handleListFlows,
	)
}

func (t *MCPTools) handleRun(
	ctx context.Context, request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	var req engine.RunRequest
	if err := decodeArgs(request, &req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req.Credentials = mergeCredentials(req.Credentials, t.defaults)

	x, err := t.engine.Run(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(stepflow.RedactError(err, req.Credentials)), nil
	}
	res := RunResult{
		SessionID: x.SessionID(),
		Events:    x.Collect(),
	}
	if res.Events == nil {
		res.Events = []engine.Event{}
	}
	if res.State, err = t.engine.FlowState(x.SessionID()); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (t *MCPTools) handleControl(
	ctx context.Context, request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	var req engine.ControlRequest
	if err := decodeArgs(request, &req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := t.engine.Control(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (t *MCPTools) handleGetState(
	_ context.Context, request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	id, ok := args["sessionId"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: sessionId"), nil
	}
	st, err := t.engine.FlowState(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (t *MCPTools) handleListFlows(
	context.Context, mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	ids := []string{}
	if cat := t.engine.Catalog(); cat != nil {
		for _, def := range cat.List() {
			ids = append(ids, def.ID)
		}
	}
	return jsonResult(map[string]any{"flows": ids})
}

// decodeArgs maps the tool arguments onto a request struct through its JSON
// field names
func decodeArgs(request mcp.CallToolRequest, out any) error {
	args := request.Params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args.(map[string]any); !ok {
		return fmt.Errorf("Invalid arguments type")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", stepflow.ErrMalformedRequest, err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
