package parentgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mizuki-dev/mcp-parent-go/pkg/childmgr"
)

func (g *Gateway) registerTools() {
	childNameProp := map[string]*jsonschema.Schema{
		"child_name": {Type: "string", Description: "Name of a configured child server"},
	}

	g.server.AddTool(&mcp.Tool{
		Name:        "list_registered_children",
		Description: "List every child MCP server this gateway is configured to manage, with its current session status.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, g.handleListChildren)

	g.server.AddTool(&mcp.Tool{
		Name:        "get_child_status",
		Description: "Report the session status of one child, or of all children when child_name is omitted. Never starts a child.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: childNameProp},
	}, g.handleChildStatus)

	g.server.AddTool(&mcp.Tool{
		Name:        "get_active_sessions",
		Description: "List the children that currently hold a live session.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, g.handleActiveSessions)

	g.server.AddTool(&mcp.Tool{
		Name:        "check_child_session_health",
		Description: "Probe a child's process and protocol liveness, or every child when child_name is omitted. Never starts a child.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: childNameProp},
	}, g.handleCheckHealth)

	g.server.AddTool(&mcp.Tool{
		Name:        "get_schema",
		Description: "Return the tools and resources a child declares, starting its session first if needed.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: childNameProp, Required: []string{"child_name"}},
	}, g.handleGetSchema)

	g.server.AddTool(&mcp.Tool{
		Name:        "execute_child_tool",
		Description: "Invoke a tool on a child server, starting its session first if needed. Set head_chars and/or tail_chars to truncate long output.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"child_name": {Type: "string", Description: "Name of a configured child server"},
				"tool_name":  {Type: "string", Description: "Tool to invoke on the child"},
				"tool_args":  {Type: "object", Description: "Arguments passed to the child tool"},
				"head_chars": {Type: "integer", Description: "Keep this many characters from the start of the output"},
				"tail_chars": {Type: "integer", Description: "Keep this many characters from the end of the output"},
			},
			Required: []string{"child_name", "tool_name"},
		},
	}, g.handleExecuteTool)

	g.server.AddTool(&mcp.Tool{
		Name:        "reconnect_child_session",
		Description: "Force a child through teardown and a fresh handshake, even when its session looks healthy.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: childNameProp, Required: []string{"child_name"}},
	}, g.handleReconnect)

	g.server.AddTool(&mcp.Tool{
		Name:        "close_child_session",
		Description: "Close a child's session and stop its process. Closing an inactive child is a no-op; the child can be started again later.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: childNameProp, Required: []string{"child_name"}},
	}, g.handleCloseChild)
}

type childArgs struct {
	ChildName string `json:"child_name"`
}

type executeArgs struct {
	ChildName string         `json:"child_name"`
	ToolName  string         `json:"tool_name"`
	ToolArgs  map[string]any `json:"tool_args"`
	HeadChars *int           `json:"head_chars"`
	TailChars *int           `json:"tail_chars"`
}

func decodeArgs(req *mcp.CallToolRequest, v any) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, v)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func (g *Gateway) handleListChildren(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type childEntry struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Status      childmgr.SessionStatus `json:"status"`
	}
	names := g.manager.ListChildren()
	children := make([]childEntry, 0, len(names))
	for _, name := range names {
		entry := childEntry{Name: name}
		if cfg, ok := g.manager.ChildConfig(name); ok {
			entry.Description = cfg.Description
		}
		if status, err := g.manager.ChildStatus(name); err == nil {
			entry.Status = status.Status
		}
		children = append(children, entry)
	}
	return jsonResult(map[string]any{"children": children}), nil
}

func (g *Gateway) handleChildStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName == "" {
		return jsonResult(map[string]any{"children": g.manager.Statuses()}), nil
	}
	status, err := g.manager.ChildStatus(args.ChildName)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(status), nil
}

func (g *Gateway) handleActiveSessions(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"active_sessions": g.manager.ActiveSessions()}), nil
}

func (g *Gateway) handleCheckHealth(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName != "" {
		report, err := g.manager.CheckHealth(ctx, args.ChildName)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(report), nil
	}
	reports := make([]*childmgr.HealthReport, 0)
	for _, name := range g.manager.ListChildren() {
		report, err := g.manager.CheckHealth(ctx, name)
		if err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return jsonResult(map[string]any{"children": reports}), nil
}

func (g *Gateway) handleGetSchema(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName == "" {
		return errorResult("child_name is required"), nil
	}
	schema, err := g.manager.GetSchema(ctx, args.ChildName)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(schema), nil
}

func (g *Gateway) handleExecuteTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName == "" || args.ToolName == "" {
		return errorResult("child_name and tool_name are required"), nil
	}
	var trim *childmgr.TrimSpec
	if args.HeadChars != nil || args.TailChars != nil {
		trim = &childmgr.TrimSpec{HeadChars: args.HeadChars, TailChars: args.TailChars}
	}
	res, err := g.manager.ExecuteTool(ctx, args.ChildName, args.ToolName, args.ToolArgs, trim)
	if err != nil {
		var execErr *childmgr.ToolExecutionError
		if errors.As(err, &execErr) {
			return errorResult(execErr.Output), nil
		}
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"child":         args.ChildName,
		"tool":          args.ToolName,
		"output":        res.Output,
		"was_truncated": res.Truncated,
	}), nil
}

func (g *Gateway) handleReconnect(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName == "" {
		return errorResult("child_name is required"), nil
	}
	if err := g.manager.Reconnect(ctx, args.ChildName); err != nil {
		return errorResult(err.Error()), nil
	}
	status, err := g.manager.ChildStatus(args.ChildName)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(status), nil
}

func (g *Gateway) handleCloseChild(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args childArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChildName == "" {
		return errorResult("child_name is required"), nil
	}
	if err := g.manager.CloseChild(ctx, args.ChildName); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"child": args.ChildName, "status": "closed"}), nil
}
