package parentgw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuki-dev/mcp-parent-go/pkg/childmgr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeChildServer(name string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.1.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "echo test tool",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo ok"}}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "dump",
		Description: "returns a long payload",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strings.Repeat("z", 100)}}}, nil
	})
	return server
}

func fakeDial(ctx context.Context, name string, cfg childmgr.ChildServerConfig) (*mcp.ClientSession, *exec.Cmd, error) {
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	if _, err := newFakeChildServer(name).Connect(ctx, serverTransport, nil); err != nil {
		return nil, nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "parentgw-test", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		return nil, nil, err
	}
	return session, nil, nil
}

func newTestManager(t *testing.T) *childmgr.Manager {
	t.Helper()
	m := childmgr.NewManager(map[string]childmgr.ChildServerConfig{
		"echo":  {Command: "/usr/bin/echo-server", Description: "echo child"},
		"files": {Command: "/usr/bin/file-server"},
	}, &childmgr.Options{
		Logger:         testLogger(),
		Dial:           fakeDial,
		ConnectBackoff: 5 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// newConnectedGateway builds a gateway and an MCP client session speaking to
// it over an in-memory transport.
func newConnectedGateway(t *testing.T, opts *Options) (*Gateway, *mcp.ClientSession) {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	g, err := NewGateway(newTestManager(t), opts)
	require.NoError(t, err)

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err = g.server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return g, session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, "call %s", name)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), v))
}

func TestGatewayExposesManagementTools(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make(map[string]bool, len(res.Tools))
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"list_registered_children",
		"get_child_status",
		"get_active_sessions",
		"check_child_session_health",
		"get_schema",
		"execute_child_tool",
		"reconnect_child_session",
		"close_child_session",
	} {
		assert.True(t, names[want], "tool %s not advertised", want)
	}
}

func TestListRegisteredChildrenTool(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res := callTool(t, session, "list_registered_children", nil)
	require.False(t, res.IsError)

	var payload struct {
		Children []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Status      string `json:"status"`
		} `json:"children"`
	}
	decodeResult(t, res, &payload)
	require.Len(t, payload.Children, 2)
	assert.Equal(t, "echo", payload.Children[0].Name)
	assert.Equal(t, "echo child", payload.Children[0].Description)
	assert.Equal(t, "uninitialized", payload.Children[0].Status)
	assert.Equal(t, "files", payload.Children[1].Name)
}

func TestGetSchemaTool(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res := callTool(t, session, "get_schema", map[string]any{"child_name": "echo"})
	require.False(t, res.IsError, "get_schema failed: %s", resultText(t, res))

	var schema struct {
		Server string `json:"server"`
		Tools  []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	decodeResult(t, res, &schema)
	assert.Equal(t, "echo", schema.Server)
	toolNames := make([]string, 0, len(schema.Tools))
	for _, tool := range schema.Tools {
		toolNames = append(toolNames, tool.Name)
	}
	assert.Contains(t, toolNames, "echo")
	assert.Contains(t, toolNames, "dump")
}

func TestExecuteChildToolTruncation(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res := callTool(t, session, "execute_child_tool", map[string]any{
		"child_name": "echo",
		"tool_name":  "dump",
		"head_chars": 10,
		"tail_chars": 5,
	})
	require.False(t, res.IsError, "execute failed: %s", resultText(t, res))

	var payload struct {
		Output       string `json:"output"`
		WasTruncated bool   `json:"was_truncated"`
	}
	decodeResult(t, res, &payload)
	assert.True(t, payload.WasTruncated)
	assert.Equal(t, strings.Repeat("z", 10)+"\n...(85 characters omitted)...\n"+strings.Repeat("z", 5), payload.Output)

	// Without trim bounds the payload passes through whole.
	res = callTool(t, session, "execute_child_tool", map[string]any{
		"child_name": "echo",
		"tool_name":  "dump",
	})
	decodeResult(t, res, &payload)
	assert.False(t, payload.WasTruncated)
	assert.Equal(t, strings.Repeat("z", 100), payload.Output)
}

func TestExecuteChildToolUnknownChild(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res := callTool(t, session, "execute_child_tool", map[string]any{
		"child_name": "nope",
		"tool_name":  "echo",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unknown child")
}

func TestCloseChildSessionTool(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)

	res := callTool(t, session, "get_schema", map[string]any{"child_name": "echo"})
	require.False(t, res.IsError)

	var active struct {
		ActiveSessions []string `json:"active_sessions"`
	}
	decodeResult(t, callTool(t, session, "get_active_sessions", nil), &active)
	assert.Equal(t, []string{"echo"}, active.ActiveSessions)

	res = callTool(t, session, "close_child_session", map[string]any{"child_name": "echo"})
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "closed")

	decodeResult(t, callTool(t, session, "get_active_sessions", nil), &active)
	assert.Empty(t, active.ActiveSessions)

	// Idempotent: another close still succeeds.
	res = callTool(t, session, "close_child_session", map[string]any{"child_name": "echo"})
	assert.False(t, res.IsError)
}

func TestReconnectChildSessionTool(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res := callTool(t, session, "reconnect_child_session", map[string]any{"child_name": "echo"})
	require.False(t, res.IsError, "reconnect failed: %s", resultText(t, res))

	var status struct {
		Status string `json:"status"`
	}
	decodeResult(t, res, &status)
	assert.Equal(t, "ready", status.Status)
}

func TestServerSummaryResource(t *testing.T) {
	t.Parallel()

	_, session := newConnectedGateway(t, nil)
	res, err := session.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: serverSummaryURI})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)

	var summary struct {
		Name     string   `json:"name"`
		Children []string `json:"children"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &summary))
	assert.Equal(t, "mcp-parent", summary.Name)
	assert.Equal(t, []string{"echo", "files"}, summary.Children)
}

func TestChildrenServersResource(t *testing.T) {
	t.Parallel()

	// Without an abstract file the resource reads as an empty object.
	_, session := newConnectedGateway(t, nil)
	res, err := session.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: childrenServersURI})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.JSONEq(t, "{}", res.Contents[0].Text)

	// With an abstract file its contents are served verbatim.
	path := filepath.Join(t.TempDir(), "abstract.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"echo": "echoes text back"}`), 0o644))
	_, session = newConnectedGateway(t, &Options{AbstractPath: path})
	res, err = session.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: childrenServersURI})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.JSONEq(t, `{"echo": "echoes text back"}`, res.Contents[0].Text)
}

func TestNewGatewayRejectsNonJSONAbstract(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(newTestManager(t), &Options{
		Logger:       testLogger(),
		AbstractPath: "/tmp/abstract.yaml",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json")
}

func TestNewGatewayRequiresManager(t *testing.T) {
	t.Parallel()

	_, err := NewGateway(nil, nil)
	require.Error(t, err)
}

func TestHTTPHandlerAppliesCORS(t *testing.T) {
	t.Parallel()

	g, err := NewGateway(newTestManager(t), &Options{
		Logger: testLogger(),
		CORS: &cors.Options{
			AllowedOrigins: []string{"https://app.example.com"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"*"},
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
