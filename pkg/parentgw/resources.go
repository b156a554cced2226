package parentgw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverSummaryURI   = "mcp://server_summary"
	childrenServersURI = "mcp://children_servers"
)

func (g *Gateway) registerResources() {
	g.server.AddResource(&mcp.Resource{
		URI:         serverSummaryURI,
		Name:        "server_summary",
		Description: "Snapshot of the gateway and the children it manages.",
		MIMEType:    "application/json",
	}, g.handleServerSummary)

	g.server.AddResource(&mcp.Resource{
		URI:         childrenServersURI,
		Name:        "children_servers",
		Description: "Operator-provided description of the children, served verbatim from the abstract file.",
		MIMEType:    "application/json",
	}, g.handleChildrenServers)
}

func (g *Gateway) handleServerSummary(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	summary := map[string]any{
		"name":            g.opts.Implementation.Name,
		"version":         g.opts.Implementation.Version,
		"children":        g.manager.ListChildren(),
		"active_sessions": g.manager.ActiveSessions(),
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("parentgw: encode server summary: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      serverSummaryURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

// handleChildrenServers serves the abstract file verbatim. A missing or
// unreadable file yields an empty JSON object rather than an error, so the
// resource is always readable.
func (g *Gateway) handleChildrenServers(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	text := "{}"
	if g.opts.AbstractPath != "" {
		data, err := os.ReadFile(g.opts.AbstractPath)
		if err != nil {
			g.logger.Warn("children abstract file unreadable", "path", g.opts.AbstractPath, "error", err)
		} else {
			text = string(data)
		}
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      childrenServersURI,
			MIMEType: "application/json",
			Text:     text,
		}},
	}, nil
}
