package parentgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/mizuki-dev/mcp-parent-go/pkg/childmgr"
)

// Gateway fronts a childmgr.Manager with a single MCP server whose tools
// inspect and invoke the configured children.
type Gateway struct {
	manager *childmgr.Manager
	opts    Options
	logger  *slog.Logger

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over the manager and registers its tool and
// resource surface. No child is contacted during construction.
func NewGateway(mgr *childmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("parentgw: manager is required")
	}
	options := opts.withDefaults()
	if options.AbstractPath != "" && !strings.HasSuffix(options.AbstractPath, ".json") {
		return nil, fmt.Errorf("parentgw: abstract file %q must be a .json file", options.AbstractPath)
	}
	g := &Gateway{
		manager: mgr,
		opts:    options,
		logger:  options.Logger,
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	g.registerTools()
	g.registerResources()

	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	return g, nil
}

// Run serves the gateway over stdio until the context is cancelled or the
// client disconnects. This is the mode used when the gateway itself runs as a
// child of an MCP client.
func (g *Gateway) Run(ctx context.Context) error {
	g.startChildren(ctx)
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("parentgw: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	g.startChildren(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) startChildren(ctx context.Context) {
	if !g.opts.StartChildren {
		return
	}
	if err := g.manager.StartAll(ctx); err != nil {
		g.logger.Warn("eager child activation failed", "error", err)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	var handler http.Handler = g.streamHandler
	if path != "" {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		mux := http.NewServeMux()
		mux.Handle(path, g.streamHandler)
		if !strings.HasSuffix(path, "/") {
			mux.Handle(path+"/", g.streamHandler)
		}
		handler = mux
	}
	if g.opts.CORS != nil {
		handler = cors.New(*g.opts.CORS).Handler(handler)
	}
	return handler
}
