package childmgr

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ChildServerConfig describes how to launch one child MCP server. The child's
// name is the key under which the config is registered with the Manager and
// must be unique; configs are immutable after the Manager is constructed.
type ChildServerConfig struct {
	// Command is the executable to spawn.
	Command string `json:"command" toml:"command"`
	// Args are passed to the command verbatim.
	Args []string `json:"args,omitempty" toml:"args"`
	// Env entries are merged onto the parent process environment rather than
	// replacing it.
	Env map[string]string `json:"env,omitempty" toml:"env"`
	// Description is free-form operator documentation.
	Description string `json:"description,omitempty" toml:"description"`
}

// DialFunc establishes the transport for a child: it spawns the process (when
// applicable) and completes the MCP handshake, returning the live session and
// the process handle. The default implementation launches the configured
// command over stdio; tests and embedders may substitute their own.
type DialFunc func(ctx context.Context, name string, cfg ChildServerConfig) (*mcp.ClientSession, *exec.Cmd, error)

// Options configures a Manager instance.
type Options struct {
	// ClientName is advertised to children during the MCP handshake.
	ClientName string
	// ClientVersion is the semantic version reported to children.
	ClientVersion string
	// ConnectTimeout bounds a single spawn-plus-handshake attempt.
	ConnectTimeout time.Duration
	// CallTimeout bounds each protocol exchange on an established session.
	CallTimeout time.Duration
	// ConnectAttempts is the number of activation attempts before a child is
	// reported as failed.
	ConnectAttempts int
	// ConnectBackoff is the delay before the second attempt; subsequent
	// delays double it.
	ConnectBackoff time.Duration
	// Debug mirrors each child's stderr to the logger, tagged with the child
	// name. Stderr is always drained regardless of this setting.
	Debug bool
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Dial overrides how child transports are established.
	Dial DialFunc
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-parent"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
