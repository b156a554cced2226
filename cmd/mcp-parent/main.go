package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/mizuki-dev/mcp-parent-go/pkg/childmgr"
	"github.com/mizuki-dev/mcp-parent-go/pkg/parentgw"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-parent",
		Short: "MCP gateway that manages child MCP servers",
		Long: "mcp-parent serves a single MCP endpoint whose tools list, inspect, and\n" +
			"invoke the child MCP servers declared in the children configuration.\n" +
			"Children run as subprocesses and are started lazily on first use.",
		RunE:         runGateway,
		SilenceUsage: true,
	}
	cmd.Flags().String("children-config", "", "Path to the children configuration (.json or .toml)")
	cmd.Flags().String("children-abstract", "", "Optional .json document describing the children, served as the children_servers resource")
	cmd.Flags().Bool("debug", false, "Mirror child stderr into the log (also enabled by DEBUG_MCP)")
	cmd.Flags().String("http", "", "Serve Streamable HTTP on this address instead of stdio (e.g. :8700)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin for HTTP mode")
	cmd.Flags().Bool("start-children", false, "Eagerly activate every configured child at startup")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "Per-attempt child spawn and handshake timeout")
	cmd.Flags().Duration("call-timeout", 60*time.Second, "Per-exchange timeout on established child sessions")
	cmd.Flags().String("log-file", "", "Write logs to this file instead of stderr (also MCP_LOG_FILE)")
	_ = cmd.MarkFlagRequired("children-config")

	cmd.Version = version
	cmd.SetVersionTemplate(fmt.Sprintf("mcp-parent version %s\n", version))
	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("children-config")
	abstractPath, _ := cmd.Flags().GetString("children-abstract")
	debug, _ := cmd.Flags().GetBool("debug")
	httpAddr, _ := cmd.Flags().GetString("http")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	startChildren, _ := cmd.Flags().GetBool("start-children")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	callTimeout, _ := cmd.Flags().GetDuration("call-timeout")
	logFile, _ := cmd.Flags().GetString("log-file")

	if !debug {
		debug = envTruthy(os.Getenv("DEBUG_MCP"))
	}
	if logFile == "" {
		logFile = os.Getenv("MCP_LOG_FILE")
	}

	logger, closeLog, err := buildLogger(logFile, debug)
	if err != nil {
		return err
	}
	defer closeLog()

	configs, err := childmgr.LoadChildrenConfig(configPath)
	if err != nil {
		return err
	}

	mgr := childmgr.NewManager(configs, &childmgr.Options{
		ClientName:     "mcp-parent",
		ClientVersion:  version,
		ConnectTimeout: connectTimeout,
		CallTimeout:    callTimeout,
		Debug:          debug,
		Logger:         logger.With("component", "childmgr"),
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Warn("child teardown incomplete", "error", err)
		}
	}()

	gwOpts := &parentgw.Options{
		Addr:          httpAddr,
		AbstractPath:  abstractPath,
		StartChildren: startChildren,
		Logger:        logger.With("component", "parentgw"),
	}
	if corsOrigin != "" {
		gwOpts.CORS = &cors.Options{
			AllowedOrigins: []string{corsOrigin},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"*"},
		}
	}
	gw, err := parentgw.NewGateway(mgr, gwOpts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if httpAddr != "" {
		logger.Info("serving streamable HTTP", "addr", httpAddr, "children", len(configs))
		err = gw.ListenAndServe(ctx)
	} else {
		logger.Info("serving stdio", "children", len(configs))
		err = gw.Run(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildLogger writes to stderr by default: in stdio mode stdout belongs to
// the protocol.
func buildLogger(path string, debug bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	out := os.Stderr
	closeLog := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}

func envTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
