package childmgr

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const stopGracePeriod = 3 * time.Second

// buildCommand prepares the child process for a configuration entry. Declared
// environment overrides are merged onto the parent environment, and stderr is
// wired to a sink that is always drained so the child cannot block on a full
// pipe buffer.
func (m *Manager) buildCommand(name string, cfg ChildServerConfig) (*exec.Cmd, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("childmgr: command missing for %q", name)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stderr = m.stderrSink(name)
	return cmd, nil
}

func (m *Manager) stderrSink(name string) io.Writer {
	if !m.opts.Debug {
		return io.Discard
	}
	return &lineWriter{logger: m.logger.With("child", name)}
}

// lineWriter forwards complete stderr lines to the operator log.
type lineWriter struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:idx], "\r"))
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.logger.Debug("child stderr", "line", line)
		}
	}
	return len(p), nil
}

func processAlive(proc *os.Process) bool {
	if proc == nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// stopProcess terminates a child that outlived its session close: interrupt
// first, then kill after the grace period. Termination failures are logged,
// never propagated.
func stopProcess(logger *slog.Logger, name string, cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil || !processAlive(cmd.Process) {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			logger.Warn("failed to kill child process", "child", name, "error", killErr)
		}
		return
	}
	deadline := time.After(stopGracePeriod)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if err := cmd.Process.Kill(); err != nil {
				logger.Warn("failed to kill child process", "child", name, "error", err)
			}
			return
		case <-tick.C:
			if !processAlive(cmd.Process) {
				return
			}
		}
	}
}
