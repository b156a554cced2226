package childmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const healthPingTimeout = 2 * time.Second

var errSessionClosed = errors.New("childmgr: session closed concurrently")

// Manager is the session registry for all configured children. It creates
// sessions lazily, coalesces concurrent activations of the same name, and is
// the only component that touches a session's transport and process handles.
type Manager struct {
	opts   Options
	logger *slog.Logger
	dial   DialFunc

	mu       sync.RWMutex
	configs  map[string]ChildServerConfig
	sessions map[string]*childSession
	// closedInfo records, per name without a live session, that the child was
	// closed and why ("" after a clean close). Status queries report it.
	closedInfo map[string]string
	closed     bool
}

// NewManager constructs a Manager from the children configuration. The
// configuration is copied and immutable afterwards; sessions are activated
// lazily on the first schema or tool call.
func NewManager(configs map[string]ChildServerConfig, opts *Options) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		opts:       options,
		logger:     options.Logger,
		configs:    make(map[string]ChildServerConfig, len(configs)),
		sessions:   make(map[string]*childSession),
		closedInfo: make(map[string]string),
	}
	for name, cfg := range configs {
		m.configs[name] = cfg
	}
	m.dial = options.Dial
	if m.dial == nil {
		m.dial = m.dialStdio
	}
	return m
}

// dialStdio spawns the configured command and completes the MCP handshake
// over its stdio pipes.
func (m *Manager) dialStdio(ctx context.Context, name string, cfg ChildServerConfig) (*mcp.ClientSession, *exec.Cmd, error) {
	cmd, err := m.buildCommand(name, cfg)
	if err != nil {
		return nil, nil, Permanent(err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: m.opts.ClientName, Version: m.opts.ClientVersion}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, nil, err
	}
	return session, cmd, nil
}

// ListChildren returns the configured child names, independent of session
// state.
func (m *Manager) ListChildren() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasChild reports whether a name is configured.
func (m *Manager) HasChild(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.configs[name]
	return ok
}

// ChildConfig returns the configuration for a child.
func (m *Manager) ChildConfig(name string) (ChildServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// ActiveSessions returns the names that currently hold a live session. It
// never triggers activation.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChildStatus reports the state of one configured child as data. It never
// fails for session-level problems and never activates a session.
func (m *Manager) ChildStatus(name string) (ChildStatus, error) {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	cs := m.sessions[name]
	info, wasClosed := m.closedInfo[name]
	m.mu.RUnlock()
	if !ok {
		return ChildStatus{}, &UnknownChildError{Name: name}
	}
	if cs != nil {
		return cs.snapshot(), nil
	}
	status := ChildStatus{Name: name, Status: StatusUninitialized, Command: cfg.Command, Args: cfg.Args}
	if wasClosed {
		status.Status = StatusClosed
		status.Error = info
	}
	return status, nil
}

// Statuses reports the state of every configured child.
func (m *Manager) Statuses() []ChildStatus {
	names := m.ListChildren()
	statuses := make([]ChildStatus, 0, len(names))
	for _, name := range names {
		if status, err := m.ChildStatus(name); err == nil {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// ensureReady returns the child's session in the ready state, activating it
// when absent, waiting on an in-flight activation, or reconnecting a
// degraded one. The registry lock is never held across a dial or exchange.
func (m *Manager) ensureReady(ctx context.Context, name string) (*childSession, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		cfg, ok := m.configs[name]
		if !ok {
			m.mu.Unlock()
			return nil, &UnknownChildError{Name: name}
		}
		cs := m.sessions[name]
		if cs == nil {
			cs = newChildSession(name, cfg)
			m.sessions[name] = cs
			m.mu.Unlock()
			if err := m.activate(ctx, cs); err != nil {
				return nil, err
			}
			return cs, nil
		}
		m.mu.Unlock()

		status, connecting := cs.connectState()
		switch status {
		case StatusReady:
			return cs, nil
		case StatusConnecting:
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-connecting:
			}
			if err := cs.connectResult(); err != nil {
				return nil, err
			}
		case StatusDegraded:
			err := m.reconnect(ctx, cs, false)
			if errors.Is(err, errSessionClosed) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return cs, nil
		default:
			// A closing session either settled its cycle with an error or
			// left the registry before the status flipped; the next
			// iteration observes the final state.
			if err := cs.connectResult(); err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
}

// activate performs the initial connect for a freshly registered session.
// connectLocked settles the connect cycle, so coalesced waiters share the
// outcome.
func (m *Manager) activate(ctx context.Context, cs *childSession) error {
	cs.mu.Lock()
	err := m.connectLocked(ctx, cs)
	cs.mu.Unlock()

	m.recordOutcome(cs, err)
	return err
}

// connectLocked dials the child inside the retry envelope. Callers hold the
// session lock.
func (m *Manager) connectLocked(ctx context.Context, cs *childSession) error {
	cs.armConnect()
	var (
		session *mcp.ClientSession
		cmd     *exec.Cmd
	)
	err := withRetry(ctx, m.opts.ConnectAttempts, m.opts.ConnectBackoff, func(ctx context.Context) error {
		dialCtx, cancel := withTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
		s, c, dialErr := m.dial(dialCtx, cs.name, cs.config)
		if dialErr != nil {
			m.logger.Warn("child connect attempt failed", "child", cs.name, "error", dialErr)
			return dialErr
		}
		session, cmd = s, c
		return nil
	})
	if err != nil {
		failure := &ConnectionFailureError{Name: cs.name, Attempts: m.opts.ConnectAttempts, Err: err}
		cs.failConnect(err, failure)
		return failure
	}
	cs.adopt(session, cmd)
	m.logger.Info("child session ready", "child", cs.name)
	go m.watchSession(cs, session)
	return nil
}

// recordOutcome updates the registry after an activation or reconnect: a
// failed session is discarded and its error recorded against the name.
func (m *Manager) recordOutcome(cs *childSession, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.sessions[cs.name] == cs {
			delete(m.sessions, cs.name)
		}
		m.closedInfo[cs.name] = err.Error()
		return
	}
	delete(m.closedInfo, cs.name)
}

// watchSession demotes the session when its transport terminates underneath
// it, for example when the child process exits on its own.
func (m *Manager) watchSession(cs *childSession, session *mcp.ClientSession) {
	err := session.Wait()
	if err == nil {
		err = errors.New("child session terminated")
	}
	if cs.invalidate(session, err) {
		m.logger.Warn("child session terminated", "child", cs.name, "error", err)
	}
}

// reconnect tears down the session's handles and re-dials inside the retry
// envelope, all under the session lock, so concurrent callers observe either
// the old or the new handle, never a half-replaced state. Without force, a
// session another caller already mended is left alone.
func (m *Manager) reconnect(ctx context.Context, cs *childSession, force bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch cs.currentStatus() {
	case StatusClosed:
		return errSessionClosed
	case StatusReady:
		if !force {
			return nil
		}
	}
	m.teardownLocked(ctx, cs)
	err := m.connectLocked(ctx, cs)
	m.recordOutcome(cs, err)
	return err
}

// Reconnect forces the named child through teardown and retry-wrapped
// re-activation. A ready session is treated as a forced refresh; a child
// without a live session is activated fresh.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
		cfg, ok := m.configs[name]
		if !ok {
			m.mu.Unlock()
			return &UnknownChildError{Name: name}
		}
		cs := m.sessions[name]
		if cs == nil {
			cs = newChildSession(name, cfg)
			m.sessions[name] = cs
			m.mu.Unlock()
			return m.activate(ctx, cs)
		}
		m.mu.Unlock()

		if status, connecting := cs.connectState(); status == StatusConnecting {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-connecting:
			}
			if err := cs.connectResult(); err != nil {
				return err
			}
			// The connect that just settled is the refresh.
			return nil
		}
		err := m.reconnect(ctx, cs, true)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		return err
	}
}

// do runs a single protocol exchange while holding the session lock. The lock
// spans exactly one exchange, so a slow child never blocks work on other
// sessions.
func (m *Manager) do(ctx context.Context, cs *childSession, fn func(context.Context, *mcp.ClientSession) error) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	session, _ := cs.handles()
	if session == nil {
		return fmt.Errorf("childmgr: child %q has no live session", cs.name)
	}
	callCtx, cancel := withTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	err := fn(callCtx, session)
	cs.touch()
	return err
}

func (m *Manager) degrade(cs *childSession, op string, err error) {
	cs.markDegraded(err)
	m.logger.Warn("child exchange failed", "child", cs.name, "op", op, "error", err)
}

// GetSchema activates the named child if needed and returns its declared
// tools and resources. Resource listing is best-effort, matching children
// that expose no resources.
func (m *Manager) GetSchema(ctx context.Context, name string) (*ChildSchema, error) {
	cs, err := m.ensureReady(ctx, name)
	if err != nil {
		return nil, err
	}
	schema := &ChildSchema{
		Server:    name,
		Status:    StatusReady,
		Tools:     []ToolSchema{},
		Resources: []ResourceSchema{},
	}
	err = m.do(ctx, cs, func(ctx context.Context, session *mcp.ClientSession) error {
		res, listErr := session.ListTools(ctx, nil)
		if listErr != nil {
			if isMethodUnavailableError(listErr, "tools/list") {
				return nil
			}
			return listErr
		}
		for _, tool := range res.Tools {
			schema.Tools = append(schema.Tools, ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		if rres, rerr := session.ListResources(ctx, nil); rerr == nil && rres != nil {
			for _, resource := range rres.Resources {
				schema.Resources = append(schema.Resources, ResourceSchema{
					URI:         resource.URI,
					Name:        resource.Name,
					Description: resource.Description,
				})
			}
		}
		return nil
	})
	if err != nil {
		m.degrade(cs, "tools/list", err)
		return nil, &TransportError{Name: name, Op: "tools/list", Err: err}
	}
	return schema, nil
}

// ExecuteTool dispatches one tool call to the named child, activating the
// session if needed, and applies head/tail truncation to the flattened
// result. A failure on an established call is surfaced immediately and never
// retried, so non-idempotent tools cannot run twice.
func (m *Manager) ExecuteTool(ctx context.Context, name, tool string, args map[string]any, trim *TrimSpec) (*ToolResult, error) {
	if err := trim.validate(); err != nil {
		return nil, err
	}
	cs, err := m.ensureReady(ctx, name)
	if err != nil {
		return nil, err
	}
	var res *mcp.CallToolResult
	err = m.do(ctx, cs, func(ctx context.Context, session *mcp.ClientSession) error {
		out, callErr := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
		if callErr != nil {
			return callErr
		}
		res = out
		return nil
	})
	if err != nil {
		if isUnknownToolError(err) {
			return nil, &UnknownToolError{Name: name, Tool: tool, Err: err}
		}
		m.degrade(cs, "tools/call", err)
		return nil, &TransportError{Name: name, Op: "tools/call", Err: err}
	}
	text := flattenContent(res.Content)
	if res.IsError {
		return nil, &ToolExecutionError{Name: name, Tool: tool, Output: text}
	}
	output, truncated := truncateOutput(text, trim)
	return &ToolResult{Raw: text, Output: output, Truncated: truncated}, nil
}

// CheckHealth probes the named child without activating it: process liveness
// first, then a protocol ping. A failed probe demotes the session to
// degraded with the recorded error.
func (m *Manager) CheckHealth(ctx context.Context, name string) (*HealthReport, error) {
	m.mu.RLock()
	_, ok := m.configs[name]
	cs := m.sessions[name]
	info, wasClosed := m.closedInfo[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &UnknownChildError{Name: name}
	}
	if cs == nil {
		report := &HealthReport{Name: name, Status: StatusUninitialized}
		if wasClosed {
			report.Status = StatusClosed
			report.Error = info
		}
		return report, nil
	}
	snap := cs.snapshot()
	report := &HealthReport{
		Name:     name,
		Status:   snap.Status,
		Degraded: snap.Status == StatusDegraded,
		Error:    snap.Error,
	}
	if snap.Status != StatusReady {
		return report, nil
	}
	if _, cmd := cs.handles(); cmd != nil && !processAlive(cmd.Process) {
		err := errors.New("child process exited")
		m.degrade(cs, "health", err)
		report.Status = StatusDegraded
		report.Degraded = true
		report.Error = err.Error()
		return report, nil
	}
	err := m.do(ctx, cs, func(ctx context.Context, session *mcp.ClientSession) error {
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		defer cancel()
		return session.Ping(pingCtx, nil)
	})
	if err != nil {
		m.degrade(cs, "ping", err)
		report.Status = StatusDegraded
		report.Degraded = true
		report.Error = err.Error()
		return report, nil
	}
	report.Alive = true
	return report, nil
}

// CloseChild forces the named child's session closed. It is idempotent:
// closing an already-closed or never-activated child is a no-op success, and
// the name stays valid for a future fresh activation.
func (m *Manager) CloseChild(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.configs[name]; !ok {
		m.mu.Unlock()
		return &UnknownChildError{Name: name}
	}
	cs := m.sessions[name]
	delete(m.sessions, name)
	m.closedInfo[name] = ""
	m.mu.Unlock()
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	cs.setStatus(StatusClosed)
	m.teardownLocked(ctx, cs)
	cs.mu.Unlock()
	m.logger.Info("child session closed", "child", name)
	return nil
}

// StartAll eagerly activates every configured child, the way the gateway's
// startup hook wants it. Per-child failures are recorded in the registry and
// joined in the returned error; the gateway keeps serving either way.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.ListChildren() {
		if _, err := m.ensureReady(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts the manager down, tearing down every live session. Further
// operations fail with ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*childSession, 0, len(m.sessions))
	for _, cs := range m.sessions {
		sessions = append(sessions, cs)
	}
	m.sessions = make(map[string]*childSession)
	m.mu.Unlock()

	for _, cs := range sessions {
		cs.mu.Lock()
		cs.setStatus(StatusClosed)
		m.teardownLocked(ctx, cs)
		cs.mu.Unlock()
	}
	return nil
}

// teardownLocked releases the session's handles. Callers hold the session
// lock; handles are cleared first so the session watcher cannot demote a
// handle that is already being replaced.
func (m *Manager) teardownLocked(ctx context.Context, cs *childSession) {
	session, cmd := cs.handles()
	cs.clearHandles()
	if session != nil {
		closeCtx, cancel := withTimeout(ctx, 10*time.Second)
		if err := closeSession(closeCtx, session); err != nil {
			m.logger.Warn("child session close failed", "child", cs.name, "error", err)
		}
		cancel()
	}
	stopProcess(m.logger, cs.name, cmd)
}

func closeSession(ctx context.Context, session *mcp.ClientSession) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support")) {
		return false
	}
	for _, part := range strings.Split(strings.ToLower(method), "/") {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}

func isUnknownToolError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unknown tool") ||
		strings.Contains(lower, "tool not found") ||
		strings.Contains(lower, "no such tool")
}
