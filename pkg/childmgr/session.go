package childmgr

import (
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionStatus represents the lifecycle of a child session.
type SessionStatus string

const (
	StatusUninitialized SessionStatus = "uninitialized"
	StatusConnecting    SessionStatus = "connecting"
	StatusReady         SessionStatus = "ready"
	StatusDegraded      SessionStatus = "degraded"
	StatusClosed        SessionStatus = "closed"
)

// ChildStatus is a point-in-time snapshot of one configured child, reported
// as data: status queries never fail and never activate a session.
type ChildStatus struct {
	Name                string        `json:"name"`
	Status              SessionStatus `json:"status"`
	Running             bool          `json:"running"`
	Command             string        `json:"command,omitempty"`
	Args                []string      `json:"args,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	LastActivityAt      *time.Time    `json:"last_activity_at,omitempty"`
	Error               string        `json:"error,omitempty"`
}

// HealthReport is the result of a liveness probe.
type HealthReport struct {
	Name     string        `json:"name"`
	Status   SessionStatus `json:"status"`
	Alive    bool          `json:"alive"`
	Degraded bool          `json:"degraded"`
	Error    string        `json:"error,omitempty"`
}

// childSession is the stateful handle for one named child. The session is the
// sole owner of its transport and process handles; other components reach
// them only through the manager's lock-guarded call paths.
//
// Two locks with distinct roles: mu serializes protocol exchanges and handle
// replacement, so a child sees at most one in-flight request no matter how
// many callers race; stateMu guards the metadata so status snapshots stay
// responsive while a slow exchange holds mu.
type childSession struct {
	name   string
	config ChildServerConfig

	mu sync.Mutex

	stateMu             sync.Mutex
	status              SessionStatus
	session             *mcp.ClientSession
	cmd                 *exec.Cmd
	consecutiveFailures int
	lastErr             error
	createdAt           time.Time
	startedAt           time.Time
	lastActivity        time.Time

	// connectCh is re-armed at the start of every connect cycle and closed
	// when the cycle settles; connectErr carries the outcome to waiters.
	// connectDone marks a settled cycle so the next arm makes a fresh
	// channel.
	connectCh   chan struct{}
	connectErr  error
	connectDone bool
}

func newChildSession(name string, cfg ChildServerConfig) *childSession {
	return &childSession{
		name:      name,
		config:    cfg,
		status:    StatusConnecting,
		createdAt: time.Now(),
		connectCh: make(chan struct{}),
	}
}

// armConnect begins a connect cycle. The first cycle keeps the channel made
// at construction; later cycles re-arm a fresh one so reconnect waiters
// block on it instead of re-reading a channel that settled long ago.
func (cs *childSession) armConnect() {
	cs.stateMu.Lock()
	cs.status = StatusConnecting
	if cs.connectDone {
		cs.connectCh = make(chan struct{})
		cs.connectDone = false
	}
	cs.connectErr = nil
	cs.stateMu.Unlock()
}

// connectState returns the status together with the channel of the matching
// connect cycle, so a waiter never blocks on a channel from another cycle.
func (cs *childSession) connectState() (SessionStatus, <-chan struct{}) {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	return cs.status, cs.connectCh
}

func (cs *childSession) connectResult() error {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	return cs.connectErr
}

// failConnect settles the connect cycle: terminal status plus a closed
// channel carrying the failure to coalesced waiters.
func (cs *childSession) failConnect(cause, failure error) {
	cs.stateMu.Lock()
	cs.status = StatusClosed
	cs.lastErr = cause
	cs.connectErr = failure
	cs.connectDone = true
	close(cs.connectCh)
	cs.stateMu.Unlock()
}

func (cs *childSession) currentStatus() SessionStatus {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	return cs.status
}

func (cs *childSession) setStatus(status SessionStatus) {
	cs.stateMu.Lock()
	cs.status = status
	cs.stateMu.Unlock()
}

func (cs *childSession) handles() (*mcp.ClientSession, *exec.Cmd) {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	return cs.session, cs.cmd
}

func (cs *childSession) clearHandles() {
	cs.stateMu.Lock()
	cs.session = nil
	cs.cmd = nil
	cs.stateMu.Unlock()
}

// adopt installs freshly-dialed handles, resets the failure history, and
// settles the connect cycle so coalesced waiters wake to a ready session.
func (cs *childSession) adopt(session *mcp.ClientSession, cmd *exec.Cmd) {
	cs.stateMu.Lock()
	cs.session = session
	cs.cmd = cmd
	cs.status = StatusReady
	cs.consecutiveFailures = 0
	cs.lastErr = nil
	cs.startedAt = time.Now()
	cs.lastActivity = cs.startedAt
	cs.connectDone = true
	close(cs.connectCh)
	cs.stateMu.Unlock()
}

func (cs *childSession) markDegraded(err error) {
	cs.stateMu.Lock()
	if cs.status != StatusClosed {
		cs.status = StatusDegraded
		cs.consecutiveFailures++
		cs.lastErr = err
	}
	cs.stateMu.Unlock()
}

// invalidate demotes the session when its transport terminates underneath it.
// It reports false when the terminated handle is no longer current, which
// happens after a clean close or a reconnect replaced it.
func (cs *childSession) invalidate(session *mcp.ClientSession, err error) bool {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	if cs.session != session || cs.status == StatusClosed {
		return false
	}
	cs.status = StatusDegraded
	cs.consecutiveFailures++
	if err != nil {
		cs.lastErr = err
	}
	return true
}

func (cs *childSession) touch() {
	cs.stateMu.Lock()
	cs.lastActivity = time.Now()
	cs.stateMu.Unlock()
}

func (cs *childSession) snapshot() ChildStatus {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	status := ChildStatus{
		Name:                cs.name,
		Status:              cs.status,
		Running:             cs.session != nil && (cs.status == StatusReady || cs.status == StatusDegraded),
		Command:             cs.config.Command,
		Args:                cs.config.Args,
		ConsecutiveFailures: cs.consecutiveFailures,
	}
	if !cs.startedAt.IsZero() {
		started := cs.startedAt
		status.StartedAt = &started
	}
	if !cs.lastActivity.IsZero() {
		last := cs.lastActivity
		status.LastActivityAt = &last
	}
	if cs.lastErr != nil {
		status.Error = cs.lastErr.Error()
	}
	return status
}
