package childmgr

import (
	"errors"
	"fmt"
)

// ErrManagerClosed indicates the manager has been shut down and no further
// operations are accepted.
var ErrManagerClosed = errors.New("childmgr: manager is closed")

// Compile-time verification of the error taxonomy.
var (
	_ error = (*UnknownChildError)(nil)
	_ error = (*ConnectionFailureError)(nil)
	_ error = (*TransportError)(nil)
	_ error = (*UnknownToolError)(nil)
	_ error = (*ToolExecutionError)(nil)
)

// UnknownChildError indicates the requested name is not in the children
// configuration. It is terminal and never retried.
type UnknownChildError struct {
	Name string
}

func (e *UnknownChildError) Error() string {
	return fmt.Sprintf("childmgr: unknown child %q", e.Name)
}

// ConnectionFailureError indicates activation or reconnect exhausted its
// retry budget. The session is left closed; a later call re-activates fresh.
type ConnectionFailureError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("childmgr: connecting to child %q failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ConnectionFailureError) Unwrap() error { return e.Err }

// TransportError indicates a protocol exchange failed at the transport level
// (broken pipe, decode failure, process exit). The session is demoted to
// degraded and the next call triggers a reconnect.
type TransportError struct {
	Name string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("childmgr: transport failure on child %q during %s: %v", e.Name, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnknownToolError indicates the child reported that it does not recognize
// the requested tool name. The session stays ready: the child answered, so
// the transport is healthy.
type UnknownToolError struct {
	Name string
	Tool string
	Err  error
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("childmgr: child %q does not recognize tool %q: %v", e.Name, e.Tool, e.Err)
}

func (e *UnknownToolError) Unwrap() error { return e.Err }

// ToolExecutionError indicates the child executed the tool and reported an
// application-level failure. Output preserves the child's payload verbatim
// for diagnostics; the session stays ready.
type ToolExecutionError struct {
	Name   string
	Tool   string
	Output string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("childmgr: tool %q on child %q reported an error: %s", e.Tool, e.Name, e.Output)
}
