// Package childmgr manages the lifecycle of child Model Context Protocol
// (MCP) servers spawned as subprocesses by a parent gateway. It owns the
// session state machine for each child (spawn, handshake, retry with
// exponential backoff, failure detection, reconnect), serializes concurrent
// access so each child sees at most one in-flight request, and layers the
// tool-invocation proxy operations on top: schema retrieval, tool execution
// with head/tail output truncation, health probes, and explicit close.
//
// # Core entry points
//
//   - Manager is the long-lived session registry. Construct it with
//     NewManager from a map of child names to ChildServerConfig entries,
//     then call GetSchema / ExecuteTool to interact with children; sessions
//     are activated lazily on first use.
//   - LoadChildrenConfig parses the .json or .toml children configuration
//     file consumed by the gateway CLI.
//   - Options tune client identity, timeouts, the connect retry envelope,
//     debug stderr mirroring, and logging.
//
// Status-reporting operations (ListChildren, ActiveSessions, ChildStatus,
// Statuses) never activate a session; activation is triggered only by
// GetSchema, ExecuteTool, and Reconnect. CloseChild is idempotent, and a
// closed child is re-activated fresh by the next schema or tool call.
package childmgr
