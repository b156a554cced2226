// Package parentgw exposes a childmgr.Manager as an MCP server of its own:
// one parent endpoint whose tools list, inspect, and invoke the configured
// child servers. The gateway serves either stdio, for use as a subprocess of
// an MCP client, or Streamable HTTP.
package parentgw
