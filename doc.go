// Package mcpgate is a deployment gateway for the Model Context Protocol.
// It terminates the MCP Streamable HTTP transport at {prefix}/{deploymentID}
// and forwards opaque JSON-RPC messages to the backend serving each
// deployment: a remote HTTP instance or a locally supervised stdio process.
//
// The gateway owns protocol version negotiation, session continuity, and the
// error taxonomy between client and backend. It never interprets tool
// semantics; params, results, and backend errors pass through byte-identical.
package mcpgate
