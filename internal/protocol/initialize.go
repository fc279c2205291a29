package protocol

import "encoding/json"

// MethodInitialize is the handshake request method name.
const MethodInitialize = "initialize"

// InitializeParams is the subset of the initialize request the bridge
// inspects. Capabilities stay raw; only the declared protocol versions and
// client identity matter for admission.
type InitializeParams struct {
	ProtocolVersion VersionSet      `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

// Implementation identifies one protocol participant.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the handshake response the bridge returns. When the
// backend answered the forwarded initialize, Capabilities and ServerInfo
// carry its values verbatim; otherwise the bridge's own identity is used.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      json.RawMessage `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
	Meta            *InitializeMeta `json:"_meta,omitempty"`
}

// InitializeMeta mirrors the session id into the response body for clients
// that do not read transport headers.
type InitializeMeta struct {
	SessionID string `json:"sessionId"`
}

// ParseInitializeParams decodes the initialize params, tolerating absent
// fields. A missing protocolVersion yields an empty set; the caller decides
// whether that defaults to the latest revision or fails negotiation.
func ParseInitializeParams(raw json.RawMessage) (*InitializeParams, error) {
	params := &InitializeParams{}
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, err
	}
	return params, nil
}
