package protocol

import (
	"encoding/json"
	"slices"
)

// Transport header names defined by the MCP Streamable HTTP specification.
const (
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderSessionID       = "Mcp-Session-Id"
)

// supportedVersions lists the protocol revisions this bridge speaks,
// ordered newest first. Negotiation picks the first entry also present in
// the client's declared set.
var supportedVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// SupportedVersions returns a copy of the supported protocol revisions,
// newest first.
func SupportedVersions() []string {
	out := make([]string, len(supportedVersions))
	copy(out, supportedVersions)
	return out
}

// LatestVersion returns the newest supported protocol revision.
func LatestVersion() string {
	return supportedVersions[0]
}

// IsSupportedVersion reports whether v is a protocol revision this bridge
// speaks.
func IsSupportedVersion(v string) bool {
	return slices.Contains(supportedVersions, v)
}

// Negotiate selects the newest version present in both the client's
// declared set and ours. It returns false when no overlap exists; the
// caller must then fail the handshake without creating a session.
func Negotiate(client []string) (string, bool) {
	for _, v := range supportedVersions {
		if slices.Contains(client, v) {
			return v, true
		}
	}
	return "", false
}

// VersionSet accepts either a single protocol version string or an array of
// versions in JSON, normalising both into a list. MCP clients send one
// version in initialize; the array form lets a client declare everything it
// can speak.
type VersionSet []string

// UnmarshalJSON implements the string-or-array decoding.
func (v *VersionSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = VersionSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*v = VersionSet(many)
	return nil
}

// MarshalJSON renders a single-element set as a bare string for wire
// compatibility with standard MCP clients.
func (v VersionSet) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}
