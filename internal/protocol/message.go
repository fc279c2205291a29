// Package protocol implements the JSON-RPC 2.0 message envelope used by the
// MCP Streamable HTTP transport, together with protocol version negotiation.
//
// The bridge never interprets tool semantics: params, results, and error data
// stay raw so forwarded messages survive the round trip byte-identical.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only accepted value of the "jsonrpc" field.
const JSONRPCVersion = "2.0"

// Message is one JSON-RPC 2.0 envelope: a request, a notification, or a
// response. Payload fields are kept raw so the bridge can forward them
// without reinterpretation.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member. Data stays raw.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

var jsonNull = []byte("null")

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, jsonNull)
}

// IsRequest reports whether the message is a request: it names a method and
// carries an id, so the sender expects exactly one response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsNotification reports whether the message is a notification: it names a
// method but carries no id, so no response may ever be produced for it.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message is a response travelling
// client-to-server (a result or error without a method).
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// IDKey returns a stable map key for correlating responses to requests.
// JSON-RPC ids may be strings or numbers; the compacted raw bytes
// distinguish 1 from "1".
func (m *Message) IDKey() string {
	return string(m.ID)
}

// Decode parses one envelope and validates its shape. It distinguishes
// malformed JSON from a structurally invalid envelope so callers can map
// them to parse-error and invalid-request respectively.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ParseError{Err: err}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("jsonrpc must be %q", JSONRPCVersion)}
	}
	if msg.Method == "" && !msg.IsResponse() {
		return nil, &InvalidEnvelopeError{Reason: "message has neither method nor result/error"}
	}
	return &msg, nil
}

// Encode renders the envelope as a single JSON line without a trailing
// newline.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// ParseError wraps a JSON syntax failure in the inbound body.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidEnvelopeError flags a syntactically valid JSON document that is not
// a JSON-RPC 2.0 message.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string { return "invalid envelope: " + e.Reason }
