package protocol

import "encoding/json"

// JSON-RPC 2.0 error codes, plus the implementation-defined range used by
// the bridge. The -32001..-32005 block mirrors the server-error space the
// spec reserves for implementations.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeDeploymentNotFound = -32001
	CodeInvalidSession     = -32002
	CodeBackendNotReady    = -32003
	CodeBackendUnreachable = -32004
	CodeBackendTerminated  = -32005
)

// NewError builds an error object with optional structured data. Marshal
// failures of data are swallowed; an error response must never itself fail.
func NewError(code int, message string, data any) *ErrorObject {
	obj := &ErrorObject{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			obj.Data = raw
		}
	}
	return obj
}

// NewErrorResponse builds a response envelope carrying err, correlated to
// the originating request id (which may be nil for pre-dispatch failures).
func NewErrorResponse(id json.RawMessage, err *ErrorObject) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

// NewResultResponse builds a success response with a marshalled result.
func NewResultResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}
