// Package forward carries opaque JSON-RPC messages from the bridge to a
// backend, over HTTP for remote deployments or stdio for supervised local
// processes, and resolves deployments to the right transport.
package forward

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/mcpgate/internal/protocol"
)

// Transport delivers messages to one backend instance.
type Transport interface {
	// Send forwards a request and returns the backend's response envelope.
	Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	// Notify forwards a notification or client response. Nothing comes back.
	Notify(ctx context.Context, msg *protocol.Message) error
}

// UnreachableError reports a failed delivery attempt. Partial is true when
// the request may have reached the backend (timeout, broken response), in
// which case the caller must not retry non-idempotent work.
type UnreachableError struct {
	Op      string
	Partial bool
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("backend unreachable (%s): %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// AsUnreachable unwraps err as an UnreachableError, if it is one.
func AsUnreachable(err error) (*UnreachableError, bool) {
	var ue *UnreachableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ErrNotReady means the deployment exists but its backend is still being
// provisioned.
var ErrNotReady = errors.New("backend not ready")

// ErrRetired means the deployment has been decommissioned.
var ErrRetired = errors.New("deployment retired")
