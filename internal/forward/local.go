package forward

import (
	"context"
	"errors"

	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/mcpgate/internal/supervise"
)

// ErrTerminated mirrors the supervisor's terminal error so callers can match
// it without importing the supervise package.
var ErrTerminated = supervise.ErrTerminated

// Local forwards messages to a supervised child process over stdio.
type Local struct {
	handle *supervise.Handle
}

// NewLocal wraps one live process handle.
func NewLocal(h *supervise.Handle) *Local {
	return &Local{handle: h}
}

// Send writes the request to the child's stdin and waits for the correlated
// response line. Process death while waiting surfaces as ErrTerminated.
func (l *Local) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	resp, err := l.handle.Call(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UnreachableError{Op: "stdio call", Partial: true, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// Notify writes the message to the child's stdin.
func (l *Local) Notify(ctx context.Context, msg *protocol.Message) error {
	return l.handle.Notify(ctx, msg)
}
