package bridge

import (
	"context"
	"errors"

	"pkt.systems/mcpgate/internal/forward"
	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/mcpgate/internal/session"
	"pkt.systems/mcpgate/registry"
)

// notReadyRetryAfterSeconds is the retry hint attached to not-ready errors.
// Provisioning a backend instance typically lands inside this window.
const notReadyRetryAfterSeconds = 5

type errorData struct {
	Reason            string   `json:"reason,omitempty"`
	Detail            string   `json:"detail,omitempty"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
	Supported         []string `json:"supported,omitempty"`
	Partial           *bool    `json:"partial,omitempty"`
}

// forwardError translates a resolver or transport failure into the protocol
// error delivered inside an HTTP 200. Unknown deployments are the one case
// handled at the transport layer instead (404), so callers check
// registry.ErrNotFound before coming here.
func forwardError(err error) *protocol.ErrorObject {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return protocol.NewError(protocol.CodeDeploymentNotFound, "deployment not found", nil)
	case errors.Is(err, forward.ErrRetired):
		return protocol.NewError(protocol.CodeDeploymentNotFound, "deployment retired",
			errorData{Reason: "retired"})
	case errors.Is(err, forward.ErrNotReady):
		return protocol.NewError(protocol.CodeBackendNotReady, "backend not ready",
			errorData{Reason: "provisioning", RetryAfterSeconds: notReadyRetryAfterSeconds})
	case errors.Is(err, forward.ErrTerminated):
		return protocol.NewError(protocol.CodeBackendTerminated, "backend process terminated",
			errorData{Detail: err.Error()})
	case errors.Is(err, session.ErrUnknownSession):
		return protocol.NewError(protocol.CodeInvalidSession, "invalid or expired session",
			errorData{Reason: "reinitialize"})
	case errors.Is(err, context.Canceled):
		return protocol.NewError(protocol.CodeInternalError, "request canceled", nil)
	}
	if ue, ok := forward.AsUnreachable(err); ok {
		partial := ue.Partial
		return protocol.NewError(protocol.CodeBackendUnreachable, "backend unreachable",
			errorData{Detail: ue.Error(), Partial: &partial})
	}
	return protocol.NewError(protocol.CodeInternalError, "internal error", nil)
}
