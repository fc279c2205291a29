// Package bridge terminates the MCP Streamable HTTP transport and forwards
// opaque JSON-RPC traffic to the backend serving each deployment.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/mcpgate/internal/forward"
	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/mcpgate/internal/session"
	"pkt.systems/mcpgate/registry"
	"pkt.systems/pslog"
)

const (
	// DefaultKeepAliveInterval paces SSE keep-alive comments on GET streams.
	DefaultKeepAliveInterval = 15 * time.Second

	// DefaultMaxBodyBytes caps a single POSTed message.
	DefaultMaxBodyBytes = 32 << 20
)

// Resolver turns a deployment id into a live transport. Implemented by
// forward.Resolver; redeclared here so tests can stub delivery.
type Resolver interface {
	Resolve(ctx context.Context, deploymentID string) (forward.Transport, error)
	Forget(deploymentID string)
}

// Bridge is the HTTP handler for {prefix}/{deploymentID}. POST carries
// messages, GET opens the server event stream, DELETE terminates a session.
type Bridge struct {
	logger   pslog.Logger
	resolver Resolver
	sessions *session.Registry
	metrics  *bridgeMetrics
	tracer   trace.Tracer

	tracingEnabled    bool
	keepAliveInterval time.Duration
	maxBodyBytes      int64
	serverName        string
	serverVersion     string
}

// Option adjusts a Bridge.
type Option func(*Bridge)

// WithKeepAliveInterval overrides the SSE keep-alive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.keepAliveInterval = d
		}
	}
}

// WithMaxBodyBytes overrides the per-message size cap.
func WithMaxBodyBytes(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxBodyBytes = n
		}
	}
}

// WithTracing toggles span creation per request.
func WithTracing(enabled bool) Option {
	return func(b *Bridge) { b.tracingEnabled = enabled }
}

// WithServerInfo sets the identity reported when a local handshake answer
// has to be synthesized.
func WithServerInfo(name, version string) Option {
	return func(b *Bridge) {
		b.serverName = name
		b.serverVersion = version
	}
}

// New wires the bridge against a resolver and a session table.
func New(resolver Resolver, sessions *session.Registry, logger pslog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	b := &Bridge{
		logger:            logger,
		resolver:          resolver,
		sessions:          sessions,
		tracer:            otel.Tracer("pkt.systems/mcpgate/bridge"),
		keepAliveInterval: DefaultKeepAliveInterval,
		maxBodyBytes:      DefaultMaxBodyBytes,
		serverName:        "mcpgate",
		serverVersion:     "dev",
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = newBridgeMetrics(logger)
	return b
}

// Handler returns the route table for mounting under the endpoint prefix.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /{deployment}", b.wrap("post", b.handlePost))
	mux.Handle("GET /{deployment}", b.wrap("stream", b.handleStream))
	mux.Handle("DELETE /{deployment}", b.wrap("terminate", b.handleTerminate))
	return mux
}

func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	logger := requestLogger(ctx, b.logger)
	deploymentID := r.PathValue("deployment")

	if v := r.Header.Get(protocol.HeaderProtocolVersion); v != "" && !protocol.IsSupportedVersion(v) {
		writeMessage(w, http.StatusBadRequest, protocol.LatestVersion(),
			protocol.NewErrorResponse(nil, protocol.NewError(
				protocol.CodeInvalidRequest,
				fmt.Sprintf("unsupported protocol version %q", v),
				errorData{Supported: protocol.SupportedVersions()},
			)))
		return nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeMessage(w, http.StatusRequestEntityTooLarge, protocol.LatestVersion(),
				protocol.NewErrorResponse(nil, protocol.NewError(
					protocol.CodeInvalidRequest,
					fmt.Sprintf("message exceeds %d bytes", maxErr.Limit),
					nil,
				)))
			return nil
		}
		return fmt.Errorf("read body: %w", err)
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		var parseErr *protocol.ParseError
		code := protocol.CodeInvalidRequest
		detail := "invalid request envelope"
		if errors.As(err, &parseErr) {
			code = protocol.CodeParseError
			detail = "parse error"
		}
		writeMessage(w, http.StatusBadRequest, protocol.LatestVersion(),
			protocol.NewErrorResponse(nil, protocol.NewError(code, detail, errorData{Detail: err.Error()})))
		return nil
	}

	switch {
	case msg.IsRequest() && msg.Method == protocol.MethodInitialize:
		return b.handleInitialize(ctx, w, r, deploymentID, msg)
	case msg.IsRequest():
		return b.handleRequest(ctx, w, r, deploymentID, msg)
	default:
		return b.handleAsync(ctx, w, r, deploymentID, msg, logger)
	}
}

func (b *Bridge) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, deploymentID string, msg *protocol.Message) error {
	logger := requestLogger(ctx, b.logger)

	params, err := protocol.ParseInitializeParams(msg.Params)
	if err != nil {
		b.metrics.recordMessage(ctx, "initialize", "invalid_params")
		writeMessage(w, http.StatusOK, protocol.LatestVersion(),
			protocol.NewErrorResponse(msg.ID, protocol.NewError(
				protocol.CodeInvalidParams, "malformed initialize params", errorData{Detail: err.Error()})))
		return nil
	}

	negotiated, ok := negotiate(params.ProtocolVersion)
	if !ok {
		logger.Info("bridge.negotiation.failed", "client_versions", []string(params.ProtocolVersion))
		b.metrics.recordMessage(ctx, "initialize", "negotiation_failed")
		writeMessage(w, http.StatusOK, protocol.LatestVersion(),
			protocol.NewErrorResponse(msg.ID, protocol.NewError(
				protocol.CodeInvalidParams,
				"no mutually supported protocol version",
				errorData{Supported: protocol.SupportedVersions()},
			)))
		return nil
	}

	resp, ferr := b.forwardRequest(ctx, deploymentID, msg)
	if ferr != nil {
		return b.writeForwardFailure(ctx, w, deploymentID, negotiated, msg, ferr)
	}
	if resp.Error != nil {
		// The backend refused the handshake; its verdict passes through and
		// no session exists.
		b.metrics.recordMessage(ctx, "initialize", "backend_rejected")
		writeMessage(w, http.StatusOK, negotiated, resp)
		return nil
	}

	sess := b.sessions.Create(deploymentID, negotiated)
	b.metrics.recordSessionDelta(ctx, 1)
	b.metrics.recordMessage(ctx, "initialize", "ok")
	logger.Info("bridge.session.created",
		"session_id", sess.ID,
		"protocol_version", negotiated,
	)

	if err := b.mergeInitializeResult(resp, negotiated, sess.ID); err != nil {
		logger.Warn("bridge.initialize.merge_failed", "error", err)
	}
	w.Header().Set(protocol.HeaderSessionID, sess.ID)
	writeMessage(w, http.StatusOK, negotiated, resp)
	return nil
}

func (b *Bridge) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, deploymentID string, msg *protocol.Message) error {
	sessionID := r.Header.Get(protocol.HeaderSessionID)
	sess, err := b.sessions.Validate(sessionID, deploymentID)
	if err != nil {
		b.metrics.recordMessage(ctx, "request", "invalid_session")
		b.metrics.recordFailure(ctx, protocol.CodeInvalidSession)
		writeMessage(w, http.StatusOK, protocol.LatestVersion(),
			protocol.NewErrorResponse(msg.ID, forwardError(session.ErrUnknownSession)))
		return nil
	}

	resp, ferr := b.forwardRequest(ctx, deploymentID, msg)
	if ferr != nil {
		return b.writeForwardFailure(ctx, w, deploymentID, sess.ProtocolVersion, msg, ferr)
	}
	b.metrics.recordMessage(ctx, "request", "ok")
	writeMessage(w, http.StatusOK, sess.ProtocolVersion, resp)
	return nil
}

// handleAsync covers notifications and client-to-server responses: accepted
// with 202, forwarded best-effort, failures logged but never surfaced.
func (b *Bridge) handleAsync(ctx context.Context, w http.ResponseWriter, r *http.Request, deploymentID string, msg *protocol.Message, logger pslog.Logger) error {
	class := "response"
	if msg.IsNotification() {
		class = "notification"
	}
	version := protocol.LatestVersion()

	sessionID := r.Header.Get(protocol.HeaderSessionID)
	sess, err := b.sessions.Validate(sessionID, deploymentID)
	if err != nil {
		// Nothing to correlate an error to; accept and drop.
		logger.Warn("bridge.async.invalid_session", "class", class)
		b.metrics.recordMessage(ctx, class, "invalid_session")
		writeAccepted(w, version)
		return nil
	}
	version = sess.ProtocolVersion

	tr, err := b.resolver.Resolve(ctx, deploymentID)
	if err != nil {
		b.observeResolveFailure(ctx, deploymentID, err, logger)
		b.metrics.recordMessage(ctx, class, "dropped")
		writeAccepted(w, version)
		return nil
	}
	if err := tr.Notify(ctx, msg); err != nil {
		logger.Warn("bridge.async.forward_failed", "class", class, "method", msg.Method, "error", err)
		b.metrics.recordMessage(ctx, class, "dropped")
		writeAccepted(w, version)
		return nil
	}
	b.metrics.recordMessage(ctx, class, "ok")
	writeAccepted(w, version)
	return nil
}

func (b *Bridge) handleStream(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	deploymentID := r.PathValue("deployment")
	sessionID := r.Header.Get(protocol.HeaderSessionID)
	sess, err := b.sessions.Validate(sessionID, deploymentID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, protocol.LatestVersion(),
			protocol.NewErrorResponse(nil, forwardError(session.ErrUnknownSession)))
		return nil
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusNotImplemented, sess.ProtocolVersion,
			protocol.NewErrorResponse(nil, protocol.NewError(
				protocol.CodeInternalError, "streaming unsupported by server", nil)))
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(protocol.HeaderProtocolVersion, sess.ProtocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(b.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
			// Streaming traffic keeps the session from idling out.
			if _, err := b.sessions.Validate(sessionID, deploymentID); err != nil {
				return nil
			}
		}
	}
}

func (b *Bridge) handleTerminate(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	logger := requestLogger(ctx, b.logger)
	deploymentID := r.PathValue("deployment")
	sessionID := r.Header.Get(protocol.HeaderSessionID)

	sess, err := b.sessions.Validate(sessionID, deploymentID)
	if err != nil {
		writeMessage(w, http.StatusNotFound, protocol.LatestVersion(),
			protocol.NewErrorResponse(nil, forwardError(session.ErrUnknownSession)))
		return nil
	}
	b.sessions.Remove(sess.ID)
	b.metrics.recordSessionDelta(ctx, -1)
	logger.Info("bridge.session.terminated", "session_id", sess.ID)
	w.Header().Set(protocol.HeaderProtocolVersion, sess.ProtocolVersion)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// forwardRequest resolves and delivers one request. When delivery fails
// before any response bytes were seen, the deployment is re-resolved once
// and the request re-sent; a redeploy that moved the backend address heals
// inside a single client call this way.
func (b *Bridge) forwardRequest(ctx context.Context, deploymentID string, msg *protocol.Message) (*protocol.Message, error) {
	logger := requestLogger(ctx, b.logger)

	tr, err := b.resolver.Resolve(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := tr.Send(ctx, msg)
	if err == nil {
		b.metrics.recordForward(ctx, deploymentID, time.Since(start))
		return resp, nil
	}

	ue, ok := forward.AsUnreachable(err)
	if !ok || ue.Partial {
		return nil, err
	}
	logger.Warn("bridge.forward.retry", "method", msg.Method, "error", err)
	b.metrics.recordRetry(ctx, deploymentID)

	tr, rerr := b.resolver.Resolve(ctx, deploymentID)
	if rerr != nil {
		return nil, rerr
	}
	start = time.Now()
	resp, err = tr.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	b.metrics.recordForward(ctx, deploymentID, time.Since(start))
	return resp, nil
}

// writeForwardFailure maps a resolve or delivery error onto the wire: 404
// for unknown deployments, an in-band protocol error for everything else.
func (b *Bridge) writeForwardFailure(ctx context.Context, w http.ResponseWriter, deploymentID, version string, msg *protocol.Message, err error) error {
	logger := requestLogger(ctx, b.logger)
	b.observeResolveFailure(ctx, deploymentID, err, logger)

	if errors.Is(err, registry.ErrNotFound) {
		b.metrics.recordFailure(ctx, protocol.CodeDeploymentNotFound)
		writeMessage(w, http.StatusNotFound, version,
			protocol.NewErrorResponse(msg.ID, forwardError(err)))
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	obj := forwardError(err)
	b.metrics.recordFailure(ctx, obj.Code)
	logger.Warn("bridge.forward.failed", "method", msg.Method, "code", obj.Code, "error", err)
	writeMessage(w, http.StatusOK, version, protocol.NewErrorResponse(msg.ID, obj))
	return nil
}

// observeResolveFailure applies the state side effects a resolver verdict
// demands: retirement tears down every session and cached transport for the
// deployment.
func (b *Bridge) observeResolveFailure(ctx context.Context, deploymentID string, err error, logger pslog.Logger) {
	if !errors.Is(err, forward.ErrRetired) {
		return
	}
	dropped := b.sessions.DropDeployment(deploymentID)
	b.resolver.Forget(deploymentID)
	if dropped > 0 {
		b.metrics.recordSessionDelta(ctx, int64(-dropped))
	}
	logger.Info("bridge.deployment.retired", "sessions_dropped", dropped)
}

func negotiate(versions protocol.VersionSet) (string, bool) {
	if len(versions) == 0 {
		// Clients predating the version handshake get the newest revision.
		return protocol.LatestVersion(), true
	}
	return protocol.Negotiate(versions)
}

// mergeInitializeResult rewrites the backend's handshake answer with the
// bridge's negotiated version and the minted session id, leaving every other
// member untouched. A backend that answered without serverInfo (the stdio
// responder case) gets the bridge's own identity filled in.
func (b *Bridge) mergeInitializeResult(resp *protocol.Message, version, sessionID string) error {
	result := map[string]json.RawMessage{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("backend initialize result: %w", err)
		}
	}
	raw, err := json.Marshal(version)
	if err != nil {
		return err
	}
	result["protocolVersion"] = raw

	if _, ok := result["serverInfo"]; !ok {
		info, err := json.Marshal(protocol.Implementation{Name: b.serverName, Version: b.serverVersion})
		if err != nil {
			return err
		}
		result["serverInfo"] = info
	}

	meta := map[string]json.RawMessage{}
	if prev, ok := result["_meta"]; ok {
		if err := json.Unmarshal(prev, &meta); err != nil {
			return fmt.Errorf("backend _meta: %w", err)
		}
	}
	if meta["sessionId"], err = json.Marshal(sessionID); err != nil {
		return err
	}
	if result["_meta"], err = json.Marshal(meta); err != nil {
		return err
	}
	if resp.Result, err = json.Marshal(result); err != nil {
		return err
	}
	return nil
}

func writeMessage(w http.ResponseWriter, status int, version string, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(protocol.HeaderProtocolVersion, version)
	w.WriteHeader(status)
	if msg == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(msg)
}

func writeAccepted(w http.ResponseWriter, version string) {
	w.Header().Set(protocol.HeaderProtocolVersion, version)
	w.WriteHeader(http.StatusAccepted)
}

func requestLogger(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return fallback
}
