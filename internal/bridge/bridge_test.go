package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/mcpgate/internal/forward"
	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/mcpgate/internal/session"
	"pkt.systems/mcpgate/registry"
	"pkt.systems/pslog"
)

type stubTransport struct {
	mu      sync.Mutex
	sends   int
	notifys int
	send    func(msg *protocol.Message) (*protocol.Message, error)
	notify  func(msg *protocol.Message) error
}

func (s *stubTransport) Send(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
	s.mu.Lock()
	s.sends++
	s.mu.Unlock()
	if s.send == nil {
		return protocol.NewResultResponse(msg.ID, map[string]any{})
	}
	return s.send(msg)
}

func (s *stubTransport) Notify(_ context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	s.notifys++
	s.mu.Unlock()
	if s.notify == nil {
		return nil
	}
	return s.notify(msg)
}

func (s *stubTransport) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *stubTransport) notifyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifys
}

type stubResolver struct {
	mu       sync.Mutex
	resolves int
	forgot   []string
	resolve  func(deploymentID string) (forward.Transport, error)
}

func (s *stubResolver) Resolve(_ context.Context, deploymentID string) (forward.Transport, error) {
	s.mu.Lock()
	s.resolves++
	s.mu.Unlock()
	return s.resolve(deploymentID)
}

func (s *stubResolver) Forget(deploymentID string) {
	s.mu.Lock()
	s.forgot = append(s.forgot, deploymentID)
	s.mu.Unlock()
}

func (s *stubResolver) resolveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolves
}

// initializeTransport answers the handshake the way a healthy MCP backend
// does and echoes empty results for everything else.
func initializeTransport() *stubTransport {
	return &stubTransport{
		send: func(msg *protocol.Message) (*protocol.Message, error) {
			if msg.Method == protocol.MethodInitialize {
				return protocol.NewResultResponse(msg.ID, map[string]any{
					"protocolVersion": "2024-11-05",
					"capabilities":    map[string]any{"tools": map[string]any{}},
					"serverInfo":      map[string]any{"name": "toolsrv", "version": "1.0.0"},
				})
			}
			return protocol.NewResultResponse(msg.ID, map[string]any{"echo": msg.Method})
		},
	}
}

func newBridge(t *testing.T, resolve func(string) (forward.Transport, error)) (*Bridge, *session.Registry, *stubResolver) {
	t.Helper()
	r := &stubResolver{resolve: resolve}
	sessions := session.NewRegistry(pslog.NoopLogger())
	b := New(r, sessions, pslog.NoopLogger(), WithKeepAliveInterval(25*time.Millisecond))
	return b, sessions, r
}

func singleTransport(tr forward.Transport) func(string) (forward.Transport, error) {
	return func(string) (forward.Transport, error) { return tr, nil }
}

func postMessage(t *testing.T, h http.Handler, deployment, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/"+deployment, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderProtocolVersion, protocol.LatestVersion())
	if sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) *protocol.Message {
	t.Helper()
	msg, err := protocol.Decode(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return msg
}

func initializeSession(t *testing.T, h http.Handler, deployment string, versions string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%s,"capabilities":{},"clientInfo":{"name":"cli","version":"0"}}}`, versions)
	rec := postMessage(t, h, deployment, "", body)
	return rec, rec.Header().Get(protocol.HeaderSessionID)
}

func TestInitializeNegotiatesNewestCommonVersion(t *testing.T) {
	t.Parallel()
	b, sessions, _ := newBridge(t, singleTransport(initializeTransport()))
	h := b.Handler()

	rec, sid := initializeSession(t, h, "dep-1", `["2025-03-26","2024-11-05"]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sid == "" {
		t.Fatal("no Mcp-Session-Id header")
	}
	if sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", sessions.Len())
	}

	msg := decodeBody(t, rec)
	if msg.Error != nil {
		t.Fatalf("initialize error: %v", msg.Error)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Meta            struct {
			SessionID string `json:"sessionId"`
		} `json:"_meta"`
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("negotiated %s, want 2025-03-26", result.ProtocolVersion)
	}
	if result.Meta.SessionID != sid {
		t.Fatalf("_meta.sessionId = %q, header = %q", result.Meta.SessionID, sid)
	}
	if result.ServerInfo.Name != "toolsrv" {
		t.Fatalf("serverInfo.name = %q, backend identity must pass through", result.ServerInfo.Name)
	}
}

func TestInitializeAcceptsSingleVersionString(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))
	rec, sid := initializeSession(t, b.Handler(), "dep-1", `"2024-11-05"`)
	if rec.Code != http.StatusOK || sid == "" {
		t.Fatalf("status = %d, session = %q", rec.Code, sid)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(decodeBody(t, rec).Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("negotiated %s, want 2024-11-05", result.ProtocolVersion)
	}
}

func TestInitializeNoCommonVersionMintsNoSession(t *testing.T) {
	t.Parallel()
	tr := initializeTransport()
	b, sessions, _ := newBridge(t, singleTransport(tr))

	rec, sid := initializeSession(t, b.Handler(), "dep-1", `["1999-01-01"]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; negotiation failures ride inside 200", rec.Code)
	}
	if sid != "" {
		t.Fatal("session minted despite failed negotiation")
	}
	if sessions.Len() != 0 {
		t.Fatalf("sessions = %d, want 0", sessions.Len())
	}
	if tr.sendCount() != 0 {
		t.Fatal("message forwarded despite failed negotiation")
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("error = %+v, want %d", msg.Error, protocol.CodeInvalidParams)
	}
	if !strings.Contains(string(msg.Error.Data), protocol.LatestVersion()) {
		t.Fatalf("error data %s lacks supported versions", msg.Error.Data)
	}
}

func TestUnknownDeploymentIs404(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, func(string) (forward.Transport, error) {
		return nil, registry.ErrNotFound
	})
	rec, _ := initializeSession(t, b.Handler(), "ghost", `"2025-06-18"`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeDeploymentNotFound {
		t.Fatalf("error = %+v", msg.Error)
	}
}

func TestRequestWithoutSessionIsRejectedWithoutForwarding(t *testing.T) {
	t.Parallel()
	tr := initializeTransport()
	b, _, _ := newBridge(t, singleTransport(tr))
	h := b.Handler()

	for _, sid := range []string{"", "bogus-session"} {
		rec := postMessage(t, h, "dep-1", sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"x"}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		msg := decodeBody(t, rec)
		if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidSession {
			t.Fatalf("error = %+v, want %d", msg.Error, protocol.CodeInvalidSession)
		}
		if msg.IDKey() != "5" {
			t.Fatalf("error response id = %s, want the request id", msg.IDKey())
		}
	}
	if tr.sendCount() != 0 {
		t.Fatal("request forwarded despite invalid session")
	}
}

func TestSessionIsBoundToItsDeployment(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))
	h := b.Handler()

	_, sid := initializeSession(t, h, "dep-1", `"2025-06-18"`)
	if sid == "" {
		t.Fatal("no session")
	}
	rec := postMessage(t, h, "dep-2", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidSession {
		t.Fatalf("cross-deployment session accepted: %+v", msg.Error)
	}
}

func TestRequestForwardsVerbatim(t *testing.T) {
	t.Parallel()
	backendErr := protocol.NewError(1234, "tool exploded", map[string]string{"tool": "x"})
	tr := &stubTransport{
		send: func(msg *protocol.Message) (*protocol.Message, error) {
			if msg.Method == protocol.MethodInitialize {
				return protocol.NewResultResponse(msg.ID, map[string]any{"protocolVersion": "2025-06-18"})
			}
			return protocol.NewErrorResponse(msg.ID, backendErr), nil
		},
	}
	b, _, _ := newBridge(t, singleTransport(tr))
	h := b.Handler()
	_, sid := initializeSession(t, h, "dep-1", `"2025-06-18"`)

	rec := postMessage(t, h, "dep-1", sid, `{"jsonrpc":"2.0","id":9,"method":"tools/call"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; backend errors pass through inside 200", rec.Code)
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != 1234 || msg.Error.Message != "tool exploded" {
		t.Fatalf("backend error rewritten: %+v", msg.Error)
	}
}

func TestBackendNotReadyCarriesRetryHint(t *testing.T) {
	t.Parallel()
	b, sessions, _ := newBridge(t, func(string) (forward.Transport, error) {
		return nil, forward.ErrNotReady
	})
	sess := sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeBackendNotReady {
		t.Fatalf("error = %+v", msg.Error)
	}
	if !strings.Contains(string(msg.Error.Data), "retryAfterSeconds") {
		t.Fatalf("error data %s lacks retry hint", msg.Error.Data)
	}
}

func TestPreResponseFailureRetriesExactlyOnce(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{
		send: func(msg *protocol.Message) (*protocol.Message, error) {
			return nil, &forward.UnreachableError{Op: "post", Partial: false, Err: errors.New("connection refused")}
		},
	}
	b, sessions, resolver := newBridge(t, singleTransport(tr))
	sess := sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeBackendUnreachable {
		t.Fatalf("error = %+v", msg.Error)
	}
	if got := tr.sendCount(); got != 2 {
		t.Fatalf("send attempts = %d, want exactly one retry", got)
	}
	if got := resolver.resolveCount(); got != 2 {
		t.Fatalf("resolves = %d, want a fresh resolution for the retry", got)
	}
}

func TestPartialFailureNeverRetries(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{
		send: func(msg *protocol.Message) (*protocol.Message, error) {
			return nil, &forward.UnreachableError{Op: "post", Partial: true, Err: errors.New("timeout")}
		},
	}
	b, sessions, _ := newBridge(t, singleTransport(tr))
	sess := sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","id":4,"method":"tools/call"}`)
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeBackendUnreachable {
		t.Fatalf("error = %+v", msg.Error)
	}
	if got := tr.sendCount(); got != 1 {
		t.Fatalf("send attempts = %d; a possibly-delivered request must not be replayed", got)
	}
}

func TestNotificationsAreAcceptedWithoutResponse(t *testing.T) {
	t.Parallel()
	tr := initializeTransport()
	b, sessions, _ := newBridge(t, singleTransport(tr))
	sess := sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("notification produced a body: %q", rec.Body.String())
	}
	if tr.notifyCount() != 1 {
		t.Fatalf("notify calls = %d", tr.notifyCount())
	}
}

func TestNotificationForwardFailureStaysSilent(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{notify: func(*protocol.Message) error { return errors.New("down") }}
	b, sessions, _ := newBridge(t, singleTransport(tr))
	sess := sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	if rec.Code != http.StatusAccepted || rec.Body.Len() != 0 {
		t.Fatalf("status = %d body = %q; forward failures never surface", rec.Code, rec.Body.String())
	}
}

func TestNotificationWithInvalidSessionIsDropped(t *testing.T) {
	t.Parallel()
	tr := initializeTransport()
	b, _, _ := newBridge(t, singleTransport(tr))

	rec := postMessage(t, b.Handler(), "dep-1", "bogus", `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if tr.notifyCount() != 0 {
		t.Fatal("notification forwarded despite invalid session")
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))
	h := b.Handler()
	_, sid := initializeSession(t, h, "dep-1", `"2025-06-18"`)

	req := httptest.NewRequest(http.MethodDelete, "/dep-1", nil)
	req.Header.Set(protocol.HeaderSessionID, sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec2 := postMessage(t, h, "dep-1", sid, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	msg := decodeBody(t, rec2)
	if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidSession {
		t.Fatal("session survived DELETE")
	}
}

func TestRetirementDropsSessionsAndCachedTransport(t *testing.T) {
	t.Parallel()
	b, sessions, resolver := newBridge(t, func(string) (forward.Transport, error) {
		return nil, forward.ErrRetired
	})
	sess := sessions.Create("dep-1", "2025-06-18")
	sessions.Create("dep-1", "2025-06-18")

	rec := postMessage(t, b.Handler(), "dep-1", sess.ID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeDeploymentNotFound {
		t.Fatalf("error = %+v", msg.Error)
	}
	if sessions.Len() != 0 {
		t.Fatalf("sessions = %d; retirement must invalidate them all", sessions.Len())
	}
	resolver.mu.Lock()
	forgot := append([]string(nil), resolver.forgot...)
	resolver.mu.Unlock()
	if len(forgot) != 1 || forgot[0] != "dep-1" {
		t.Fatalf("forgot = %v", forgot)
	}
}

func TestMalformedBodiesAre400(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))
	h := b.Handler()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{"jsonrpc":`, protocol.CodeParseError},
		{"wrong jsonrpc", `{"jsonrpc":"1.0","id":1,"method":"x"}`, protocol.CodeInvalidRequest},
		{"no method or result", `{"jsonrpc":"2.0","id":1}`, protocol.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postMessage(t, h, "dep-1", "", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			msg := decodeBody(t, rec)
			if msg.Error == nil || msg.Error.Code != tc.code {
				t.Fatalf("error = %+v, want code %d", msg.Error, tc.code)
			}
		})
	}
}

func TestOversizedBodyIsRejectedAsTooLarge(t *testing.T) {
	t.Parallel()
	tr := initializeTransport()
	resolver := &stubResolver{resolve: singleTransport(tr)}
	sessions := session.NewRegistry(pslog.NoopLogger())
	b := New(resolver, sessions, pslog.NoopLogger(), WithMaxBodyBytes(256))

	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"blob":%q}}`, strings.Repeat("x", 1024))
	rec := postMessage(t, b.Handler(), "dep-1", "", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("error = %+v, want %d; an over-limit body is not a parse error", msg.Error, protocol.CodeInvalidRequest)
	}
	if !strings.Contains(msg.Error.Message, "exceeds") {
		t.Fatalf("error message %q does not name the size limit", msg.Error.Message)
	}
	if tr.sendCount() != 0 {
		t.Fatal("oversized message forwarded")
	}
}

func TestUnsupportedHeaderVersionIs400(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))

	req := httptest.NewRequest(http.MethodPost, "/dep-1", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set(protocol.HeaderProtocolVersion, "2000-01-01")
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	msg := decodeBody(t, rec)
	if msg.Error == nil || msg.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("error = %+v", msg.Error)
	}
}

func TestStreamEmitsKeepAlives(t *testing.T) {
	t.Parallel()
	b, sessions, _ := newBridge(t, singleTransport(initializeTransport()))
	sess := sessions.Create("dep-1", "2025-06-18")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/dep-1", nil).WithContext(ctx)
	req.Header.Set(protocol.HeaderSessionID, sess.ID)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache control = %q", cc)
	}
	if !strings.Contains(rec.Body.String(), ": keep-alive") {
		t.Fatalf("stream body %q lacks keep-alive comments", rec.Body.String())
	}
}

func TestStreamWithoutSessionIsRejected(t *testing.T) {
	t.Parallel()
	b, _, _ := newBridge(t, singleTransport(initializeTransport()))
	req := httptest.NewRequest(http.MethodGet, "/dep-1", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConcurrentRequestsGetTheirOwnResponses(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{
		send: func(msg *protocol.Message) (*protocol.Message, error) {
			return protocol.NewResultResponse(msg.ID, map[string]string{"for": msg.IDKey()})
		},
	}
	b, sessions, _ := newBridge(t, singleTransport(tr))
	sess := sessions.Create("dep-1", "2025-06-18")
	h := b.Handler()

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call"}`, i)
			rec := postMessage(t, h, "dep-1", sess.ID, body)
			msg, err := protocol.Decode(rec.Body.Bytes())
			if err != nil {
				t.Errorf("request %d: decode: %v", i, err)
				return
			}
			if msg.Error != nil {
				t.Errorf("request %d: %v", i, msg.Error)
				return
			}
			if msg.IDKey() != fmt.Sprint(i) {
				t.Errorf("request %d got response for id %s", i, msg.IDKey())
			}
		}(i)
	}
	wg.Wait()
}
