package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/pslog"
)

const (
	// DefaultSteadyTimeout bounds a round trip to a warmed-up backend.
	DefaultSteadyTimeout = 30 * time.Second
	// DefaultColdTimeout bounds the first round trip to a backend, which may
	// still be paying a container cold start.
	DefaultColdTimeout = 120 * time.Second

	maxResponseBytes = 32 << 20
)

// Remote forwards messages to a backend over plain HTTP POST. The first
// successful round trip flips the transport from the generous cold-start
// timeout to the steady-state one.
type Remote struct {
	url           string
	client        *http.Client
	logger        pslog.Logger
	steadyTimeout time.Duration
	coldTimeout   time.Duration
	warmed        atomic.Bool
}

// RemoteOption adjusts a Remote transport.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client (tests inject round trippers).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithTimeouts overrides the steady and cold round-trip bounds.
func WithTimeouts(steady, cold time.Duration) RemoteOption {
	return func(r *Remote) {
		if steady > 0 {
			r.steadyTimeout = steady
		}
		if cold > 0 {
			r.coldTimeout = cold
		}
	}
}

// NewRemote returns a transport posting to the given backend URL.
func NewRemote(url string, logger pslog.Logger, opts ...RemoteOption) *Remote {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Remote{
		url:           url,
		logger:        logger,
		steadyTimeout: DefaultSteadyTimeout,
		coldTimeout:   DefaultColdTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return r
}

// URL returns the backend endpoint this transport posts to.
func (r *Remote) URL() string { return r.url }

// Send posts the request and decodes the single JSON response envelope.
func (r *Remote) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	body, err := r.roundTrip(ctx, msg, true)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.Decode(body)
	if err != nil {
		return nil, &UnreachableError{Op: "decode response", Partial: true, Err: err}
	}
	return resp, nil
}

// Notify posts the message and discards whatever comes back.
func (r *Remote) Notify(ctx context.Context, msg *protocol.Message) error {
	_, err := r.roundTrip(ctx, msg, false)
	return err
}

func (r *Remote) roundTrip(ctx context.Context, msg *protocol.Message, wantBody bool) ([]byte, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	timeout := r.steadyTimeout
	if !r.warmed.Load() {
		timeout = r.coldTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		// A timeout means the request may have been delivered and is still
		// being worked on; plain dial failures never reached the backend.
		partial := ctx.Err() != nil
		return nil, &UnreachableError{Op: "post", Partial: partial, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UnreachableError{Op: "read response", Partial: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UnreachableError{
			Op:      "post",
			Partial: true,
			Err:     fmt.Errorf("backend returned status %d", resp.StatusCode),
		}
	}
	if wantBody && len(body) == 0 {
		return nil, &UnreachableError{Op: "read response", Partial: true, Err: fmt.Errorf("empty response body")}
	}

	r.warmed.Store(true)
	r.logger.Debug("forward.remote.round_trip",
		"url", r.url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return body, nil
}
