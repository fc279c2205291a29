package mcpgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/mcpgate/internal/bridge"
	"pkt.systems/mcpgate/internal/forward"
	"pkt.systems/mcpgate/internal/session"
	"pkt.systems/mcpgate/internal/supervise"
	"pkt.systems/mcpgate/registry"
	"pkt.systems/pslog"
)

// Server wires the HTTP listener, bridge, session registry, resolver, and
// process supervisor into one runnable gateway.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	lookup     registry.Lookup
	fileStore  *registry.File
	sessions   *session.Registry
	supervisor *supervise.Supervisor
	resolver   *forward.Resolver
	bridge     *bridge.Bridge
	httpSrv    *http.Server
	listener   net.Listener
	telemetry  *telemetryBundle

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweepCancel  context.CancelFunc
	sweepDone    sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Lookup       registry.Lookup
	HTTPClient   *http.Client
	OTLPEndpoint string
}

// WithLogger supplies a custom logger. Without one the server stays silent.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithLookup injects a deployment registry, overriding Config.RegistryFile.
// Useful when deployments come from a control plane instead of a file.
func WithLookup(lookup registry.Lookup) Option {
	return func(o *options) { o.Lookup = lookup }
}

// WithHTTPClient overrides the client used for remote backends (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.HTTPClient = c }
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) { o.OTLPEndpoint = endpoint }
}

// NewServer constructs a gateway according to cfg.
// Example:
//
//	cfg := mcpgate.DefaultConfig()
//	cfg.RegistryFile = "deployments.yaml"
//	srv, err := mcpgate.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}

	lookup := o.Lookup
	var fileStore *registry.File
	if lookup == nil {
		if cfg.RegistryFile != "" {
			fileStore, err = registry.OpenFile(cfg.RegistryFile, logger.With("svc", "registry"))
			if err != nil {
				shutdownTelemetry(telemetry)
				return nil, fmt.Errorf("open registry file: %w", err)
			}
			lookup = fileStore
		} else {
			lookup = registry.NewStatic()
		}
	}

	sessions := session.NewRegistry(logger.With("svc", "session"),
		session.WithIdleTTL(cfg.SessionIdleTimeout),
		session.WithSweepInterval(cfg.SessionSweepInterval),
	)
	supervisor := supervise.NewSupervisor(logger.With("svc", "supervise"),
		supervise.WithStopGrace(cfg.StopGrace),
		supervise.WithStatsInterval(cfg.StatsInterval),
	)
	resolverOpts := []forward.ResolverOption{
		forward.WithResolverTimeouts(cfg.SteadyTimeout, cfg.ColdStartTimeout),
	}
	if o.HTTPClient != nil {
		resolverOpts = append(resolverOpts, forward.WithResolverHTTPClient(o.HTTPClient))
	}
	resolver := forward.NewResolver(lookup, supervisor, logger.With("svc", "forward"), resolverOpts...)

	br := bridge.New(resolver, sessions, logger,
		bridge.WithKeepAliveInterval(cfg.KeepAliveInterval),
		bridge.WithTracing(cfg.HTTPTracing),
		bridge.WithMaxBodyBytes(cfg.MaxBodyBytes),
		bridge.WithServerInfo("mcpgate", Version()),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.PathPrefix+"/", http.StripPrefix(cfg.PathPrefix, br.Handler()))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With("svc", "server"),
		lookup:     lookup,
		fileStore:  fileStore,
		sessions:   sessions,
		supervisor: supervisor,
		resolver:   resolver,
		bridge:     br,
		httpSrv:    httpSrv,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so the gateway can be mounted
// inside an existing mux when embedding it into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Sessions exposes the session registry for embedding programs and tests.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"prefix", s.cfg.PathPrefix,
	)
	s.startSweeper()
	defer s.stopSweeper()

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(s.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown gracefully stops the server: HTTP drain first, then supervised
// children, registry watcher, and telemetry. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	s.supervisor.Shutdown(ctx)
	if s.fileStore != nil {
		if err := s.fileStore.Close(); err != nil {
			s.logger.Warn("registry.close_failed", "error", err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweepCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sweepDone.Done()
		s.sessions.Run(ctx)
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	cancel := s.sweepCancel
	s.sweepCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.sweepDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func shutdownTelemetry(t *telemetryBundle) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Shutdown(ctx)
}
