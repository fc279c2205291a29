package forward

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/mcpgate/internal/supervise"
	"pkt.systems/mcpgate/registry"
	"pkt.systems/pslog"
)

// Resolver maps a deployment id to a live Transport on every message: a
// Remote posting to the deployment's current address, or a Local wrapping
// the supervised process. Remote transports are cached per address so the
// cold-start timeout state survives across messages, and a changed address
// (redeploy) transparently swaps the transport.
type Resolver struct {
	lookup     registry.Lookup
	supervisor *supervise.Supervisor
	logger     pslog.Logger

	httpClient    *http.Client
	steadyTimeout time.Duration
	coldTimeout   time.Duration

	mu      sync.Mutex
	remotes map[string]*Remote // deployment id -> transport for its address
}

// ResolverOption adjusts a Resolver.
type ResolverOption func(*Resolver)

// WithResolverHTTPClient sets the client used by all remote transports.
func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

// WithResolverTimeouts sets the steady and cold round-trip bounds for remote
// transports.
func WithResolverTimeouts(steady, cold time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.steadyTimeout = steady
		r.coldTimeout = cold
	}
}

// NewResolver wires a registry view and a process supervisor together.
func NewResolver(lookup registry.Lookup, sup *supervise.Supervisor, logger pslog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Resolver{
		lookup:        lookup,
		supervisor:    sup,
		logger:        logger,
		steadyTimeout: DefaultSteadyTimeout,
		coldTimeout:   DefaultColdTimeout,
		remotes:       make(map[string]*Remote),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the transport currently serving the deployment.
//
// Errors: registry.ErrNotFound for unknown ids, ErrRetired for
// decommissioned deployments, ErrNotReady while a backend is still
// provisioning. A remote deployment marked unreachable is still resolved;
// the delivery attempt decides.
func (r *Resolver) Resolve(ctx context.Context, deploymentID string) (Transport, error) {
	dep, err := r.lookup.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status == registry.StatusRetired {
		return nil, fmt.Errorf("deployment %s: %w", dep.ID, ErrRetired)
	}

	switch dep.Kind {
	case registry.KindLocal:
		switch dep.Status {
		case registry.StatusUnprovisioned, registry.StatusStarting:
			// A handle spawned while the deployment was ready keeps serving
			// through a status regression; only first use waits for ready.
			if h, ok := r.supervisor.Get(dep.ID); ok && h.State() != supervise.StateExited {
				return NewLocal(h), nil
			}
			return nil, fmt.Errorf("deployment %s: %w", dep.ID, ErrNotReady)
		}
		handle, err := r.supervisor.Ensure(ctx, supervise.Spec{
			DeploymentID: dep.ID,
			Command:      dep.Command,
			Args:         dep.Args,
			Env:          dep.Env,
		})
		if err != nil {
			return nil, &UnreachableError{Op: "spawn", Partial: false, Err: err}
		}
		return NewLocal(handle), nil

	case registry.KindRemote:
		switch dep.Status {
		case registry.StatusUnprovisioned, registry.StatusStarting:
			return nil, fmt.Errorf("deployment %s: %w", dep.ID, ErrNotReady)
		}
		return r.remoteFor(dep), nil

	default:
		return nil, fmt.Errorf("deployment %s: unknown kind %q", dep.ID, dep.Kind)
	}
}

func (r *Resolver) remoteFor(dep *registry.Deployment) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.remotes[dep.ID]
	if ok && rt.URL() == dep.Address {
		return rt
	}
	if ok {
		r.logger.Info("forward.remote.readdressed",
			"deployment_id", dep.ID,
			"old", rt.URL(),
			"new", dep.Address,
		)
	}
	opts := []RemoteOption{WithTimeouts(r.steadyTimeout, r.coldTimeout)}
	if r.httpClient != nil {
		opts = append(opts, WithHTTPClient(r.httpClient))
	}
	rt = NewRemote(dep.Address, r.logger.With("deployment_id", dep.ID), opts...)
	r.remotes[dep.ID] = rt
	return rt
}

// Forget drops any cached transport for the deployment. Called when the
// deployment is retired or removed.
func (r *Resolver) Forget(deploymentID string) {
	r.mu.Lock()
	delete(r.remotes, deploymentID)
	r.mu.Unlock()
	if r.supervisor != nil {
		r.supervisor.Stop(deploymentID)
	}
}
