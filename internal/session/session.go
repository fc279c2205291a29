// Package session tracks protocol sessions minted during initialize and
// binds each one to the deployment it was created for.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

const (
	// DefaultIdleTTL expires sessions with no traffic for this long.
	DefaultIdleTTL = 30 * time.Minute
	// DefaultSweepInterval paces the idle sweeper.
	DefaultSweepInterval = time.Minute

	shardCount = 16
)

// ErrUnknownSession means the presented session id is not live for the
// addressed deployment: never minted, expired, explicitly terminated, or
// minted for a different deployment.
var ErrUnknownSession = errors.New("unknown session")

// Session is one live protocol session.
type Session struct {
	ID              string
	DeploymentID    string
	ProtocolVersion string
	CreatedAt       time.Time
	LastSeen        time.Time
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry is a sharded in-memory session table. All methods are safe for
// concurrent use; the shard lock is never held across I/O.
type Registry struct {
	logger        pslog.Logger
	clock         clock
	idleTTL       time.Duration
	sweepInterval time.Duration
	shards        [shardCount]*shard
}

// Option adjusts a Registry.
type Option func(*Registry)

// WithIdleTTL overrides how long an idle session stays valid.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

// WithSweepInterval overrides the sweeper cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

func withClock(c clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry returns an empty session table.
func NewRegistry(logger pslog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	r := &Registry{
		logger:        logger,
		clock:         realClock{},
		idleTTL:       DefaultIdleTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create mints a session bound to the deployment. Session ids are UUIDv7 so
// they sort by creation time in logs.
func (r *Registry) Create(deploymentID, protocolVersion string) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := r.clock.Now()
	s := &Session{
		ID:              id.String(),
		DeploymentID:    deploymentID,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		LastSeen:        now,
	}
	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()
	r.logger.Debug("session.created",
		"session_id", s.ID,
		"deployment_id", deploymentID,
		"protocol_version", protocolVersion,
	)
	return s
}

// Validate checks that the session is live and bound to the deployment, and
// refreshes its idle timer. The returned copy is safe to read without locks.
func (r *Registry) Validate(sessionID, deploymentID string) (Session, error) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok || s.DeploymentID != deploymentID {
		// A session presented against the wrong deployment is indistinguishable
		// from an unknown one; leaking the distinction would confirm the id
		// exists elsewhere.
		return Session{}, ErrUnknownSession
	}
	s.LastSeen = r.clock.Now()
	return *s, nil
}

// Remove terminates one session. Removing an unknown id is a no-op.
func (r *Registry) Remove(sessionID string) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	_, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	if ok {
		r.logger.Debug("session.removed", "session_id", sessionID)
	}
}

// DropDeployment invalidates every session bound to the deployment. Used
// when a deployment is retired.
func (r *Registry) DropDeployment(deploymentID string) int {
	dropped := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.DeploymentID == deploymentID {
				delete(sh.sessions, id)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	if dropped > 0 {
		r.logger.Info("session.deployment_dropped",
			"deployment_id", deploymentID,
			"sessions", dropped,
		)
	}
	return dropped
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.clock.Now().Add(-r.idleTTL)
	expired := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.LastSeen.Before(cutoff) {
				delete(sh.sessions, id)
				expired++
			}
		}
		sh.mu.Unlock()
	}
	if expired > 0 {
		r.logger.Info("session.swept", "expired", expired)
	}
}
