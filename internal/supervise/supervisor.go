package supervise

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

const (
	// DefaultStopGrace is how long a child gets between SIGTERM and SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultStatsInterval paces the per-process resource usage log line.
	DefaultStatsInterval = 30 * time.Second
)

// Supervisor maintains at most one live Handle per deployment id. Concurrent
// Ensure calls for the same deployment serialize on a per-deployment lock so
// exactly one process is spawned; different deployments never contend.
type Supervisor struct {
	logger        pslog.Logger
	stopGrace     time.Duration
	statsInterval time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*Handle
}

// Option adjusts a Supervisor.
type Option func(*Supervisor)

// WithStopGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithStatsInterval overrides the resource usage sampling interval. Zero
// disables sampling.
func WithStatsInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.statsInterval = d }
}

// NewSupervisor returns an empty Supervisor.
func NewSupervisor(logger pslog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Supervisor{
		logger:        logger,
		stopGrace:     DefaultStopGrace,
		statsInterval: DefaultStatsInterval,
		locks:         make(map[string]*sync.Mutex),
		handles:       make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure returns the live handle for the deployment, spawning the process if
// none exists or the previous one has exited.
func (s *Supervisor) Ensure(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.lockFor(spec.DeploymentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	h, ok := s.handles[spec.DeploymentID]
	s.mu.Unlock()
	if ok && h.State() != StateExited {
		return h, nil
	}

	h, err := startHandle(spec, s.logger)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handles[spec.DeploymentID] = h
	s.mu.Unlock()

	go s.reap(spec.DeploymentID, h)
	if s.statsInterval > 0 {
		go s.sampleStats(h)
	}
	return h, nil
}

// Get returns the current handle for a deployment, if any.
func (s *Supervisor) Get(deploymentID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[deploymentID]
	return h, ok
}

// Stop terminates the process for one deployment, if running.
func (s *Supervisor) Stop(deploymentID string) {
	s.mu.Lock()
	h, ok := s.handles[deploymentID]
	s.mu.Unlock()
	if ok {
		h.Stop(s.stopGrace)
	}
}

// Shutdown stops every supervised process, honoring ctx for the total wait.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Stop(s.stopGrace)
		}(h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, h := range handles {
			h.Kill()
		}
	}
}

func (s *Supervisor) lockFor(deploymentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[deploymentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[deploymentID] = lock
	}
	return lock
}

// reap drops the handle from the table once its process exits, so the next
// Ensure spawns fresh.
func (s *Supervisor) reap(deploymentID string, h *Handle) {
	<-h.Done()
	s.mu.Lock()
	if s.handles[deploymentID] == h {
		delete(s.handles, deploymentID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) sampleStats(h *Handle) {
	proc, err := process.NewProcess(int32(h.PID()))
	if err != nil {
		return
	}
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
		}
		mem, err := proc.MemoryInfo()
		if err != nil {
			continue
		}
		cpu, _ := proc.CPUPercent()
		s.logger.Debug("supervise.process.stats",
			"deployment_id", h.spec.DeploymentID,
			"pid", h.PID(),
			"rss_bytes", mem.RSS,
			"cpu_percent", cpu,
		)
	}
}
