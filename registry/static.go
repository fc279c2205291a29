package registry

import (
	"context"
	"sync"
)

// Static is an in-memory Lookup for embedding and tests. The zero value is
// not usable; construct with NewStatic.
type Static struct {
	mu          sync.RWMutex
	deployments map[string]Deployment
}

// NewStatic builds a static lookup seeded with the supplied records.
func NewStatic(deployments ...Deployment) *Static {
	s := &Static{deployments: make(map[string]Deployment, len(deployments))}
	for _, d := range deployments {
		s.deployments[d.ID] = d
	}
	return s
}

// GetDeployment implements Lookup.
func (s *Static) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := d
	return &copy, nil
}

// Put inserts or replaces a record.
func (s *Static) Put(d Deployment) {
	s.mu.Lock()
	s.deployments[d.ID] = d
	s.mu.Unlock()
}

// SetStatus mutates the status of an existing record, simulating the
// provisioning collaborator.
func (s *Static) SetStatus(id string, status Status) {
	s.mu.Lock()
	if d, ok := s.deployments[id]; ok {
		d.Status = status
		s.deployments[id] = d
	}
	s.mu.Unlock()
}

// Remove deletes a record.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	delete(s.deployments, id)
	s.mu.Unlock()
}
