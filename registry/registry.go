// Package registry defines deployment descriptors and the lookup contract
// the bridge consumes. Deployment records are owned and mutated by the
// provisioning layer; this package only reads them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind selects the backend topology serving a deployment.
type Kind string

const (
	// KindRemote targets an isolated compute instance reachable over the
	// private network.
	KindRemote Kind = "remote"
	// KindLocal targets a locally supervised child process (development
	// mode).
	KindLocal Kind = "local"
)

// Status is the provisioning lifecycle state of a deployment. The bridge
// observes status; it never transitions it.
type Status string

const (
	StatusUnprovisioned Status = "unprovisioned"
	StatusStarting      Status = "starting"
	StatusReady         Status = "ready"
	StatusUnreachable   Status = "unreachable"
	StatusRetired       Status = "retired"
)

// ErrNotFound reports that no deployment record exists for an id. It is the
// only resolver outcome surfaced as a transport-level 404.
var ErrNotFound = errors.New("deployment not found")

// Deployment describes one tool-serving configuration.
type Deployment struct {
	// ID is the opaque stable deployment identifier.
	ID string `yaml:"id"`
	// Kind selects remote or local forwarding.
	Kind Kind `yaml:"kind"`
	// Address is the backend's private network location (host:port or URL),
	// present once the deployment is provisioned. Remote only.
	Address string `yaml:"address,omitempty"`
	// Status is the provisioning lifecycle state.
	Status Status `yaml:"status"`
	// Command launches the local backend process. Local only.
	Command string `yaml:"command,omitempty"`
	// Args are passed to Command.
	Args []string `yaml:"args,omitempty"`
	// Env holds extra environment variables for the child process,
	// KEY=VALUE form. Credentials are injected upstream of this core.
	Env []string `yaml:"env,omitempty"`
}

// Validate checks internal consistency of a record.
func (d *Deployment) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("deployment id required")
	}
	switch d.Kind {
	case KindRemote, KindLocal:
	default:
		return fmt.Errorf("deployment %s: unknown kind %q", d.ID, d.Kind)
	}
	switch d.Status {
	case StatusUnprovisioned, StatusStarting, StatusReady, StatusUnreachable, StatusRetired:
	case "":
		return fmt.Errorf("deployment %s: status required", d.ID)
	default:
		return fmt.Errorf("deployment %s: unknown status %q", d.ID, d.Status)
	}
	if d.Kind == KindRemote && d.Status == StatusReady && strings.TrimSpace(d.Address) == "" {
		return fmt.Errorf("deployment %s: ready remote deployment requires an address", d.ID)
	}
	if d.Kind == KindLocal && strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("deployment %s: local deployment requires a command", d.ID)
	}
	return nil
}

// Lookup resolves deployment ids to descriptors. Implementations must be
// safe for concurrent use and must return a fresh view on every call: the
// bridge deliberately re-resolves per request so topology changes are
// observed mid-session.
type Lookup interface {
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
}
