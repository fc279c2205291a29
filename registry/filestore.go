package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// fileReloadSettle coalesces bursts of filesystem events (editors often
// write, chmod, and rename in quick succession).
const fileReloadSettle = 100 * time.Millisecond

// fileDocument is the on-disk shape of a deployments file.
type fileDocument struct {
	Deployments []Deployment `yaml:"deployments"`
}

// File is a Lookup backed by a YAML file, hot-reloaded on change. It serves
// single-operator development mode where no provisioning database exists:
// the operator edits the file and the next request observes the new
// topology.
type File struct {
	path   string
	logger pslog.Logger

	mu          sync.RWMutex
	deployments map[string]Deployment

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  sync.Once
}

// OpenFile loads path and starts watching it for changes. The initial load
// must succeed; later reload failures keep the last good snapshot and log.
func OpenFile(path string, logger pslog.Logger) (*File, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve deployments file %q: %w", path, err)
	}
	f := &File{
		path:   abs,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch deployments file: %w", err)
	}
	// Watch the directory, not the file: editors and atomic writers
	// replace the inode, which silently detaches a file-level watch.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	f.watcher = watcher
	go f.watch()
	return f, nil
}

// GetDeployment implements Lookup.
func (f *File) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := d
	return &copy, nil
}

// Len reports how many deployments the current snapshot holds.
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.deployments)
}

// Close stops the file watcher.
func (f *File) Close() error {
	var err error
	f.closed.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

// ParseDocument decodes and validates a deployments YAML document,
// rejecting duplicate ids. Used by the file store on every (re)load and by
// the CLI to lint a file before rollout.
func ParseDocument(data []byte) ([]Deployment, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse deployments: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Deployments))
	for i := range doc.Deployments {
		if err := doc.Deployments[i].Validate(); err != nil {
			return nil, err
		}
		id := doc.Deployments[i].ID
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate deployment id %s", id)
		}
		seen[id] = struct{}{}
	}
	return doc.Deployments, nil
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read deployments file %s: %w", f.path, err)
	}
	deployments, err := ParseDocument(data)
	if err != nil {
		return fmt.Errorf("deployments file %s: %w", f.path, err)
	}
	snapshot := make(map[string]Deployment, len(deployments))
	for _, d := range deployments {
		snapshot[d.ID] = d
	}
	f.mu.Lock()
	f.deployments = snapshot
	f.mu.Unlock()
	return nil
}

func (f *File) watch() {
	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(fileReloadSettle)
				settleC = settle.C
			} else {
				settle.Reset(fileReloadSettle)
			}
		case <-settleC:
			settle = nil
			settleC = nil
			if err := f.reload(); err != nil {
				f.logger.Warn("registry.file.reload_failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Info("registry.file.reloaded", "path", f.path, "deployments", f.Len())
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("registry.file.watch_error", "path", f.path, "error", err)
		}
	}
}
