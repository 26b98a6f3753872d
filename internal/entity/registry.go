package entity

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Opener constructs the domain service for a new instance: it opens the
// instance's private store, installs the alarm callback, and returns the
// service value exposed through Instance.Service. The instance is not visible
// to other callers until the opener returns.
type Opener func(inst *Instance) (interface{}, error)

// Closer is implemented by services that own resources (sqlite handles).
type Closer interface {
	Close() error
}

// Registry maps (kind, name) to live instances, creating them on demand.
// Instance creation is the only cross-entity synchronization point; once an
// instance exists, requests to it contend only on its own lock.
type Registry struct {
	mu        sync.Mutex
	openers   map[Kind]Opener
	instances map[string]*Instance
	logger    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		openers:   make(map[Kind]Opener),
		instances: make(map[string]*Instance),
		logger:    log.WithFields(zap.String("component", "entity_registry")),
	}
}

// RegisterKind installs the opener used to construct instances of a kind.
func (r *Registry) RegisterKind(kind Kind, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[kind] = open
}

// Get returns the instance for (kind, name), creating it on first contact.
func (r *Registry) Get(kind Kind, name string) (*Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("entity name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(kind) + "/" + name
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	open, ok := r.openers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}

	inst := newInstance(kind, name, r.logger)
	svc, err := open(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", kind, name, err)
	}
	inst.setService(svc)
	r.instances[key] = inst

	r.logger.Debug("Entity instance created",
		zap.String("kind", string(kind)),
		zap.String("name", name))
	return inst, nil
}

// Singleton returns the singleton instance of a kind (name "main").
func (r *Registry) Singleton(kind Kind) (*Instance, error) {
	return r.Get(kind, SingletonName)
}

// Peek returns a live instance without creating one.
func (r *Registry) Peek(kind Kind, name string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[string(kind)+"/"+name]
	return inst, ok
}

// Kinds lists the registered entity kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.openers))
	for k := range r.openers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// Close cancels all alarms and closes every instance's service.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, inst := range r.instances {
		inst.CancelAlarm()
		if c, ok := inst.svc.(Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("Failed to close entity store",
					zap.String("entity", key), zap.Error(err))
			}
		}
		delete(r.instances, key)
	}
}
