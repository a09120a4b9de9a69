package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// Constructor builds an Access.  reg is passed so composite accesses can build children.
type Constructor func(info *DatasetInfo, cfg Config, reg *Registry) (Access, error)

// Engine is a registered Access implementation.
type Engine struct {
	Kind        Kind
	Description string
	Version     semver.Version
	New         Constructor
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.Kind, e.Version)
}

// Registry maps kinds to engines.  Build one at startup and pass it along.
type Registry struct {
	mu      sync.RWMutex
	engines map[Kind]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[Kind]Engine)}
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	r.engines[e.Kind] = e
	r.mu.Unlock()
}

// Engine returns the engine registered for kind.
func (r *Registry) Engine(kind Kind) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.engines[kind]
	return e, found
}

// Engines returns registered engines sorted by kind.
func (r *Registry) Engines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].Kind < engines[j].Kind })
	return engines
}

// New builds the Access described by cfg.
func (r *Registry) New(info *DatasetInfo, cfg Config) (Access, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	e, found := r.Engine(kind)
	if !found {
		return nil, fmt.Errorf("No engine registered for access type %q: %w", kind, hzvol.ErrValidation)
	}
	access, err := e.New(info, cfg, r)
	if err != nil {
		return nil, err
	}
	hzvol.Debugf("Created %s access %q\n", e, access.Name())
	return access, nil
}
