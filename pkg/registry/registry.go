// Package registry is the source of truth for installed capsules. It
// scans a module root for manifest documents, binds them to registered
// implementation factories, and hands out lazily constructed singleton
// instances per capsule ID.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/karen-labs/capsule-core/pkg/manifest"
	"github.com/karen-labs/capsule-core/pkg/pipeline"
)

var (
	// ErrNotFound means the capsule ID is not registered.
	ErrNotFound = errors.New("capsule not found")
	// ErrLoad means the manifest registered but the implementation
	// could not be produced.
	ErrLoad = errors.New("capsule load failed")
)

// LoadError wraps the original construction failure for a capsule.
type LoadError struct {
	ID  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("capsule load failed for %s: %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrLoad) classify any LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// Factory constructs a capsule implementation from its manifest.
type Factory func(m *manifest.Manifest) (pipeline.Capsule, error)

// entry is the registry-internal record for one capsule ID.
type entry struct {
	manifest      *manifest.Manifest
	fingerprint   string
	fromDiscovery bool

	// instMu guards lazy instantiation for this entry only, so slow
	// construction of one capsule never blocks lookups of another.
	instMu      sync.Mutex
	constructed bool
	instance    pipeline.Capsule
	instErr     error
}

// Registry is safe for concurrent use. Discovery and invocation may run
// at the same time; an ID the scan has not reached yet is simply not
// found.
type Registry struct {
	observer Observer
	logger   *slog.Logger

	mu         sync.RWMutex
	entries    map[string]*entry
	factories  map[string]Factory
	loadErrors map[string]error
}

// Observer receives discovery-time events; the observability package
// implements it to feed the discovery counters.
type Observer interface {
	CapsuleDiscovered()
	CapsuleLoaded()
	CapsuleLoadFailed()
}

type nopObserver struct{}

func (nopObserver) CapsuleDiscovered() {}
func (nopObserver) CapsuleLoaded()     {}
func (nopObserver) CapsuleLoadFailed() {}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver wires discovery metrics.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		observer:   nopObserver{},
		logger:     slog.Default().With("component", "registry"),
		entries:    make(map[string]*entry),
		factories:  make(map[string]Factory),
		loadErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory binds an implementation factory to a capsule ID.
// Manifests without a factory register fine but fail Get with ErrLoad.
// Binding a factory clears any cached construction failure for the ID,
// so a factory registered after a failed Get takes effect on the next
// lookup. A healthy cached instance is left untouched.
func (r *Registry) RegisterFactory(id string, f Factory) {
	r.mu.Lock()
	r.factories[id] = f
	e := r.entries[id]
	r.mu.Unlock()

	if e == nil {
		return
	}
	e.instMu.Lock()
	if e.instErr != nil {
		e.constructed = false
		e.instance = nil
		e.instErr = nil
	}
	e.instMu.Unlock()
}

// Register adds or replaces a manifest programmatically, outside a
// directory scan. Same merge semantics as discovery: an unchanged
// manifest keeps its cached instance.
func (r *Registry) Register(m *manifest.Manifest) error {
	fp, err := m.Fingerprint()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merge(m, fp, false)
	return nil
}

// merge installs a manifest under r.mu. A fingerprint match keeps the
// existing entry untouched, preserving its instance cache; a mismatch
// replaces the entry, which invalidates the cached instance.
func (r *Registry) merge(m *manifest.Manifest, fp string, fromDiscovery bool) {
	if existing, ok := r.entries[m.ID]; ok && existing.fingerprint == fp {
		existing.fromDiscovery = existing.fromDiscovery || fromDiscovery
		delete(r.loadErrors, m.ID)
		return
	}
	r.entries[m.ID] = &entry{manifest: m, fingerprint: fp, fromDiscovery: fromDiscovery}
	delete(r.loadErrors, m.ID)
}

// Get returns the singleton implementation instance for a capsule ID,
// constructing and caching it on first use. Construction failures are
// cached until the manifest changes.
func (r *Registry) Get(id string) (pipeline.Capsule, *manifest.Manifest, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	factory := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.instMu.Lock()
	defer e.instMu.Unlock()
	if !e.constructed {
		e.instance, e.instErr = r.construct(e.manifest, factory)
		e.constructed = true
	}
	if e.instErr != nil {
		return nil, nil, &LoadError{ID: id, Err: e.instErr}
	}
	return e.instance, e.manifest, nil
}

func (r *Registry) construct(m *manifest.Manifest, factory Factory) (pipeline.Capsule, error) {
	if factory == nil {
		return nil, errors.New("no implementation factory registered")
	}
	inst, err := factory(m)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.New("factory returned nil instance")
	}
	return inst, nil
}

// Manifest returns the registered manifest for an ID.
func (r *Registry) Manifest(id string) (*manifest.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.manifest, nil
}

// Manifests lists every registered manifest.
func (r *Registry) Manifests() []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*manifest.Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.manifest)
	}
	return out
}

// ListByType filters registered manifests by capsule type. Read-only.
func (r *Registry) ListByType(t manifest.Type) []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*manifest.Manifest
	for _, e := range r.entries {
		if e.manifest.Type == t {
			out = append(out, e.manifest)
		}
	}
	return out
}

// ListByCapability filters registered manifests by capability tag.
func (r *Registry) ListByCapability(tag string) []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*manifest.Manifest
	for _, e := range r.entries {
		if e.manifest.HasCapability(tag) {
			out = append(out, e.manifest)
		}
	}
	return out
}

// LoadErrors returns a snapshot of per-ID discovery failures.
func (r *Registry) LoadErrors() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.loadErrors))
	for k, v := range r.loadErrors {
		out[k] = v
	}
	return out
}

// Remove drops a capsule from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)
	delete(r.loadErrors, id)
	return nil
}
