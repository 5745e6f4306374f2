package core

import (
	"sort"
	"sync"

	"botgate/internal/errs"
)

type PlatformMeta struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProtocolMeta struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

type ProtocolKey struct {
	Name    string
	Version string
}

func (k ProtocolKey) String() string { return k.Name + "/" + k.Version }

// registry is a concurrency-safe key -> (factory, meta) map. Registration
// happens at startup; lookups are read-locked and may run concurrently.
type registry[K comparable, F any, M any] struct {
	kind    string
	name    func(K) string
	mu      sync.RWMutex
	entries map[K]registryEntry[F, M]
}

type registryEntry[F any, M any] struct {
	factory F
	meta    M
}

func newRegistry[K comparable, F any, M any](kind string, name func(K) string) *registry[K, F, M] {
	return &registry[K, F, M]{kind: kind, name: name, entries: map[K]registryEntry[F, M]{}}
}

func (r *registry[K, F, M]) register(k K, f F, m M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[k]; ok {
		return &errs.DuplicateRegistrationError{Kind: r.kind, Key: r.name(k)}
	}
	r.entries[k] = registryEntry[F, M]{factory: f, meta: m}
	return nil
}

func (r *registry[K, F, M]) lookup(k K) (registryEntry[F, M], error) {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return e, &errs.UnknownTypeError{Kind: r.kind, Key: r.name(k)}
	}
	return e, nil
}

func (r *registry[K, F, M]) has(k K) bool {
	r.mu.RLock()
	_, ok := r.entries[k]
	r.mu.RUnlock()
	return ok
}

func (r *registry[K, F, M]) list() []M {
	r.mu.RLock()
	type kv struct {
		name string
		meta M
	}
	all := make([]kv, 0, len(r.entries))
	for k, e := range r.entries {
		all = append(all, kv{r.name(k), e.meta})
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	out := make([]M, len(all))
	for i := range all {
		out[i] = all[i].meta
	}
	return out
}

// AdapterRegistry maps a platform name to the factory of its clients.
type AdapterRegistry struct {
	r *registry[string, PlatformFactory, PlatformMeta]
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{r: newRegistry[string, PlatformFactory, PlatformMeta]("platform", func(s string) string { return s })}
}

func (a *AdapterRegistry) Register(meta PlatformMeta, f PlatformFactory) error {
	if meta.Name == "" || f == nil {
		return errs.Config("platform", "name and factory are required")
	}
	if meta.DisplayName == "" {
		meta.DisplayName = meta.Name
	}
	return a.r.register(meta.Name, f, meta)
}

// MustRegister panics on error. For package wiring at startup.
func (a *AdapterRegistry) MustRegister(meta PlatformMeta, f PlatformFactory) {
	if err := a.Register(meta, f); err != nil {
		panic(err)
	}
}

// Create builds the Adapter for a platform.
func (a *AdapterRegistry) Create(name string, deps AdapterDeps) (*Adapter, error) {
	e, err := a.r.lookup(name)
	if err != nil {
		return nil, err
	}
	return newAdapter(e.meta, e.factory, deps), nil
}

func (a *AdapterRegistry) Has(name string) bool { return a.r.has(name) }

func (a *AdapterRegistry) Meta(name string) (PlatformMeta, bool) {
	e, err := a.r.lookup(name)
	return e.meta, err == nil
}

func (a *AdapterRegistry) List() []PlatformMeta { return a.r.list() }

// ProtocolRegistry maps (name, version) to a protocol factory.
type ProtocolRegistry struct {
	r *registry[ProtocolKey, ProtocolFactory, ProtocolMeta]

	fmu      sync.RWMutex
	families map[string]int
}

func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{
		r:        newRegistry[ProtocolKey, ProtocolFactory, ProtocolMeta]("protocol", ProtocolKey.String),
		families: map[string]int{},
	}
}

func (p *ProtocolRegistry) Register(meta ProtocolMeta, f ProtocolFactory) error {
	if meta.Name == "" || meta.Version == "" || f == nil {
		return errs.Config("protocol", "name, version and factory are required")
	}
	if meta.DisplayName == "" {
		meta.DisplayName = meta.Name + " " + meta.Version
	}
	if err := p.r.register(ProtocolKey{meta.Name, meta.Version}, f, meta); err != nil {
		return err
	}
	p.fmu.Lock()
	p.families[meta.Name]++
	p.fmu.Unlock()
	return nil
}

func (p *ProtocolRegistry) MustRegister(meta ProtocolMeta, f ProtocolFactory) {
	if err := p.Register(meta, f); err != nil {
		panic(err)
	}
}

func (p *ProtocolRegistry) Create(key ProtocolKey, deps ProtocolDeps) (Protocol, error) {
	e, err := p.r.lookup(key)
	if err != nil {
		return nil, err
	}
	return e.factory(deps)
}

// Has reports whether (name, version) is registered. An empty version
// matches any version of the family. It never fails.
func (p *ProtocolRegistry) Has(name, version string) bool {
	if version != "" {
		return p.r.has(ProtocolKey{name, version})
	}
	p.fmu.RLock()
	n := p.families[name]
	p.fmu.RUnlock()
	return n > 0
}

func (p *ProtocolRegistry) List() []ProtocolMeta { return p.r.list() }
