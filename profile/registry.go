package profile

import (
	"errors"
	"sort"
	"sync"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
)

// ErrSealed is returned when a profile is registered after Seal.
var ErrSealed = errors.New("profile registry is sealed")

// Registry maps profile names to immutable profiles. It is safe for
// concurrent use; once sealed it only serves lookups.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// NewDefaultRegistry returns a registry holding the built-in profiles.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range builtinOrder {
		if err := r.Register(name, builtins[name]); err != nil {
			panic("profile: invalid built-in profile " + name + ": " + err.Error())
		}
	}
	return r
}

// Register validates def and adds it under name. A definition that
// Extends another profile is flattened against the already-registered
// base, so the base must be registered first.
func (r *Registry) Register(name string, def Definition) error {
	return r.register(name, def, false)
}

// Replace registers def under name, replacing any existing profile of that
// name. It is intended for configuration that overrides a built-in profile
// during start-up.
func (r *Registry) Replace(name string, def Definition) error {
	return r.register(name, def, true)
}

func (r *Registry) register(name string, def Definition, replace bool) error {
	name = util.Normalize(name)
	if name == "" {
		return caerr.New(caerr.KindInvalidProfileDefinition, "name", "profile name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.profiles[name]; exists && !replace {
		return caerr.New(caerr.KindDuplicateProfile, "name", "profile %q is already registered", name)
	}

	if def.Extends != "" {
		base, ok := r.profiles[util.Normalize(def.Extends)]
		if !ok {
			return caerr.New(caerr.KindInvalidProfileDefinition, "extends", "profile %q extends unknown profile %q", name, def.Extends)
		}
		def = def.over(base.def)
	}

	p, err := compile(name, def)
	if err != nil {
		return err
	}
	r.profiles[name] = p
	return nil
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns the profile registered under name.
func (r *Registry) Resolve(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[util.Normalize(name)]
	if !ok {
		return nil, caerr.New(caerr.KindUnknownProfile, "profile", "profile %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
