package config

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProfileNotRegistered is returned by Create when no factory has been
// registered under the requested profile name.
var ErrProfileNotRegistered = errors.New("config: pruning profile not registered")

// ProfileFactory builds a [DecoderConfig] overlay for a named pruning
// profile, given the base decoder config loaded from file. It should return
// a copy with only the tunables that profile controls overridden.
type ProfileFactory func(base DecoderConfig) (DecoderConfig, error)

// Registry maps pruning profile names (e.g. "default", "fast", "accurate")
// to factories that produce a [DecoderConfig] overlay. It is safe for
// concurrent use.
//
// Profiles let an operator switch the beam/maxwpf/maxhmmpf tradeoff at
// request time without editing the on-disk config.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]ProfileFactory
}

// NewRegistry returns an empty [Registry] pre-seeded with the "default",
// "fast", and "accurate" built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]ProfileFactory)}
	r.RegisterProfile("default", func(base DecoderConfig) (DecoderConfig, error) {
		return base, nil
	})
	r.RegisterProfile("fast", func(base DecoderConfig) (DecoderConfig, error) {
		cfg := base
		cfg.Beam *= 0.5
		cfg.WordBeam *= 0.5
		cfg.MaxHMMPF /= 2
		cfg.MaxWPF /= 2
		return cfg, nil
	})
	r.RegisterProfile("accurate", func(base DecoderConfig) (DecoderConfig, error) {
		cfg := base
		cfg.Beam *= 1.5
		cfg.WordBeam *= 1.5
		cfg.MaxHMMPF *= 2
		cfg.MaxWPF *= 2
		return cfg, nil
	})
	return r
}

// RegisterProfile registers a pruning profile factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProfile(name string, factory ProfileFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[name] = factory
}

// Create applies the profile registered under name to base, returning the
// overlaid [DecoderConfig]. Returns [ErrProfileNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) Create(name string, base DecoderConfig) (DecoderConfig, error) {
	r.mu.RLock()
	factory, ok := r.profiles[name]
	r.mu.RUnlock()
	if !ok {
		return DecoderConfig{}, fmt.Errorf("%w: %q", ErrProfileNotRegistered, name)
	}
	return factory(base)
}

// Names returns the currently registered profile names, in no particular
// order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}
