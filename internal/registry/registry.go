// Package registry holds the registered engines keyed by provider name and
// the index of which provider owns each loaded model.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engined/internal/engine"
)

// Factory builds the extension for a descriptor.
type Factory func(engine.Descriptor) (engine.Extension, error)

// NewFactory returns the factory for the closed set of engine kinds.
func NewFactory(opts engine.Options) Factory {
	return func(d engine.Descriptor) (engine.Extension, error) {
		switch d.Kind {
		case engine.KindLocal:
			l, err := engine.NewLocal(d, opts)
			if err != nil {
				return nil, err
			}
			return l, nil
		case engine.KindRemote:
			r, err := engine.NewRemote(d, opts)
			if err != nil {
				return nil, err
			}
			return r, nil
		default:
			return nil, fmt.Errorf("engine %s: unsupported kind %s", d.Provider, d.Kind)
		}
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	factory Factory
	log     zerolog.Logger

	mu      sync.RWMutex
	engines map[string]engine.Extension
	owners  map[string]string // model id -> provider
}

// New returns an empty registry.
func New(factory Factory, log zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		log:     log.With().Str("component", "registry").Logger(),
		engines: make(map[string]engine.Extension),
		owners:  make(map[string]string),
	}
}

// Register installs the engine for d, replacing any engine with the same
// provider name. The previous engine is closed, stopping its process, before
// the new one becomes visible.
func (r *Registry) Register(ctx context.Context, d engine.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	ext, err := r.factory(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.engines[d.Provider]; ok {
		if err := old.Close(ctx); err != nil {
			r.log.Warn().Err(err).Str("provider", d.Provider).Msg("closing replaced engine")
		}
		r.dropOwnersLocked(d.Provider)
		r.log.Info().Str("provider", d.Provider).Msg("engine replaced")
	} else {
		r.log.Info().Str("provider", d.Provider).Str("kind", d.Kind.String()).Msg("engine registered")
	}
	r.engines[d.Provider] = ext
	return nil
}

// Unregister closes and removes provider.
func (r *Registry) Unregister(ctx context.Context, provider string) error {
	r.mu.Lock()
	ext, ok := r.engines[provider]
	if ok {
		delete(r.engines, provider)
		r.dropOwnersLocked(provider)
	}
	r.mu.Unlock()
	if !ok {
		return engine.ErrUnknownProvider("", provider)
	}
	return ext.Close(ctx)
}

func (r *Registry) dropOwnersLocked(provider string) {
	for id, p := range r.owners {
		if p == provider {
			delete(r.owners, id)
		}
	}
}

// Resolve returns the engine serving modelID. Loaded models resolve to their
// owner; hint is consulted only for models no engine owns yet.
func (r *Registry) Resolve(modelID, hint string) (engine.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.owners[modelID]; ok {
		if ext, ok := r.engines[p]; ok {
			return ext, nil
		}
	}
	if hint == "" {
		return nil, engine.ErrUnknownProvider(modelID, "")
	}
	ext, ok := r.engines[hint]
	if !ok {
		return nil, engine.ErrUnknownProvider(modelID, hint)
	}
	return ext, nil
}

// Lookup returns the engine registered as provider.
func (r *Registry) Lookup(provider string) (engine.Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.engines[provider]
	return ext, ok
}

// Bind records provider as the owner of modelID.
func (r *Registry) Bind(modelID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[provider]; !ok {
		return engine.ErrUnknownProvider(modelID, provider)
	}
	r.owners[modelID] = provider
	return nil
}

// Unbind forgets modelID if provider still owns it.
func (r *Registry) Unbind(modelID, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[modelID] == provider {
		delete(r.owners, modelID)
	}
}

// Owner returns the provider that owns modelID.
func (r *Registry) Owner(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.owners[modelID]
	return p, ok
}

// Providers lists registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.engines))
	for p := range r.engines {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ListEngines returns a health snapshot per engine, sorted by provider.
// Engines are queried in parallel; slow remote probes do not hold the lock.
func (r *Registry) ListEngines(ctx context.Context) []engine.Health {
	exts := r.snapshot()
	out := make([]engine.Health, len(exts))
	g, gctx := errgroup.WithContext(ctx)
	for i, ext := range exts {
		g.Go(func() error {
			out[i] = ext.Status(gctx)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Close closes every engine and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	exts := make([]engine.Extension, 0, len(r.engines))
	for _, ext := range r.engines {
		exts = append(exts, ext)
	}
	r.engines = make(map[string]engine.Extension)
	r.owners = make(map[string]string)
	r.mu.Unlock()

	errs := make([]error, len(exts))
	var g errgroup.Group
	for i, ext := range exts {
		g.Go(func() error {
			if err := ext.Close(ctx); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", ext.Provider(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) snapshot() []engine.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.Extension, 0, len(r.engines))
	for _, ext := range r.engines {
		out = append(out, ext)
	}
	return out
}
