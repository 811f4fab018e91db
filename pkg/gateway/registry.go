package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modelgate/pkg/domain"
	"modelgate/pkg/llm"
)

// Registry holds the configured backends in a fixed priority order and maps
// model identifiers to the backend that serves them. When two backends
// declare the same model ID, the earlier backend wins; resolution is
// deterministic across calls.
type Registry struct {
	backends []llm.Backend
	aliases  map[string]string
	guest    map[string]bool
	demo     map[string]bool
	logger   *slog.Logger

	mu     sync.RWMutex
	order  []string
	models map[string]registered

	enrichOnce sync.Once
	ready      chan struct{}
}

type registered struct {
	backend llm.Backend
	config  domain.ModelConfig
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAliases installs model-name aliases applied before resolution, so
// renamed models keep working for stored chat history.
func WithAliases(aliases map[string]string) RegistryOption {
	return func(r *Registry) {
		for from, to := range aliases {
			r.aliases[from] = to
		}
	}
}

// WithGuestModels marks model IDs usable without an account.
func WithGuestModels(ids []string) RegistryOption {
	return func(r *Registry) {
		for _, id := range ids {
			r.guest[id] = true
		}
	}
}

// WithDemoModels marks model IDs usable in demo mode.
func WithDemoModels(ids []string) RegistryOption {
	return func(r *Registry) {
		for _, id := range ids {
			r.demo[id] = true
		}
	}
}

// NewRegistry indexes the backends' declared models. Backend order is the
// resolution priority order.
func NewRegistry(backends []llm.Backend, options ...RegistryOption) *Registry {
	r := &Registry{
		backends: backends,
		aliases:  map[string]string{},
		guest:    map[string]bool{},
		demo:     map[string]bool{},
		logger:   slog.Default(),
		models:   map[string]registered{},
		ready:    make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	for _, backend := range backends {
		for _, config := range backend.Models() {
			if _, taken := r.models[config.ID]; taken {
				continue
			}
			r.order = append(r.order, config.ID)
			r.models[config.ID] = registered{backend: backend, config: r.applyAccessFlags(config)}
		}
	}
	return r
}

func (r *Registry) applyAccessFlags(config domain.ModelConfig) domain.ModelConfig {
	config.GuestAllowed = r.guest[config.ID]
	config.DemoAllowed = r.demo[config.ID]
	return config
}

// Normalize maps an aliased model name to its canonical ID. Unknown names
// pass through unchanged.
func (r *Registry) Normalize(modelID string) string {
	if canonical, ok := r.aliases[modelID]; ok {
		return canonical
	}
	return modelID
}

// Resolve returns the backend serving a model and the model's configuration.
func (r *Registry) Resolve(modelID string) (llm.Backend, domain.ModelConfig, error) {
	id := r.Normalize(modelID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.models[id]
	if !ok {
		return nil, domain.ModelConfig{}, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	return entry.backend, entry.config, nil
}

// ListModels returns the union of all backends' models in registration
// order, tagged with ownership and access flags.
func (r *Registry) ListModels() []domain.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id].config)
	}
	return out
}

// StartEnrichment launches the one-time catalog refresh for backends that
// expose a remote catalog. It returns immediately; callers that want the
// enriched catalog use WaitReady. Repeated calls are no-ops.
func (r *Registry) StartEnrichment(ctx context.Context, timeout time.Duration) {
	r.enrichOnce.Do(func() {
		go func() {
			defer close(r.ready)
			enrichCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			g, gctx := errgroup.WithContext(enrichCtx)
			for _, backend := range r.backends {
				refresher, ok := backend.(llm.CatalogRefresher)
				if !ok {
					continue
				}
				name := backend.Name()
				g.Go(func() error {
					configs, err := refresher.RefreshCatalog(gctx)
					if err != nil {
						// Enrichment is best effort; the static catalog
						// keeps serving.
						r.logger.Warn("catalog refresh failed", "backend", name, "error", err)
						return nil
					}
					r.merge(name, configs)
					return nil
				})
			}
			_ = g.Wait()
		}()
	})
}

// merge replaces registered configs with enriched copies. Identity and
// ownership never change; only capability metadata does.
func (r *Registry) merge(backendName string, configs []domain.ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, config := range configs {
		entry, ok := r.models[config.ID]
		if !ok || entry.config.Backend != backendName {
			continue
		}
		config.Backend = backendName
		entry.config = r.applyAccessFlags(config)
		r.models[config.ID] = entry
		updated++
	}
	r.logger.Info("model catalog enriched", "backend", backendName, "models", updated)
}

// WaitReady blocks until enrichment finishes or ctx expires. It returns
// false on timeout; the un-enriched catalog is still usable then.
func (r *Registry) WaitReady(ctx context.Context) bool {
	select {
	case <-r.ready:
		return true
	case <-ctx.Done():
		return false
	}
}
