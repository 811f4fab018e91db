package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modelgate/pkg/gateway"
	"modelgate/pkg/llm"
	"modelgate/pkg/storage"
	"modelgate/pkg/store"
	"modelgate/pkg/usage"
	"modelgate/services/gateway/internal/config"

	"modelgate/pkg/domain"
)

// Config holds runtime wiring for the core application. Store, object-store
// and publisher fields are injectable so tests can run without external
// services; when nil they are built from the file config.
type Config struct {
	File config.FileConfig

	Usage     store.UsageStore
	Images    store.ImageStore
	Subs      store.SubscriptionSource
	Objects   storage.ObjectStore
	Publisher usage.EventPublisher
	Backends  []llm.Backend
}

// App wires backends, the model registry, the usage meter and the gateway.
type App struct {
	Gateway  *gateway.Gateway
	Registry *gateway.Registry
	Meter    *usage.Meter

	enrichTimeout time.Duration
}

// New constructs the application from config, building any dependency not
// injected.
func New(cfg Config) (*App, error) {
	usageStore := cfg.Usage
	imageStore := cfg.Images
	subSource := cfg.Subs
	if usageStore == nil || imageStore == nil || subSource == nil {
		if cfg.File.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required (no in-memory store allowed)")
		}
		gs, err := store.NewGormStore(cfg.File.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if usageStore == nil {
			usageStore = gs
		}
		if imageStore == nil {
			imageStore = gs
		}
		if subSource == nil {
			subSource = gs
		}
	}

	objects := cfg.Objects
	if objects == nil {
		mc := cfg.File.Minio
		if mc.Endpoint == "" {
			return nil, fmt.Errorf("minio endpoint required for image storage")
		}
		var err error
		objects, err = storage.NewMinioStore(mc.Endpoint, mc.AccessKey, mc.SecretKey, mc.Bucket, mc.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	publisher := cfg.Publisher
	if publisher == nil {
		if cfg.File.AMQPURL != "" {
			exchange := cfg.File.UsageExchange
			if exchange == "" {
				exchange = "modelgate.usage"
			}
			p, err := usage.NewAMQPPublisher(cfg.File.AMQPURL, exchange)
			if err != nil {
				return nil, fmt.Errorf("init usage publisher: %w", err)
			}
			publisher = p
		} else {
			publisher = usage.NopPublisher{}
		}
	}

	backends := cfg.Backends
	if backends == nil {
		var err error
		backends, err = buildBackends(cfg.File)
		if err != nil {
			return nil, err
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no usable backends configured")
	}

	meterOpts := []usage.MeterOption{usage.WithEventPublisher(publisher)}
	if cfg.File.GraceDays > 0 {
		meterOpts = append(meterOpts, usage.WithGracePeriod(time.Duration(cfg.File.GraceDays)*24*time.Hour))
	}
	meter := usage.NewMeter(usageStore, subSource, plansFromConfig(cfg.File.Plans), meterOpts...)

	registry := gateway.NewRegistry(backends,
		gateway.WithAliases(cfg.File.Aliases),
		gateway.WithGuestModels(cfg.File.GuestModels),
		gateway.WithDemoModels(cfg.File.DemoModels),
	)

	resolver := gateway.NewResolver(imageStore, objects)
	gw := gateway.New(registry, builtinTools(), resolver, meter, imageStore, objects)

	enrichTimeout, err := config.ParseEnrichmentTimeout(cfg.File.EnrichmentTimeout)
	if err != nil {
		return nil, err
	}

	return &App{
		Gateway:       gw,
		Registry:      registry,
		Meter:         meter,
		enrichTimeout: enrichTimeout,
	}, nil
}

// Start kicks off background catalog enrichment. Callers that need the
// enriched catalog should use Registry.WaitReady.
func (a *App) Start(ctx context.Context) {
	a.Registry.StartEnrichment(ctx, a.enrichTimeout)
}

// buildBackends constructs every configured backend. A backend with missing
// credentials is skipped with a warning so the remaining ones stay usable.
func buildBackends(cfg config.FileConfig) ([]llm.Backend, error) {
	byBackend := make(map[string][]domain.ModelConfig)
	for _, entry := range cfg.Models {
		byBackend[entry.Backend] = append(byBackend[entry.Backend], modelFromEntry(entry))
	}

	var backends []llm.Backend
	for name, bc := range cfg.Backends {
		models := byBackend[name]
		switch name {
		case "openrouter":
			backend, err := llm.NewOpenRouter(bc.BaseURL, bc.APIKey, models)
			if err != nil {
				slog.Warn("skipping backend", "backend", name, "error", err)
				continue
			}
			backends = append(backends, backend)
		case "vllm":
			if bc.BaseURL == "" {
				slog.Warn("skipping backend", "backend", name, "error", "baseURL missing")
				continue
			}
			backends = append(backends, llm.NewVLLM(bc.BaseURL, bc.APIKey, models))
		case "ollama":
			if bc.BaseURL == "" {
				slog.Warn("skipping backend", "backend", name, "error", "baseURL missing")
				continue
			}
			backends = append(backends, llm.NewOllama(bc.BaseURL, models))
		case "imageapi":
			if bc.BaseURL == "" {
				slog.Warn("skipping backend", "backend", name, "error", "baseURL missing")
				continue
			}
			backends = append(backends, llm.NewImageAPI(bc.BaseURL, models))
		default:
			return nil, fmt.Errorf("unknown backend %q in config", name)
		}
	}
	return backends, nil
}

func modelFromEntry(entry config.ModelEntry) domain.ModelConfig {
	display := entry.DisplayName
	if display == "" {
		display = entry.ID
	}
	return domain.ModelConfig{
		ID:                entry.ID,
		DisplayName:       display,
		Backend:           entry.Backend,
		MaxTokens:         entry.MaxTokens,
		SupportsText:      entry.SupportsText,
		SupportsStreaming: entry.SupportsStreaming,
		SupportsFunctions: entry.SupportsFunctions,
		SupportsImageIn:   entry.SupportsImageIn,
		SupportsVideoIn:   entry.SupportsVideoIn,
		SupportsImageGen:  entry.SupportsImageGen,
		SupportsVideoGen:  entry.SupportsVideoGen,
	}
}

func plansFromConfig(entries []config.PlanEntry) []usage.Plan {
	plans := make([]usage.Plan, 0, len(entries))
	for _, entry := range entries {
		limits := make(map[domain.UsageKind]int, len(entry.Limits))
		for kind, limit := range entry.Limits {
			limits[domain.UsageKind(kind)] = limit
		}
		plans = append(plans, usage.Plan{Tier: domain.PlanTier(entry.Tier), Limits: limits})
	}
	return plans
}

// builtinTools returns the server-side tool catalog offered to models that
// support function calling.
func builtinTools() *gateway.Catalog {
	return gateway.NewCatalog(
		gateway.Tool{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC 3339 format.",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
		gateway.Tool{
			Name:        "word_count",
			Description: "Counts the words in the given text.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("decode arguments: %w", err)
				}
				return fmt.Sprintf("%d", len(strings.Fields(in.Text))), nil
			},
		},
	)
}
