package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"modelgate/internal/util"
	"modelgate/pkg/domain"
	"modelgate/pkg/llm"
	"modelgate/pkg/storage"
	"modelgate/pkg/store"
	"modelgate/pkg/usage"
)

// Gateway orchestrates one request end to end: model resolution, quota
// check, multimodal resolution, tool selection, the backend call, and usage
// tracking after success.
type Gateway struct {
	registry *Registry
	tools    *Catalog
	resolver *Resolver
	meter    *usage.Meter
	images   store.ImageStore
	objects  storage.ObjectStore
	logger   *slog.Logger
}

// New wires a gateway. images and objects may be nil when image generation
// is not deployed; chat then still works.
func New(registry *Registry, tools *Catalog, resolver *Resolver, meter *usage.Meter, images store.ImageStore, objects storage.ObjectStore) *Gateway {
	return &Gateway{
		registry: registry,
		tools:    tools,
		resolver: resolver,
		meter:    meter,
		images:   images,
		objects:  objects,
		logger:   slog.Default(),
	}
}

// Registry exposes the model registry for catalog endpoints.
func (g *Gateway) Registry() *Registry { return g.registry }

// Meter exposes the usage meter for reporting endpoints.
func (g *Gateway) Meter() *usage.Meter { return g.meter }

// ChatInput is the transport-agnostic chat request shape.
type ChatInput struct {
	Model       string
	Messages    []domain.ChatMessage
	MaxTokens   int
	Temperature *float64
	Tools       []string
	UserID      string
	ChatID      string
}

// Chat runs a non-streaming completion.
func (g *Gateway) Chat(ctx context.Context, in ChatInput) (*domain.ChatResponse, error) {
	backend, config, req, err := g.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	resp, err := backend.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	g.meter.TrackUsage(ctx, in.UserID, domain.KindText)
	if resp.Model == "" {
		resp.Model = config.ID
	}
	return resp, nil
}

// ChatStream runs a streaming completion. Usage is tracked when the
// terminal chunk passes through; an errored stream records nothing. Models
// without native streaming are served by a synthesized two-chunk stream
// over the aggregated response.
func (g *Gateway) ChatStream(ctx context.Context, in ChatInput) (*llm.Stream, error) {
	backend, config, req, err := g.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	if !config.SupportsStreaming {
		resp, err := backend.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		g.meter.TrackUsage(ctx, in.UserID, domain.KindText)
		return synthesizeStream(ctx, resp), nil
	}

	inner, err := backend.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	outer, producer := llm.NewPipe(inner.Close)
	go func() {
		for {
			chunk, err := inner.Recv(ctx)
			if err == io.EOF {
				producer.Finish(nil)
				return
			}
			if err != nil {
				producer.Finish(err)
				return
			}
			if chunk.Done {
				g.meter.TrackUsage(ctx, in.UserID, domain.KindText)
			}
			if !producer.Emit(ctx, chunk) {
				inner.Close()
				producer.Finish(ctx.Err())
				return
			}
		}
	}()
	return outer, nil
}

// prepare resolves the model, enforces quota, resolves images, and selects
// tools. It returns the ready-to-send backend request.
func (g *Gateway) prepare(ctx context.Context, in ChatInput) (llm.Backend, domain.ModelConfig, llm.ChatRequest, error) {
	backend, config, err := g.registry.Resolve(in.Model)
	if err != nil {
		return nil, domain.ModelConfig{}, llm.ChatRequest{}, err
	}
	if !config.SupportsText {
		return nil, domain.ModelConfig{}, llm.ChatRequest{}, fmt.Errorf("%w: %q", ErrChatNotSupported, config.ID)
	}

	decision, err := g.meter.CheckLimit(ctx, in.UserID, domain.KindText)
	if err != nil {
		return nil, domain.ModelConfig{}, llm.ChatRequest{}, fmt.Errorf("check usage: %w", err)
	}
	if !decision.Allowed {
		return nil, domain.ModelConfig{}, llm.ChatRequest{}, &usage.LimitError{
			Kind: domain.KindText, Tier: decision.Tier, Remaining: decision.Remaining,
		}
	}

	messages := g.resolveMessages(ctx, in.Messages, config, in.UserID)

	selected := g.tools.Select(in.Tools)
	if !config.SupportsFunctions {
		// The dispatcher's output is discarded here before the backend
		// call; no function definitions may reach a model without support.
		selected = nil
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 || (config.MaxTokens > 0 && maxTokens > config.MaxTokens) {
		maxTokens = config.MaxTokens
	}

	req := llm.ChatRequest{
		Model:       config.ID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: in.Temperature,
		Tools:       Definitions(selected),
	}
	return backend, config, req, nil
}

// resolveMessages replaces image references with resolved payloads. Models
// without image input get text-only copies; unresolvable references are
// omitted, the rest of the message stays usable.
func (g *Gateway) resolveMessages(ctx context.Context, messages []domain.ChatMessage, config domain.ModelConfig, userID string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(messages))
	for i, msg := range messages {
		refs := domain.CollectImageRefs(msg)
		msg.ImageIDs = nil
		msg.ImageID = ""
		msg.InlineImage = nil
		if len(refs) > 0 && config.SupportsImageIn {
			msg.Images = g.resolver.ResolveAll(ctx, refs, userID)
		} else {
			msg.Images = nil
		}
		out[i] = msg
	}
	return out
}

func synthesizeStream(ctx context.Context, resp *domain.ChatResponse) *llm.Stream {
	s, producer := llm.NewPipe(nil)
	go func() {
		if resp.Content != "" {
			if !producer.Emit(ctx, domain.StreamChunk{Content: resp.Content}) {
				producer.Finish(ctx.Err())
				return
			}
		}
		terminal := domain.StreamChunk{Done: true, FinishReason: resp.FinishReason, Usage: resp.Usage}
		if !producer.Emit(ctx, terminal) {
			producer.Finish(ctx.Err())
			return
		}
		producer.Finish(nil)
	}()
	return s
}

// ImageInput is the transport-agnostic image generation request shape.
type ImageInput struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	Seed           *int64
	UserID         string
}

// GeneratedImageResult is a stored generation outcome. URL is a bounded-
// lifetime link for direct download.
type GeneratedImageResult struct {
	Image domain.StoredImage
	Data  []byte
	URL   string
}

// GenerateImage runs generation on a capable backend, persists the output
// to object storage, and records image usage.
func (g *Gateway) GenerateImage(ctx context.Context, in ImageInput) (*GeneratedImageResult, error) {
	backend, config, err := g.registry.Resolve(in.Model)
	if err != nil {
		return nil, err
	}
	if !config.SupportsImageGen {
		return nil, fmt.Errorf("%w: %q", ErrImageGenNotSupported, config.ID)
	}
	generator, ok := backend.(llm.ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", ErrImageGenNotSupported, backend.Name())
	}

	decision, err := g.meter.CheckLimit(ctx, in.UserID, domain.KindImage)
	if err != nil {
		return nil, fmt.Errorf("check usage: %w", err)
	}
	if !decision.Allowed {
		return nil, &usage.LimitError{
			Kind: domain.KindImage, Tier: decision.Tier, Remaining: decision.Remaining,
		}
	}

	generated, err := generator.GenerateImage(ctx, llm.GenerateImageRequest{
		Model:          config.ID,
		Prompt:         in.Prompt,
		NegativePrompt: in.NegativePrompt,
		Width:          in.Width,
		Height:         in.Height,
		Steps:          in.Steps,
		Guidance:       in.Guidance,
		Seed:           in.Seed,
	})
	if err != nil {
		return nil, err
	}

	result := &GeneratedImageResult{Data: generated.Data}
	if g.objects != nil && g.images != nil {
		stored, url, err := g.persistImage(ctx, in, config.ID, generated)
		if err != nil {
			// The caller still gets the bytes; persistence problems are
			// logged and do not fail the generation.
			g.logger.Error("persist generated image", "model", config.ID, "error", err)
		} else {
			result.Image = stored
			result.URL = url
		}
	}
	g.meter.TrackUsage(ctx, in.UserID, domain.KindImage)
	return result, nil
}

func (g *Gateway) persistImage(ctx context.Context, in ImageInput, modelID string, generated *llm.GeneratedImage) (domain.StoredImage, string, error) {
	key := storage.GenerateFilePath(in.UserID, "generated"+extensionFor(generated.MIME))
	if err := g.objects.Put(ctx, key, bytes.NewReader(generated.Data), int64(len(generated.Data)), generated.MIME); err != nil {
		return domain.StoredImage{}, "", fmt.Errorf("upload image: %w", err)
	}
	attrs := map[string]string{
		"prompt": in.Prompt,
		"model":  modelID,
		"seed":   strconv.FormatInt(generated.Seed, 10),
	}
	stored := domain.StoredImage{
		ID:         util.NewID(),
		OwnerID:    in.UserID,
		StorageKey: key,
		MIME:       generated.MIME,
		SizeBytes:  int64(len(generated.Data)),
		Attributes: attrs,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.images.SaveImage(stored); err != nil {
		return domain.StoredImage{}, "", fmt.Errorf("save image metadata: %w", err)
	}
	url, err := g.objects.PresignGet(ctx, key, time.Hour)
	if err != nil {
		g.logger.Warn("presign image url", "key", key, "error", err)
		url = ""
	}
	return stored, url, nil
}

// ListImages returns stored image metadata owned by the user, newest first.
func (g *Gateway) ListImages(userID string, limit int) ([]domain.StoredImage, error) {
	if g.images == nil {
		return nil, nil
	}
	return g.images.ListImagesByOwner(userID, limit)
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
