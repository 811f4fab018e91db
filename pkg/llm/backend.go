package llm

import (
	"context"
	"encoding/json"
	"errors"

	"modelgate/pkg/domain"
)

var (
	// ErrChatUnsupported indicates the backend cannot serve chat completions.
	ErrChatUnsupported = errors.New("backend does not support chat")
	// ErrImageGenUnsupported indicates the backend cannot generate images.
	ErrImageGenUnsupported = errors.New("backend does not support image generation")
	// ErrMalformedToolCall indicates an assistant tool call carried argument
	// JSON that does not parse. This is a hard failure for the request.
	ErrMalformedToolCall = errors.New("malformed tool call arguments")
	// ErrMissingToolCallID indicates a tool-result message without the
	// originating call id. Caller error.
	ErrMissingToolCallID = errors.New("tool message missing tool call id")
)

// ToolDefinition describes one callable tool advertised to a backend.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is the normalized request handed to a backend. Image refs on
// the messages are expected to be resolved to inline payloads already;
// unresolved id-only refs are omitted from the wire form.
type ChatRequest struct {
	Model       string
	Messages    []domain.ChatMessage
	MaxTokens   int
	Temperature *float64
	Tools       []ToolDefinition
}

// Backend is one concrete LLM/generation service integration. Backends are a
// closed set; optional capabilities are expressed through the narrow
// interfaces below rather than widening this one.
type Backend interface {
	Name() string
	Models() []domain.ModelConfig
	Chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (*Stream, error)
}

// CatalogRefresher is implemented by backends that expose a remote model
// catalog with richer capability metadata.
type CatalogRefresher interface {
	RefreshCatalog(ctx context.Context) ([]domain.ModelConfig, error)
}

// GenerateImageRequest asks an image-capable backend for one image.
type GenerateImageRequest struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	Seed           *int64
}

// GeneratedImage is the produced binary payload.
type GeneratedImage struct {
	Data []byte
	MIME string
	Seed int64
}

// ImageGenerator is implemented by backends that can generate images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req GenerateImageRequest) (*GeneratedImage, error)
}
