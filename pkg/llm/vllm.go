package llm

import (
	"context"
	"strings"

	"modelgate/pkg/domain"
)

const defaultVLLMBaseURL = "http://127.0.0.1:8000/v1"

// VLLM is the local high-throughput inference server. It speaks the OpenAI
// chat-completions dialect; the api key is optional for unauthenticated
// deployments.
type VLLM struct {
	client openAIClient
	models []domain.ModelConfig
}

// NewVLLM builds the vLLM backend. baseURL should include the /v1 prefix.
func NewVLLM(baseURL, apiKey string, models []domain.ModelConfig) *VLLM {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultVLLMBaseURL
	}
	return &VLLM{
		client: newOpenAIClient("vllm", baseURL, apiKey, nil),
		models: tagBackend("vllm", models),
	}
}

func (v *VLLM) Name() string { return "vllm" }

func (v *VLLM) Models() []domain.ModelConfig { return v.models }

func (v *VLLM) Chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error) {
	return v.client.chat(ctx, req)
}

func (v *VLLM) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	return v.client.chatStream(ctx, req)
}
