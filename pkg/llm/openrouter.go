package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"modelgate/pkg/domain"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter is the hosted multi-model router backend.
type OpenRouter struct {
	client openAIClient
	models []domain.ModelConfig
}

// NewOpenRouter builds the router backend. models is the statically
// configured catalog; capability flags may later be refreshed from the
// remote catalog without changing model identity.
func NewOpenRouter(baseURL, apiKey string, models []domain.ModelConfig) (*OpenRouter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key required")
	}
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	headers := map[string]string{
		"HTTP-Referer": "https://modelgate.dev",
		"X-Title":      "modelgate",
	}
	return &OpenRouter{
		client: newOpenAIClient("openrouter", baseURL, apiKey, headers),
		models: tagBackend("openrouter", models),
	}, nil
}

func (o *OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Models() []domain.ModelConfig { return o.models }

func (o *OpenRouter) Chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error) {
	return o.client.chat(ctx, req)
}

func (o *OpenRouter) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	return o.client.chatStream(ctx, req)
}

type routerCatalogEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Architecture  struct {
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	} `json:"architecture"`
	SupportedParameters []string `json:"supported_parameters"`
}

// RefreshCatalog fetches the remote model catalog and returns enriched
// copies of the configured models. Models absent from the remote catalog are
// returned unchanged; identity (ID, backend) never changes.
func (o *OpenRouter) RefreshCatalog(ctx context.Context) ([]domain.ModelConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.client.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.client.apiKey)
	resp, err := o.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("openrouter catalog: %s", resp.Status)
	}
	var payload struct {
		Data []routerCatalogEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("openrouter catalog decode: %w", err)
	}
	remote := make(map[string]routerCatalogEntry, len(payload.Data))
	for _, entry := range payload.Data {
		remote[entry.ID] = entry
	}

	out := make([]domain.ModelConfig, len(o.models))
	copy(out, o.models)
	for i := range out {
		entry, ok := remote[out[i].ID]
		if !ok {
			continue
		}
		if entry.Name != "" {
			out[i].DisplayName = entry.Name
		}
		if entry.ContextLength > 0 {
			out[i].MaxTokens = entry.ContextLength
		}
		out[i].SupportsFunctions = contains(entry.SupportedParameters, "tools")
		out[i].SupportsImageIn = contains(entry.Architecture.InputModalities, "image")
		out[i].SupportsVideoIn = contains(entry.Architecture.InputModalities, "video")
		out[i].SupportsImageGen = contains(entry.Architecture.OutputModalities, "image")
		out[i].SupportsText = len(entry.Architecture.OutputModalities) == 0 ||
			contains(entry.Architecture.OutputModalities, "text")
	}
	return out, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func tagBackend(name string, models []domain.ModelConfig) []domain.ModelConfig {
	out := make([]domain.ModelConfig, len(models))
	copy(out, models)
	for i := range out {
		out[i].Backend = name
	}
	return out
}
