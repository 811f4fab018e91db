package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modelgate/pkg/domain"
)

const defaultImageAPIBaseURL = "http://127.0.0.1:8004"

// ImageAPI is the third-party generation service. It only generates images;
// chat operations return ErrChatUnsupported.
type ImageAPI struct {
	baseURL    string
	models     []domain.ModelConfig
	httpClient *http.Client
}

// NewImageAPI constructs the backend with the provided base URL.
func NewImageAPI(baseURL string, models []domain.ModelConfig) *ImageAPI {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultImageAPIBaseURL
	}
	return &ImageAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  tagBackend("imageapi", models),
		// Diffusion inference regularly takes minutes on first load.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (g *ImageAPI) Name() string { return "imageapi" }

func (g *ImageAPI) Models() []domain.ModelConfig { return g.models }

func (g *ImageAPI) Chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error) {
	return nil, ErrChatUnsupported
}

func (g *ImageAPI) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	return nil, ErrChatUnsupported
}

type imageAPIRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"num_inference_steps,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	OutputFormat   string  `json:"output_format"`
}

type imageAPIResponse struct {
	Success        bool    `json:"success"`
	Image          string  `json:"image"`
	Seed           int64   `json:"seed"`
	GenerationTime float64 `json:"generation_time"`
	Message        string  `json:"message"`
}

// GenerateImage calls POST /generate and decodes the base64 payload.
func (g *ImageAPI) GenerateImage(ctx context.Context, req GenerateImageRequest) (*GeneratedImage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("image prompt required")
	}
	wire := imageAPIRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		GuidanceScale:  req.Guidance,
		Seed:           req.Seed,
		OutputFormat:   "base64",
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("imageapi request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Detail != "" {
			return nil, fmt.Errorf("imageapi error: %s", errResp.Detail)
		}
		return nil, fmt.Errorf("imageapi error: %s", resp.Status)
	}
	var out imageAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("imageapi decode: %w", err)
	}
	if !out.Success || out.Image == "" {
		return nil, fmt.Errorf("imageapi generation failed: %s", out.Message)
	}
	mime, data, err := decodeDataURL(out.Image)
	if err != nil {
		return nil, fmt.Errorf("imageapi payload: %w", err)
	}
	return &GeneratedImage{Data: data, MIME: mime, Seed: out.Seed}, nil
}

// decodeDataURL splits a data:<mime>;base64,<payload> string.
func decodeDataURL(raw string) (string, []byte, error) {
	if !strings.HasPrefix(raw, "data:") {
		data, err := base64.StdEncoding.DecodeString(raw)
		return "image/png", data, err
	}
	rest := strings.TrimPrefix(raw, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", nil, fmt.Errorf("unsupported data url")
	}
	mime := rest[:sep]
	data, err := base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return "", nil, err
	}
	if mime == "" {
		mime = "image/png"
	}
	return mime, data, nil
}
