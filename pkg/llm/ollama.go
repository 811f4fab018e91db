package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"modelgate/pkg/domain"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// Ollama is the local easy-deploy inference server, driven through its
// native /api/chat endpoint with NDJSON streaming.
type Ollama struct {
	baseURL    string
	models     []domain.ModelConfig
	httpClient *http.Client
}

// NewOllama constructs the backend with the provided base URL.
func NewOllama(baseURL string, models []domain.ModelConfig) *Ollama {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		models:     tagBackend("ollama", models),
		httpClient: &http.Client{Timeout: 180 * time.Second},
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Models() []domain.ModelConfig { return o.models }

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Images     []string         `json:"images,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role      string           `json:"role"`
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// ollamaMessagesFrom converts the backend-agnostic message list to Ollama's
// wire form. Same rules as the OpenAI dialect; images travel as a raw base64
// array on the user message.
func ollamaMessagesFrom(messages []domain.ChatMessage) ([]ollamaMessage, error) {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, ollamaMessage{Role: "system", Content: msg.Content})

		case domain.RoleUser:
			m := ollamaMessage{Role: "user", Content: msg.Content}
			if m.Content == "" {
				m.Content = emptyUserPlaceholder
			}
			for _, ref := range resolvedRefs(domain.CollectImageRefs(msg)) {
				m.Images = append(m.Images, base64.StdEncoding.EncodeToString(ref.Data))
			}
			out = append(out, m)

		case domain.RoleAssistant:
			m := ollamaMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				if !json.Valid([]byte(call.Arguments)) {
					return nil, fmt.Errorf("tool call %q (%s): %w", call.Name, call.ID, ErrMalformedToolCall)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					Function: ollamaFunctionCall{
						Name:      call.Name,
						Arguments: json.RawMessage(call.Arguments),
					},
				})
			}
			out = append(out, m)

		case domain.RoleTool:
			// Ollama keys tool results positionally, but the call id is
			// still required here so the caller contract stays uniform
			// across backends.
			if msg.ToolCallID == "" {
				return nil, ErrMissingToolCallID
			}
			out = append(out, ollamaMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			slog.Debug("coercing unknown message role to empty user message", "role", string(msg.Role))
			out = append(out, ollamaMessage{Role: "user", Content: ""})
		}
	}
	return out, nil
}

func (o *Ollama) buildRequest(req ChatRequest, stream bool) (*ollamaChatRequest, error) {
	messages, err := ollamaMessagesFrom(req.Messages)
	if err != nil {
		return nil, err
	}
	wire := &ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		wire.Options = &ollamaOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}
	for _, tool := range req.Tools {
		var t ollamaTool
		t.Type = "function"
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		t.Function.Parameters = tool.Parameters
		wire.Tools = append(wire.Tools, t)
	}
	return wire, nil
}

func (o *Ollama) post(ctx context.Context, wire *ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	return resp, nil
}

func (o *Ollama) Chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error) {
	wire, err := o.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := o.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("ollama decode: %w", err)
	}
	out := &domain.ChatResponse{
		Content:      chatResp.Message.Content,
		Model:        req.Model,
		FinishReason: chatResp.DoneReason,
	}
	if chatResp.PromptEvalCount > 0 || chatResp.EvalCount > 0 {
		out.Usage = &domain.Usage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
			TotalTokens:      chatResp.PromptEvalCount + chatResp.EvalCount,
		}
	}
	for i, call := range chatResp.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      call.Function.Name,
			Arguments: string(call.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream adapts Ollama's NDJSON stream: one JSON object per line, the
// final object carrying done=true plus token counts.
func (o *Ollama) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	wire, err := o.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := o.post(streamCtx, wire)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(cancel)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		sawTerminal := false
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Done {
				terminal := domain.StreamChunk{Done: true, FinishReason: chunk.DoneReason}
				if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
					terminal.Usage = &domain.Usage{
						PromptTokens:     chunk.PromptEvalCount,
						CompletionTokens: chunk.EvalCount,
						TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
					}
				}
				if !s.emit(streamCtx, terminal) {
					s.finish(streamCtx.Err())
					return
				}
				sawTerminal = true
				break
			}
			if chunk.Message.Content == "" {
				continue
			}
			if !s.emit(streamCtx, domain.StreamChunk{Content: chunk.Message.Content}) {
				s.finish(streamCtx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.finish(fmt.Errorf("ollama stream: %w", err))
			return
		}
		if !sawTerminal {
			s.finish(fmt.Errorf("ollama stream ended without terminal chunk"))
			return
		}
		s.finish(nil)
	}()
	return s, nil
}
