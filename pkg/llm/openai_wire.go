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

// OpenAI chat-completions dialect shared by the hosted router and vLLM.

const emptyUserPlaceholder = "(empty message)"

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiFunctionCall `json:"function"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiTool struct {
	Type     string         `json:"type"`
	Function oaiFunctionDef `json:"function"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
	Tools         []oaiTool         `json:"tools,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *oaiUsage) toDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// openaiMessagesFrom converts a backend-agnostic message list to the OpenAI
// dialect. Deterministic and order-preserving. Unresolved id-only image refs
// are omitted; resolved payloads become data-URL image parts after the text
// block. Unknown roles degrade to an empty user message.
func openaiMessagesFrom(messages []domain.ChatMessage) ([]oaiMessage, error) {
	out := make([]oaiMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, oaiMessage{Role: "system", Content: msg.Content})

		case domain.RoleUser:
			refs := resolvedRefs(domain.CollectImageRefs(msg))
			if len(refs) == 0 {
				text := msg.Content
				if text == "" {
					text = emptyUserPlaceholder
				}
				out = append(out, oaiMessage{Role: "user", Content: text})
				continue
			}
			parts := make([]oaiContentPart, 0, len(refs)+1)
			text := msg.Content
			if text == "" {
				text = emptyUserPlaceholder
			}
			parts = append(parts, oaiContentPart{Type: "text", Text: text})
			for _, ref := range refs {
				parts = append(parts, oaiContentPart{
					Type:     "image_url",
					ImageURL: &oaiImageURL{URL: dataURL(ref)},
				})
			}
			out = append(out, oaiMessage{Role: "user", Content: parts})

		case domain.RoleAssistant:
			m := oaiMessage{Role: "assistant"}
			if msg.Content != "" {
				m.Content = msg.Content
			}
			for _, call := range msg.ToolCalls {
				if !json.Valid([]byte(call.Arguments)) {
					return nil, fmt.Errorf("tool call %q (%s): %w", call.Name, call.ID, ErrMalformedToolCall)
				}
				m.ToolCalls = append(m.ToolCalls, oaiToolCall{
					ID:   call.ID,
					Type: "function",
					Function: oaiFunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, m)

		case domain.RoleTool:
			if msg.ToolCallID == "" {
				return nil, ErrMissingToolCallID
			}
			out = append(out, oaiMessage{
				Role:       "tool",
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
			})

		default:
			slog.Debug("coercing unknown message role to empty user message", "role", string(msg.Role))
			out = append(out, oaiMessage{Role: "user", Content: ""})
		}
	}
	return out, nil
}

func resolvedRefs(refs []domain.ImageRef) []domain.ImageRef {
	out := refs[:0:0]
	for _, ref := range refs {
		if ref.Inline() {
			out = append(out, ref)
		}
	}
	return out
}

func dataURL(ref domain.ImageRef) string {
	mime := ref.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
}

func openaiToolsFrom(tools []ToolDefinition) []oaiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oaiTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, oaiTool{
			Type: "function",
			Function: oaiFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

// openAIClient is the HTTP client shared by both OpenAI-dialect backends.
type openAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
}

func newOpenAIClient(name, baseURL, apiKey string, headers map[string]string) openAIClient {
	return openAIClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		headers: headers,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

func (c *openAIClient) buildRequest(req ChatRequest, stream bool) (*oaiChatRequest, error) {
	messages, err := openaiMessagesFrom(req.Messages)
	if err != nil {
		return nil, err
	}
	wire := &oaiChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       openaiToolsFrom(req.Tools),
	}
	if stream {
		wire.Stream = true
		wire.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	return wire, nil
}

func (c *openAIClient) post(ctx context.Context, wire *oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("%s api error: %s", c.name, errResp.Error.Message)
		}
		return nil, fmt.Errorf("%s api error: %s", c.name, resp.Status)
	}
	return resp, nil
}

func (c *openAIClient) chat(ctx context.Context, req ChatRequest) (*domain.ChatResponse, error) {
	wire, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%s decode: %w", c.name, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from %s api", c.name)
	}
	choice := chatResp.Choices[0]
	out := &domain.ChatResponse{
		Content:      choice.Message.Content,
		Model:        req.Model,
		FinishReason: choice.FinishReason,
		Usage:        chatResp.Usage.toDomain(),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out, nil
}

// chatStream issues a streaming completion and adapts the SSE body to the
// canonical Stream. The producer goroutine owns the response body and closes
// it on exit; cancelling the stream cancels the request context, which
// unblocks the body read.
func (c *openAIClient) chatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	wire, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(streamCtx, wire)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(cancel)
	go func() {
		defer resp.Body.Close()
		var usage *domain.Usage
		finishReason := ""
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				break
			}
			var chunk oaiStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// Skip malformed frames; providers occasionally emit
				// keep-alive comments or partial junk between events.
				continue
			}
			if chunk.Usage != nil {
				usage = chunk.Usage.toDomain()
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !s.emit(streamCtx, domain.StreamChunk{Content: choice.Delta.Content}) {
				s.finish(streamCtx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.finish(fmt.Errorf("%s stream: %w", c.name, err))
			return
		}
		terminal := domain.StreamChunk{Done: true, Usage: usage, FinishReason: finishReason}
		if !s.emit(streamCtx, terminal) {
			s.finish(streamCtx.Err())
			return
		}
		s.finish(nil)
	}()
	return s, nil
}
