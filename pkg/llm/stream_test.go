package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/pkg/domain"
)

func TestStreamTerminatesWithExactlyOneTerminalChunk(t *testing.T) {
	s := newStream(nil)
	go func() {
		ctx := context.Background()
		s.emit(ctx, domain.StreamChunk{Content: "hel"})
		s.emit(ctx, domain.StreamChunk{Content: "lo"})
		s.emit(ctx, domain.StreamChunk{Done: true, Usage: &domain.Usage{TotalTokens: 5}})
		s.finish(nil)
	}()

	ctx := context.Background()
	var content string
	terminals := 0
	for {
		chunk, err := s.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		content += chunk.Content
		if chunk.Done {
			terminals++
			if chunk.Usage == nil || chunk.Usage.TotalTokens != 5 {
				t.Fatalf("terminal chunk usage = %+v", chunk.Usage)
			}
		}
	}
	if content != "hello" {
		t.Fatalf("concatenated content = %q", content)
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal chunk, got %d", terminals)
	}
}

func TestStreamSurfacesUpstreamErrorWithoutTerminalChunk(t *testing.T) {
	upstreamErr := errors.New("connection reset")
	s := newStream(nil)
	go func() {
		s.emit(context.Background(), domain.StreamChunk{Content: "partial"})
		s.finish(upstreamErr)
	}()

	ctx := context.Background()
	chunk, err := s.Recv(ctx)
	if err != nil || chunk.Content != "partial" {
		t.Fatalf("first recv = %+v, %v", chunk, err)
	}
	_, err = s.Recv(ctx)
	if !errors.Is(err, upstreamErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestStreamCollectMatchesChunks(t *testing.T) {
	s := newStream(nil)
	go func() {
		ctx := context.Background()
		s.emit(ctx, domain.StreamChunk{Content: "a"})
		s.emit(ctx, domain.StreamChunk{Content: "b"})
		s.emit(ctx, domain.StreamChunk{Done: true, FinishReason: "stop"})
		s.finish(nil)
	}()
	resp, err := Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.Content != "ab" || resp.FinishReason != "stop" {
		t.Fatalf("collected = %+v", resp)
	}
}

func TestOpenAIChatStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newOpenAIClient("test", srv.URL, "", nil)
	s, err := client.chatStream(context.Background(), ChatRequest{
		Model:    "m1",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	resp, err := Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
}

func TestOpenAIChatStreamCancellationReleasesUpstream(t *testing.T) {
	var bodyClosed atomic.Bool
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer bodyClosed.Store(true)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newOpenAIClient("test", srv.URL, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := client.chatStream(ctx, ChatRequest{
		Model:    "m1",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if _, err := s.Recv(ctx); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	s.Close()

	deadline := time.After(2 * time.Second)
	for !bodyClosed.Load() {
		select {
		case <-deadline:
			t.Fatalf("upstream handler still running after stream close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOllamaChatStreamParsesNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	backend := NewOllama(srv.URL, nil)
	s, err := backend.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	resp, err := Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestOllamaStreamMissingTerminalIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	backend := NewOllama(srv.URL, nil)
	s, err := backend.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if _, err := Collect(context.Background(), s); err == nil {
		t.Fatalf("expected terminal error for truncated stream")
	}
}
