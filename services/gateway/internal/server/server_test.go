package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"modelgate/internal/usertoken"
	"modelgate/pkg/domain"
	"modelgate/pkg/llm"
	"modelgate/pkg/storage"
	"modelgate/pkg/store"
	"modelgate/pkg/usage"
	"modelgate/services/gateway/internal/app"
	"modelgate/services/gateway/internal/config"
)

type fakeBackend struct {
	name   string
	models []domain.ModelConfig
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Models() []domain.ModelConfig {
	out := make([]domain.ModelConfig, len(b.models))
	copy(out, b.models)
	for i := range out {
		out[i].Backend = b.name
	}
	return out
}

func (b *fakeBackend) Chat(ctx context.Context, req llm.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Content:      "aggregated reply",
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        &domain.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (b *fakeBackend) ChatStream(ctx context.Context, req llm.ChatRequest) (*llm.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s, producer := llm.NewPipe(cancel)
	go func() {
		chunks := []domain.StreamChunk{
			{Content: "hello "},
			{Content: "world"},
			{Done: true, FinishReason: "stop", Usage: &domain.Usage{TotalTokens: 7}},
		}
		for _, chunk := range chunks {
			if !producer.Emit(streamCtx, chunk) {
				producer.Finish(streamCtx.Err())
				return
			}
		}
		producer.Finish(nil)
	}()
	return s, nil
}

type fakeObjectStore struct{}

func (fakeObjectStore) Put(context.Context, string, io.Reader, int64, string) error {
	return nil
}
func (fakeObjectStore) Download(context.Context, string) ([]byte, error) { return nil, nil }
func (fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}
func (fakeObjectStore) Delete(context.Context, string) error { return nil }

var _ storage.ObjectStore = fakeObjectStore{}

func testModels() []domain.ModelConfig {
	return []domain.ModelConfig{
		{ID: "guest-model", DisplayName: "Guest Model", MaxTokens: 4096, SupportsText: true, SupportsStreaming: true},
		{ID: "member-model", DisplayName: "Member Model", MaxTokens: 8192, SupportsText: true, SupportsStreaming: true, SupportsFunctions: true},
	}
}

func newTestApp(t *testing.T, textLimit int) (*app.App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	backend := &fakeBackend{name: "fake", models: testModels()}
	appCore, err := app.New(app.Config{
		File: config.FileConfig{
			GuestModels: []string{"guest-model"},
			Plans: []config.PlanEntry{
				{Tier: "free", Limits: map[string]int{"text": textLimit, "image": 1}},
			},
		},
		Usage:     mem,
		Images:    mem,
		Subs:      mem,
		Objects:   fakeObjectStore{},
		Publisher: usage.NopPublisher{},
		Backends:  []llm.Backend{backend},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return appCore, mem
}

func newTestServer(t *testing.T, appCore *app.App, verifier *usertoken.Verifier, chatLimit int) *httptest.Server {
	t.Helper()
	redis := miniredis.RunT(t)
	srv, err := New(Config{
		App:                    appCore,
		TokenVerifier:          verifier,
		RedisAddr:              redis.Addr(),
		ChatRateLimitPerMinute: chatLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignUserToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "modelgate-auth",
		Audience:  jwt.ClaimStrings{"modelgate-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func postJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestChatStreamEmitsSSEFramesEndingWithDone(t *testing.T) {
	verifier, _ := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 10)
	ts := newTestServer(t, appCore, verifier, 0)

	resp := postJSON(t, ts.URL+"/api/chat", "", map[string]any{
		"model":    "guest-model",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	var content strings.Builder
	var sawTerminal, sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		if sawDone {
			t.Fatalf("frame after [DONE]: %q", data)
		}
		var chunk domain.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		content.WriteString(chunk.Content)
		if chunk.Done {
			if sawTerminal {
				t.Fatalf("second terminal frame")
			}
			sawTerminal = true
			if chunk.Usage == nil || chunk.Usage.TotalTokens != 7 {
				t.Fatalf("terminal frame missing usage: %+v", chunk)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !sawTerminal || !sawDone {
		t.Fatalf("terminal=%v done=%v, want both", sawTerminal, sawDone)
	}
	if got := content.String(); got != "hello world" {
		t.Fatalf("content = %q, want %q", got, "hello world")
	}
}

func TestChatAnonymousBlockedFromNonGuestModels(t *testing.T) {
	verifier, _ := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 10)
	ts := newTestServer(t, appCore, verifier, 0)

	resp := postJSON(t, ts.URL+"/api/chat", "", map[string]any{
		"model":    "member-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous non-guest model expected 401, got %d", resp.StatusCode)
	}
}

func TestChatQuotaDenialReturns429WithRemaining(t *testing.T) {
	verifier, key := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 1)
	ts := newTestServer(t, appCore, verifier, 0)
	token := mustSignUserToken(t, key, "user-1")

	body := map[string]any{
		"model":    "member-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	resp := postJSON(t, ts.URL+"/api/chat", token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first chat expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/chat", token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit chat expected 429, got %d", resp.StatusCode)
	}
	var denial struct {
		Code      string `json:"code"`
		Remaining int    `json:"remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Code != "usage_limit_exceeded" {
		t.Fatalf("code = %q, want usage_limit_exceeded", denial.Code)
	}
	if denial.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", denial.Remaining)
	}
}

func TestModelsEndpointHidesNonGuestModelsFromAnonymous(t *testing.T) {
	verifier, key := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 10)
	appCore.Start(context.Background())
	ts := newTestServer(t, appCore, verifier, 0)

	decode := func(resp *http.Response) []domain.ModelConfig {
		t.Helper()
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out struct {
			Items []domain.ModelConfig `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode models: %v", err)
		}
		return out.Items
	}

	resp, err := http.Get(ts.URL + "/api/models")
	if err != nil {
		t.Fatalf("anonymous models request: %v", err)
	}
	anon := decode(resp)
	if len(anon) != 1 || anon[0].ID != "guest-model" {
		t.Fatalf("anonymous catalog = %+v, want only guest-model", anon)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/models", nil)
	req.Header.Set("Authorization", "Bearer "+mustSignUserToken(t, key, "user-1"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated models request: %v", err)
	}
	authed := decode(resp)
	if len(authed) != 2 {
		t.Fatalf("authenticated catalog = %+v, want both models", authed)
	}
}

func TestUsageEndpointReportsCountersAndLimits(t *testing.T) {
	verifier, key := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 5)
	ts := newTestServer(t, appCore, verifier, 0)
	token := mustSignUserToken(t, key, "user-1")

	resp := postJSON(t, ts.URL+"/api/chat", token, map[string]any{
		"model":    "member-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	usageResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	defer usageResp.Body.Close()
	if usageResp.StatusCode != http.StatusOK {
		t.Fatalf("usage expected 200, got %d", usageResp.StatusCode)
	}
	var out struct {
		Tier   string             `json:"tier"`
		Period domain.UsagePeriod `json:"period"`
		Limits map[string]int     `json:"limits"`
	}
	if err := json.NewDecoder(usageResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if out.Tier != "free" {
		t.Fatalf("tier = %q, want free", out.Tier)
	}
	if out.Period.TextCount != 1 {
		t.Fatalf("text count = %d, want 1", out.Period.TextCount)
	}
	if out.Limits["text"] != 5 {
		t.Fatalf("text limit = %d, want 5", out.Limits["text"])
	}
}

func TestUsageEndpointRequiresAuth(t *testing.T) {
	verifier, _ := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 5)
	ts := newTestServer(t, appCore, verifier, 0)

	resp, err := http.Get(ts.URL + "/api/usage")
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous usage expected 401, got %d", resp.StatusCode)
	}
}

func TestChatRateLimitPerClient(t *testing.T) {
	verifier, _ := newJWKSVerifier(t)
	appCore, _ := newTestApp(t, 100)
	ts := newTestServer(t, appCore, verifier, 2)

	body := map[string]any{
		"model":    "guest-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/chat", "", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp := postJSON(t, ts.URL+"/api/chat", "", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header on rate limited response")
	}
}
