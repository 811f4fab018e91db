package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"modelgate/internal/ratelimit"
	"modelgate/internal/usertoken"
	"modelgate/internal/util"
	"modelgate/pkg/domain"
	"modelgate/pkg/gateway"
	"modelgate/pkg/llm"
	"modelgate/pkg/usage"
	"modelgate/services/gateway/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	TokenVerifier           *usertoken.Verifier
	RedisAddr               string
	RedisPassword           string
	ChatRateLimitPerMinute  int
	ImageRateLimitPerMinute int
	TrustedProxyCIDRs       []string
	ModelsReadyTimeout      time.Duration
}

// Server exposes HTTP endpoints for the model gateway.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	mux            *http.ServeMux
	chatLimiter    *ratelimit.FixedWindowLimiter
	imageLimiter   *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	readyTimeout   time.Duration
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 60
	}
	imageLimit := cfg.ImageRateLimitPerMinute
	if imageLimit <= 0 {
		imageLimit = 10
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "modelgate:gateway:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	imageLimiter, err := newLimiter("image", imageLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	readyTimeout := cfg.ModelsReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Second
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		chatLimiter:    chatLimiter,
		imageLimiter:   imageLimiter,
		trustedProxies: trusted,
		readyTimeout:   readyTimeout,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithSecurityHeaders(util.WithCORS(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/images/generate", s.handleGenerateImage)
	s.mux.Handle("/api/usage", s.authenticated(s.handleUsage))
	s.mux.Handle("/api/images", s.authenticated(s.handleListImages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers

type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authorize(r)
		if !ok {
			s.audit(r, "gateway.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) authorize(r *http.Request) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	if s.tokenVerifier == nil {
		return "", false
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		s.audit(r, "gateway.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return "", false
	}
	return userID, true
}

// optionalUserID resolves the caller identity when a bearer token is present.
// Anonymous callers are allowed through with an empty ID; model access rules
// decide what they may reach.
func (s *Server) optionalUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
		return "", true
	}
	userID, ok := s.authorize(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// GET /api/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := s.optionalUserID(w, r)
	if !ok {
		return
	}
	// Bounded wait: serve the static catalog if enrichment is still running.
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()
	s.app.Registry.WaitReady(ctx)

	models := s.app.Registry.ListModels()
	if userID == "" {
		visible := models[:0]
		for _, m := range models {
			if m.GuestAllowed {
				visible = append(visible, m)
			}
		}
		models = visible
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": models,
		"count": len(models),
	})
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"maxTokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	Tools       []string             `json:"tools,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	ChatID      string               `json:"chatId,omitempty"`
}

// POST /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "too many chat requests") {
		s.audit(r, "gateway.chat", "rate_limited")
		return
	}
	userID, ok := s.optionalUserID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if !s.allowModelAccess(w, r, req.Model, userID) {
		return
	}

	in := gateway.ChatInput{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
		UserID:      userID,
		ChatID:      req.ChatID,
	}
	if req.Stream {
		s.streamChat(w, r, in)
		return
	}
	resp, err := s.app.Gateway.Chat(r.Context(), in)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat serves a chat completion as server-sent events. Each chunk is
// one data frame; the stream always ends with a [DONE] frame. Errors after
// the first frame are reported as an error frame since the status line is
// already written.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, in gateway.ChatInput) {
	stream, err := s.app.Gateway.ChatStream(r.Context(), in)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv(r.Context())
		if err == io.EOF {
			break
		}
		if err != nil {
			writeSSE(w, map[string]string{"error": err.Error()})
			flusher.Flush()
			break
		}
		writeSSE(w, chunk)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type generateImageRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// POST /api/images/generate
func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.imageLimiter, "too many image generation requests") {
		s.audit(r, "gateway.image.generate", "rate_limited")
		return
	}
	userID, ok := s.optionalUserID(w, r)
	if !ok {
		return
	}
	var req generateImageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if !s.allowModelAccess(w, r, req.Model, userID) {
		return
	}
	result, err := s.app.Gateway.GenerateImage(r.Context(), gateway.ImageInput{
		Model:          req.Model,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		Seed:           req.Seed,
		UserID:         userID,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"image": result.Image,
		"url":   result.URL,
	})
}

// GET /api/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	period, plan, err := s.app.Meter.CurrentUsage(userID)
	if err != nil {
		slog.Error("current usage lookup", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	limits := make(map[string]int, len(plan.Limits))
	for kind, limit := range plan.Limits {
		limits[string(kind)] = limit
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":   plan.Tier,
		"period": period,
		"limits": limits,
	})
}

// GET /api/images
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	images, err := s.app.Gateway.ListImages(userID, 100)
	if err != nil {
		slog.Error("list images", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "images unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": images,
		"count": len(images),
	})
}

// allowModelAccess enforces guest restrictions: anonymous callers may only
// reach guest-allowed models.
func (s *Server) allowModelAccess(w http.ResponseWriter, r *http.Request, modelID, userID string) bool {
	if userID != "" {
		return true
	}
	_, config, err := s.app.Registry.Resolve(modelID)
	if err != nil {
		writeGatewayError(w, err)
		return false
	}
	if !config.GuestAllowed {
		s.audit(r, "gateway.model.access", "fail", "model", config.ID, "reason", "guest_not_allowed")
		writeError(w, http.StatusUnauthorized, "authentication required for this model")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// writeGatewayError maps domain errors onto HTTP statuses. Quota denials
// carry a machine-readable code and the remaining allowance.
func writeGatewayError(w http.ResponseWriter, err error) {
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", "3600")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     limitErr.Error(),
			"code":      "usage_limit_exceeded",
			"kind":      limitErr.Kind,
			"remaining": limitErr.Remaining,
		})
		return
	}
	switch {
	case errors.Is(err, gateway.ErrModelNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrChatNotSupported),
		errors.Is(err, gateway.ErrImageGenNotSupported),
		errors.Is(err, llm.ErrMalformedToolCall),
		errors.Is(err, llm.ErrMissingToolCallID):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("gateway request failed", "error", err)
		writeError(w, http.StatusBadGateway, "model backend unavailable")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}
