package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"modelgate/internal/usertoken"
	"modelgate/internal/util"
	"modelgate/services/gateway/internal/app"
	"modelgate/services/gateway/internal/config"
	"modelgate/services/gateway/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	appCore, err := app.New(app.Config{File: cfg})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	appCore.Start(context.Background())

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		TokenVerifier:           verifier,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		ChatRateLimitPerMinute:  cfg.ChatRateLimitPerMinute,
		ImageRateLimitPerMinute: cfg.ImageRateLimitPerMinute,
		TrustedProxyCIDRs:       cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     util.WithRequestLog("gateway", httpServer.Router()),
		ReadTimeout: 15 * time.Second,
		// No write timeout: chat streams stay open for the life of the
		// completion.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
