package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
port: "8080"
authJwksURL: "http://auth.internal/jwks"
redisAddr: "localhost:6379"
backends:
  openrouter:
    baseURL: "https://openrouter.ai/api/v1"
    apiKey: "from-file"
  ollama:
    baseURL: "http://localhost:11434"
models:
  - id: gpt-4o-mini
    backend: openrouter
    maxTokens: 16384
    supportsText: true
    supportsStreaming: true
    supportsFunctions: true
  - id: llama3
    backend: ollama
    supportsText: true
    supportsStreaming: true
aliases:
  default: gpt-4o-mini
guestModels: [llama3]
plans:
  - tier: free
    limits: {text: 20, image: 3}
  - tier: pro
    limits: {text: -1}
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MODELGATE_OPENROUTER_API_KEY", "from-env")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backends["openrouter"].APIKey != "from-env" {
		t.Fatalf("openrouter apiKey = %q, want env override", cfg.Backends["openrouter"].APIKey)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("redisAddr = %q, want env override", cfg.RedisAddr)
	}
	if cfg.Aliases["default"] != "gpt-4o-mini" {
		t.Fatalf("alias default = %q", cfg.Aliases["default"])
	}
	if len(cfg.Models) != 2 || !cfg.Models[0].SupportsFunctions {
		t.Fatalf("models parsed wrong: %+v", cfg.Models)
	}
}

func TestLoadRejectsModelWithUnknownBackend(t *testing.T) {
	bad := strings.Replace(sampleConfig, "backend: ollama", "backend: nowhere", 1)
	_, err := Load(writeConfig(t, bad))
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestLoadRejectsUnknownPlanTier(t *testing.T) {
	bad := strings.Replace(sampleConfig, "tier: pro", "tier: platinum", 1)
	_, err := Load(writeConfig(t, bad))
	if err == nil || !strings.Contains(err.Error(), "unknown plan tier") {
		t.Fatalf("expected unknown plan tier error, got %v", err)
	}
}
