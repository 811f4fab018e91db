package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// BackendConfig holds connection settings for one inference backend. A
// backend with no entry is not deployed.
type BackendConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
}

// ModelEntry declares one served model in the static catalog.
type ModelEntry struct {
	ID                string `yaml:"id"`
	DisplayName       string `yaml:"displayName"`
	Backend           string `yaml:"backend"`
	MaxTokens         int    `yaml:"maxTokens"`
	SupportsText      bool   `yaml:"supportsText"`
	SupportsStreaming bool   `yaml:"supportsStreaming"`
	SupportsFunctions bool   `yaml:"supportsFunctions"`
	SupportsImageIn   bool   `yaml:"supportsImageInput"`
	SupportsVideoIn   bool   `yaml:"supportsVideoInput"`
	SupportsImageGen  bool   `yaml:"supportsImageGeneration"`
	SupportsVideoGen  bool   `yaml:"supportsVideoGeneration"`
}

// PlanEntry declares quota caps for one billing tier. A missing kind or -1
// means unlimited.
type PlanEntry struct {
	Tier   string         `yaml:"tier"`
	Limits map[string]int `yaml:"limits"`
}

// MinioConfig holds object-storage connection settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`
	UsageExchange string `yaml:"usageExchange"`

	Minio MinioConfig `yaml:"minio"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	TrustedProxyCIDRs       []string `yaml:"trustedProxyCidrs"`
	ChatRateLimitPerMinute  int      `yaml:"chatRateLimitPerMinute"`
	ImageRateLimitPerMinute int      `yaml:"imageRateLimitPerMinute"`
	EnrichmentTimeout       string   `yaml:"enrichmentTimeout"`
	GraceDays               int      `yaml:"graceDays"`

	Backends    map[string]BackendConfig `yaml:"backends"`
	Models      []ModelEntry             `yaml:"models"`
	Aliases     map[string]string        `yaml:"aliases"`
	GuestModels []string                 `yaml:"guestModels"`
	DemoModels  []string                 `yaml:"demoModels"`
	Plans       []PlanEntry              `yaml:"plans"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	if v := os.Getenv("MODELGATE_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MODELGATE_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv("MODELGATE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MODELGATE_CHAT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MODELGATE_IMAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ImageRateLimitPerMinute = n
		}
	}
	// Per-backend API keys: MODELGATE_OPENROUTER_API_KEY etc.
	for name, backend := range cfg.Backends {
		envName := "MODELGATE_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envName); v != "" {
			backend.APIKey = strings.TrimSpace(v)
			cfg.Backends[name] = backend
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or MODELGATE_AUTH_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if len(cfg.Backends) == 0 {
		return errors.New("config: at least one backend is required")
	}
	if len(cfg.Models) == 0 {
		return errors.New("config: at least one model is required")
	}
	for _, model := range cfg.Models {
		if strings.TrimSpace(model.ID) == "" {
			return errors.New("config: model id is required")
		}
		if _, ok := cfg.Backends[model.Backend]; !ok {
			return fmt.Errorf("config: model %q references unknown backend %q", model.ID, model.Backend)
		}
	}
	for alias, target := range cfg.Aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			return errors.New("config: aliases must map non-empty names")
		}
	}
	for _, plan := range cfg.Plans {
		switch plan.Tier {
		case "free", "plus", "pro":
		default:
			return fmt.Errorf("config: unknown plan tier %q", plan.Tier)
		}
		for kind := range plan.Limits {
			switch kind {
			case "text", "image", "video":
			default:
				return fmt.Errorf("config: plan %q has unknown usage kind %q", plan.Tier, kind)
			}
		}
	}
	if cfg.ChatRateLimitPerMinute < 0 || cfg.ImageRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.GraceDays < 0 {
		return errors.New("config: graceDays must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseEnrichmentTimeout parses the catalog enrichment bound, defaulting to
// ten seconds.
func ParseEnrichmentTimeout(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 10 * time.Second, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid enrichmentTimeout duration: %w", err)
	}
	return dur, nil
}
