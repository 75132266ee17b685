package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Registry backend selectors.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds every externally supplied setting. All fields default to
// local placeholders so the service starts with an empty environment.
type Config struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RecognizerURL   string        `envconfig:"OCR_WEBHOOK_URL" default:"http://localhost:5678/webhook/ocr"`
	CallbackBaseURL string        `envconfig:"CALLBACK_BASE_URL" default:"http://localhost:8080"`
	UploadDir       string        `envconfig:"UPLOAD_DIR" default:"uploads"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`

	RegistryBackend string        `envconfig:"REGISTRY_BACKEND" default:"memory"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RecordTTL       time.Duration `envconfig:"RECORD_TTL" default:"0"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("OCRRELAY", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.RegistryBackend = strings.ToLower(strings.TrimSpace(cfg.RegistryBackend))
	switch cfg.RegistryBackend {
	case BackendMemory, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}

	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &cfg, nil
}

// CallbackURL is the address the external recognizer should invoke once
// it finishes processing.
func (c *Config) CallbackURL() string {
	return c.CallbackBaseURL + "/api/webhook/ocr-result"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
