package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Auth modes for the management API.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`

	// Storage
	StoreBackend   string `envconfig:"STORE_BACKEND" default:"sqlite" validate:"oneof=sqlite memory"`
	StorePath      string `envconfig:"STORE_PATH" default:"resources.db" validate:"required_if=StoreBackend sqlite"`
	StoreCacheSize int    `envconfig:"STORE_CACHE_SIZE" default:"1024" validate:"gte=0"`

	// Types and search
	TypesFile    string `envconfig:"TYPES_FILE"`
	SearchFields string `envconfig:"SEARCH_FIELDS" default:"text"`
	PageSize     int    `envconfig:"PAGE_SIZE" default:"200" validate:"gte=1,lte=10000"`

	// Event bus
	EventBusMode  string `envconfig:"EVENT_BUS_MODE" default:"sync" validate:"oneof=sync async"`
	EventBusQueue int    `envconfig:"EVENT_BUS_QUEUE" default:"1024" validate:"gte=1"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key" validate:"oneof=none api-key jwt"`
	MgmtAPIKeys        string `envconfig:"MGMT_API_KEYS"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET" validate:"required_if=MgmtAuthMode jwt"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100" validate:"gte=0"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200" validate:"gte=0"`

	// Health
	HealthWorkspace string `envconfig:"HEALTH_WORKSPACE"`
}

var validate = validator.New()

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MgmtAuthMode == AuthAPIKey {
		keys, err := c.APIKeys()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return fmt.Errorf("invalid config: MGMT_API_KEYS is required when MGMT_AUTH_MODE=api-key")
		}
	}
	return nil
}

// Development reports whether ENVIRONMENT=development.
func (c *Config) Development() bool {
	return strings.EqualFold(c.Environment, "development")
}

// SearchFieldList returns the parsed list of searchable payload fields.
func (c *Config) SearchFieldList() []string {
	return splitList(c.SearchFields)
}

// CORSOriginList returns the allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitList(c.MgmtCORSOrigins)
}

// APIKeys parses MGMT_API_KEYS ("key:role,key:role") into a key to role map.
func (c *Config) APIKeys() (map[string]models.Role, error) {
	keys := make(map[string]models.Role)
	for _, part := range splitList(c.MgmtAPIKeys) {
		key, role, ok := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid api key entry %q, expected key:role", part)
		}
		r := models.Role(strings.TrimSpace(role))
		if !r.Valid() {
			return nil, fmt.Errorf("invalid role %q for api key", role)
		}
		keys[key] = r
	}
	return keys, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
