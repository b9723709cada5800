package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "resources.db", cfg.StorePath)
	assert.Equal(t, 1024, cfg.StoreCacheSize)
	assert.Equal(t, []string{"text"}, cfg.SearchFieldList())
	assert.Equal(t, 200, cfg.PageSize)
	assert.Equal(t, "sync", cfg.EventBusMode)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.Equal(t, AuthAPIKey, cfg.MgmtAuthMode)
	assert.Equal(t, 100, cfg.MgmtRateLimitRPS)
	assert.Equal(t, 200, cfg.MgmtRateLimitBurst)
	assert.False(t, cfg.Development())
}

func TestLoad_Overrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SEARCH_FIELDS", "text, title ,")
	t.Setenv("PAGE_SIZE", "25")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, []string{"text", "title"}, cfg.SearchFieldList())
	assert.Equal(t, 25, cfg.PageSize)
	assert.True(t, cfg.Development())
}

func TestLoad_BadInt(t *testing.T) {
	os.Clearenv()
	t.Setenv("PAGE_SIZE", "many")
	_, err := Load()
	assert.Error(t, err)
}

func valid() *Config {
	return &Config{
		LogLevel:      "info",
		StoreBackend:  BackendMemory,
		PageSize:      200,
		EventBusMode:  "sync",
		EventBusQueue: 16,
		MgmtAuthMode:  AuthNone,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"bad backend", func(c *Config) { c.StoreBackend = "postgres" }, true},
		{"sqlite needs path", func(c *Config) { c.StoreBackend = BackendSQLite }, true},
		{"sqlite with path", func(c *Config) { c.StoreBackend = BackendSQLite; c.StorePath = "x.db" }, false},
		{"bad bus mode", func(c *Config) { c.EventBusMode = "parallel" }, true},
		{"zero page size", func(c *Config) { c.PageSize = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad auth mode", func(c *Config) { c.MgmtAuthMode = "basic" }, true},
		{"jwt needs secret", func(c *Config) { c.MgmtAuthMode = AuthJWT }, true},
		{"jwt with secret", func(c *Config) { c.MgmtAuthMode = AuthJWT; c.MgmtJWTSecret = "s" }, false},
		{"api-key needs keys", func(c *Config) { c.MgmtAuthMode = AuthAPIKey }, true},
		{"api-key with keys", func(c *Config) { c.MgmtAuthMode = AuthAPIKey; c.MgmtAPIKeys = "k1:owner" }, false},
		{"api-key bad role", func(c *Config) { c.MgmtAuthMode = AuthAPIKey; c.MgmtAPIKeys = "k1:root" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAPIKeys(t *testing.T) {
	c := &Config{MgmtAPIKeys: "a:owner, b:reader,c:editor"}
	keys, err := c.APIKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string]models.Role{
		"a": models.RoleOwner,
		"b": models.RoleReader,
		"c": models.RoleEditor,
	}, keys)

	c.MgmtAPIKeys = "nocolon"
	_, err = c.APIKeys()
	assert.Error(t, err)
}
