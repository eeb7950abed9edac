package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Loop.Interval)
	assert.Equal(t, float64(300), cfg.Staleness.AmberSeconds)
	assert.Equal(t, float64(900), cfg.Staleness.RedSeconds)
	assert.Equal(t, 90, cfg.Detect.CalendarWindowDays)
	assert.Equal(t, "USD", cfg.Rules.BaseCurrency)
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posdesk.yaml")
	text := `
http:
  addr: ":9090"
loop:
  interval: 1s
staleness:
  amber_seconds: 120
catalog:
  postgres_dsn: "postgres://localhost/posdesk?sslmode=disable"
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Loop.Interval)
	assert.Equal(t, float64(120), cfg.Staleness.AmberSeconds)
	// Untouched keys keep their defaults.
	assert.Equal(t, float64(900), cfg.Staleness.RedSeconds)
	assert.Equal(t, 8, cfg.HTTP.SubscriberBuffer)
	assert.Equal(t, "postgres://localhost/posdesk?sslmode=disable", cfg.Catalog.PostgresDSN)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"zero buffer", func(c *Config) { c.HTTP.SubscriberBuffer = 0 }},
		{"zero interval", func(c *Config) { c.Loop.Interval = 0 }},
		{"inverted staleness", func(c *Config) { c.Staleness.RedSeconds = 100 }},
		{"no catalog backend", func(c *Config) { c.Catalog = CatalogConfig{} }},
		{"empty base currency", func(c *Config) { c.Rules.BaseCurrency = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
