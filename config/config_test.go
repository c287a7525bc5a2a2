package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.RateLimit)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Engine.SoloExpiry.Free)
	assert.Equal(t, 480*time.Minute, cfg.Engine.RoomExpiry.Enterprise)
	assert.Equal(t, 2*time.Second, cfg.Engine.CleanupGrace)
	assert.Equal(t, 5*time.Minute, cfg.Engine.SweepInterval)
	assert.Equal(t, "bridge", cfg.Engine.RoomNetwork)
	assert.Equal(t, 100000, cfg.Engine.MaxCodeLength)
	assert.Equal(t, 50*1024, cfg.Interactive.OutputLimit)
	assert.Equal(t, 1000, cfg.Interactive.InputLimit)
	assert.Equal(t, "code-editor-shared:latest", cfg.Terminal.Image)
	assert.Equal(t, "none", cfg.Terminal.Network)
	assert.Equal(t, 2.0, cfg.Terminal.CPUs)
	assert.Equal(t, "leviathan.events", cfg.Nats.EventPrefix)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("ENGINE_SWEEP_INTERVAL", "1m")
	t.Setenv("ENGINE_SOLO_EXPIRY_PRO", "90m")
	t.Setenv("TERMINAL_NETWORK", "bridge")
	t.Setenv("NATSURL", "nats://broker:4222")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.Equal(t, 90*time.Minute, cfg.Engine.SoloExpiry.Pro)
	assert.Equal(t, "bridge", cfg.Terminal.Network)
	assert.Equal(t, "nats://broker:4222", cfg.Nats.URL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := inTempDir(t)
	yaml := []byte("server:\n  port: \"9090\"\ndatabase:\n  driver: postgres\n  dsn: host=db user=x\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leviathan.yaml"), yaml, 0o644))

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=x", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	inTempDir(t)
	base, err := load(viper.New())
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "unsupported database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }, "database.dsn"},
		{"zero max users", func(c *Config) { c.Engine.DefaultMaxUsers = 0 }, "default_max_users"},
		{"zero sweep", func(c *Config) { c.Engine.SweepInterval = 0 }, "engine.sweep_interval"},
		{"zero output limit", func(c *Config) { c.Terminal.OutputLimit = 0 }, "output limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	require.NoError(t, base.validate())
}
