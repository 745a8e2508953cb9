package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfig 测试创建默认配置
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, TransportQUIC, cfg.Transport.Kind)
	assert.Equal(t, StorageBadger, cfg.Storage.Backend)
	assert.Equal(t, time.Second, cfg.Network.BackoffBase.Duration())
	assert.Equal(t, 60*time.Second, cfg.Network.BackoffMax.Duration())
	assert.Equal(t, 0.2, cfg.Network.BackoffJitter)

	mem := NewMemoryConfig()
	assert.NoError(t, mem.Validate())
	assert.Equal(t, TransportMemory, mem.Transport.Kind)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"zero queue", func(c *Config) { c.Network.QueueSize = 0 }},
		{"inverted backoff", func(c *Config) { c.Network.BackoffMax = Duration(time.Millisecond) }},
		{"jitter out of range", func(c *Config) { c.Network.BackoffJitter = 1.5 }},
		{"no workers", func(c *Config) { c.Events.Workers = 0 }},
		{"bad priority", func(c *Config) { c.Events.Priorities = map[string]string{"counter_add": "urgent"} }},
		{"bad priority type", func(c *Config) { c.Events.Priorities = map[string]string{"rename": "high"} }},
		{"negative sync interval", func(c *Config) { c.Events.SyncInterval = Duration(-time.Second) }},
		{"zero digest batch", func(c *Config) { c.Events.DigestBatch = 0 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"no key and no autogen", func(c *Config) { c.Identity.AutoGenerate = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAndFix(t *testing.T) {
	cfg := NewConfig()
	cfg.Network.BackoffBase = Duration(time.Minute)
	cfg.Network.BackoffMax = Duration(time.Second)
	cfg.Events.Workers = 0
	cfg.Metrics.Namespace = ""

	fixed, err := ValidateAndFix(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, fixed.Network.BackoffBase.Duration())
	assert.Equal(t, time.Minute, fixed.Network.BackoffMax.Duration())
	assert.Equal(t, DefaultEventsConfig().Workers, fixed.Events.Workers)
	assert.Equal(t, "dsync", fixed.Metrics.Namespace)

	def, err := ValidateAndFix(nil)
	require.NoError(t, err)
	assert.NotNil(t, def)
}

func TestDuration(t *testing.T) {
	t.Run("JSON string", func(t *testing.T) {
		cfg, err := FromJSON([]byte(`{"network": {"dial_timeout": "3s"}}`))
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.Network.DialTimeout.Duration())
		// 未出现的字段保留默认值
		assert.Equal(t, 256, cfg.Network.QueueSize)
	})

	t.Run("JSON nanoseconds", func(t *testing.T) {
		cfg, err := FromJSON([]byte(`{"network": {"dial_timeout": 1000}}`))
		require.NoError(t, err)
		assert.Equal(t, time.Microsecond, cfg.Network.DialTimeout.Duration())
	})

	t.Run("JSON invalid", func(t *testing.T) {
		_, err := FromJSON([]byte(`{"network": {"dial_timeout": "soon"}}`))
		assert.Error(t, err)
	})

	t.Run("YAML", func(t *testing.T) {
		cfg, err := FromYAML([]byte("network:\n  backoff_base: 500ms\n  max_dial_attempts: 3\n"))
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, cfg.Network.BackoffBase.Duration())
		assert.Equal(t, 3, cfg.Network.MaxDialAttempts)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	cfg := NewConfig()
	cfg.Peers = []string{"127.0.0.1:4243"}
	cfg.Events.Priorities = map[string]string{"counter_add": "medium"}

	for _, name := range []string{"dsync.json", "dsync.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, SaveFile(cfg, path))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Peers, loaded.Peers)
			assert.Equal(t, cfg.Network.BackoffMax, loaded.Network.BackoffMax)
			assert.Equal(t, "medium", loaded.Events.Priorities["counter_add"])
		})
	}

	bad := filepath.Join(dir, "dsync.toml")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o600))
	_, err := LoadFile(bad)
	assert.Error(t, err)
}

func TestIdentityConfig_Passphrase(t *testing.T) {
	cfg := DefaultIdentityConfig()
	cfg.PassphraseEnv = "DSYNC_TEST_PASSPHRASE"

	t.Setenv("DSYNC_TEST_PASSPHRASE", "")
	assert.Nil(t, cfg.Passphrase())

	t.Setenv("DSYNC_TEST_PASSPHRASE", "s3cret")
	assert.Equal(t, []byte("s3cret"), cfg.Passphrase())
}
