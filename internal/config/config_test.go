package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "mirage", cfg.Logger.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Sync.InventoryInterval)
	assert.Equal(t, time.Minute, cfg.Sync.DedupWindow)
	assert.Equal(t, 1, cfg.Sync.NodeConcurrency)
	assert.Equal(t, []string{"fake-"}, cfg.Nodes.Prefixes)
	assert.Equal(t, []string{"gateway-vm"}, cfg.Nodes.Exact)
	assert.Equal(t, "Vagrantfile", cfg.Nodes.MarkerFile)
	assert.Equal(t, "mirage.events", cfg.NATS.SubjectPrefix)
	assert.Empty(t, cfg.NATS.URL, "NATS bridge should be off by default")

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"missing nodes dir", func(c *Config) { c.Nodes.Dir = "" }},
		{"zero sync interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero inventory interval", func(c *Config) { c.Sync.InventoryInterval = 0 }},
		{"zero node concurrency", func(c *Config) { c.Sync.NodeConcurrency = 0 }},
		{"negative dedup window", func(c *Config) { c.Sync.DedupWindow = -time.Second }},
		{"zero bus buffer", func(c *Config) { c.Bus.BufferSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewConfigFromViperOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("sync.interval", "3s")
	v.Set("nodes.dir", "/var/lib/mirage/nodes")
	v.Set("nats.url", "nats://localhost:4222")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "/var/lib/mirage/nodes", cfg.Nodes.Dir)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestNewConfigFromViperInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("sync.node_concurrency", 0)

	_, err := NewConfigFromViper(v)
	assert.Error(t, err)
}
