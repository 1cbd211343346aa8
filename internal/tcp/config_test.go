package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp", cfg.Name)
	assert.Positive(t, cfg.MaxConnections)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"bad listener addr", func(c *Config) { c.ListenerAddr = "not-an-addr" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }},
		{"negative handshake timeout", func(c *Config) { c.HandshakeTimeout = -1 }},
		{"zero queue depth", func(c *Config) { c.OutboundQueueDepth = 0 }},
		{"zero read buffer", func(c *Config) { c.ReadBufferSize = 0 }},
		{"rate without burst", func(c *Config) { c.AcceptBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = -1
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
