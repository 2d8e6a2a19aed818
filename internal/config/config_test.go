package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AGENT_API_URL", "http://agents.internal:4111")
	t.Setenv("FRONTEND_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://agents.internal:4111", cfg.Agent.BaseURL)
	assert.Equal(t, "/chat/{agentId}", cfg.Agent.StreamPath)
	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.InDelta(t, 0.7, cfg.Agent.Temperature, 1e-9)
	assert.Equal(t, 7*24*time.Hour, cfg.IdentityTTL)
	assert.Equal(t, "Error contacting server.", cfg.ErrorPlaceholder)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("AGENT_API_URL", "https://agents.example.com")
	t.Setenv("AGENT_MAX_STEPS", "not-a-number")
	t.Setenv("AGENT_TEMPERATURE", "0.2")
	t.Setenv("IDENTITY_TTL", "24h")
	t.Setenv("CLIENT_IDLE_TTL", "5m")
	t.Setenv("RATE_LIMIT_REQUESTS", "3")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("FRONTEND_URL", "https://chat.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.InDelta(t, 0.2, cfg.Agent.Temperature, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.IdentityTTL)
	assert.Equal(t, 5*time.Minute, cfg.ClientIdleTTL)
	assert.Equal(t, 3, cfg.RateLimit.Requests)
	assert.False(t, cfg.ConversationLog.Enabled)
	assert.False(t, cfg.IsDevelopment())
}

func TestValidate(t *testing.T) {
	t.Setenv("AGENT_API_URL", "http://localhost:4111")
	base, err := Load()
	require.NoError(t, err)

	tests := map[string]func(c *Config){
		"empty port":        func(c *Config) { c.Port = "" },
		"bad agent url":     func(c *Config) { c.Agent.BaseURL = "localhost:4111" },
		"stream path":       func(c *Config) { c.Agent.StreamPath = "/chat" },
		"zero steps":        func(c *Config) { c.Agent.MaxSteps = 0 },
		"temperature":       func(c *Config) { c.Agent.Temperature = 3 },
		"identity ttl":      func(c *Config) { c.IdentityTTL = 0 },
		"rate limit":        func(c *Config) { c.RateLimit.Requests = 0 },
		"conversation dir":  func(c *Config) { c.ConversationLog.Dir = "" },
		"conversation size": func(c *Config) { c.ConversationLog.QueueSize = 0 },
	}
	for name, mutate := range tests {
		cfg := *base
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	assert.NoError(t, base.Validate())
}
