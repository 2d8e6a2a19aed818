// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	AgentsFile       string
	IdentityTTL      time.Duration
	ClientIdleTTL    time.Duration
	ErrorPlaceholder string
	GRPCHealthPort   string
	Agent            AgentConfig
	RateLimit        RateLimitConfig
	ConversationLog  ConversationLogConfig
}

// AgentConfig describes the remote agent service.
type AgentConfig struct {
	BaseURL        string
	StreamPath     string
	MaxSteps       int
	Temperature    float64
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

// RateLimitConfig bounds chat requests per device.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/agentchat.db"),
		AgentsFile:       getEnv("AGENTS_FILE", ""),
		IdentityTTL:      getEnvDuration("IDENTITY_TTL", 7*24*time.Hour),
		ClientIdleTTL:    getEnvDuration("CLIENT_IDLE_TTL", 30*time.Minute),
		ErrorPlaceholder: getEnv("ERROR_PLACEHOLDER", "Error contacting server."),
		GRPCHealthPort:   getEnv("GRPC_HEALTH_PORT", ""),
		Agent: AgentConfig{
			BaseURL:        getEnv("AGENT_API_URL", "http://localhost:4111"),
			StreamPath:     getEnv("AGENT_STREAM_PATH", "/chat/{agentId}"),
			MaxSteps:       getEnvInt("AGENT_MAX_STEPS", 5),
			Temperature:    getEnvFloat("AGENT_TEMPERATURE", 0.7),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 60*time.Second),
			StreamTimeout:  getEnvDuration("AGENT_STREAM_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := ValidateAgentURL(c.Agent.BaseURL); err != nil {
		return err
	}
	if !strings.Contains(c.Agent.StreamPath, "{agentId}") {
		return fmt.Errorf("AGENT_STREAM_PATH must contain {agentId}")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("AGENT_MAX_STEPS must be > 0")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("AGENT_TEMPERATURE must be between 0 and 2")
	}
	if c.Agent.RequestTimeout <= 0 || c.Agent.StreamTimeout <= 0 {
		return fmt.Errorf("agent timeouts must be > 0")
	}
	if c.IdentityTTL <= 0 {
		return fmt.Errorf("IDENTITY_TTL must be > 0")
	}
	if c.ClientIdleTTL <= 0 {
		return fmt.Errorf("CLIENT_IDLE_TTL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// ValidateAgentURL checks that raw is an absolute http(s) URL.
func ValidateAgentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("AGENT_API_URL must be an http(s) URL, got %q", raw)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
