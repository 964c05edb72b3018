package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-sessions-go/eventlog/redislog"
)

// Event log backends selectable with MCP_EVENTLOG_BACKEND.
const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

// Config is the effective server configuration. Values are layered as
// defaults, then the optional TOML file, then the environment.
type Config struct {
	Host string
	Port int
	// PublicURL is the externally visible URL of the MCP endpoint. Its path
	// is the endpoint path; it is also the default token audience.
	PublicURL string

	Stateless           bool
	IdleTimeout         time.Duration
	ShutdownTimeout     time.Duration
	SessionCloseTimeout time.Duration

	EventLogBackend  string
	EventLogCapacity int
	Redis            redislog.Config

	OAuthIssuer         string
	OAuthJWKSURL        string
	OAuthAudience       string
	OAuthRequiredScopes []string

	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                3000,
		ShutdownTimeout:     5 * time.Second,
		SessionCloseTimeout: time.Second,
		EventLogBackend:     backendMemory,
		Redis: redislog.Config{
			RedisAddr: "localhost:6379",
			KeyPrefix: "mcp:eventlog:",
		},
		LogLevel: "info",
	}
}

// EndpointPath is the path component of PublicURL, defaulting to /mcp.
func (c Config) EndpointPath() string {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/mcp"
	}
	return u.Path
}

// Audience is the expected token audience.
func (c Config) Audience() string {
	if c.OAuthAudience != "" {
		return c.OAuthAudience
	}
	return c.PublicURL
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.PublicURL == "" {
		return errors.New("MCP_HTTP_URL is required")
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("MCP_HTTP_URL must be an absolute URL: %q", c.PublicURL)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.EventLogBackend {
	case backendMemory, backendRedis:
	default:
		return fmt.Errorf("unknown event log backend %q", c.EventLogBackend)
	}
	if c.OAuthJWKSURL != "" && c.OAuthIssuer == "" {
		return errors.New("OAUTH_JWKS_URL requires OAUTH_ISSUER_URL")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// fileConfig mirrors Config in the TOML file. Durations are strings.
type fileConfig struct {
	Host                string   `toml:"host"`
	Port                int      `toml:"port"`
	PublicURL           string   `toml:"public_url"`
	Stateless           bool     `toml:"stateless"`
	IdleTimeout         string   `toml:"idle_timeout"`
	ShutdownTimeout     string   `toml:"shutdown_timeout"`
	SessionCloseTimeout string   `toml:"session_close_timeout"`
	EventLogBackend     string   `toml:"eventlog_backend"`
	EventLogCapacity    int      `toml:"eventlog_capacity"`
	RedisAddr           string   `toml:"redis_addr"`
	RedisKeyPrefix      string   `toml:"redis_key_prefix"`
	RedisMaxLen         int64    `toml:"redis_maxlen"`
	OAuthIssuer         string   `toml:"oauth_issuer_url"`
	OAuthJWKSURL        string   `toml:"oauth_jwks_url"`
	OAuthAudience       string   `toml:"oauth_audience"`
	OAuthRequiredScopes []string `toml:"oauth_required_scopes"`
	LogLevel            string   `toml:"log_level"`
	LogFormat           string   `toml:"log_format"`
}

// envConfig carries no defaults so that unset variables never clobber the
// file layer.
type envConfig struct {
	Host                string        `env:"MCP_HTTP_HOST"`
	Port                int           `env:"MCP_HTTP_PORT"`
	PublicURL           string        `env:"MCP_HTTP_URL"`
	Stateless           bool          `env:"MCP_STATELESS"`
	IdleTimeout         time.Duration `env:"MCP_IDLE_TIMEOUT"`
	ShutdownTimeout     time.Duration `env:"MCP_SHUTDOWN_TIMEOUT"`
	SessionCloseTimeout time.Duration `env:"MCP_SESSION_CLOSE_TIMEOUT"`
	EventLogBackend     string        `env:"MCP_EVENTLOG_BACKEND"`
	EventLogCapacity    int           `env:"MCP_EVENTLOG_CAPACITY"`
	RedisAddr           string        `env:"REDIS_ADDR"`
	RedisKeyPrefix      string        `env:"EVENTLOG_KEY_PREFIX"`
	RedisMaxLen         int64         `env:"EVENTLOG_MAXLEN"`
	OAuthIssuer         string        `env:"OAUTH_ISSUER_URL"`
	OAuthJWKSURL        string        `env:"OAUTH_JWKS_URL"`
	OAuthAudience       string        `env:"OAUTH_AUDIENCE"`
	OAuthRequiredScopes []string      `env:"OAUTH_REQUIRED_SCOPES"`
	LogLevel            string        `env:"LOG_LEVEL"`
	LogFormat           string        `env:"LOG_FORMAT"`
}

// loadConfig layers defaults, the file at path (when non-empty) and the
// environment, then validates the result.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config file: unknown keys %v", undecoded)
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("public_url") {
		c.PublicURL = strings.TrimSpace(raw.PublicURL)
	}
	if meta.IsDefined("stateless") {
		c.Stateless = raw.Stateless
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &c.IdleTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
		{"session_close_timeout", raw.SessionCloseTimeout, &c.SessionCloseTimeout},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("eventlog_backend") {
		c.EventLogBackend = strings.TrimSpace(raw.EventLogBackend)
	}
	if meta.IsDefined("eventlog_capacity") {
		c.EventLogCapacity = raw.EventLogCapacity
	}
	if meta.IsDefined("redis_addr") {
		c.Redis.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_key_prefix") {
		c.Redis.KeyPrefix = raw.RedisKeyPrefix
	}
	if meta.IsDefined("redis_maxlen") {
		c.Redis.MaxLen = raw.RedisMaxLen
	}
	if meta.IsDefined("oauth_issuer_url") {
		c.OAuthIssuer = strings.TrimSpace(raw.OAuthIssuer)
	}
	if meta.IsDefined("oauth_jwks_url") {
		c.OAuthJWKSURL = strings.TrimSpace(raw.OAuthJWKSURL)
	}
	if meta.IsDefined("oauth_audience") {
		c.OAuthAudience = strings.TrimSpace(raw.OAuthAudience)
	}
	if meta.IsDefined("oauth_required_scopes") {
		c.OAuthRequiredScopes = raw.OAuthRequiredScopes
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var e envConfig
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	set := func(name string) bool {
		_, ok := os.LookupEnv(name)
		return ok
	}

	if set("MCP_HTTP_HOST") {
		c.Host = e.Host
	}
	if set("MCP_HTTP_PORT") {
		c.Port = e.Port
	}
	if set("MCP_HTTP_URL") {
		c.PublicURL = e.PublicURL
	}
	if set("MCP_STATELESS") {
		c.Stateless = e.Stateless
	}
	if set("MCP_IDLE_TIMEOUT") {
		c.IdleTimeout = e.IdleTimeout
	}
	if set("MCP_SHUTDOWN_TIMEOUT") {
		c.ShutdownTimeout = e.ShutdownTimeout
	}
	if set("MCP_SESSION_CLOSE_TIMEOUT") {
		c.SessionCloseTimeout = e.SessionCloseTimeout
	}
	if set("MCP_EVENTLOG_BACKEND") {
		c.EventLogBackend = e.EventLogBackend
	}
	if set("MCP_EVENTLOG_CAPACITY") {
		c.EventLogCapacity = e.EventLogCapacity
	}
	if set("REDIS_ADDR") {
		c.Redis.RedisAddr = e.RedisAddr
	}
	if set("EVENTLOG_KEY_PREFIX") {
		c.Redis.KeyPrefix = e.RedisKeyPrefix
	}
	if set("EVENTLOG_MAXLEN") {
		c.Redis.MaxLen = e.RedisMaxLen
	}
	if set("OAUTH_ISSUER_URL") {
		c.OAuthIssuer = e.OAuthIssuer
	}
	if set("OAUTH_JWKS_URL") {
		c.OAuthJWKSURL = e.OAuthJWKSURL
	}
	if set("OAUTH_AUDIENCE") {
		c.OAuthAudience = e.OAuthAudience
	}
	if set("OAUTH_REQUIRED_SCOPES") {
		c.OAuthRequiredScopes = e.OAuthRequiredScopes
	}
	if set("LOG_LEVEL") {
		c.LogLevel = e.LogLevel
	}
	if set("LOG_FORMAT") {
		c.LogFormat = e.LogFormat
	}
	return nil
}
