package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration.
type Config struct {
	Port          string        `yaml:"port"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	RateLimitRPS  int           `yaml:"rate_limit_rps"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Agent    AgentConfig    `yaml:"agent"`
	Signing  SigningConfig  `yaml:"signing"`

	DatabaseURL    string `yaml:"database_url"`
	CredentialsKey string `yaml:"-"`
	Cookies        string `yaml:"-"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// UpstreamConfig controls calls to the content platform.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retries        int           `yaml:"retries"`
	UserAgent      string        `yaml:"user_agent"`
	Origin         string        `yaml:"origin"`
	Referer        string        `yaml:"referer"`
}

// AgentConfig controls the signing engine process.
type AgentConfig struct {
	Path           string        `yaml:"path"`
	Args           []string      `yaml:"args"`
	Protocol       string        `yaml:"protocol"` // "stdio" | "http"
	HTTPAddr       string        `yaml:"http_addr"`
	MinVersion     string        `yaml:"min_version"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ProbeFailures  int           `yaml:"probe_failures"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	RestartBase    time.Duration `yaml:"restart_base"`
	RestartMax     time.Duration `yaml:"restart_max"`
}

// SigningConfig controls the signature service and its fallback cache.
type SigningConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	FallbackTTL   time.Duration `yaml:"fallback_ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"-"`
	RedisDB       int           `yaml:"redis_db"`
	VolatileKeys  []string      `yaml:"volatile_keys"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:          "3005",
		LogLevel:      "INFO",
		LogFormat:     "text",
		ShutdownGrace: 10 * time.Second,
		RateLimitRPS:  20,
		Upstream: UpstreamConfig{
			BaseURL:        "https://edith.xiaohongshu.com",
			RequestTimeout: 15 * time.Second,
			Retries:        3,
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			Origin:         "https://www.xiaohongshu.com",
			Referer:        "https://www.xiaohongshu.com/",
		},
		Agent: AgentConfig{
			Path:           "",
			Protocol:       "stdio",
			HTTPAddr:       "127.0.0.1:8765",
			ProbeTimeout:   10 * time.Second,
			HealthInterval: 15 * time.Second,
			ProbeFailures:  2,
			StopGrace:      5 * time.Second,
			MaxRestarts:    5,
			RestartWindow:  5 * time.Minute,
			RestartBase:    500 * time.Millisecond,
			RestartMax:     30 * time.Second,
		},
		Signing: SigningConfig{
			Timeout:     3 * time.Second,
			FallbackTTL: 10 * time.Minute,
		},
		DatabaseURL:  "file:data/credentials.db",
		OTelEndpoint: "localhost:4317",
	}
}

// Load loads configuration from environment variables on top of the defaults.
// Malformed numeric or duration values keep the default.
func Load() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setDuration(&cfg.ShutdownGrace, "SHUTDOWN_GRACE")
	setInt(&cfg.RateLimitRPS, "RATE_LIMIT_RPS")

	setString(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setDuration(&cfg.Upstream.RequestTimeout, "REQUEST_TIMEOUT")
	setInt(&cfg.Upstream.Retries, "REQUEST_RETRIES")
	setString(&cfg.Upstream.UserAgent, "UPSTREAM_USER_AGENT")

	setString(&cfg.Agent.Path, "AGENT_PATH")
	if v := os.Getenv("AGENT_ARGS"); v != "" {
		cfg.Agent.Args = strings.Fields(v)
	}
	setString(&cfg.Agent.Protocol, "AGENT_PROTOCOL")
	setString(&cfg.Agent.HTTPAddr, "AGENT_HTTP_ADDR")
	setString(&cfg.Agent.MinVersion, "AGENT_MIN_VERSION")
	setDuration(&cfg.Agent.ProbeTimeout, "AGENT_PROBE_TIMEOUT")
	setDuration(&cfg.Agent.HealthInterval, "AGENT_HEALTH_INTERVAL")
	setInt(&cfg.Agent.ProbeFailures, "AGENT_PROBE_FAILURES")
	setDuration(&cfg.Agent.StopGrace, "AGENT_STOP_GRACE")
	setInt(&cfg.Agent.MaxRestarts, "AGENT_MAX_RESTARTS")
	setDuration(&cfg.Agent.RestartWindow, "AGENT_RESTART_WINDOW")

	setDuration(&cfg.Signing.Timeout, "SIGN_TIMEOUT")
	setDuration(&cfg.Signing.FallbackTTL, "FALLBACK_TTL")
	setString(&cfg.Signing.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Signing.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Signing.RedisDB, "REDIS_DB")

	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.CredentialsKey, "CREDENTIALS_KEY")
	setString(&cfg.Cookies, "COOKIES")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OTelEnabled = v == "true" || v == "1"
	}
	setString(&cfg.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream base url must be set"))
	}
	if c.Upstream.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.Upstream.RequestTimeout))
	}
	if c.Upstream.Retries < 1 {
		errs = append(errs, fmt.Errorf("request retries must be at least 1, got %d", c.Upstream.Retries))
	}
	switch c.Agent.Protocol {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("unknown agent protocol %q", c.Agent.Protocol))
	}
	if c.Agent.ProbeTimeout <= 0 || c.Agent.StopGrace <= 0 || c.Agent.HealthInterval <= 0 {
		errs = append(errs, errors.New("agent probe timeout, stop grace and health interval must be positive"))
	}
	if c.Agent.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("agent max restarts must not be negative, got %d", c.Agent.MaxRestarts))
	}
	if c.Signing.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("signing timeout must be positive, got %s", c.Signing.Timeout))
	}
	if c.Signing.FallbackTTL <= 0 {
		errs = append(errs, fmt.Errorf("fallback ttl must be positive, got %s", c.Signing.FallbackTTL))
	}
	if c.CredentialsKey != "" && len(c.CredentialsKey) != 32 {
		errs = append(errs, errors.New("credentials key must be exactly 32 bytes"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}
