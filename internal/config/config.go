package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file used when --config is not given.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	Env                        string   `yaml:"env"`
	LogLevel                   string   `yaml:"logLevel"`
	UpstreamURL                string   `yaml:"upstreamURL"`
	UpstreamTimeout            string   `yaml:"upstreamTimeout"`
	CookieSecure               *bool    `yaml:"cookieSecure"`
	CookieDomain               string   `yaml:"cookieDomain"`
	StaticDir                  string   `yaml:"staticDir"`
	MaxProxyBodyBytes          int64    `yaml:"maxProxyBodyBytes"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int      `yaml:"refreshRateLimitPerMinute"`
	BreakerDisabled            bool     `yaml:"breakerDisabled"`
	BreakerMinRequests         uint32   `yaml:"breakerMinRequests"`
	BreakerFailureRatio        float64  `yaml:"breakerFailureRatio"`
	BreakerOpenTimeout         string   `yaml:"breakerOpenTimeout"`
	BreakerInterval            string   `yaml:"breakerInterval"`
	ServiceTokenKeyPath        string   `yaml:"serviceTokenKeyPath"`
	ServiceTokenKeyID          string   `yaml:"serviceTokenKeyId"`
	ServiceTokenIssuer         string   `yaml:"serviceTokenIssuer"`
	ServiceTokenAudience       string   `yaml:"serviceTokenAudience"`
	MetricsEnabled             *bool    `yaml:"metricsEnabled"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_ENV"); v != "" {
		cfg.Env = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_UPSTREAM_TIMEOUT"); v != "" {
		cfg.UpstreamTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = &b
		}
	}
	if v := os.Getenv("GATEWAY_COOKIE_DOMAIN"); v != "" {
		cfg.CookieDomain = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_STATIC_DIR"); v != "" {
		cfg.StaticDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_REFRESH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RefreshRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_SERVICE_TOKEN_KEY_PATH"); v != "" {
		cfg.ServiceTokenKeyPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MetricsEnabled = &b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return errors.New("config: upstreamURL is required (set in config.yaml or GATEWAY_UPSTREAM_URL)")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: upstreamURL must be an absolute http(s) url, got %q", cfg.UpstreamURL)
	}
	if _, err := parseDuration("upstreamTimeout", cfg.UpstreamTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("breakerOpenTimeout", cfg.BreakerOpenTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("breakerInterval", cfg.BreakerInterval); err != nil {
		return err
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.BreakerFailureRatio < 0 || cfg.BreakerFailureRatio > 1 {
		return errors.New("config: breakerFailureRatio must be within [0, 1]")
	}
	if cfg.MaxProxyBodyBytes < 0 {
		return errors.New("config: maxProxyBodyBytes must be >= 0")
	}
	if cfg.ServiceTokenKeyPath != "" && strings.TrimSpace(cfg.ServiceTokenAudience) == "" {
		return errors.New("config: serviceTokenAudience is required when serviceTokenKeyPath is set")
	}
	return nil
}

// Production reports whether the gateway runs in the production environment.
func (c FileConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// SecureCookies is cookieSecure when set, otherwise true only in production.
func (c FileConfig) SecureCookies() bool {
	if c.CookieSecure != nil {
		return *c.CookieSecure
	}
	return c.Production()
}

// MetricsOn defaults to true.
func (c FileConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// UpstreamTimeoutDuration returns the parsed upstream timeout, zero when unset.
func (c FileConfig) UpstreamTimeoutDuration() time.Duration {
	d, _ := parseDuration("upstreamTimeout", c.UpstreamTimeout)
	return d
}

// BreakerOpenTimeoutDuration returns the parsed breaker open timeout, zero when unset.
func (c FileConfig) BreakerOpenTimeoutDuration() time.Duration {
	d, _ := parseDuration("breakerOpenTimeout", c.BreakerOpenTimeout)
	return d
}

// BreakerIntervalDuration returns the parsed breaker counting window, zero when unset.
func (c FileConfig) BreakerIntervalDuration() time.Duration {
	d, _ := parseDuration("breakerInterval", c.BreakerInterval)
	return d
}

func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
