package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseYAML = `
port: "8080"
env: "production"
logLevel: "info"
upstreamURL: "https://api.example.com/v1"
upstreamTimeout: "5s"
breakerOpenTimeout: "20s"
breakerInterval: "2m"
staticDir: "public"
loginRateLimitPerMinute: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.SecureCookies() {
		t.Fatalf("cookies must default to secure in production")
	}
	if !cfg.MetricsOn() {
		t.Fatalf("metrics should default to enabled")
	}
	if cfg.UpstreamTimeoutDuration() != 5*time.Second {
		t.Fatalf("upstreamTimeout = %s, want 5s", cfg.UpstreamTimeoutDuration())
	}
	if cfg.BreakerOpenTimeoutDuration() != 20*time.Second || cfg.BreakerIntervalDuration() != 2*time.Minute {
		t.Fatalf("breaker durations = %s/%s, want 20s/2m", cfg.BreakerOpenTimeoutDuration(), cfg.BreakerIntervalDuration())
	}
	if cfg.LoginRateLimitPerMinute != 10 {
		t.Fatalf("loginRateLimitPerMinute = %d, want 10", cfg.LoginRateLimitPerMinute)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ENV", "local")
	t.Setenv("GATEWAY_UPSTREAM_URL", "http://localhost:9000")
	t.Setenv("GATEWAY_COOKIE_SECURE", "true")
	t.Setenv("GATEWAY_COOKIE_DOMAIN", "example.com")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("GATEWAY_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("GATEWAY_REFRESH_RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("GATEWAY_METRICS_ENABLED", "false")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Production() {
		t.Fatalf("env override not applied")
	}
	if cfg.UpstreamURL != "http://localhost:9000" {
		t.Fatalf("upstreamURL = %q", cfg.UpstreamURL)
	}
	if !cfg.SecureCookies() {
		t.Fatalf("explicit cookieSecure must win over env")
	}
	if cfg.CookieDomain != "example.com" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("cookie domain or redis override lost: %+v", cfg)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "127.0.0.1" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	if cfg.RefreshRateLimitPerMinute != 30 {
		t.Fatalf("refreshRateLimitPerMinute = %d, want 30", cfg.RefreshRateLimitPerMinute)
	}
	if cfg.MetricsOn() {
		t.Fatalf("metrics should be disabled by env")
	}
}

func TestSecureCookiesOffOutsideProduction(t *testing.T) {
	cfg := FileConfig{Env: "local"}
	if cfg.SecureCookies() {
		t.Fatalf("cookies should not be secure by default outside production")
	}
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	valid := FileConfig{Port: "8080", UpstreamURL: "http://localhost:9000"}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("validateConfig() unexpected error: %v", err)
	}
	tests := map[string]func(*FileConfig){
		"missing port":            func(c *FileConfig) { c.Port = "" },
		"missing upstream":        func(c *FileConfig) { c.UpstreamURL = "" },
		"relative upstream":       func(c *FileConfig) { c.UpstreamURL = "/api" },
		"bad timeout":             func(c *FileConfig) { c.UpstreamTimeout = "soon" },
		"bad breaker interval":    func(c *FileConfig) { c.BreakerInterval = "-1m" },
		"negative rate limit":     func(c *FileConfig) { c.LoginRateLimitPerMinute = -1 },
		"failure ratio above 1":   func(c *FileConfig) { c.BreakerFailureRatio = 1.5 },
		"signer without audience": func(c *FileConfig) { c.ServiceTokenKeyPath = "key.pem" },
	}
	for name, mutate := range tests {
		cfg := valid
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("validateConfig() expected error for %s", name)
		}
	}
}
