package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

var allKeys = []string{
	"PORT", "LOG_LEVEL", "QUOTA_PERIOD_TOKENS", "QUOTA_RESET_HOURS", "QUOTA_STORE",
	"REDIS_URL", "DATABASE_URL", "SQLITE_PATH", "JWT_SECRET", "ADMIN_CLAIM",
	"SEARCH_BASE_URL", "SEARCH_API_TOKEN", "MODEL_CATALOG", "SECRETS_BACKEND",
	"SECRETS_PREFIX", "AWS_REGION", "SNS_TOPIC_ARN", "OTEL_ENABLED", "OTEL_ENDPOINT",
	"STREAM_FLUSH_INTERVAL", "READ_TIMEOUT", "WRITE_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"DEBUG_ALLOWED", "BREAKER_FAILURES", "BREAKER_TIMEOUT",
	"RATE_LIMIT_RPM", "USAGE_MAX_RECORDS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"QuotaPeriodTokens", cfg.QuotaPeriodTokens, -1},
		{"QuotaResetHours", cfg.QuotaResetHours, 24},
		{"QuotaStore", cfg.QuotaStore, StoreMemory},
		{"AdminClaim", cfg.AdminClaim, "admin"},
		{"SecretsBackend", cfg.SecretsBackend, "env"},
		{"StreamFlushInterval", cfg.StreamFlushInterval, 500 * time.Millisecond},
		{"OTelEnabled", cfg.OTelEnabled, false},
		{"DebugAllowed", cfg.DebugAllowed, false},
		{"RateLimitRPM", cfg.RateLimitRPM, 0},
		{"UsageMaxRecords", cfg.UsageMaxRecords, 100000},
		{"BreakerFailures", cfg.BreakerFailures, 5},
		{"BreakerTimeout", cfg.BreakerTimeout, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("QUOTA_PERIOD_TOKENS", "50000")
	t.Setenv("QUOTA_RESET_HOURS", "12")
	t.Setenv("QUOTA_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("STREAM_FLUSH_INTERVAL", "250ms")
	t.Setenv("READ_TIMEOUT", "10")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("DEBUG_ALLOWED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.QuotaPeriodTokens != 50000 || cfg.QuotaResetHours != 12 {
		t.Errorf("quota = %d/%dh", cfg.QuotaPeriodTokens, cfg.QuotaResetHours)
	}
	if cfg.StreamFlushInterval != 250*time.Millisecond {
		t.Errorf("StreamFlushInterval = %v", cfg.StreamFlushInterval)
	}
	if cfg.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v, bare numbers are seconds", cfg.ReadTimeout)
	}
	if !cfg.OTelEnabled || !cfg.DebugAllowed {
		t.Error("boolean flags not applied")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad integer", map[string]string{"QUOTA_PERIOD_TOKENS": "lots"}},
		{"bad duration", map[string]string{"STREAM_FLUSH_INTERVAL": "soon"}},
		{"zero reset hours", map[string]string{"QUOTA_RESET_HOURS": "0"}},
		{"unknown store", map[string]string{"QUOTA_STORE": "mongo"}},
		{"redis without url", map[string]string{"QUOTA_STORE": "redis"}},
		{"postgres without url", map[string]string{"QUOTA_STORE": "postgres"}},
		{"unknown secrets backend", map[string]string{"SECRETS_BACKEND": "vault"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
models:
  - name: GPT4-8K
    displayName: GPT-4 (EU)
    size: 8000
    eventStream: false
    parameters:
      temperature: {min: 0, max: 1}
      generateTokens: {min: 1, max: 2000}
  - name: PaLM2
    disabled: true
`)

	c, err := ParseCatalog(data)
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	if len(c.Models) != 2 || !c.Models[1].Disabled {
		t.Fatalf("models = %+v", c.Models)
	}

	desc := domain.ModelDescriptor{Name: "GPT4-8K", DisplayName: "GPT-4", ContextSize: 8192, SupportsEventStream: true}
	c.Models[0].Apply(&desc)

	if desc.DisplayName != "GPT-4 (EU)" || desc.ContextSize != 8000 || desc.SupportsEventStream {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.Bounds.Temperature.Max != 1 || desc.Bounds.GenerateTokens.Max != 2000 {
		t.Errorf("bounds = %+v", desc.Bounds)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	for _, data := range []string{"models: [{displayName: x}]", "models: [{name: a, size: -1}]", "models: ["} {
		if _, err := ParseCatalog([]byte(data)); err == nil {
			t.Errorf("ParseCatalog(%q) should fail", data)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil || len(c.Models) != 0 {
		t.Errorf("empty path: %+v, %v", c, err)
	}

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	os.WriteFile(path, []byte("models:\n  - name: Command\n    size: 4000\n"), 0o600)
	c, err = LoadCatalog(path)
	if err != nil || len(c.Models) != 1 || c.Models[0].ContextSize != 4000 {
		t.Errorf("LoadCatalog() = %+v, %v", c, err)
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
