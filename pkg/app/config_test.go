package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/bbb"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.STT.Provider != "gladia" || cfg.Agent.Provider != "gladia" {
		t.Fatalf("unexpected providers: %+v / %+v", cfg.Vendors.STT, cfg.Agent)
	}
	if cfg.Bridge.ServerAddr != ":8090" || cfg.Bridge.Path != "/tracks" {
		t.Fatalf("unexpected bridge: %+v", cfg.Bridge)
	}
	if cfg.Redis.Enabled || cfg.Redis.PublishChannel != bbb.DefaultPublishChannel || cfg.Redis.Port != 6379 {
		t.Fatalf("unexpected redis: %+v", cfg.Redis)
	}
	if cfg.Shutdown.Timeout != 20*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.Shutdown.Timeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_ADDR", "127.0.0.1:9999")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("AGENT_REQUIRE_SETTINGS", "true")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("STT_PROVIDER", "mock")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.ServerAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected bridge addr %q", cfg.Bridge.ServerAddr)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr() != "redis.internal:6380" {
		t.Fatalf("unexpected redis: %+v", cfg.Redis)
	}
	if !cfg.Agent.RequireSettings || cfg.Shutdown.Timeout != 5*time.Second || cfg.Vendors.STT.Provider != "mock" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TEST_GLADIA_TIMEOUT", "3s")
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	body := `
vendors:
  stt:
    provider: gladia
    settings:
      http_timeout: ${TEST_GLADIA_TIMEOUT}
agent:
  require_settings: true
  overrides:
    GLADIA_INTERIM_RESULTS: "false"
nats:
  enabled: true
  url: nats://nats:4222
  subject: captions
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.STT.Settings["http_timeout"] != "3s" {
		t.Fatalf("expected expanded setting, got %v", cfg.Vendors.STT.Settings)
	}
	if cfg.Agent.Overrides["gladia_interim_results"] == nil && cfg.Agent.Overrides["GLADIA_INTERIM_RESULTS"] == nil {
		t.Fatalf("expected agent overrides, got %v", cfg.Agent.Overrides)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" || cfg.NATS.Subject != "captions" {
		t.Fatalf("unexpected nats: %+v", cfg.NATS)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no provider", func(c *Config) { c.Vendors.STT.Provider = " " }, "vendors.stt.provider"},
		{"no bridge addr", func(c *Config) { c.Bridge.ServerAddr = "" }, "bridge.addr"},
		{"redis port", func(c *Config) { c.Redis.Enabled = true; c.Redis.Port = 0 }, "redis.port"},
		{"nats url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.Vendors.STT.Provider = "gladia"
			cfg.Bridge.ServerAddr = ":8090"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_KEY=from-file\nTEST_DOTENV_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TEST_DOTENV_SET", "from-env")
	t.Setenv("TEST_DOTENV_KEY", "")
	os.Unsetenv("TEST_DOTENV_KEY")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_KEY"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("TEST_DOTENV_SET"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "nope.env")); err != nil {
		t.Fatalf("missing files should be ignored: %v", err)
	}
}

func TestProviderRegistry(t *testing.T) {
	r := DefaultProviders()
	if got := strings.Join(r.STTProviders(), ","); got != "gladia,mock" {
		t.Fatalf("unexpected providers %q", got)
	}
	if _, err := r.BuildSTT("deepgram", nil, logging.Discard()); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if _, err := r.BuildSTT(" Gladia ", map[string]any{"http_timeout": "2s"}, logging.Discard()); err != nil {
		t.Fatalf("build gladia: %v", err)
	}
	if _, err := r.BuildSTT("gladia", map[string]any{"region": "eu"}, logging.Discard()); err == nil {
		t.Fatalf("expected unknown setting error")
	}
	if _, err := r.BuildSTT("gladia", map[string]any{"http_timeout": "soon"}, logging.Discard()); err == nil {
		t.Fatalf("expected decode error")
	}
	d, err := r.BuildSTT("mock", map[string]any{"fail_dials": 2}, logging.Discard())
	if err != nil || d.Name() != "mock_stt" {
		t.Fatalf("build mock: %v", err)
	}
}
