package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/bbb"
	"github.com/harunnryd/ranya-gladia/pkg/configutil"
	"github.com/harunnryd/ranya-gladia/pkg/natsink"
	"github.com/harunnryd/ranya-gladia/pkg/transports/wsbridge"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Vendors     VendorsConfig   `mapstructure:"vendors"`
	Agent       agent.Config    `mapstructure:"agent"`
	Bridge      wsbridge.Config `mapstructure:"bridge"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Redis       RedisConfig     `mapstructure:"redis"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
	Shutdown    ShutdownConfig  `mapstructure:"shutdown"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	bbb.Config `mapstructure:",squash"`
}

type NATSConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	natsink.Config `mapstructure:",squash"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// envKeys binds flat environment names to nested keys.
var envKeys = map[string]string{
	"bridge.addr":             "BRIDGE_ADDR",
	"bridge.path":             "BRIDGE_PATH",
	"metrics.addr":            "METRICS_ADDR",
	"redis.enabled":           "REDIS_ENABLED",
	"redis.host":              "REDIS_HOST",
	"redis.port":              "REDIS_PORT",
	"redis.password":          "REDIS_PASSWORD",
	"redis.db":                "REDIS_DB",
	"redis.publish_channel":   "REDIS_PUBLISH_CHANNEL",
	"redis.subscribe_channel": "REDIS_SUBSCRIBE_CHANNEL",
	"nats.enabled":            "NATS_ENABLED",
	"nats.url":                "NATS_URL",
	"nats.subject":            "NATS_SUBJECT",
	"agent.require_settings":  "AGENT_REQUIRE_SETTINGS",
	"agent.provider":          "AGENT_PROVIDER",
	"privacy.redact_pii":      "PRIVACY_REDACT_PII",
	"log_level":               "LOG_LEVEL",
	"log_format":              "LOG_FORMAT",
	"environment":             "ENVIRONMENT",
	"shutdown.timeout":        "SHUTDOWN_TIMEOUT",
	"vendors.stt.provider":    "STT_PROVIDER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("vendors.stt.provider", "gladia")
	v.SetDefault("agent.require_settings", false)
	v.SetDefault("agent.provider", agent.ProviderGladia)
	v.SetDefault("bridge.addr", ":8090")
	v.SetDefault("bridge.path", "/tracks")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.publish_channel", bbb.DefaultPublishChannel)
	v.SetDefault("redis.subscribe_channel", bbb.DefaultSubscribeChannel)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", natsink.DefaultSubject)
	v.SetDefault("privacy.redact_pii", false)
	v.SetDefault("shutdown.timeout", "20s")
}

// LoadConfig reads defaults, an optional YAML file and the environment, in
// increasing precedence. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Agent.Overrides = expandSettings(cfg.Agent.Overrides)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Bridge.ServerAddr, "bridge.addr"); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Redis.Port <= 0 {
		return errors.New("redis.port must be positive")
	}
	if c.NATS.Enabled {
		if err := configutil.RequireString(c.NATS.URL, "nats.url"); err != nil {
			return err
		}
	}
	return nil
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}
