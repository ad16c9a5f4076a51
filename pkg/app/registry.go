package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/configutil"
	"github.com/harunnryd/ranya-gladia/pkg/providers/gladia"
	"github.com/harunnryd/ranya-gladia/pkg/providers/mock"
)

// DialerFactory builds a vendor dialer from its free-form settings.
type DialerFactory func(settings map[string]any, logger *slog.Logger) (stt.Dialer, error)

type ProviderRegistry struct {
	stt map[string]DialerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]DialerFactory)}
}

// DefaultProviders registers the built-in transports.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("gladia", buildGladia)
	r.RegisterSTT("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory DialerFactory) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSTT(provider string, settings map[string]any, logger *slog.Logger) (stt.Dialer, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(settings, logger)
}

func (r *ProviderRegistry) STTProviders() []string {
	out := make([]string, 0, len(r.stt))
	for name := range r.stt {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type gladiaSettings struct {
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

func buildGladia(settings map[string]any, logger *slog.Logger) (stt.Dialer, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Optional: []string{"http_timeout", "handshake_timeout"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s gladiaSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	cfg := gladia.Config{Logger: logger}
	if s.HTTPTimeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: s.HTTPTimeout}
	}
	if s.HandshakeTimeout > 0 {
		cfg.WSDialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: s.HandshakeTimeout}
	}
	return gladia.New(cfg), nil
}

type mockSettings struct {
	FailDials int `mapstructure:"fail_dials"`
}

func buildMock(settings map[string]any, _ *slog.Logger) (stt.Dialer, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{Optional: []string{"fail_dials"}}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s mockSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	return mock.NewSTT(mock.STTConfig{FailDials: s.FailDials}), nil
}
