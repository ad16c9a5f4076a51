package config

import (
	"strings"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/redact"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

// SessionConfig is the resolved, immutable configuration of one streaming
// session. Copy it with Clone before mutating slices or maps.
type SessionConfig struct {
	APIKey  string `mapstructure:"api_key" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"required,http_url"`
	Region  string `mapstructure:"region" validate:"omitempty,oneof=eu-west us-west"`
	Model   string `mapstructure:"model" validate:"required"`

	Encoding   string `mapstructure:"encoding" validate:"oneof=wav/pcm wav/alaw wav/ulaw"`
	BitDepth   int    `mapstructure:"bit_depth" validate:"oneof=8 16 24 32"`
	SampleRate int    `mapstructure:"sample_rate" validate:"oneof=8000 16000 32000 44100 48000"`
	Channels   int    `mapstructure:"channels" validate:"gte=1,lte=8"`

	Languages      []string `mapstructure:"languages"`
	CodeSwitching  bool     `mapstructure:"code_switching"`
	InterimResults bool     `mapstructure:"interim_results"`

	Endpointing                   float64 `mapstructure:"endpointing" validate:"gte=0.01,lte=10"`
	MaxDurationWithoutEndpointing float64 `mapstructure:"max_duration_without_endpointing" validate:"gte=5,lte=60"`
	AudioEnhancer                 bool    `mapstructure:"audio_enhancer"`
	SpeechThreshold               float64 `mapstructure:"speech_threshold" validate:"gte=0,lte=1"`

	CustomVocabulary []string            `mapstructure:"custom_vocabulary"`
	CustomSpelling   map[string][]string `mapstructure:"custom_spelling"`

	MinConfidence        float64            `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	MinConfidenceInterim float64            `mapstructure:"min_confidence_interim" validate:"gte=0,lte=1"`
	MinConfidenceFinal   float64            `mapstructure:"min_confidence_final" validate:"gte=0,lte=1"`
	MinUtteranceLength   transcript.Seconds `mapstructure:"min_utterance_length" validate:"gte=0"`

	LocaleMap map[string]string `mapstructure:"locale_map"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	MaxReconnects    int           `mapstructure:"max_reconnects" validate:"gte=0,lte=20"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" validate:"gte=0"`
	AudioBuffer      int           `mapstructure:"audio_buffer_frames" validate:"gte=1,lte=65536"`
}

// TranscriptSettings returns the subset used by the normalizer and filter.
func (c SessionConfig) TranscriptSettings() transcript.Settings {
	return transcript.Settings{
		InterimResults:       c.InterimResults,
		MinUtteranceLength:   c.MinUtteranceLength,
		MinConfidenceInterim: c.MinConfidenceInterim,
		MinConfidenceFinal:   c.MinConfidenceFinal,
	}
}

// BytesPerSecond is the raw audio rate implied by the format settings.
func (c SessionConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * c.BitDepth / 8
}

// LocaleFor maps a vendor language code back to a host locale through
// LocaleMap. Unknown languages are returned unchanged.
func (c SessionConfig) LocaleFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if locale, ok := c.LocaleMap[lang]; ok && locale != "" {
		return locale
	}
	return language
}

// Clone returns a deep copy.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.Languages = append([]string(nil), c.Languages...)
	out.CustomVocabulary = append([]string(nil), c.CustomVocabulary...)
	if c.CustomSpelling != nil {
		out.CustomSpelling = make(map[string][]string, len(c.CustomSpelling))
		for k, v := range c.CustomSpelling {
			out.CustomSpelling[k] = append([]string(nil), v...)
		}
	}
	if c.LocaleMap != nil {
		out.LocaleMap = make(map[string]string, len(c.LocaleMap))
		for k, v := range c.LocaleMap {
			out.LocaleMap[k] = v
		}
	}
	return out
}

// Redacted returns a loggable view with secrets masked.
func (c SessionConfig) Redacted() map[string]any {
	view := map[string]any{
		"api_key":                          c.APIKey,
		"base_url":                         c.BaseURL,
		"region":                           c.Region,
		"model":                            c.Model,
		"encoding":                         c.Encoding,
		"bit_depth":                        c.BitDepth,
		"sample_rate":                      c.SampleRate,
		"channels":                         c.Channels,
		"languages":                        c.Languages,
		"code_switching":                   c.CodeSwitching,
		"interim_results":                  c.InterimResults,
		"endpointing":                      c.Endpointing,
		"max_duration_without_endpointing": c.MaxDurationWithoutEndpointing,
		"audio_enhancer":                   c.AudioEnhancer,
		"speech_threshold":                 c.SpeechThreshold,
		"custom_vocabulary":                c.CustomVocabulary,
		"custom_spelling":                  c.CustomSpelling,
		"min_confidence":                   c.MinConfidence,
		"min_confidence_interim":           c.MinConfidenceInterim,
		"min_confidence_final":             c.MinConfidenceFinal,
		"min_utterance_length":             float64(c.MinUtteranceLength),
		"locale_map":                       c.LocaleMap,
		"connect_timeout":                  c.ConnectTimeout.String(),
		"stop_timeout":                     c.StopTimeout.String(),
		"max_reconnects":                   c.MaxReconnects,
		"reconnect_backoff":                c.ReconnectBackoff.String(),
		"audio_buffer_frames":              c.AudioBuffer,
	}
	return redact.Value(view, "").(map[string]any)
}

// SanitizeLocale reduces a host locale such as "pt-BR" to the bare language
// code the vendor expects ("pt").
func SanitizeLocale(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if base, _, ok := strings.Cut(l, "-"); ok {
		return base
	}
	if base, _, ok := strings.Cut(l, "_"); ok {
		return base
	}
	return l
}
