package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

// ProviderGladia is the provider name participants select to be transcribed
// by this agent.
const ProviderGladia = "gladia"

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackSource string

const (
	SourceMicrophone       TrackSource = "microphone"
	SourceCamera           TrackSource = "camera"
	SourceScreenShare      TrackSource = "screen_share"
	SourceScreenShareAudio TrackSource = "screen_share_audio"
	SourceUnknown          TrackSource = "unknown"
)

// Track is a track the host subscribed to. Audio carries raw PCM frames in
// the configured format and is closed when the track ends.
type Track struct {
	SID    string
	Kind   TrackKind
	Source TrackSource
	Audio  <-chan []byte
}

type Participant struct {
	Identity string
	Name     string
	Room     string
}

// Settings are per-participant transcription settings. Locale and Provider
// select the language and the transcription provider; Options are session
// overrides (e.g. "partialUtterances", "minUtteranceLength").
type Settings struct {
	Locale   string
	Provider string
	Options  map[string]any
}

// Complete reports whether both locale and provider are known.
func (s Settings) Complete() bool {
	return strings.TrimSpace(s.Locale) != "" && strings.TrimSpace(s.Provider) != ""
}

// merge overlays the non-empty fields of next.
func (s Settings) merge(next Settings) Settings {
	out := Settings{Locale: s.Locale, Provider: s.Provider}
	if next.Locale != "" {
		out.Locale = next.Locale
	}
	if next.Provider != "" {
		out.Provider = next.Provider
	}
	if len(s.Options)+len(next.Options) > 0 {
		out.Options = make(map[string]any, len(s.Options)+len(next.Options))
		for k, v := range s.Options {
			out.Options[k] = v
		}
		for k, v := range next.Options {
			out.Options[k] = v
		}
	}
	return out
}

// TrackRef identifies where a transcript came from.
type TrackRef struct {
	Room                string `json:"room,omitempty"`
	TrackSID            string `json:"track_sid"`
	ParticipantIdentity string `json:"participant"`
	Locale              string `json:"locale,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// Emitter receives every transcript event the agent produces. It is called
// concurrently from different sessions.
type Emitter interface {
	EmitTranscript(ctx context.Context, ref TrackRef, ev transcript.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ref TrackRef, ev transcript.Event) error

func (f EmitterFunc) EmitTranscript(ctx context.Context, ref TrackRef, ev transcript.Event) error {
	return f(ctx, ref, ev)
}

// MultiEmitter fans events out to several sinks. Every sink is attempted;
// errors are joined.
type MultiEmitter []Emitter

func (m MultiEmitter) EmitTranscript(ctx context.Context, ref TrackRef, ev transcript.Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.EmitTranscript(ctx, ref, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
