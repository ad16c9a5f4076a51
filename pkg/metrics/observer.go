package metrics

import "time"

const (
	EventAudioIn            = "stt_audio_in"
	EventAudioDropped       = "stt_audio_dropped"
	EventTranscriptEmitted  = "stt_transcript_emitted"
	EventTranscriptDropped  = "stt_transcript_dropped"
	EventVendorError        = "stt_vendor_error"
	EventConnect            = "stt_connect"
	EventConnectFailed      = "stt_connect_failed"
	EventReconnect          = "stt_reconnect"
	EventSessionState       = "stt_session_state"
	EventSessionsActive     = "stt_sessions_active"
	EventBreakerDenied      = "stt_breaker_denied"
	EventPublish            = "transcript_publish"
	EventPublishFailed      = "transcript_publish_failed"
	EventConfigResolveError = "config_resolve_error"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe shorthand for emitting a counter-style event.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
