package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver turns observer events into Prometheus series. Gauge-style
// events (active sessions) set a gauge; everything else adds Value to a counter
// (Value 0 counts as 1).
type PrometheusObserver struct {
	events   *prometheus.CounterVec
	sessions prometheus.Gauge
	audio    prometheus.Counter
}

func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gladia_agent",
			Name:      "events_total",
			Help:      "Transcription pipeline events by name and provider.",
		}, []string{"name", "provider"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gladia_agent",
			Name:      "sessions_active",
			Help:      "Streaming sessions currently bound to a track.",
		}),
		audio: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gladia_agent",
			Name:      "audio_bytes_total",
			Help:      "Audio bytes forwarded to the vendor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(o.events, o.sessions, o.audio)
	}
	return o
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionsActive:
		o.sessions.Set(ev.Value)
		return
	case EventAudioIn:
		if ev.Value > 0 {
			o.audio.Add(ev.Value)
		}
	}
	v := ev.Value
	if v <= 0 {
		v = 1
	}
	if ev.Name == EventAudioIn {
		v = 1
	}
	o.events.WithLabelValues(ev.Name, ev.Tags["provider"]).Add(v)
}

// Collectors exposes the registered collectors, mostly for tests.
func (o *PrometheusObserver) Collectors() []prometheus.Collector {
	return []prometheus.Collector{o.events, o.sessions, o.audio}
}
