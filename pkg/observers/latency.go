// Package observers holds metrics observers that correlate events across a
// session rather than counting them.
package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

// LatencyObserver follows each streaming session by its session_id tag and
// reports, when the session closes, how long it took to connect and to
// produce its first interim and final transcripts after the first audio.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	hist   *prometheus.HistogramVec
}

type trace struct {
	provider     string
	connecting   time.Time
	connected    time.Time
	audioIn      time.Time
	firstInterim time.Time
	firstFinal   time.Time
	finals       int
}

// NewLatencyObserver logs a summary per session. When reg is not nil the
// latencies are also observed on a histogram labelled by stage.
func NewLatencyObserver(log *slog.Logger, reg prometheus.Registerer) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	o := &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
	if reg != nil {
		o.hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gladia_agent",
			Name:      "latency_seconds",
			Help:      "Per-session latency of connect, first interim and first final transcripts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage", "provider"})
		reg.MustRegister(o.hist)
	}
	return o
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{provider: ev.Tags["provider"]}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventSessionState:
		switch ev.Tags["state"] {
		case "connecting":
			if t.connecting.IsZero() {
				t.connecting = at
			}
		case "streaming":
			if t.connected.IsZero() {
				t.connected = at
				o.observe("connect", t.provider, t.connecting, at)
			}
		case "closed", "errored":
			o.finishLocked(sessionID, t, ev.Tags["state"])
		}
	case metrics.EventAudioIn:
		if t.audioIn.IsZero() {
			t.audioIn = at
		}
	case metrics.EventTranscriptEmitted:
		switch ev.Tags["kind"] {
		case string(transcript.KindInterim):
			if t.firstInterim.IsZero() {
				t.firstInterim = at
				o.observe("first_interim", t.provider, t.audioIn, at)
			}
		case string(transcript.KindFinal):
			t.finals++
			if t.firstFinal.IsZero() {
				t.firstFinal = at
				o.observe("first_final", t.provider, t.audioIn, at)
			}
		}
	}
}

// Pending returns the number of sessions that have not closed yet.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) observe(stage, provider string, from, to time.Time) {
	if o.hist == nil || from.IsZero() || to.Before(from) {
		return
	}
	o.hist.WithLabelValues(stage, provider).Observe(to.Sub(from).Seconds())
}

func (o *LatencyObserver) finishLocked(sessionID string, t *trace, state string) {
	delete(o.traces, sessionID)
	o.log.Info("stt_session_latency",
		slog.String("session_id", sessionID),
		slog.String("provider", t.provider),
		slog.String("state", state),
		slog.Int64("connect_ms", durationMs(t.connecting, t.connected)),
		slog.Int64("first_interim_ms", durationMs(t.audioIn, t.firstInterim)),
		slog.Int64("first_final_ms", durationMs(t.audioIn, t.firstFinal)),
		slog.Int("finals", t.finals),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
