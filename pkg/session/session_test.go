package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/providers/mock"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

func testConfig(t *testing.T, extra map[string]string) config.SessionConfig {
	t.Helper()
	env := config.MapEnvironment{
		"GLADIA_API_KEY":           "test",
		"GLADIA_MIN_CONFIDENCE":    "0",
		"GLADIA_STOP_TIMEOUT":      "1s",
		"GLADIA_RECONNECT_BACKOFF": "1ms",
		"GLADIA_MAX_RECONNECTS":    "2",
	}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.Resolve(env, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	events  []transcript.Event
	notices []Notice
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) onEvent(ev transcript.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) onNotice(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) Events() []transcript.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Event(nil), r.events...)
}

func (r *recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *recorder) noticesOf(typ NoticeType) []Notice {
	var out []Notice
	for _, n := range r.Notices() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSession(t *testing.T, cfg config.SessionConfig, dialer *mock.Dialer, rec *recorder, opts ...Option) (*Session, *mock.Conn) {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithNoticeHandler(rec.onNotice)}, opts...)
	s := New(cfg, dialer, opts...)
	if err := s.Start(context.Background(), rec.onEvent); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, ok := dialer.NextConn(time.Second)
	if !ok {
		t.Fatalf("no connection dialed")
	}
	return s, conn
}

func TestSessionLifecycle(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{})
	s, conn := startSession(t, testConfig(t, nil), dialer, rec)

	if s.State() != StateStreaming {
		t.Fatalf("state = %s", s.State())
	}
	if s.ID() == "" {
		t.Fatalf("session id should be set")
	}
	if err := s.PushAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	waitFor(t, "audio", func() bool { return len(conn.Audio()) == 1 })

	conn.Push(mock.Interim("u1", "hel", 0.1, 0.3, 0.8))
	conn.Push(mock.Final("u1", "hello", 0.1, 0.5, 0.9))
	waitFor(t, "events", func() bool { return len(rec.Events()) == 2 })

	events := rec.Events()
	if events[0].Kind != transcript.KindInterim || events[1].Kind != transcript.KindFinal {
		t.Fatalf("unexpected kinds: %+v", events)
	}
	if events[1].Text != "hello" || events[1].Start != 0.1 || events[1].End != 0.5 {
		t.Fatalf("unexpected final: %+v", events[1])
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after stop = %s", s.State())
	}
	if !conn.Finished() || !conn.Closed() {
		t.Fatalf("stop should finish and close the connection")
	}

	err := s.PushAudio([]byte{1})
	var closed *errorsx.SessionClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected SessionClosedError, got %v", err)
	}
	if closed.State != "closed" {
		t.Fatalf("closed state = %q", closed.State)
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	rec := newRecorder()
	s, conn := startSession(t, testConfig(t, nil), mock.NewSTT(mock.STTConfig{}), rec)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.State() != StateClosed || !conn.Closed() {
		t.Fatalf("unexpected state %s", s.State())
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := New(testConfig(t, nil), mock.NewSTT(mock.STTConfig{}), WithLogger(logging.Discard()))
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
	err := s.Start(context.Background(), nil)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StateClosed {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := s.PushAudio([]byte{1}); err == nil {
		t.Fatalf("push audio should fail on a closed session")
	}
}

func TestSessionStopDeliversPendingFinalsOnly(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{OnFinish: []stt.Message{
		mock.Interim("u2", "late", 1.0, 1.2, 0.9),
		mock.Final("u2", "late final", 1.0, 1.5, 0.9),
	}})
	s, conn := startSession(t, testConfig(t, nil), dialer, rec)

	if err := s.PushAudio(make([]byte, 64)); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(conn.Audio()) != 1 {
		t.Fatalf("queued audio should be drained before finishing, got %d frames", len(conn.Audio()))
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Text != "late final" || !events[0].IsFinal() {
		t.Fatalf("expected only the pending final, got %+v", events)
	}

	if conn.Push(mock.Final("u3", "too late", 2, 3, 0.9)) {
		t.Fatalf("connection should be closed after stop")
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.Events()); got != 1 {
		t.Fatalf("event delivered after stop returned: %d", got)
	}
}

func TestSessionStopTimeout(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig(t, map[string]string{"GLADIA_STOP_TIMEOUT": "50ms"})
	s, conn := startSession(t, cfg, mock.NewSTT(mock.STTConfig{HoldFinish: true}), rec)

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	if s.State() != StateClosed || !conn.Finished() || !conn.Closed() {
		t.Fatalf("unexpected state %s", s.State())
	}
}

func TestSessionConnectFailure(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{FailDials: 10})
	obs := metrics.NewMemoryObserver()
	s := New(testConfig(t, nil), dialer,
		WithLogger(logging.Discard()),
		WithNoticeHandler(rec.onNotice),
		WithObserver(obs))

	err := s.Start(context.Background(), rec.onEvent)
	var connErr *errorsx.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != 3 || connErr.Provider != "mock_stt" {
		t.Fatalf("unexpected error: %+v", connErr)
	}
	if s.State() != StateErrored {
		t.Fatalf("state = %s", s.State())
	}
	if got := len(rec.noticesOf(NoticeRetrying)); got != 2 {
		t.Fatalf("retry notices = %d", got)
	}
	if obs.Count(metrics.EventConnectFailed) != 3 {
		t.Fatalf("connect failures = %d", obs.Count(metrics.EventConnectFailed))
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop on errored session: %v", err)
	}
	if s.State() != StateErrored {
		t.Fatalf("errored is terminal, got %s", s.State())
	}
}

func TestSessionConnectRetrySucceeds(t *testing.T) {
	rec := newRecorder()
	s, _ := startSession(t, testConfig(t, nil), mock.NewSTT(mock.STTConfig{FailDials: 1}), rec)
	defer s.Stop(context.Background())
	if got := rec.noticesOf(NoticeRetrying); len(got) != 1 || got[0].Attempt != 1 {
		t.Fatalf("retry notices = %+v", got)
	}
}

func TestSessionBreakerDeniesDial(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	breaker.OnError(resilience.RateLimitError{Provider: "mock"})
	s := New(testConfig(t, nil), mock.NewSTT(mock.STTConfig{}),
		WithLogger(logging.Discard()), WithBreaker(breaker))
	err := s.Start(context.Background(), nil)
	if !errorsx.HasReason(err, errorsx.ReasonSTTCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	var connErr *errorsx.ConnectionError
	if !errors.As(err, &connErr) || connErr.Attempts != 1 {
		t.Fatalf("open breaker should stop retries: %v", err)
	}
}

func TestSessionStopDuringConnecting(t *testing.T) {
	dialer := mock.NewSTT(mock.STTConfig{DialDelay: 5 * time.Second})
	s := New(testConfig(t, nil), dialer, WithLogger(logging.Discard()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background(), nil) }()
	waitFor(t, "connecting", func() bool { return s.State() == StateConnecting })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-errCh:
		var closed *errorsx.SessionClosedError
		if !errors.As(err, &closed) {
			t.Fatalf("expected SessionClosedError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start was not aborted")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestSessionReconnectKeepsTrackTime(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{})
	s, first := startSession(t, testConfig(t, nil), dialer, rec)
	defer s.Stop(context.Background())

	// One second of 16 kHz 16-bit mono audio.
	if err := s.PushAudio(make([]byte, 32000)); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	waitFor(t, "audio", func() bool { return len(first.Audio()) == 1 })
	first.Push(mock.Final("a", "before", 0.2, 0.8, 0.9))
	waitFor(t, "first final", func() bool { return len(rec.Events()) == 1 })

	first.Drop(errors.New("network reset"))
	second, ok := dialer.NextConn(time.Second)
	if !ok {
		t.Fatalf("session did not reconnect")
	}
	waitFor(t, "reconnected", func() bool { return len(rec.noticesOf(NoticeReconnected)) == 1 })
	if len(rec.noticesOf(NoticeReconnecting)) != 1 {
		t.Fatalf("expected a reconnecting notice")
	}

	second.Push(mock.Final("b", "after", 0.1, 0.4, 0.9))
	waitFor(t, "second final", func() bool { return len(rec.Events()) == 2 })
	ev := rec.Events()[1]
	if ev.Start != 1.1 || ev.End != 1.4 {
		t.Fatalf("expected offset timestamps, got %v-%v", ev.Start, ev.End)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state = %s", s.State())
	}
}

func TestSessionReconnectReleasesOpenUtterances(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{})
	s, first := startSession(t, testConfig(t, nil), dialer, rec)
	defer s.Stop(context.Background())

	if err := s.PushAudio(make([]byte, 32000)); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	waitFor(t, "audio", func() bool { return len(first.Audio()) == 1 })
	first.Push(mock.Interim("a", "never finished", 0.2, 0.8, 0.9))
	waitFor(t, "interim", func() bool { return len(rec.Events()) == 1 })

	first.Drop(errors.New("network reset"))
	second, ok := dialer.NextConn(time.Second)
	if !ok {
		t.Fatalf("session did not reconnect")
	}
	waitFor(t, "reconnected", func() bool { return len(rec.noticesOf(NoticeReconnected)) == 1 })

	second.Push(mock.Interim("b", "after", 0.1, 0.4, 0.9))
	waitFor(t, "interim after reconnect", func() bool { return len(rec.Events()) == 2 })
	if ev := rec.Events()[1]; ev.Text != "after" || ev.Start != 1.1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSessionReconnectExhausted(t *testing.T) {
	rec := newRecorder()
	dialer := mock.NewSTT(mock.STTConfig{})
	s, conn := startSession(t, testConfig(t, nil), dialer, rec)

	conn.Push(mock.Final("x", "kept", 0, 0.5, 0.9))
	waitFor(t, "final", func() bool { return len(rec.Events()) == 1 })

	dialer.FailNext(10)
	conn.Drop(errors.New("gone"))
	waitFor(t, "failure", func() bool { return len(rec.noticesOf(NoticeFailed)) == 1 })

	failed := rec.noticesOf(NoticeFailed)[0]
	var connErr *errorsx.ConnectionError
	if !errors.As(failed.Err, &connErr) || connErr.Attempts != 3 {
		t.Fatalf("expected ConnectionError after 3 attempts, got %v", failed.Err)
	}
	if s.State() != StateErrored {
		t.Fatalf("state = %s", s.State())
	}
	if err := s.PushAudio([]byte{1}); err == nil {
		t.Fatalf("push audio should fail once errored")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSessionFiltersAndOrders(t *testing.T) {
	rec := newRecorder()
	obs := metrics.NewMemoryObserver()
	cfg := testConfig(t, map[string]string{
		"GLADIA_MIN_CONFIDENCE_FINAL":   "0.6",
		"GLADIA_MIN_CONFIDENCE_INTERIM": "0.3",
	})
	s, conn := startSession(t, cfg, mock.NewSTT(mock.STTConfig{}), rec, WithObserver(obs))
	defer s.Stop(context.Background())

	conn.Push(mock.Final("a", "low", 0, 1, 0.59))
	conn.Push(mock.Final("b", "kept", 1, 2, 0.60))
	conn.Push(mock.Interim("c", "stale", 0.5, 0.9, 0.9))
	conn.Push(mock.Final("b", "duplicate", 1, 2, 0.9))
	conn.Push(mock.Interim("d", "next", 2.1, 2.5, 0.2))
	conn.Push(mock.Interim("d", "next up", 2.1, 2.8, 0.4))
	waitFor(t, "events", func() bool { return len(rec.Events()) == 2 })
	waitFor(t, "drops", func() bool { return obs.Count(metrics.EventTranscriptDropped) == 4 })

	events := rec.Events()
	if events[0].Text != "kept" || events[1].Text != "next up" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if obs.Count(metrics.EventTranscriptEmitted) != 2 {
		t.Fatalf("emitted = %d", obs.Count(metrics.EventTranscriptEmitted))
	}
}

func TestSessionVendorNotices(t *testing.T) {
	rec := newRecorder()
	s, conn := startSession(t, testConfig(t, nil), mock.NewSTT(mock.STTConfig{}), rec)
	defer s.Stop(context.Background())

	conn.Push(stt.Message{Type: stt.MessageError, Err: &stt.VendorError{Code: 400, Message: "bad frame"}})
	conn.Push(stt.Message{Type: stt.MessageSpeechStart, At: transcript.VendorSeconds(0.25)})
	conn.Push(mock.Final("a", "still streaming", 0.25, 1, 0.9))
	waitFor(t, "final", func() bool { return len(rec.Events()) == 1 })

	vendor := rec.noticesOf(NoticeVendorError)
	if len(vendor) != 1 || !errorsx.HasReason(vendor[0].Err, errorsx.ReasonSTTVendor) {
		t.Fatalf("vendor notices = %+v", vendor)
	}
	speech := rec.noticesOf(NoticeSpeechStart)
	if len(speech) != 1 || speech[0].At != 0.25 || speech[0].SessionID != s.ID() {
		t.Fatalf("speech notices = %+v", speech)
	}
	if s.State() != StateStreaming {
		t.Fatalf("vendor errors must not end the session, state = %s", s.State())
	}
}

func TestTransitionTable(t *testing.T) {
	valid := [][2]State{
		{StateIdle, StateConnecting},
		{StateConnecting, StateStreaming},
		{StateConnecting, StateErrored},
		{StateStreaming, StateClosing},
		{StateStreaming, StateErrored},
		{StateClosing, StateClosed},
	}
	for _, tr := range valid {
		if !transitionValid(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be valid", tr[0], tr[1])
		}
	}
	invalid := [][2]State{
		{StateIdle, StateStreaming},
		{StateClosed, StateConnecting},
		{StateErrored, StateStreaming},
		{StateClosing, StateStreaming},
	}
	for _, tr := range invalid {
		if transitionValid(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be invalid", tr[0], tr[1])
		}
	}
	if !StateErrored.Terminal() || !StateClosed.Terminal() || StateClosing.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
