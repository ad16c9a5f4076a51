// Package session runs one real-time transcription session against a vendor
// transport: it owns the connection, forwards audio, turns vendor messages
// into ordered transcript events and recovers from transport drops.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

var (
	errVendorEnded = errors.New("vendor ended the session")
	errCircuitOpen = errors.New("circuit breaker open")
)

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.baseLogger = l }
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Session) { s.obs = obs }
}

// WithNoticeHandler receives retry, reconnect, failure, vendor error and
// speech notices. It runs on session goroutines and must not block.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(s *Session) { s.onNotice = fn }
}

// WithLabel names the session in logs, typically the track SID.
func WithLabel(label string) Option {
	return func(s *Session) { s.label = label }
}

// WithBreaker shares a circuit breaker across sessions so repeated vendor
// rate limiting stops new dials for a while.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = b }
}

// Session is a single streaming transcription session. It is created Idle,
// started once and stopped once; it is never restarted.
//
// The transcript callback is invoked from one goroutine at a time, in
// non-decreasing start order. It must not call Stop synchronously.
type Session struct {
	id         string
	cfg        config.SessionConfig
	settings   transcript.Settings
	dialer     stt.Dialer
	baseLogger *slog.Logger
	logger     *slog.Logger
	obs        metrics.Observer
	onNotice   func(Notice)
	label      string
	breaker    *resilience.CircuitBreaker
	tags       map[string]string

	mu         sync.Mutex
	state      State
	onEvent    func(transcript.Event)
	cancelDial context.CancelFunc
	audio      chan []byte

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	connMu    sync.Mutex
	conn      stt.Conn
	connReady chan struct{}

	vendorDone     chan struct{}
	vendorDoneOnce sync.Once

	sentBytes atomic.Int64
	// offset and seq are owned by the reader goroutine.
	offset transcript.Seconds
	seq    *transcript.Sequencer
}

// New creates an Idle session.
func New(cfg config.SessionConfig, dialer stt.Dialer, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		settings:   cfg.TranscriptSettings(),
		dialer:     dialer,
		state:      StateIdle,
		connReady:  make(chan struct{}),
		vendorDone: make(chan struct{}),
		seq:        transcript.NewSequencer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.obs == nil {
		s.obs = metrics.NoopObserver{}
	}
	s.logger = logging.NewComponentLogger(s.baseLogger, "stt_session").With(
		slog.String("session_id", s.id),
		slog.String("provider", dialer.Name()),
	)
	if s.label != "" {
		s.logger = s.logger.With(slog.String("track", s.label))
	}
	s.tags = map[string]string{"provider": dialer.Name(), "session_id": s.id}
	buf := cfg.AudioBuffer
	if buf <= 0 {
		buf = 1
	}
	s.audio = make(chan []byte, buf)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start connects to the vendor, retrying up to MaxReconnects times, and
// begins streaming. It returns a *errorsx.ConnectionError when every attempt
// failed; the session is then Errored. Cancelling ctx or calling Stop aborts
// the dial. ctx bounds only the connection phase.
func (s *Session) Start(ctx context.Context, onEvent func(transcript.Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if onEvent == nil {
		onEvent = func(transcript.Event) {}
	}

	s.mu.Lock()
	if err := s.transitionLocked(StateConnecting, "start"); err != nil {
		s.mu.Unlock()
		return err
	}
	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.onEvent = onEvent
	s.mu.Unlock()
	defer cancel()

	conn, err := s.connect(dialCtx, func(attempt int, err error) {
		s.logger.Warn("stt_connect_retry",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		s.notify(Notice{Type: NoticeRetrying, Attempt: attempt, Err: err})
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelDial = nil
	if s.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return errorsx.Wrap(&errorsx.SessionClosedError{Op: "start", State: s.state.String()}, errorsx.ReasonSTTSessionClosed)
	}
	if err != nil {
		_ = s.transitionLocked(StateErrored, "connect_failed")
		s.logger.Error("stt_connect_failed", slog.String("error", err.Error()))
		return err
	}
	_ = s.transitionLocked(StateStreaming, "connected")

	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	s.setConn(conn)
	s.wg.Add(2)
	go s.writeLoop()
	go s.run(conn)
	return nil
}

// PushAudio queues one audio frame for the vendor. It never blocks: when the
// queue is full the frame is dropped and counted. Outside Streaming it
// returns *errorsx.SessionClosedError.
func (s *Session) PushAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return errorsx.Wrap(&errorsx.SessionClosedError{Op: "push_audio", State: s.state.String()}, errorsx.ReasonSTTSessionClosed)
	}
	if len(frame) == 0 {
		return nil
	}
	buf := append([]byte(nil), frame...)
	select {
	case s.audio <- buf:
		metrics.Record(s.obs, metrics.EventAudioIn, float64(len(buf)), s.tags)
	default:
		metrics.Record(s.obs, metrics.EventAudioDropped, 1, s.tags)
		s.logger.Debug("stt_audio_dropped", slog.String("reason", "queue_full"))
	}
	return nil
}

// Stop ends the session. From Streaming it drains queued audio, asks the
// vendor to finish and keeps delivering finals until the vendor closes or
// StopTimeout elapses. It is safe in every state and idempotent; once it
// returns the transcript callback is never invoked again.
func (s *Session) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		_ = s.transitionLocked(StateClosed, "stop")
		s.mu.Unlock()
		return nil
	case StateConnecting:
		_ = s.transitionLocked(StateClosed, "stop")
		if s.cancelDial != nil {
			s.cancelDial()
		}
		s.mu.Unlock()
		return nil
	case StateStreaming:
		_ = s.transitionLocked(StateClosing, "stop")
		close(s.audio)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil
	}

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	select {
	case <-s.vendorDone:
	case <-timer.C:
		s.logger.Warn("stt_stop_timeout", slog.Duration("timeout", timeout))
	case <-ctx.Done():
	}
	timer.Stop()

	s.cancelRun()
	s.wg.Wait()
	s.clearConn()

	s.mu.Lock()
	_ = s.transitionLocked(StateClosed, "stopped")
	s.mu.Unlock()
	return nil
}

func (s *Session) transitionLocked(to State, reason string) error {
	from := s.state
	if !transitionValid(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	s.state = to
	s.logger.Debug("stt_session_state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionState,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"provider": s.tags["provider"], "session_id": s.id, "state": to.String()},
	})
	return nil
}

// connect dials with bounded linear backoff. Each attempt is bounded by
// ConnectTimeout.
func (s *Session) connect(ctx context.Context, onRetry func(int, error)) (stt.Conn, error) {
	policy := resilience.NewRetryPolicy(s.cfg.MaxReconnects, s.cfg.ReconnectBackoff)
	var conn stt.Conn
	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		if s.breaker != nil && !s.breaker.Allow() {
			metrics.Record(s.obs, metrics.EventBreakerDenied, 1, s.tags)
			s.logger.Warn("stt_breaker_open", slog.Duration("retry_in", s.breaker.RetryIn()))
			return resilience.Permanent(errorsx.Wrap(errCircuitOpen, errorsx.ReasonSTTCircuitOpen))
		}
		attemptCtx := ctx
		if s.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()
		}
		c, err := s.dialer.Dial(attemptCtx, s.cfg)
		if err != nil {
			if s.breaker != nil {
				s.breaker.OnError(err)
			}
			metrics.Record(s.obs, metrics.EventConnectFailed, 1, s.tags)
			if resilience.IsRateLimit(err) {
				return errorsx.Wrap(err, errorsx.ReasonSTTRateLimit)
			}
			return err
		}
		if s.breaker != nil {
			s.breaker.OnSuccess()
		}
		conn = c
		return nil
	}, onRetry)
	if err != nil {
		return nil, &errorsx.ConnectionError{Provider: s.dialer.Name(), Attempts: attempts, Err: err}
	}
	metrics.Record(s.obs, metrics.EventConnect, 1, s.tags)
	s.logger.Info("stt_connected",
		slog.String("vendor_session_id", conn.ID()),
		slog.Int("attempts", attempts))
	return conn, nil
}

func (s *Session) setConn(c stt.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = c
	close(s.connReady)
}

func (s *Session) clearConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn = nil
	s.connReady = make(chan struct{})
}

// waitConn blocks until a connection is available. It returns nil once the
// session is shutting down.
func (s *Session) waitConn() stt.Conn {
	for {
		s.connMu.Lock()
		c, ready := s.conn, s.connReady
		s.connMu.Unlock()
		if c != nil {
			return c
		}
		select {
		case <-ready:
		case <-s.runCtx.Done():
			return nil
		}
	}
}

func (s *Session) signalVendorDone() {
	s.vendorDoneOnce.Do(func() { close(s.vendorDone) })
}

// writeLoop forwards queued audio to the current connection. After Stop
// closes the queue it drains what is left and asks the vendor to finish.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case frame, ok := <-s.audio:
			if !ok {
				s.finish()
				return
			}
			conn := s.waitConn()
			if conn == nil {
				return
			}
			if err := conn.SendAudio(frame); err != nil {
				metrics.Record(s.obs, metrics.EventAudioDropped, 1, s.tags)
				s.logger.Debug("stt_audio_send_failed", slog.String("error", err.Error()))
				continue
			}
			s.sentBytes.Add(int64(len(frame)))
		}
	}
}

func (s *Session) finish() {
	conn := s.waitConn()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.StopTimeout)
	defer cancel()
	if err := conn.Finish(ctx); err != nil {
		s.logger.Warn("stt_finish_failed", slog.String("error", err.Error()))
	}
}

// run reads vendor messages and reconnects after transport drops.
func (s *Session) run(conn stt.Conn) {
	defer s.wg.Done()
	for {
		err := s.readConn(conn)
		s.clearConn()
		_ = conn.Close()
		if s.runCtx.Err() != nil {
			return
		}
		if s.State() == StateClosing {
			s.signalVendorDone()
			return
		}
		if err == nil {
			err = errVendorEnded
		}
		next, rerr := s.reconnect(err)
		if rerr != nil {
			if s.runCtx.Err() != nil {
				return
			}
			s.fail(rerr)
			return
		}
		conn = next
		s.setConn(conn)
	}
}

func (s *Session) readConn(conn stt.Conn) error {
	for {
		select {
		case <-s.runCtx.Done():
			return nil
		case msg, ok := <-conn.Results():
			if !ok {
				return conn.Err()
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Session) reconnect(cause error) (stt.Conn, error) {
	s.offset = transcript.SecondsOf(s.audioSent())
	s.seq.Abandon()
	s.logger.Warn("stt_reconnecting",
		slog.String("error", cause.Error()),
		slog.Float64("offset_s", float64(s.offset)))
	metrics.Record(s.obs, metrics.EventReconnect, 1, s.tags)
	s.notify(Notice{Type: NoticeReconnecting, Err: cause})

	conn, err := s.connect(s.runCtx, func(attempt int, err error) {
		s.notify(Notice{Type: NoticeRetrying, Attempt: attempt, Err: err})
	})
	if err != nil {
		return nil, err
	}
	s.notify(Notice{Type: NoticeReconnected})
	return conn, nil
}

// audioSent converts the bytes written so far into track time.
func (s *Session) audioSent() time.Duration {
	bps := s.cfg.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(float64(s.sentBytes.Load()) / float64(bps) * float64(time.Second))
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		s.signalVendorDone()
		return
	}
	_ = s.transitionLocked(StateErrored, "reconnect_exhausted")
	s.mu.Unlock()
	s.cancelRun()
	s.logger.Error("stt_session_failed", slog.String("error", err.Error()))
	s.notify(Notice{Type: NoticeFailed, Err: err})
}

func (s *Session) handleMessage(msg stt.Message) {
	switch msg.Type {
	case stt.MessageTranscript:
		raw := msg.Transcript
		raw.Offset = s.offset
		s.handleTranscript(raw)
	case stt.MessageSpeechStart, stt.MessageSpeechEnd:
		typ := NoticeSpeechStart
		if msg.Type == stt.MessageSpeechEnd {
			typ = NoticeSpeechEnd
		}
		s.notify(Notice{Type: typ, At: s.offset + msg.At.Seconds()})
	case stt.MessageError:
		var err error = &stt.VendorError{Message: "unknown error"}
		if msg.Err != nil {
			err = msg.Err
		}
		s.logger.Warn("stt_vendor_error", slog.String("error", err.Error()))
		metrics.Record(s.obs, metrics.EventVendorError, 1, s.tags)
		s.notify(Notice{Type: NoticeVendorError, Err: errorsx.Wrap(err, errorsx.ReasonSTTVendor)})
	case stt.MessageEnd:
		s.logger.Debug("stt_vendor_session_ended")
	}
}

func (s *Session) handleTranscript(raw transcript.RawEvent) {
	ev, ok := transcript.Normalize(raw, s.settings)
	if !ok {
		s.dropped("normalize")
		return
	}
	if !transcript.ShouldEmit(ev, s.settings) {
		s.dropped("confidence")
		return
	}
	if !ev.IsFinal() && s.State() != StateStreaming {
		s.dropped("closing")
		return
	}
	ev, ok = s.seq.Admit(ev)
	if !ok {
		s.dropped("sequence")
		return
	}
	s.logger.Debug("stt_transcript",
		slog.String("kind", string(ev.Kind)),
		slog.Float64("start", float64(ev.Start)),
		slog.Float64("end", float64(ev.End)),
		slog.String("confidence", strconv.FormatFloat(ev.Confidence, 'f', 2, 64)))
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTranscriptEmitted,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"provider": s.tags["provider"], "session_id": s.id, "kind": string(ev.Kind)},
	})
	s.onEvent(ev)
}

func (s *Session) dropped(reason string) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTranscriptDropped,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"provider": s.tags["provider"], "session_id": s.id, "reason": reason},
	})
}

func (s *Session) notify(n Notice) {
	if s.onNotice == nil {
		return
	}
	n.SessionID = s.id
	s.onNotice(n)
}
