// Package agent binds streaming transcription sessions to the host's track
// subscription lifecycle: exactly one session per subscribed microphone
// track, created on subscribe and torn down on unsubscribe.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/redact"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
	"github.com/harunnryd/ranya-gladia/pkg/session"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

const (
	emitTimeout = 5 * time.Second
	stopTimeout = 30 * time.Second
)

type Config struct {
	// RequireSettings skips tracks whose participant has not announced a
	// locale and a provider yet. They start once settings arrive.
	RequireSettings bool `mapstructure:"require_settings"`
	// Provider is the provider name this agent serves.
	Provider string `mapstructure:"provider"`
	// Overrides apply to every session, below participant options.
	Overrides map[string]any `mapstructure:"overrides"`
}

// Deps are the collaborators of an Agent.
type Deps struct {
	Env      config.Environment
	Dialer   stt.Dialer
	Emitter  Emitter
	Logger   *slog.Logger
	Observer metrics.Observer
	Breaker  *resilience.CircuitBreaker
}

type Agent struct {
	cfg     Config
	env     config.Environment
	dialer  stt.Dialer
	emitter Emitter
	logger  *slog.Logger
	baseLog *slog.Logger
	obs     metrics.Observer
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	tracks   map[string]trackInfo
	entries  map[string]*entry
	settings map[string]Settings
	configs  map[string]config.SessionConfig
	gen      uint64
	closed   bool
	wg       sync.WaitGroup
}

type trackInfo struct {
	track       Track
	participant Participant
}

type entry struct {
	gen      uint64
	info     trackInfo
	locale   string
	cfg      config.SessionConfig
	session  *session.Session
	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

func New(cfg Config, deps Deps) *Agent {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGladia
	}
	if deps.Env == nil {
		deps.Env = config.OSEnvironment
	}
	if deps.Emitter == nil {
		deps.Emitter = MultiEmitter(nil)
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		env:      deps.Env,
		dialer:   deps.Dialer,
		emitter:  deps.Emitter,
		baseLog:  deps.Logger,
		logger:   logging.NewComponentLogger(deps.Logger, "agent"),
		obs:      deps.Observer,
		breaker:  deps.Breaker,
		tracks:   make(map[string]trackInfo),
		entries:  make(map[string]*entry),
		settings: make(map[string]Settings),
		configs:  make(map[string]config.SessionConfig),
	}
}

// OnTrackSubscribed starts a session for a subscribed microphone track. It
// never blocks on the vendor: connecting and streaming happen in the
// background. Subscribing an already active track is a no-op.
func (a *Agent) OnTrackSubscribed(track Track, participant Participant) {
	log := a.logger.With(
		slog.String("track_sid", track.SID),
		slog.String("participant", participant.Identity))
	if track.Kind != TrackKindAudio || track.Source != SourceMicrophone {
		log.Debug("track_skipped",
			slog.String("kind", string(track.Kind)),
			slog.String("source", string(track.Source)))
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	info := trackInfo{track: track, participant: participant}
	a.tracks[track.SID] = info
	if _, ok := a.entries[track.SID]; ok {
		a.mu.Unlock()
		log.Debug("track_already_transcribing")
		return
	}
	e := a.newEntryLocked(info)
	a.mu.Unlock()

	if e != nil {
		a.launch(e, nil)
	}
}

// OnTrackUnsubscribed stops the track's session. Unknown tracks are ignored.
func (a *Agent) OnTrackUnsubscribed(track Track, participant Participant) {
	a.mu.Lock()
	delete(a.tracks, track.SID)
	e, ok := a.entries[track.SID]
	if ok {
		delete(a.entries, track.SID)
		a.recordActiveLocked()
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.logger.Info("transcription_stopping",
		slog.String("track_sid", track.SID),
		slog.String("participant", participant.Identity))
	a.stopAsync(e)
}

// UpdateSettings merges new settings for a participant and restarts the
// participant's sessions with the resulting configuration. Tracks that were
// waiting for settings are started.
func (a *Agent) UpdateSettings(identity string, next Settings) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	merged := a.settings[identity].merge(next)
	a.settings[identity] = merged

	type restart struct {
		old *entry
		new *entry
	}
	var restarts []restart
	for sid, info := range a.tracks {
		if info.participant.Identity != identity {
			continue
		}
		old := a.entries[sid]
		if old != nil {
			delete(a.entries, sid)
		}
		restarts = append(restarts, restart{old: old, new: a.newEntryLocked(info)})
	}
	a.recordActiveLocked()
	a.mu.Unlock()

	a.logger.Info("participant_settings_updated",
		slog.String("participant", identity),
		slog.String("locale", merged.Locale),
		slog.String("provider", merged.Provider),
		slog.Int("tracks", len(restarts)))

	for _, r := range restarts {
		var after <-chan struct{}
		if r.old != nil {
			after = r.old.pumpDone
			a.stopAsync(r.old)
		}
		if r.new != nil {
			a.launch(r.new, after)
		}
	}
}

// Settings returns the stored settings of a participant.
func (a *Agent) Settings(identity string) (Settings, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settings[identity]
	return s, ok
}

// OnParticipantDisconnected stops every session of the participant and
// forgets its settings.
func (a *Agent) OnParticipantDisconnected(identity string) {
	a.mu.Lock()
	delete(a.settings, identity)
	var stopped []*entry
	for sid, info := range a.tracks {
		if info.participant.Identity != identity {
			continue
		}
		delete(a.tracks, sid)
		if e, ok := a.entries[sid]; ok {
			delete(a.entries, sid)
			stopped = append(stopped, e)
		}
	}
	a.recordActiveLocked()
	a.mu.Unlock()

	for _, e := range stopped {
		a.stopAsync(e)
	}
	a.logger.Info("participant_disconnected",
		slog.String("participant", identity),
		slog.Int("sessions_stopped", len(stopped)))
}

// Active returns the SIDs of tracks with a live session entry.
func (a *Agent) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for sid := range a.entries {
		out = append(out, sid)
	}
	return out
}

// SessionFor returns the session bound to a track.
func (a *Agent) SessionFor(trackSID string) (*session.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[trackSID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Close stops every session and waits for background work until ctx is done.
func (a *Agent) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	a.closed = true
	stopped := make([]*entry, 0, len(a.entries))
	for sid, e := range a.entries {
		delete(a.entries, sid)
		stopped = append(stopped, e)
	}
	a.tracks = make(map[string]trackInfo)
	a.recordActiveLocked()
	a.mu.Unlock()

	for _, e := range stopped {
		a.stopAsync(e)
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain satisfies the runner's drainer hook.
func (a *Agent) Drain(ctx context.Context) error {
	return a.Close(ctx)
}

// newEntryLocked applies the participant policy and builds an entry, or
// returns nil when the track must not be transcribed now.
func (a *Agent) newEntryLocked(info trackInfo) *entry {
	identity := info.participant.Identity
	log := a.logger.With(
		slog.String("track_sid", info.track.SID),
		slog.String("participant", identity))

	settings, hasSettings := a.settings[identity]
	if a.cfg.RequireSettings && (!hasSettings || !settings.Complete()) {
		log.Info("transcription_waiting_for_settings")
		return nil
	}
	if settings.Provider != "" && !strings.EqualFold(settings.Provider, a.cfg.Provider) {
		log.Info("transcription_skipped_provider", slog.String("provider", settings.Provider))
		return nil
	}

	cfg, err := a.resolveLocked(settings)
	if err != nil {
		log.Error("session_config_invalid",
			slog.String("error", err.Error()),
			errorsx.Attr(err))
		metrics.Record(a.obs, metrics.EventConfigResolveError, 1, map[string]string{"provider": a.dialer.Name()})
		return nil
	}

	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		gen:      gen,
		info:     info,
		locale:   settings.Locale,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
	}
	sid := info.track.SID
	e.session = session.New(cfg, a.dialer,
		session.WithLogger(a.baseLog),
		session.WithObserver(a.obs),
		session.WithLabel(sid),
		session.WithBreaker(a.breaker),
		session.WithNoticeHandler(func(n session.Notice) { a.onNotice(sid, gen, n) }),
	)
	a.entries[sid] = e
	a.recordActiveLocked()
	log.Info("transcription_starting",
		slog.String("session_id", e.session.ID()),
		slog.String("locale", settings.Locale),
		slog.Any("languages", cfg.Languages))
	return e
}

// resolveLocked resolves (and caches) the session config for a participant's
// settings.
func (a *Agent) resolveLocked(s Settings) (config.SessionConfig, error) {
	overrides := make(map[string]any, len(a.cfg.Overrides)+len(s.Options)+1)
	for k, v := range a.cfg.Overrides {
		overrides[k] = v
	}
	for k, v := range s.Options {
		overrides[k] = v
	}
	if s.Locale != "" {
		overrides["locale"] = s.Locale
	}
	key, err := json.Marshal(overrides)
	if err == nil {
		if cfg, ok := a.configs[string(key)]; ok {
			return cfg.Clone(), nil
		}
	}
	cfg, rerr := config.Resolve(a.env, overrides)
	if rerr != nil {
		return config.SessionConfig{}, rerr
	}
	if err == nil {
		a.configs[string(key)] = cfg
	}
	a.logger.Debug("session_config_resolved", slog.Any("config", cfg.Redacted()))
	return cfg.Clone(), nil
}

// launch starts the session and its audio pump in the background. When after
// is set the start waits for it, so two pumps never read one track.
func (a *Agent) launch(e *entry, after <-chan struct{}) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(e.pumpDone)
		if after != nil {
			select {
			case <-after:
			case <-e.ctx.Done():
				return
			}
		}
		err := e.session.Start(e.ctx, func(ev transcript.Event) { a.emit(e, ev) })
		if err != nil {
			var closed *errorsx.SessionClosedError
			var invalid *session.InvalidTransitionError
			if errors.As(err, &closed) || errors.As(err, &invalid) || e.ctx.Err() != nil {
				return
			}
			a.logger.Error("transcription_start_failed",
				slog.String("track_sid", e.info.track.SID),
				slog.String("session_id", e.session.ID()),
				slog.String("error", err.Error()),
				errorsx.Attr(err))
			a.removeIf(e.info.track.SID, e.gen)
			return
		}
		a.pump(e)
	}()
}

func (a *Agent) pump(e *entry) {
	audio := e.info.track.Audio
	if audio == nil {
		<-e.ctx.Done()
		return
	}
	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-audio:
			if !ok {
				a.logger.Debug("track_audio_ended", slog.String("track_sid", e.info.track.SID))
				return
			}
			if err := e.session.PushAudio(frame); err != nil {
				var closed *errorsx.SessionClosedError
				if errors.As(err, &closed) {
					return
				}
			}
		}
	}
}

// stopAsync stops a removed entry without blocking the caller.
func (a *Agent) stopAsync(e *entry) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := e.session.Stop(ctx); err != nil {
			a.logger.Warn("transcription_stop_failed",
				slog.String("track_sid", e.info.track.SID),
				slog.String("error", err.Error()))
		}
		e.cancel()
		<-e.pumpDone
	}()
}

func (a *Agent) emit(e *entry, ev transcript.Event) {
	ref := TrackRef{
		Room:                e.info.participant.Room,
		TrackSID:            e.info.track.SID,
		ParticipantIdentity: e.info.participant.Identity,
		Locale:              e.locale,
		SessionID:           e.session.ID(),
	}
	if ref.Locale == "" {
		ref.Locale = e.cfg.LocaleFor(ev.Language)
	}
	ev.Text = redact.Text(ev.Text)

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	tags := map[string]string{"provider": a.dialer.Name(), "kind": string(ev.Kind)}
	if err := a.emitter.EmitTranscript(ctx, ref, ev); err != nil {
		metrics.Record(a.obs, metrics.EventPublishFailed, 1, tags)
		a.logger.Warn("transcript_emit_failed",
			slog.String("track_sid", ref.TrackSID),
			slog.String("error", err.Error()),
			errorsx.Attr(err))
		return
	}
	metrics.Record(a.obs, metrics.EventPublish, 1, tags)
}

func (a *Agent) onNotice(sid string, gen uint64, n session.Notice) {
	log := a.logger.With(
		slog.String("track_sid", sid),
		slog.String("session_id", n.SessionID),
		slog.String("notice", n.Type.String()))
	switch n.Type {
	case session.NoticeFailed:
		log.Error("transcription_failed", slog.String("error", n.Err.Error()))
		a.removeIf(sid, gen)
	case session.NoticeVendorError:
		log.Warn("transcription_vendor_error", slog.String("error", n.Err.Error()))
	case session.NoticeRetrying, session.NoticeReconnecting:
		attrs := []any{slog.Int("attempt", n.Attempt)}
		if n.Err != nil {
			attrs = append(attrs, slog.String("error", n.Err.Error()))
		}
		log.Warn("transcription_reconnecting", attrs...)
	case session.NoticeReconnected:
		log.Info("transcription_reconnected")
	default:
		log.Debug("transcription_notice", slog.Float64("at", float64(n.At)))
	}
}

// removeIf drops the entry of sid if it is still the given generation. The
// track stays known, so a settings update or resubscribe replaces it.
func (a *Agent) removeIf(sid string, gen uint64) {
	a.mu.Lock()
	e, ok := a.entries[sid]
	if !ok || e.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.entries, sid)
	a.recordActiveLocked()
	a.mu.Unlock()
	e.cancel()
}

func (a *Agent) recordActiveLocked() {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSessionsActive,
		Time:  time.Now(),
		Value: float64(len(a.entries)),
		Tags:  map[string]string{"provider": a.dialer.Name()},
	})
}
