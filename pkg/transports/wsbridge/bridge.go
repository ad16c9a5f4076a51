// Package wsbridge accepts a media host over WebSocket. The host announces
// tracks and streams their PCM as base64 JSON events; transcripts are written
// back on the connection that owns the track.
package wsbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
	"github.com/harunnryd/ranya-gladia/pkg/transports"
)

type Config struct {
	ServerAddr     string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AudioBuffer    int      `mapstructure:"audio_buffer"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/tracks"
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = 256
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Bridge struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	obs      metrics.Observer

	host atomic.Pointer[hostRef]

	mu      sync.Mutex
	clients map[string]*client
	tracks  map[string]*trackState
	// owners outlives tracks so finals flushed after an unsubscribe still
	// reach the connection.
	owners map[string]string

	draining atomic.Bool
}

type hostRef struct{ transports.Host }

type trackState struct {
	owner       string
	track       agent.Track
	participant agent.Participant
	audio       chan []byte
}

func New(cfg Config, logger *slog.Logger, obs metrics.Observer) *Bridge {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	b := &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 4096,
		},
		logger:  logging.NewComponentLogger(logger, "wsbridge"),
		obs:     obs,
		clients: make(map[string]*client),
		tracks:  make(map[string]*trackState),
		owners:  make(map[string]string),
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

func (b *Bridge) Name() string { return "wsbridge" }

// Attach sets the host that receives track events. It must be called before
// Start.
func (b *Bridge) Attach(host transports.Host) {
	b.host.Store(&hostRef{host})
}

func (b *Bridge) ReadyFields() map[string]any {
	addr := b.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{"bridge_url": "ws://" + addr + b.cfg.Path}
}

func (b *Bridge) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.host.Load() == nil {
		return errors.New("wsbridge: no host attached")
	}
	mux := http.NewServeMux()
	mux.Handle(b.cfg.Path, b)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	b.server = &http.Server{
		Addr:              b.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = b.server.Close()
	}()
	go func() {
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("wsbridge_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (b *Bridge) Stop() error {
	b.draining.Store(true)
	if b.server != nil {
		_ = b.server.Close()
	}
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*client)
	b.mu.Unlock()
	for _, c := range clients {
		_ = c.close()
	}
	return nil
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ref := b.host.Load()
	if ref == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := b.attach(conn)
	log := b.logger.With(slog.String("conn_id", c.id))
	log.Info("wsbridge_connected", slog.String("remote", r.RemoteAddr))
	defer func() {
		b.detach(c, ref.Host)
		log.Info("wsbridge_disconnected")
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			log.Debug("wsbridge_invalid_event",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonTransportProtocol)))
			continue
		}
		b.handle(c, ref.Host, evt)
	}
}

func (b *Bridge) handle(c *client, host transports.Host, evt Event) {
	switch evt.Event {
	case EventTrackSubscribed:
		if evt.Track == nil || evt.Track.SID == "" || evt.Participant == nil {
			return
		}
		participant := agent.Participant{
			Identity: evt.Participant.Identity,
			Name:     evt.Participant.Name,
			Room:     evt.Room,
		}
		track := agent.Track{
			SID:    evt.Track.SID,
			Kind:   agent.TrackKind(strings.ToLower(evt.Track.Kind)),
			Source: agent.TrackSource(strings.ToLower(evt.Track.Source)),
		}
		if track.Kind == agent.TrackKindAudio {
			audio, exists := b.addTrack(c.id, track, participant)
			if exists {
				// A duplicate subscribe keeps the existing track and channel.
				return
			}
			track.Audio = audio
		}
		host.OnTrackSubscribed(track, participant)
	case EventMedia:
		payload, err := base64.StdEncoding.DecodeString(evt.Payload)
		if err != nil {
			return
		}
		b.pushMedia(evt.TrackSID, payload)
	case EventTrackUnsubscribed:
		if ts := b.removeTrack(evt.TrackSID); ts != nil {
			host.OnTrackUnsubscribed(ts.track, ts.participant)
		}
	case EventParticipantDisconnected:
		if evt.Participant == nil || evt.Participant.Identity == "" {
			return
		}
		b.removeParticipant(evt.Participant.Identity)
		host.OnParticipantDisconnected(evt.Participant.Identity)
	case EventSettings:
		if evt.Participant == nil || evt.Participant.Identity == "" || evt.Settings == nil {
			return
		}
		host.UpdateSettings(evt.Participant.Identity, agent.Settings{
			Locale:   evt.Settings.Locale,
			Provider: evt.Settings.Provider,
			Options:  evt.Settings.Options,
		})
	}
}

// EmitTranscript writes a transcript event to the connection that owns the
// track. Transcripts for tracks whose connection is gone are dropped.
func (b *Bridge) EmitTranscript(_ context.Context, ref agent.TrackRef, ev transcript.Event) error {
	b.mu.Lock()
	c := b.clients[b.owners[ref.TrackSID]]
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	err := c.enqueue(Transcript{
		Event:       EventTranscript,
		Room:        ref.Room,
		TrackSID:    ref.TrackSID,
		Participant: ref.ParticipantIdentity,
		SessionID:   ref.SessionID,
		Locale:      ref.Locale,
		UtteranceID: ev.UtteranceID,
		Text:        ev.Text,
		Start:       ev.Start,
		End:         ev.End,
		Final:       ev.IsFinal(),
		Confidence:  ev.Confidence,
		Language:    ev.Language,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (b *Bridge) attach(conn *websocket.Conn) *client {
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	go c.loop()
	return c
}

// detach drops a connection and unsubscribes every track it owned.
func (b *Bridge) detach(c *client, host transports.Host) {
	b.mu.Lock()
	delete(b.clients, c.id)
	for sid, owner := range b.owners {
		if owner == c.id {
			delete(b.owners, sid)
		}
	}
	var owned []*trackState
	for sid, ts := range b.tracks {
		if ts.owner != c.id {
			continue
		}
		delete(b.tracks, sid)
		close(ts.audio)
		owned = append(owned, ts)
	}
	b.mu.Unlock()
	_ = c.close()
	for _, ts := range owned {
		host.OnTrackUnsubscribed(ts.track, ts.participant)
	}
}

func (b *Bridge) addTrack(owner string, track agent.Track, participant agent.Participant) (chan []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.tracks[track.SID]; ok {
		return ts.audio, true
	}
	audio := make(chan []byte, b.cfg.AudioBuffer)
	track.Audio = audio
	b.owners[track.SID] = owner
	b.tracks[track.SID] = &trackState{owner: owner, track: track, participant: participant, audio: audio}
	return audio, false
}

func (b *Bridge) removeTrack(sid string) *trackState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tracks[sid]
	if !ok {
		return nil
	}
	delete(b.tracks, sid)
	close(ts.audio)
	return ts
}

func (b *Bridge) removeParticipant(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid, ts := range b.tracks {
		if ts.participant.Identity != identity {
			continue
		}
		delete(b.tracks, sid)
		close(ts.audio)
	}
}

func (b *Bridge) pushMedia(sid string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tracks[sid]
	if !ok {
		return
	}
	select {
	case ts.audio <- payload:
	default:
		metrics.Record(b.obs, metrics.EventAudioDropped, 1, map[string]string{"transport": "wsbridge"})
	}
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if b.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range b.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
}

var errClientClosed = errors.New("wsbridge: connection closed")

func (c *client) enqueue(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return errors.New("wsbridge: send buffer full")
	}
}

func (c *client) loop() {
	for msg := range c.sendCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

var (
	_ transports.Transport     = (*Bridge)(nil)
	_ transports.ReadyReporter = (*Bridge)(nil)
)
