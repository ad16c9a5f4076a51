package bbb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	PublishChannel   string `mapstructure:"publish_channel"`
	SubscribeChannel string `mapstructure:"subscribe_channel"`
}

func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}

// SettingsHandler receives settings changes announced by akka-apps.
type SettingsHandler interface {
	UpdateSettings(identity string, s agent.Settings)
}

// Bridge publishes transcripts to akka-apps and relays speech settings back
// to the agent. It implements agent.Emitter.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer
	now    func() time.Time

	mu     sync.RWMutex
	client *goredis.Client
	owned  bool
}

// New creates a Bridge with its own Redis client.
func New(cfg Config, logger *slog.Logger, obs metrics.Observer) *Bridge {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := NewWithClient(client, cfg, logger, obs)
	b.owned = true
	return b
}

// NewWithClient creates a Bridge around an existing client. A nil client
// yields a disconnected bridge that skips publishing.
func NewWithClient(client *goredis.Client, cfg Config, logger *slog.Logger, obs metrics.Observer) *Bridge {
	if cfg.PublishChannel == "" {
		cfg.PublishChannel = DefaultPublishChannel
	}
	if cfg.SubscribeChannel == "" {
		cfg.SubscribeChannel = DefaultSubscribeChannel
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Bridge{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "bbb"),
		obs:    obs,
		now:    time.Now,
		client: client,
	}
}

func (b *Bridge) Ping(ctx context.Context) error {
	client := b.redis()
	if client == nil {
		return errors.New("redis not connected")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// EmitTranscript publishes an UpdateTranscriptPubMsg. The room is used as the
// meeting id and the participant identity as the user id. When the bridge is
// not connected the event is skipped without error.
func (b *Bridge) EmitTranscript(ctx context.Context, ref agent.TrackRef, ev transcript.Event) error {
	client := b.redis()
	if client == nil {
		b.logger.Warn("redis_publish_skipped", slog.String("reason", "not_connected"))
		return nil
	}
	msg := NewTranscriptMessage(ref.Room, ref.ParticipantIdentity, ref.Locale, ev.Text,
		ev.IsFinal(), ev.Start.Millis(), ev.End.Millis(), b.now())
	payload, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonPublish, "encode transcript: %w", err)
	}
	tags := map[string]string{"sink": "redis"}
	if err := client.Publish(ctx, b.cfg.PublishChannel, payload).Err(); err != nil {
		metrics.Record(b.obs, metrics.EventPublishFailed, 1, tags)
		return errorsx.Wrapf(errorsx.ReasonPublish, "redis publish: %w", err)
	}
	metrics.Record(b.obs, metrics.EventPublish, 1, tags)
	b.logger.Debug("redis_transcript_published",
		slog.String("meeting_id", ref.Room),
		slog.String("user_id", ref.ParticipantIdentity),
		slog.Bool("result", ev.IsFinal()))
	return nil
}

// Listen subscribes to the akka-apps channel and dispatches speech settings
// messages to h until ctx is done.
func (b *Bridge) Listen(ctx context.Context, h SettingsHandler) error {
	client := b.redis()
	if client == nil {
		return errors.New("redis not connected")
	}
	sub := client.Subscribe(ctx, b.cfg.SubscribeChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.cfg.SubscribeChannel, err)
	}
	b.logger.Info("redis_subscribed", slog.String("channel", b.cfg.SubscribeChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.Dispatch([]byte(msg.Payload), h)
		}
	}
}

// Dispatch decodes one akka-apps message and forwards it to h when it is a
// speech settings message. Other messages are ignored.
func (b *Bridge) Dispatch(payload []byte, h SettingsHandler) bool {
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Debug("redis_message_invalid", slog.String("error", err.Error()))
		return false
	}
	userID := msg.userID()
	if userID == "" {
		return false
	}
	var s agent.Settings
	switch msg.name() {
	case UserSpeechLocaleChangedEvtMsg:
		s.Locale = msg.bodyString("locale")
		s.Provider = msg.bodyString("provider")
	case UserSpeechOptionsChangedEvtMsg:
		s.Options = make(map[string]any, 2)
		if v, ok := msg.bodyValue("partialUtterances"); ok {
			s.Options["partialUtterances"] = v
		}
		if v, ok := msg.bodyValue("minUtteranceLength"); ok {
			s.Options["minUtteranceLength"] = v
		}
	default:
		return false
	}
	b.logger.Info("speech_settings_received",
		slog.String("name", msg.name()),
		slog.String("user_id", userID),
		slog.String("locale", s.Locale),
		slog.String("provider", s.Provider))
	h.UpdateSettings(userID, s)
	return true
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil || !b.owned {
		return nil
	}
	return client.Close()
}

func (b *Bridge) redis() *goredis.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

var _ agent.Emitter = (*Bridge)(nil)
