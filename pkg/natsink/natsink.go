// Package natsink publishes transcript events to NATS.
package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/metrics"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

const DefaultSubject = "transcripts"

type Config struct {
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Payload is the JSON body published for every transcript.
type Payload struct {
	Room        string             `json:"room,omitempty"`
	Participant string             `json:"participant"`
	TrackSID    string             `json:"track_sid"`
	SessionID   string             `json:"session_id,omitempty"`
	Locale      string             `json:"locale,omitempty"`
	UtteranceID string             `json:"utterance_id,omitempty"`
	Text        string             `json:"text"`
	Start       transcript.Seconds `json:"start"`
	End         transcript.Seconds `json:"end"`
	Final       bool               `json:"final"`
	Confidence  float64            `json:"confidence"`
	Language    string             `json:"language,omitempty"`
	Words       []transcript.Word  `json:"words,omitempty"`
}

// Sink implements agent.Emitter on a NATS connection.
type Sink struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	obs     metrics.Observer
}

// Connect dials NATS and returns a Sink publishing under cfg.Subject.
func Connect(cfg Config, logger *slog.Logger, obs metrics.Observer) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("gladia-agent"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s := New(conn, cfg.Subject, logger, obs)
	s.logger.Info("nats_connected", slog.String("url", cfg.URL), slog.String("subject", s.subject))
	return s, nil
}

// New wraps an existing connection.
func New(conn *nats.Conn, subject string, logger *slog.Logger, obs metrics.Observer) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Sink{
		conn:    conn,
		subject: subject,
		logger:  logging.NewComponentLogger(logger, "natsink"),
		obs:     obs,
	}
}

// Subject returns the subject a transcript of ref is published on:
// <subject>.<room>.<participant>.
func (s *Sink) Subject(ref agent.TrackRef) string {
	room := token(ref.Room)
	if room == "" {
		room = "_"
	}
	participant := token(ref.ParticipantIdentity)
	if participant == "" {
		participant = "_"
	}
	return s.subject + "." + room + "." + participant
}

func (s *Sink) EmitTranscript(_ context.Context, ref agent.TrackRef, ev transcript.Event) error {
	body, err := json.Marshal(Payload{
		Room:        ref.Room,
		Participant: ref.ParticipantIdentity,
		TrackSID:    ref.TrackSID,
		SessionID:   ref.SessionID,
		Locale:      ref.Locale,
		UtteranceID: ev.UtteranceID,
		Text:        ev.Text,
		Start:       ev.Start,
		End:         ev.End,
		Final:       ev.IsFinal(),
		Confidence:  ev.Confidence,
		Language:    ev.Language,
		Words:       ev.Words,
	})
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonPublish, "encode transcript: %w", err)
	}
	tags := map[string]string{"sink": "nats"}
	subject := s.Subject(ref)
	if err := s.conn.Publish(subject, body); err != nil {
		metrics.Record(s.obs, metrics.EventPublishFailed, 1, tags)
		return errorsx.Wrapf(errorsx.ReasonPublish, "nats publish %s: %w", subject, err)
	}
	metrics.Record(s.obs, metrics.EventPublish, 1, tags)
	return nil
}

func (s *Sink) Healthy() bool {
	return s != nil && s.conn != nil && s.conn.Status() == nats.CONNECTED
}

func (s *Sink) Close() {
	if s == nil || s.conn == nil {
		return
	}
	s.logger.Info("nats_closing")
	_ = s.conn.Drain()
	s.conn.Close()
}

// token makes a value safe to use as a single subject token.
func token(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(v))
}

var _ agent.Emitter = (*Sink)(nil)
