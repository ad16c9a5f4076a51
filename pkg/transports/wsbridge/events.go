package wsbridge

import "github.com/harunnryd/ranya-gladia/pkg/transcript"

const (
	EventTrackSubscribed         = "track_subscribed"
	EventTrackUnsubscribed       = "track_unsubscribed"
	EventMedia                   = "media"
	EventParticipantDisconnected = "participant_disconnected"
	EventSettings                = "settings"
	EventTranscript              = "transcript"
)

type ParticipantInfo struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

type TrackInfo struct {
	SID    string `json:"sid"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

type SettingsInfo struct {
	Locale   string         `json:"locale,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// Event is an inbound message from the media host.
type Event struct {
	Event       string           `json:"event"`
	Room        string           `json:"room,omitempty"`
	Participant *ParticipantInfo `json:"participant,omitempty"`
	Track       *TrackInfo       `json:"track,omitempty"`
	TrackSID    string           `json:"track_sid,omitempty"`
	Payload     string           `json:"payload,omitempty"`
	Settings    *SettingsInfo    `json:"settings,omitempty"`
}

// Transcript is the outbound message written for every transcript event.
type Transcript struct {
	Event       string             `json:"event"`
	Room        string             `json:"room,omitempty"`
	TrackSID    string             `json:"track_sid"`
	Participant string             `json:"participant"`
	SessionID   string             `json:"session_id,omitempty"`
	Locale      string             `json:"locale,omitempty"`
	UtteranceID string             `json:"utterance_id,omitempty"`
	Text        string             `json:"text"`
	Start       transcript.Seconds `json:"start"`
	End         transcript.Seconds `json:"end"`
	Final       bool               `json:"final"`
	Confidence  float64            `json:"confidence"`
	Language    string             `json:"language,omitempty"`
}
