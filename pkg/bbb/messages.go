// Package bbb bridges transcripts and per-participant speech settings to a
// BigBlueButton deployment over Redis pub/sub.
package bbb

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/spf13/cast"
)

const (
	UpdateTranscriptPubMsg         = "UpdateTranscriptPubMsg"
	UserSpeechLocaleChangedEvtMsg  = "UserSpeechLocaleChangedEvtMsg"
	UserSpeechOptionsChangedEvtMsg = "UserSpeechOptionsChangedEvtMsg"
	DefaultPublishChannel          = "to-akka-apps-redis-channel"
	DefaultSubscribeChannel        = "from-akka-apps-redis-channel"
)

type Routing struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

type Envelope struct {
	Name      string  `json:"name"`
	Routing   Routing `json:"routing"`
	Timestamp int64   `json:"timestamp"`
}

type Header struct {
	Name      string `json:"name"`
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

type TranscriptBody struct {
	TranscriptID string `json:"transcriptId"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Text         string `json:"text"`
	Transcript   string `json:"transcript"`
	Locale       string `json:"locale"`
	Result       bool   `json:"result"`
}

type TranscriptCore struct {
	Header Header         `json:"header"`
	Body   TranscriptBody `json:"body"`
}

type TranscriptMessage struct {
	Envelope Envelope       `json:"envelope"`
	Core     TranscriptCore `json:"core"`
}

// NewTranscriptMessage builds an UpdateTranscriptPubMsg. start and end are in
// milliseconds; result marks a final transcript.
func NewTranscriptMessage(meetingID, userID, locale, text string, result bool, start, end int64, now time.Time) TranscriptMessage {
	return TranscriptMessage{
		Envelope: Envelope{
			Name:      UpdateTranscriptPubMsg,
			Routing:   Routing{MeetingID: meetingID, UserID: userID},
			Timestamp: now.UnixMilli(),
		},
		Core: TranscriptCore{
			Header: Header{Name: UpdateTranscriptPubMsg, MeetingID: meetingID, UserID: userID},
			Body: TranscriptBody{
				TranscriptID: userID + "-" + locale + "-" + strconv.FormatInt(start, 10),
				Start:        strconv.FormatInt(start, 10),
				End:          strconv.FormatInt(end, 10),
				Transcript:   text,
				Locale:       locale,
				Result:       result,
			},
		},
	}
}

// inbound is the subset of an akka-apps message the subscriber reads.
type inbound struct {
	Envelope Envelope `json:"envelope"`
	Core     struct {
		Header Header                     `json:"header"`
		Body   map[string]json.RawMessage `json:"body"`
	} `json:"core"`
}

func (m inbound) name() string {
	if m.Core.Header.Name != "" {
		return m.Core.Header.Name
	}
	return m.Envelope.Name
}

func (m inbound) userID() string {
	if m.Core.Header.UserID != "" {
		return m.Core.Header.UserID
	}
	return m.Envelope.Routing.UserID
}

func (m inbound) bodyString(key string) string {
	raw, ok := m.Core.Body[key]
	if !ok {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return cast.ToString(v)
}

func (m inbound) bodyValue(key string) (any, bool) {
	raw, ok := m.Core.Body[key]
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}
