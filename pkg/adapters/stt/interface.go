package stt

import (
	"context"
	"fmt"

	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

// Dialer opens vendor connections. A streaming session dials once on start
// and again after every transport drop.
type Dialer interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Dial initializes a vendor session and opens its realtime connection.
	Dial(ctx context.Context, cfg config.SessionConfig) (Conn, error)
}

// Conn is one realtime vendor connection.
type Conn interface {
	// ID returns the vendor session id.
	ID() string
	// SendAudio writes one raw audio frame. Calls are serialized by the caller.
	SendAudio(frame []byte) error
	// Finish asks the vendor to flush pending results and end the session.
	Finish(ctx context.Context) error
	// Results delivers decoded vendor messages. It is closed when the
	// connection ends.
	Results() <-chan Message
	// Err reports why Results was closed: nil when the vendor ended the
	// session normally, the transport error otherwise.
	Err() error
	// Close tears the connection down without waiting for the vendor.
	Close() error
}

// MessageType classifies vendor messages.
type MessageType int

const (
	MessageTranscript MessageType = iota
	MessageSpeechStart
	MessageSpeechEnd
	MessageError
	MessageEnd
)

func (t MessageType) String() string {
	switch t {
	case MessageTranscript:
		return "transcript"
	case MessageSpeechStart:
		return "speech_start"
	case MessageSpeechEnd:
		return "speech_end"
	case MessageError:
		return "error"
	case MessageEnd:
		return "end_session"
	default:
		return fmt.Sprintf("message_type(%d)", int(t))
	}
}

// Message is a vendor message in canonical form.
type Message struct {
	Type       MessageType
	Transcript transcript.RawEvent
	// At is the vendor time of a speech start/end message.
	At  transcript.VendorTime
	Err *VendorError
}

// VendorError is a recognition error reported in-band by the vendor. The
// connection stays usable.
type VendorError struct {
	Code    int
	Message string
}

func (e *VendorError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("vendor error %d: %s", e.Code, e.Message)
	}
	return "vendor error: " + e.Message
}
