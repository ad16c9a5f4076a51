package session

import "github.com/harunnryd/ranya-gladia/pkg/transcript"

// NoticeType classifies out-of-band session notifications.
type NoticeType int

const (
	// NoticeRetrying follows each failed connection attempt that will be retried.
	NoticeRetrying NoticeType = iota
	// NoticeReconnecting is sent when the transport dropped while streaming.
	NoticeReconnecting
	NoticeReconnected
	// NoticeFailed is terminal; Err holds a *errorsx.ConnectionError.
	NoticeFailed
	// NoticeVendorError carries an in-band vendor error. Streaming continues.
	NoticeVendorError
	NoticeSpeechStart
	NoticeSpeechEnd
)

func (t NoticeType) String() string {
	switch t {
	case NoticeRetrying:
		return "retrying"
	case NoticeReconnecting:
		return "reconnecting"
	case NoticeReconnected:
		return "reconnected"
	case NoticeFailed:
		return "failed"
	case NoticeVendorError:
		return "vendor_error"
	case NoticeSpeechStart:
		return "speech_start"
	case NoticeSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Notice is delivered to the notice handler, never to the transcript callback.
type Notice struct {
	Type      NoticeType
	SessionID string
	Attempt   int
	Err       error
	// At is the track time of a speech notice.
	At transcript.Seconds
}
