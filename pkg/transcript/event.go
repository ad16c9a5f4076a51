package transcript

// Kind classifies a recognition result.
type Kind string

const (
	KindInterim Kind = "interim"
	KindFinal   Kind = "final"
)

// Word is a single timed token of a transcript.
type Word struct {
	Text       string  `json:"text"`
	Start      Seconds `json:"start"`
	End        Seconds `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Event is one normalized recognition result delivered to the host.
type Event struct {
	UtteranceID string  `json:"utterance_id,omitempty"`
	Text        string  `json:"text"`
	Start       Seconds `json:"start"`
	End         Seconds `json:"end"`
	Kind        Kind    `json:"kind"`
	Confidence  float64 `json:"confidence"`
	Language    string  `json:"language,omitempty"`
	Channel     int     `json:"channel"`
	Words       []Word  `json:"words,omitempty"`
}

// IsFinal is shorthand for Kind == KindFinal.
func (e Event) IsFinal() bool { return e.Kind == KindFinal }

// Duration is End-Start.
func (e Event) Duration() Seconds { return e.End - e.Start }

// RawWord is a word timing in vendor units.
type RawWord struct {
	Text       string
	Start      VendorTime
	End        VendorTime
	Confidence float64
}

// RawEvent is a vendor transcript mapped field by field, before any unit
// conversion or policy is applied.
type RawEvent struct {
	UtteranceID string
	Text        string
	Start       VendorTime
	End         VendorTime
	IsFinal     bool
	Confidence  float64
	Language    string
	Channel     int
	Words       []RawWord

	// Offset is added to every converted timestamp. Sessions set it to the
	// amount of audio consumed by earlier vendor connections so timestamps
	// stay relative to the track start across reconnects.
	Offset Seconds
}

// Settings is the subset of session configuration the normalizer and the
// confidence filter depend on.
type Settings struct {
	InterimResults       bool
	MinUtteranceLength   Seconds
	MinConfidenceInterim float64
	MinConfidenceFinal   float64
}

// Threshold returns the minimum confidence for events of the given kind.
func (s Settings) Threshold(kind Kind) float64 {
	if kind == KindFinal {
		return s.MinConfidenceFinal
	}
	return s.MinConfidenceInterim
}
