package transcript

import (
	"math"
	"strings"
)

// Normalize converts a vendor result into an Event. The boolean is false when
// the result must not be emitted: empty text, interim results disabled, or an
// interim shorter than MinUtteranceLength seconds. Finals are never dropped for
// being short. Confidence is passed through (clamped to [0,1]); filtering on it
// is ShouldEmit's job.
func Normalize(raw RawEvent, s Settings) (Event, bool) {
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return Event{}, false
	}

	start, end := span(raw.Offset, raw.Start, raw.End)
	ev := Event{
		UtteranceID: raw.UtteranceID,
		Text:        text,
		Start:       start,
		End:         end,
		Kind:        KindInterim,
		Confidence:  clampConfidence(raw.Confidence),
		Language:    strings.ToLower(strings.TrimSpace(raw.Language)),
		Channel:     raw.Channel,
	}
	if raw.IsFinal {
		ev.Kind = KindFinal
	}
	if len(raw.Words) > 0 {
		ev.Words = make([]Word, 0, len(raw.Words))
		for _, w := range raw.Words {
			ws, we := span(raw.Offset, w.Start, w.End)
			ev.Words = append(ev.Words, Word{
				Text:       strings.TrimSpace(w.Text),
				Start:      ws,
				End:        we,
				Confidence: clampConfidence(w.Confidence),
			})
		}
	}

	if ev.Kind == KindInterim {
		if !s.InterimResults {
			return ev, false
		}
		if ev.Duration() < s.MinUtteranceLength {
			return ev, false
		}
	}
	return ev, true
}

func span(offset Seconds, start, end VendorTime) (Seconds, Seconds) {
	s := offset + start.Seconds()
	e := offset + end.Seconds()
	if s < 0 {
		s = 0
	}
	if e < s {
		e = s
	}
	return s, e
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
