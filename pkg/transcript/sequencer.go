package transcript

import "strconv"

const finalMemory = 256

// openTimeout bounds how long an utterance without a final can hold back
// interims of later utterances.
const openTimeout Seconds = 60

// Sequencer enforces the delivery order of one session:
//   - start times never go backwards (stale interims are dropped);
//   - while an utterance has interims out but no final, interims of later
//     utterances are held back so its final keeps the vendor start;
//   - interims of an utterance never follow its final;
//   - each utterance span is finalized at most once.
//
// A final is only clamped to the last delivered start when the vendor
// finalizes utterances out of order.
//
// It is not safe for concurrent use; a session feeds it from a single goroutine.
type Sequencer struct {
	lastStart      Seconds
	started        bool
	finalizedUntil Seconds
	finals         map[string]struct{}
	ring           []string
	open           map[string]Seconds
}

func NewSequencer() *Sequencer {
	return &Sequencer{finals: make(map[string]struct{}), open: make(map[string]Seconds)}
}

// Admit returns the event to deliver (possibly with a clamped start) and
// whether it should be delivered at all.
func (q *Sequencer) Admit(ev Event) (Event, bool) {
	if q.finals == nil {
		q.finals = make(map[string]struct{})
	}
	if q.open == nil {
		q.open = make(map[string]Seconds)
	}
	spanKey := "span:" + strconv.FormatInt(ev.Start.Millis(), 10) + "-" + strconv.FormatInt(ev.End.Millis(), 10)
	idKey := ""
	if ev.UtteranceID != "" {
		idKey = "id:" + ev.UtteranceID
	}
	utterance := idKey
	if utterance == "" {
		utterance = "at:" + strconv.FormatInt(ev.Start.Millis(), 10)
	}

	if ev.Kind == KindFinal {
		if q.seen(idKey) || q.seen(spanKey) {
			return ev, false
		}
		q.remember(idKey)
		q.remember(spanKey)
		delete(q.open, utterance)
		if q.started && ev.Start < q.lastStart {
			ev.Start = q.lastStart
			if ev.End < ev.Start {
				ev.End = ev.Start
			}
		}
		if ev.End > q.finalizedUntil {
			q.finalizedUntil = ev.End
		}
		q.lastStart = ev.Start
		q.started = true
		return ev, true
	}

	if q.seen(idKey) {
		return ev, false
	}
	if q.finalizedUntil > 0 && ev.Start < q.finalizedUntil {
		return ev, false
	}
	if q.started && ev.Start < q.lastStart {
		return ev, false
	}
	if q.heldBack(utterance, ev.Start) {
		return ev, false
	}
	q.open[utterance] = ev.Start
	q.lastStart = ev.Start
	q.started = true
	return ev, true
}

// heldBack reports whether another utterance that started earlier is still
// waiting for its final. Utterances open for longer than openTimeout are
// abandoned.
func (q *Sequencer) heldBack(utterance string, start Seconds) bool {
	held := false
	for key, openStart := range q.open {
		if key == utterance || openStart >= start {
			continue
		}
		if start-openStart > openTimeout {
			delete(q.open, key)
			continue
		}
		held = true
	}
	return held
}

// Abandon forgets utterances still waiting for a final, for when the vendor
// connection that would have finalized them is gone.
func (q *Sequencer) Abandon() {
	clear(q.open)
}

// FinalizedUntil returns the end of the last finalized span.
func (q *Sequencer) FinalizedUntil() Seconds { return q.finalizedUntil }

func (q *Sequencer) seen(key string) bool {
	if key == "" {
		return false
	}
	_, ok := q.finals[key]
	return ok
}

func (q *Sequencer) remember(key string) {
	if key == "" {
		return
	}
	q.finals[key] = struct{}{}
	q.ring = append(q.ring, key)
	if len(q.ring) > finalMemory {
		old := q.ring[0]
		q.ring = q.ring[1:]
		delete(q.finals, old)
	}
}
