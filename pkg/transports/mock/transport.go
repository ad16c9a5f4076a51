package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
	"github.com/harunnryd/ranya-gladia/pkg/transports"
)

// Transcript is a transcript delivered to the transport.
type Transcript struct {
	Ref   agent.TrackRef
	Event transcript.Event
}

// Transport is an in-memory transport for local testing and integration.
// Tests drive the host directly and read transcripts from Sent.
type Transport struct {
	host   atomic.Pointer[hostRef]
	sentCh chan Transcript
	closed atomic.Bool
	mu     sync.RWMutex
}

type hostRef struct{ transports.Host }

func New() *Transport {
	return &Transport{sentCh: make(chan Transcript, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Attach(host transports.Host) { t.host.Store(&hostRef{host}) }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.host.Load() == nil {
		return errors.New("mock transport: no host attached")
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) EmitTranscript(_ context.Context, ref agent.TrackRef, ev transcript.Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- Transcript{Ref: ref, Event: ev}:
	default:
	}
	return nil
}

// Subscribe announces a microphone track and returns the channel feeding it.
func (t *Transport) Subscribe(sid string, participant agent.Participant) chan<- []byte {
	audio := make(chan []byte, 64)
	if ref := t.host.Load(); ref != nil {
		ref.OnTrackSubscribed(agent.Track{
			SID:    sid,
			Kind:   agent.TrackKindAudio,
			Source: agent.SourceMicrophone,
			Audio:  audio,
		}, participant)
	}
	return audio
}

// Unsubscribe removes a track from the host.
func (t *Transport) Unsubscribe(sid string, participant agent.Participant) {
	if ref := t.host.Load(); ref != nil {
		ref.OnTrackUnsubscribed(agent.Track{SID: sid, Kind: agent.TrackKindAudio, Source: agent.SourceMicrophone}, participant)
	}
}

// Sent exposes delivered transcripts for inspection.
func (t *Transport) Sent() <-chan Transcript { return t.sentCh }

var _ transports.Transport = (*Transport)(nil)
