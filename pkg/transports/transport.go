package transports

import (
	"context"

	"github.com/harunnryd/ranya-gladia/pkg/agent"
)

// Host receives track lifecycle callbacks from a transport. *agent.Agent
// implements it.
type Host interface {
	OnTrackSubscribed(track agent.Track, participant agent.Participant)
	OnTrackUnsubscribed(track agent.Track, participant agent.Participant)
	OnParticipantDisconnected(identity string)
	UpdateSettings(identity string, s agent.Settings)
}

// Transport is a vendor-agnostic boundary between a media host and the agent.
// Transports deliver track events to the attached Host and carry transcripts
// back as an agent.Emitter. Implementations own their network lifecycle.
type Transport interface {
	agent.Emitter
	Name() string
	Attach(host Host)
	Start(ctx context.Context) error
	Stop() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen addresses).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

var _ Host = (*agent.Agent)(nil)
