package bridge

import (
	"context"
	"sync/atomic"

	"slack-ircd/internal/domain"
)

// StatsSnapshot is a copy of the Stats counters.
type StatsSnapshot struct {
	Registered     uint64 `json:"registered"`
	Rejected       uint64 `json:"rejected"`
	Closed         uint64 `json:"closed"`
	ChannelsBound  uint64 `json:"channels_bound"`
	RelayedOut     uint64 `json:"relayed_out"`
	RelayedIn      uint64 `json:"relayed_in"`
	EchoSuppressed uint64 `json:"echo_suppressed"`
	Dropped        uint64 `json:"dropped"`
}

// Stats counts bridge events seen on the bus.
type Stats struct {
	registered     atomic.Uint64
	rejected       atomic.Uint64
	closed         atomic.Uint64
	channelsBound  atomic.Uint64
	relayedOut     atomic.Uint64
	relayedIn      atomic.Uint64
	echoSuppressed atomic.Uint64
	dropped        atomic.Uint64

	unsubscribe func()
}

// NewStats subscribes a Stats to bus.
func NewStats(bus domain.EventBus) *Stats {
	s := &Stats{}
	s.unsubscribe = bus.SubscribeAll(s.observe)
	return s
}

func (s *Stats) observe(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventSessionRegistered:
		s.registered.Add(1)
	case domain.EventSessionRejected:
		s.rejected.Add(1)
	case domain.EventSessionClosed:
		s.closed.Add(1)
	case domain.EventChannelBound:
		s.channelsBound.Add(1)
	case domain.EventMessageOutbound:
		s.relayedOut.Add(1)
	case domain.EventMessageInbound:
		s.relayedIn.Add(1)
	case domain.EventMessageEchoSuppressed:
		s.echoSuppressed.Add(1)
	case domain.EventMessageDropped:
		s.dropped.Add(1)
	}
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Registered:     s.registered.Load(),
		Rejected:       s.rejected.Load(),
		Closed:         s.closed.Load(),
		ChannelsBound:  s.channelsBound.Load(),
		RelayedOut:     s.relayedOut.Load(),
		RelayedIn:      s.relayedIn.Load(),
		EchoSuppressed: s.echoSuppressed.Load(),
		Dropped:        s.dropped.Load(),
	}
}

// Close stops counting.
func (s *Stats) Close() {
	s.unsubscribe()
}
