// Package bridge holds the Slack<->IRC mapping state and implements the IRC
// engine's lifecycle hooks on top of it.
package bridge

import (
	"slices"
	"sync"

	"slack-ircd/internal/domain"
)

// EchoCapacity is how many outbound timestamps each channel remembers.
const EchoCapacity = 64

// echoBuffer is a FIFO of timestamps the gateway posted to Slack and expects
// to see again as webhook events.
type echoBuffer struct {
	mu  sync.Mutex
	tss []string
}

func newEchoBuffer() *echoBuffer {
	return &echoBuffer{tss: make([]string, 0, EchoCapacity)}
}

func (b *echoBuffer) record(ts string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tss) == EchoCapacity {
		// Oldest posted goes first, whether or not it was ever echoed.
		b.tss = slices.Delete(b.tss, 0, 1)
	}
	b.tss = append(b.tss, ts)
}

func (b *echoBuffer) consume(ts string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.tss, ts)
	if i < 0 {
		return false
	}
	b.tss = slices.Delete(b.tss, i, i+1)
	return true
}

func (b *echoBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tss)
}

// binding is everything known about one bridged channel. It is inserted into
// both indexes in one critical section so a reader never sees a channel id
// without its echo buffer.
type binding struct {
	slackID string
	ircName string
	handle  domain.ChannelHandle
	echo    *echoBuffer
}

// State is the bridge's in-memory registry: channel bindings with their echo
// buffers, and the Slack user id to display name cache. It is rebuilt from
// Slack whenever a session registers.
type State struct {
	mu      sync.RWMutex
	bySlack map[string]*binding
	byIRC   map[string]*binding // keyed by domain.FoldChannel

	usersMu sync.RWMutex
	users   map[string]string
}

// NewState creates empty bridge state.
func NewState() *State {
	return &State{
		bySlack: make(map[string]*binding),
		byIRC:   make(map[string]*binding),
		users:   make(map[string]string),
	}
}

// BindChannel associates slackID with ircName and the engine's handle for it.
// The mapping stays one-to-one: re-binding slackID releases its previous IRC
// name, and an IRC name already bound to another Slack channel is taken over.
// A rebind of the same Slack channel keeps its pending echoes.
func (s *State) BindChannel(slackID, ircName string, handle domain.ChannelHandle) {
	key := domain.FoldChannel(ircName)

	s.mu.Lock()
	defer s.mu.Unlock()

	echo := newEchoBuffer()
	if old, ok := s.bySlack[slackID]; ok {
		echo = old.echo
		if k := domain.FoldChannel(old.ircName); s.byIRC[k] == old {
			delete(s.byIRC, k)
		}
	}
	if other, ok := s.byIRC[key]; ok && other.slackID != slackID {
		delete(s.bySlack, other.slackID)
	}

	b := &binding{slackID: slackID, ircName: ircName, handle: handle, echo: echo}
	s.bySlack[slackID] = b
	s.byIRC[key] = b
}

// ResolveSlackID maps an IRC channel name to its Slack channel id.
func (s *State) ResolveSlackID(ircName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byIRC[domain.FoldChannel(ircName)]
	if !ok {
		return "", false
	}
	return b.slackID, true
}

// ResolveIRCChannel returns the IRC channel handle bound to slackID.
func (s *State) ResolveIRCChannel(slackID string) (domain.ChannelHandle, bool) {
	b, ok := s.lookup(slackID)
	if !ok {
		return nil, false
	}
	return b.handle, true
}

// RecordOutboundEcho remembers ts as posted by the gateway. Unbound channels
// are ignored.
func (s *State) RecordOutboundEcho(slackID, ts string) {
	if b, ok := s.lookup(slackID); ok {
		b.echo.record(ts)
	}
}

// ConsumeEchoIfPresent reports whether ts was posted by the gateway, and
// forgets it if so.
func (s *State) ConsumeEchoIfPresent(slackID, ts string) bool {
	b, ok := s.lookup(slackID)
	if !ok {
		return false
	}
	return b.echo.consume(ts)
}

func (s *State) lookup(slackID string) (*binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bySlack[slackID]
	return b, ok
}

// Bindings returns the number of bound channels.
func (s *State) Bindings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySlack)
}

// BindUsername caches the display name of a Slack user.
func (s *State) BindUsername(userID, name string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.users[userID] = name
}

// LookupUsername returns the cached display name of a Slack user.
func (s *State) LookupUsername(userID string) (string, bool) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	name, ok := s.users[userID]
	return name, ok
}

// Usernames returns the number of cached users.
func (s *State) Usernames() int {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users)
}
