package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"slack-ircd/internal/domain"
)

// Rejection messages shown to IRC clients.
const (
	msgNoNick      = "Slack gateway couldn't determine your nick!"
	msgUnknownNick = "Your nick is not registered with the Slack gateway!"
)

const (
	opRegisterNick  = "Sessions.Register"
	opLookupSession = "Sessions.Get"
)

// SessionState is where a connection is in its lifecycle.
type SessionState int

const (
	StateUnregistered SessionState = iota
	StateRegistering
	StateRegistered
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ClientSession binds one IRC connection to a Slack identity.
type ClientSession struct {
	ID      string // ULID, for logs and events
	Conn    domain.ConnID
	Nick    string
	Slack   domain.SlackAPI
	Created time.Time
}

// Sessions tracks connections and the Slack clients they act through.
type Sessions struct {
	newAPI   domain.SlackAPIFactory
	profiles map[string]domain.Profile // keyed by lower-cased nick

	mu       sync.RWMutex
	states   map[domain.ConnID]SessionState
	sessions map[domain.ConnID]*ClientSession
}

// NewSessions creates a session table authorizing the given profiles.
func NewSessions(profiles []domain.Profile, newAPI domain.SlackAPIFactory) *Sessions {
	byNick := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		byNick[strings.ToLower(p.Name)] = p
	}
	return &Sessions{
		newAPI:   newAPI,
		profiles: byNick,
		states:   make(map[domain.ConnID]SessionState),
		sessions: make(map[domain.ConnID]*ClientSession),
	}
}

// Register authorizes nick on conn. On success the connection owns a fresh
// Slack client for the nick's profile; otherwise the error is an
// ErrAuthRejected whose detail is meant for the IRC client.
func (s *Sessions) Register(conn domain.ConnID, nick string) (*ClientSession, error) {
	s.setState(conn, StateRegistering)

	if nick == "" {
		s.setState(conn, StateUnregistered)
		return nil, domain.NewDomainError(opRegisterNick, domain.ErrAuthRejected, msgNoNick)
	}
	profile, ok := s.profiles[strings.ToLower(nick)]
	if !ok {
		s.setState(conn, StateUnregistered)
		return nil, domain.NewDomainError(opRegisterNick, domain.ErrAuthRejected, msgUnknownNick)
	}

	sess := &ClientSession{
		ID:      ulid.Make().String(),
		Conn:    conn,
		Nick:    nick,
		Slack:   s.newAPI(profile.SlackToken),
		Created: time.Now(),
	}

	s.mu.Lock()
	s.sessions[conn] = sess
	s.states[conn] = StateRegistered
	s.mu.Unlock()
	return sess, nil
}

// Get returns the session for conn.
func (s *Sessions) Get(conn domain.ConnID) (*ClientSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[conn]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(opLookupSession, domain.ErrMappingNotFound, "no session for connection "+string(conn))
	}
	return sess, nil
}

// Any returns some live session, for work that needs a Slack identity but not
// a particular one.
func (s *Sessions) Any() (*ClientSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *ClientSession
	for _, sess := range s.sessions {
		if oldest == nil || sess.Created.Before(oldest.Created) {
			oldest = sess
		}
	}
	return oldest, oldest != nil
}

// Remove drops conn's session. The connection is forgotten afterwards; a
// returned nil session means it never registered.
func (s *Sessions) Remove(conn domain.ConnID) *ClientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[conn]
	delete(s.sessions, conn)
	delete(s.states, conn)
	return sess
}

// State reports conn's lifecycle state. Unknown connections are
// unregistered.
func (s *Sessions) State(conn domain.ConnID) SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[conn]
}

// Len returns the number of registered sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Sessions) setState(conn domain.ConnID, st SessionState) {
	s.mu.Lock()
	s.states[conn] = st
	s.mu.Unlock()
}
