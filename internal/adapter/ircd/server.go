// Package ircd is a small IRC server that lets standard IRC clients talk to
// the bridge. It speaks just enough of RFC 2812 for registration, channel
// membership and channel messages, and reports everything else through
// domain.IRCHooks.
package ircd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"weak"

	"gopkg.in/sorcix/irc.v1"

	"slack-ircd/internal/domain"
)

// DefaultPingInterval applies when Config.PingInterval is not positive.
const DefaultPingInterval = 2 * time.Minute

// Config controls the IRC listener.
type Config struct {
	Addr         string
	ServerName   string
	PingInterval time.Duration
}

// Server is the IRC engine. It implements domain.IRCEngine.
type Server struct {
	cfg     Config
	hooks   domain.IRCHooks
	logger  *slog.Logger
	created time.Time

	ln        net.Listener
	boundAddr string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.RWMutex
	conns    map[domain.ConnID]*conn
	nicks    map[string]*conn    // lower-cased nick, registered or registering
	channels map[string]*channel // keyed by domain.FoldChannel
}

var _ domain.IRCEngine = (*Server)(nil)

// New creates a Server that reports to hooks.
func New(cfg Config, hooks domain.IRCHooks, logger *slog.Logger) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "slack-ircd"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Server{
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		created:  time.Now(),
		conns:    make(map[domain.ConnID]*conn),
		nicks:    make(map[string]*conn),
		channels: make(map[string]*channel),
	}
}

// Start listens and accepts connections in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.boundAddr = ln.Addr().String()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("irc server started", "addr", s.boundAddr, "server_name", s.cfg.ServerName)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.boundAddr }

// Stop closes the listener and every connection, then waits for connection
// goroutines to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	_ = s.ln.Close()

	s.mu.RLock()
	for _, c := range s.conns {
		c.quit("Server shutting down")
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.RLock()
		for _, c := range s.conns {
			c.close()
		}
		s.mu.RUnlock()
		return ctx.Err()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("irc accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		c := newConn(s, nc)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(3)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			c.pingLoop(s.cfg.PingInterval)
		}()
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

func (s *Server) serveConn(c *conn) {
	s.logger.Debug("irc client connected", "conn", c.id)
	reason := "Client closed connection"
	defer func() { s.disconnect(c, reason) }()

	dec := irc.NewDecoder(&lineLimiter{r: c.nc, max: maxLineBytes})
	for {
		m, err := dec.Decode()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				reason = "Line too long"
				c.quit(reason)
			}
			return
		}
		if m == nil {
			continue
		}
		c.touch()
		if quit, why := s.handle(c, m); quit {
			reason = why
			return
		}
	}
}

// disconnect removes c from every index, tells the channels it was in, and
// reports the disconnect.
func (s *Server) disconnect(c *conn, reason string) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.nick != "" && s.nicks[strings.ToLower(c.nick)] == c {
		delete(s.nicks, strings.ToLower(c.nick))
	}
	if c.registered {
		quit := &irc.Message{Prefix: c.prefix(), Command: irc.QUIT, Trailing: reason}
		for key, ch := range c.channels {
			delete(ch.members, c.id)
			ch.broadcast(quit, nil)
			s.dropIfEmpty(key, ch)
		}
		clear(c.channels)
	}
	s.mu.Unlock()

	// Give a pending ERROR line a moment to flush before the socket goes.
	c.send(nil)
	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.close()
	}
	s.hooks.OnDisconnect(s.ctx, c.id)
	s.logger.Debug("irc client disconnected", "conn", c.id, "reason", reason)
}

// dropIfEmpty removes an empty channel. Caller holds s.mu for writing.
func (s *Server) dropIfEmpty(key string, ch *channel) {
	if len(ch.members) == 0 && s.channels[key] == ch {
		ch.closed = true
		delete(s.channels, key)
	}
}

// Join makes a registered connection join channel.
func (s *Server) Join(id domain.ConnID, channel string) error {
	if !validChannel(channel) {
		return domain.NewDomainError("ircd.Join", domain.ErrMappingNotFound, "invalid channel name "+channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || !c.registered {
		return domain.NewDomainError("ircd.Join", domain.ErrMappingNotFound, "no registered connection "+string(id))
	}
	s.joinLocked(c, channel)
	return nil
}

// joinLocked adds c to channel, creating it if needed, and sends the JOIN
// and NAMES replies. Caller holds s.mu for writing.
func (s *Server) joinLocked(c *conn, name string) {
	key := domain.FoldChannel(name)
	ch, ok := s.channels[key]
	if !ok {
		ch = newChannel(name)
		s.channels[key] = ch
	}
	if _, in := ch.members[c.id]; in {
		return
	}
	ch.members[c.id] = c
	c.channels[key] = ch

	ch.broadcast(&irc.Message{Prefix: c.prefix(), Command: irc.JOIN, Params: []string{ch.name}}, nil)
	s.sendNames(c, ch)
}

// Channels lists the channels a connection is in.
func (s *Server) Channels(id domain.ConnID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.name)
	}
	return out
}

// Channel returns a handle to an existing channel.
func (s *Server) Channel(name string) (domain.ChannelHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[domain.FoldChannel(name)]
	if !ok {
		return nil, false
	}
	return &channelHandle{srv: s, name: ch.name, ref: weak.Make(ch)}, true
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.cfg.ServerName}
}

// numeric sends a numeric reply addressed to c.
func (s *Server) numeric(c *conn, code, trailing string, params ...string) {
	target := c.nick
	if target == "" {
		target = "*"
	}
	c.send(&irc.Message{
		Prefix:        s.prefix(),
		Command:       code,
		Params:        append([]string{target}, params...),
		Trailing:      trailing,
		EmptyTrailing: trailing == "",
	})
}

func (s *Server) notice(c *conn, text string) {
	target := c.nick
	if target == "" {
		target = "*"
	}
	c.send(&irc.Message{Prefix: s.prefix(), Command: irc.NOTICE, Params: []string{target}, Trailing: text})
}

// sendNames sends RPL_NAMREPLY and RPL_ENDOFNAMES. Caller holds s.mu.
func (s *Server) sendNames(c *conn, ch *channel) {
	s.numeric(c, irc.RPL_NAMREPLY, strings.Join(ch.nicks(), " "), "=", ch.name)
	s.numeric(c, irc.RPL_ENDOFNAMES, "End of NAMES list", ch.name)
}
