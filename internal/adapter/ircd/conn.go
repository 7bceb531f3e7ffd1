package ircd

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/sorcix/irc.v1"

	"slack-ircd/internal/domain"
)

const (
	sendQueueLen = 512
	maxLineBytes = 8192
	writeTimeout = 30 * time.Second
)

var errLineTooLong = errors.New("irc line too long")

// conn is one client connection. The reading goroutine is the only writer of
// nick, user, realname and registered; every other goroutine reads them under
// Server.mu.
type conn struct {
	id   domain.ConnID
	srv  *Server
	nc   net.Conn
	host string

	out       chan *irc.Message // nil entry: close after flushing
	done      chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64

	nick       string
	user       string
	realname   string
	registered bool
	channels   map[string]*channel // keyed by domain.FoldChannel, guarded by Server.mu
}

func newConn(srv *Server, nc net.Conn) *conn {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	c := &conn{
		id:       domain.ConnID(nc.RemoteAddr().String()),
		srv:      srv,
		nc:       nc,
		host:     host,
		out:      make(chan *irc.Message, sendQueueLen),
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
	c.touch()
	return c
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

func (c *conn) prefix() *irc.Prefix {
	return &irc.Prefix{Name: c.nick, User: c.user, Host: c.host}
}

func (c *conn) client() domain.IRCClient {
	return domain.IRCClient{Conn: c.id, Nick: c.nick, User: c.user}
}

// send queues m without blocking. A client that cannot keep up is dropped.
func (c *conn) send(m *irc.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- m:
	default:
		c.srv.logger.Warn("irc client send queue full, disconnecting", "conn", c.id)
		c.close()
	}
}

// quit sends ERROR to the client and closes once it is written.
func (c *conn) quit(reason string) {
	c.send(&irc.Message{Command: irc.ERROR, Trailing: "Closing link: " + reason})
	c.send(nil)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *conn) writeLoop() {
	enc := irc.NewEncoder(c.nc)
	for {
		select {
		case m := <-c.out:
			if m == nil {
				c.close()
				return
			}
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(m); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			idle := c.idle()
			switch {
			case idle > 2*interval:
				c.quit("Ping timeout")
				return
			case idle > interval:
				c.send(&irc.Message{Command: irc.PING, Trailing: c.srv.cfg.ServerName})
			}
		case <-c.done:
			return
		}
	}
}

// lineLimiter fails reads once a single line exceeds max bytes, which keeps
// the sorcix decoder from buffering unbounded input.
type lineLimiter struct {
	r   io.Reader
	n   int
	max int
}

func (l *lineLimiter) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	for _, b := range p[:n] {
		if b == '\n' {
			l.n = 0
			continue
		}
		l.n++
		if l.n > l.max {
			return n, errLineTooLong
		}
	}
	return n, err
}
