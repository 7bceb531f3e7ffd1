package ircd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/sorcix/irc.v1"

	"slack-ircd/internal/domain"
	"slack-ircd/internal/infra/logger"
)

type relayed struct {
	client  domain.IRCClient
	channel string
	msg     domain.IRCMessage
}

type fakeHooks struct {
	mu        sync.Mutex
	rejectErr error
	msgErr    error

	registered   chan domain.IRCClient
	disconnected chan domain.ConnID
	messages     chan relayed
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		registered:   make(chan domain.IRCClient, 16),
		disconnected: make(chan domain.ConnID, 16),
		messages:     make(chan relayed, 16),
	}
}

func (h *fakeHooks) OnRegistering(context.Context, domain.IRCClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejectErr
}

func (h *fakeHooks) OnRegistered(_ context.Context, client domain.IRCClient) {
	h.registered <- client
}

func (h *fakeHooks) OnDisconnect(_ context.Context, conn domain.ConnID) {
	h.disconnected <- conn
}

func (h *fakeHooks) OnChannelMessage(_ context.Context, client domain.IRCClient, channel string, msg domain.IRCMessage) error {
	h.mu.Lock()
	err := h.msgErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.messages <- relayed{client: client, channel: channel, msg: msg}
	return nil
}

func (h *fakeHooks) set(fn func(h *fakeHooks)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func startServer(t *testing.T, hooks domain.IRCHooks) *Server {
	t.Helper()
	srv := New(Config{Addr: "127.0.0.1:0", ServerName: "irc.test"}, hooks, logger.Discard())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *testClient) send(format string, args ...any) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.nc, format+"\r\n", args...)
	require.NoError(c.t, err)
}

func (c *testClient) read() (*irc.Message, error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return irc.ParseMessage(line), nil
}

// expect reads until a message with command arrives and returns it along with
// everything skipped on the way.
func (c *testClient) expect(command string) (*irc.Message, []*irc.Message) {
	c.t.Helper()
	var skipped []*irc.Message
	for {
		m, err := c.read()
		require.NoError(c.t, err, "waiting for %s", command)
		if m == nil {
			continue
		}
		if m.Command == command {
			return m, skipped
		}
		skipped = append(skipped, m)
	}
}

// register completes registration as nick and returns the client with the
// connection ID the hooks saw.
func register(t *testing.T, srv *Server, hooks *fakeHooks, nick string) (*testClient, domain.ConnID) {
	t.Helper()
	c := dial(t, srv)
	c.send("NICK %s", nick)
	c.send("USER %s 0 * :%s Real", nick, nick)
	welcome, _ := c.expect(irc.RPL_WELCOME)
	assert.Equal(t, nick, welcome.Params[0])
	c.expect(irc.RPL_MYINFO)

	select {
	case client := <-hooks.registered:
		assert.Equal(t, nick, client.Nick)
		return c, client.Conn
	case <-time.After(2 * time.Second):
		t.Fatal("OnRegistered not called")
		return nil, ""
	}
}

func TestRegistration(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)

	c, id := register(t, srv, hooks, "alice")
	assert.NotEmpty(t, id)

	c.send("PING :token-1")
	pong, _ := c.expect(irc.PONG)
	assert.Equal(t, "token-1", pong.Trailing)
}

func TestRegistrationRejected(t *testing.T) {
	hooks := newFakeHooks()
	hooks.rejectErr = domain.NewDomainError("Sessions.Register", domain.ErrAuthRejected, "Your nick is not registered with the Slack gateway!")
	srv := startServer(t, hooks)

	c := dial(t, srv)
	c.send("NICK mallory")
	c.send("USER mallory 0 * :Mallory")

	reply, _ := c.expect(irc.ERR_PASSWDMISMATCH)
	assert.Equal(t, "Your nick is not registered with the Slack gateway!", reply.Trailing)
	errLine, _ := c.expect(irc.ERROR)
	assert.Contains(t, errLine.Trailing, "Your nick is not registered")

	_, err := c.read()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-hooks.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	assert.Empty(t, hooks.registered)
}

func TestNickInUse(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	register(t, srv, hooks, "alice")

	c := dial(t, srv)
	c.send("NICK ALICE")
	reply, _ := c.expect(irc.ERR_NICKNAMEINUSE)
	assert.Equal(t, "ALICE", reply.Params[1])
}

func TestNickValidation(t *testing.T) {
	tests := []struct {
		nick string
		ok   bool
	}{
		{"alice", true},
		{"john.doe", true},
		{"2fast", true},
		{"", false},
		{"#chan", false},
		{"a b", false},
		{"who?", false},
		{"x!y", false},
		{strings.Repeat("n", 31), false},
	}
	for _, tt := range tests {
		t.Run(tt.nick, func(t *testing.T) {
			assert.Equal(t, tt.ok, validNick(tt.nick))
		})
	}
}

func TestCommandsBeforeRegistration(t *testing.T) {
	srv := startServer(t, newFakeHooks())
	c := dial(t, srv)

	c.send("JOIN #general")
	reply, _ := c.expect(irc.ERR_NOTREGISTERED)
	assert.Equal(t, "*", reply.Params[0])
}

func TestNickChangeAfterRegistration(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	c, _ := register(t, srv, hooks, "alice")

	c.send("NICK alice2")
	reply, _ := c.expect(irc.ERR_ERRONEUSNICKNAME)
	assert.Contains(t, reply.Trailing, "not supported")

	c.send("USER again 0 * :Again")
	c.expect(irc.ERR_ALREADYREGISTRED)
}

func TestJoinAndPrivmsg(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, aliceID := register(t, srv, hooks, "alice")
	bob, _ := register(t, srv, hooks, "bob")

	alice.send("JOIN #general")
	alice.expect(irc.RPL_ENDOFNAMES)
	bob.send("JOIN #General")
	names, _ := bob.expect(irc.RPL_NAMREPLY)
	assert.Equal(t, "#general", names.Params[2])
	assert.Equal(t, "alice bob", names.Trailing)
	bob.expect(irc.RPL_ENDOFNAMES)

	alice.send("PRIVMSG #GENERAL :hello there")
	select {
	case r := <-hooks.messages:
		assert.Equal(t, aliceID, r.client.Conn)
		assert.Equal(t, "#general", r.channel)
		assert.Equal(t, "hello there", r.msg.TextAfter(0))
		assert.True(t, strings.HasPrefix(r.msg.Source, "alice!alice@"))
	case <-time.After(2 * time.Second):
		t.Fatal("OnChannelMessage not called")
	}

	got, _ := bob.expect(irc.PRIVMSG)
	assert.Equal(t, "alice", got.Prefix.Name)
	assert.Equal(t, "hello there", got.Trailing)

	// The sender does not get its own line back.
	alice.send("PING :sync")
	_, skipped := alice.expect(irc.PONG)
	for _, m := range skipped {
		assert.NotEqual(t, irc.PRIVMSG, m.Command)
	}
}

func TestPrivmsgRejected(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, _ := register(t, srv, hooks, "alice")
	alice.send("JOIN #general")
	alice.expect(irc.RPL_ENDOFNAMES)

	hooks.set(func(h *fakeHooks) {
		h.msgErr = domain.NewDomainError("Bridge.RelayOutbound", domain.ErrMappingNotFound, "Channel is not bridged to Slack")
	})
	alice.send("PRIVMSG #general :lost")
	notice, _ := alice.expect(irc.NOTICE)
	assert.Contains(t, notice.Trailing, "Channel is not bridged to Slack")
}

func TestPrivmsgWhileSlackUnavailable(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, _ := register(t, srv, hooks, "alice")
	alice.send("JOIN #general")
	alice.expect(irc.RPL_ENDOFNAMES)

	hooks.set(func(h *fakeHooks) {
		h.msgErr = domain.WrapOp("Bridge.RelayOutbound",
			domain.NewDomainError("Slack.chat.postMessage", domain.ErrCircuitOpen, "breaker open"))
	})
	alice.send("PRIVMSG #general :later")
	notice, _ := alice.expect(irc.NOTICE)
	assert.Equal(t, "Slack is unavailable right now, message to #general was not relayed", notice.Trailing)
}

func TestPrivmsgErrors(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, _ := register(t, srv, hooks, "alice")

	alice.send("PRIVMSG")
	alice.expect(irc.ERR_NORECIPIENT)
	alice.send("PRIVMSG #general")
	alice.expect(irc.ERR_NOTEXTTOSEND)
	alice.send("PRIVMSG bob :hi")
	alice.expect(irc.ERR_NOSUCHNICK)
	alice.send("PRIVMSG #elsewhere :hi")
	alice.expect(irc.ERR_CANNOTSENDTOCHAN)
	assert.Empty(t, hooks.messages)
}

func TestMiscCommands(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, _ := register(t, srv, hooks, "alice")
	alice.send("JOIN #general,bad")
	bad, _ := alice.expect(irc.ERR_NOSUCHCHANNEL)
	assert.Equal(t, "bad", bad.Params[1])

	alice.send("MODE #general")
	mode, _ := alice.expect(irc.RPL_CHANNELMODEIS)
	assert.Equal(t, "#general", mode.Params[1])
	alice.send("MODE #general +b")
	alice.expect(irc.RPL_ENDOFBANLIST)
	alice.send("MODE alice")
	alice.expect(irc.RPL_UMODEIS)
	alice.send("MODE bob")
	alice.expect(irc.ERR_USERSDONTMATCH)

	alice.send("WHO #general")
	alice.expect(irc.RPL_ENDOFWHO)
	alice.send("NAMES #general")
	names, _ := alice.expect(irc.RPL_NAMREPLY)
	assert.Equal(t, "alice", names.Trailing)

	alice.send("PART #nowhere")
	alice.expect(irc.ERR_NOTONCHANNEL)
	alice.send("KNOCK #general")
	unknown, _ := alice.expect(irc.ERR_UNKNOWNCOMMAND)
	assert.Equal(t, "KNOCK", unknown.Params[1])
}

func TestEngineJoinAndDeliver(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, id := register(t, srv, hooks, "alice")

	require.NoError(t, srv.Join(id, "#ops"))
	join, _ := alice.expect(irc.JOIN)
	assert.Equal(t, "#ops", join.Params[0])
	alice.expect(irc.RPL_ENDOFNAMES)
	assert.Equal(t, []string{"#ops"}, srv.Channels(id))

	// Joining twice is a no-op.
	require.NoError(t, srv.Join(id, "#OPS"))

	h, ok := srv.Channel("#OPS")
	require.True(t, ok)
	assert.Equal(t, "#ops", h.Name())

	require.NoError(t, h.Deliver(domain.IRCMessage{
		Source:  "bob!~bob@slack.com",
		Command: irc.PRIVMSG,
		Params:  []string{"#ops", "from slack"},
	}))
	got, skipped := alice.expect(irc.PRIVMSG)
	assert.Equal(t, "bob", got.Prefix.Name)
	assert.Equal(t, "slack.com", got.Prefix.Host)
	assert.Equal(t, "from slack", got.Trailing)
	for _, m := range skipped {
		assert.NotEqual(t, irc.JOIN, m.Command)
	}
}

func TestEngineJoinErrors(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)

	err := srv.Join("127.0.0.1:1", "#ops")
	assert.ErrorIs(t, err, domain.ErrMappingNotFound)

	_, id := register(t, srv, hooks, "alice")
	err = srv.Join(id, "no-hash")
	assert.ErrorIs(t, err, domain.ErrMappingNotFound)

	assert.Nil(t, srv.Channels("127.0.0.1:1"))
	_, ok := srv.Channel("#missing")
	assert.False(t, ok)
}

func TestDeliverAfterChannelGone(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, _ := register(t, srv, hooks, "alice")

	alice.send("JOIN #tmp")
	alice.expect(irc.RPL_ENDOFNAMES)
	h, ok := srv.Channel("#tmp")
	require.True(t, ok)

	alice.send("PART #tmp :bye")
	part, _ := alice.expect(irc.PART)
	assert.Equal(t, "bye", part.Trailing)

	err := h.Deliver(domain.IRCMessage{Command: irc.PRIVMSG, Params: []string{"#tmp", "late"}})
	assert.ErrorIs(t, err, domain.ErrChannelGone)

	// A re-created channel of the same name picks the handle back up.
	alice.send("JOIN #tmp")
	alice.expect(irc.RPL_ENDOFNAMES)
	require.NoError(t, h.Deliver(domain.IRCMessage{Source: "bob!~bob@slack.com", Command: irc.PRIVMSG, Params: []string{"#tmp", "again"}}))
	got, _ := alice.expect(irc.PRIVMSG)
	assert.Equal(t, "again", got.Trailing)
}

func TestQuitNotifiesChannelAndHooks(t *testing.T) {
	hooks := newFakeHooks()
	srv := startServer(t, hooks)
	alice, aliceID := register(t, srv, hooks, "alice")
	bob, _ := register(t, srv, hooks, "bob")
	alice.send("JOIN #general")
	alice.expect(irc.RPL_ENDOFNAMES)
	bob.send("JOIN #general")
	bob.expect(irc.RPL_ENDOFNAMES)

	alice.send("QUIT :gone fishing")
	errLine, _ := alice.expect(irc.ERROR)
	assert.Contains(t, errLine.Trailing, "gone fishing")

	quit, _ := bob.expect(irc.QUIT)
	assert.Equal(t, "alice", quit.Prefix.Name)

	select {
	case id := <-hooks.disconnected:
		assert.Equal(t, aliceID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	assert.Nil(t, srv.Channels(aliceID))
}

func TestStopClosesClients(t *testing.T) {
	hooks := newFakeHooks()
	srv := New(Config{Addr: "127.0.0.1:0"}, hooks, logger.Discard())
	require.NoError(t, srv.Start(context.Background()))
	c, _ := register(t, srv, hooks, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	errLine, _ := c.expect(irc.ERROR)
	assert.Contains(t, errLine.Trailing, "Server shutting down")
}

func TestLineTooLong(t *testing.T) {
	srv := startServer(t, newFakeHooks())
	c := dial(t, srv)

	// No line ending, so the server consumes every byte before giving up.
	_, err := c.nc.Write([]byte(strings.Repeat("x", maxLineBytes+1)))
	require.NoError(t, err)
	errLine, _ := c.expect(irc.ERROR)
	assert.Contains(t, errLine.Trailing, "Line too long")
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))
	assert.Equal(t, []string{"hello", "world"}, splitText("hello world", 8))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, splitText("abcdefghij", 4))

	// Multi-byte runes are never cut.
	for _, chunk := range splitText(strings.Repeat("é", 10), 5) {
		assert.True(t, len(chunk) <= 5)
		assert.Equal(t, 0, len(chunk)%2)
	}
}

func TestToWire(t *testing.T) {
	lines := toWire(domain.IRCMessage{
		Source:  "bob!~bob@slack.com",
		Command: irc.PRIVMSG,
		Params:  []string{"#ops", "line one\r\nline two"},
	})
	require.Len(t, lines, 1)
	assert.Equal(t, "line one line two", lines[0].Trailing)
	assert.Equal(t, []string{"#ops"}, lines[0].Params)

	long := strings.Repeat("word ", 300)
	lines = toWire(domain.IRCMessage{Source: "bob!~bob@slack.com", Command: irc.PRIVMSG, Params: []string{"#ops", long}})
	require.Greater(t, len(lines), 1)
	var rebuilt []string
	for _, m := range lines {
		assert.LessOrEqual(t, m.Len(), maxLine)
		rebuilt = append(rebuilt, m.Trailing)
	}
	assert.Equal(t, strings.TrimSpace(long), strings.TrimSpace(strings.Join(rebuilt, " ")))

	bare := toWire(domain.IRCMessage{Command: irc.PING})
	require.Len(t, bare, 1)
	assert.Nil(t, bare[0].Prefix)
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"#general", true},
		{"#a", true},
		{"#", false},
		{"general", false},
		{"#has space", false},
		{"#a,b", false},
		{"#" + strings.Repeat("c", 64), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validChannel(tt.name), tt.name)
	}
}
