package ircd

import (
	"slices"
	"strings"
	"unicode/utf8"
	"weak"

	"gopkg.in/sorcix/irc.v1"

	"slack-ircd/internal/domain"
)

// maxLine is the longest line sorcix will encode, without CRLF.
const maxLine = 510

// channel is owned by the Server's channel map. Fields are guarded by
// Server.mu.
type channel struct {
	name    string
	members map[domain.ConnID]*conn
	closed  bool
}

func newChannel(name string) *channel {
	return &channel{name: name, members: make(map[domain.ConnID]*conn)}
}

func (ch *channel) nicks() []string {
	out := make([]string, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m.nick)
	}
	slices.Sort(out)
	return out
}

// broadcast sends m to every member except skip. Caller holds Server.mu.
func (ch *channel) broadcast(m *irc.Message, skip *conn) {
	for _, member := range ch.members {
		if member != skip {
			member.send(m)
		}
	}
}

// channelHandle is the bridge's non-owning reference to a channel.
type channelHandle struct {
	srv  *Server
	name string
	ref  weak.Pointer[channel]
}

var _ domain.ChannelHandle = (*channelHandle)(nil)

func (h *channelHandle) Name() string { return h.name }

// Deliver sends msg to every member. If the original channel was torn down
// and later re-created under the same name, the new one receives it.
func (h *channelHandle) Deliver(msg domain.IRCMessage) error {
	lines := toWire(msg)

	h.srv.mu.RLock()
	defer h.srv.mu.RUnlock()

	ch := h.ref.Value()
	if ch == nil || ch.closed {
		ch = h.srv.channels[domain.FoldChannel(h.name)]
		if ch == nil {
			return domain.NewDomainError("ircd.Deliver", domain.ErrChannelGone, h.name)
		}
	}
	for _, line := range lines {
		ch.broadcast(line, nil)
	}
	return nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// toWire encodes msg as one or more sorcix messages. The last parameter
// becomes the trailing one, and is split across several lines when it would
// not fit in one.
func toWire(msg domain.IRCMessage) []*irc.Message {
	base := &irc.Message{Command: msg.Command}
	if msg.Source != "" {
		base.Prefix = irc.ParsePrefix(msg.Source)
	}
	if len(msg.Params) == 0 {
		return []*irc.Message{base}
	}

	params := make([]string, len(msg.Params))
	for i, p := range msg.Params {
		params[i] = lineBreaks.Replace(p)
	}
	base.Params = params[:len(params)-1]
	text := params[len(params)-1]

	budget := max(maxLine-base.Len()-2, 1)
	chunks := splitText(text, budget)

	out := make([]*irc.Message, 0, len(chunks))
	for _, chunk := range chunks {
		m := *base
		m.Trailing = chunk
		m.EmptyTrailing = chunk == ""
		out = append(out, &m)
	}
	return out
}

// splitText cuts s into pieces of at most n bytes without splitting UTF-8
// sequences, preferring to break at spaces.
func splitText(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var out []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(s[:cut], ' '); sp > n/2 {
			cut = sp
		}
		if cut == 0 {
			_, size := utf8.DecodeRuneInString(s)
			cut = size
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], " ")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// validChannel reports whether name is acceptable as a channel name.
func validChannel(name string) bool {
	if len(name) < 2 || len(name) > 64 || name[0] != '#' {
		return false
	}
	return !strings.ContainsAny(name, " ,:\x07\r\n")
}
