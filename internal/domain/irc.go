package domain

import (
	"context"
	"strings"
)

// ConnID identifies one live IRC connection (its remote address).
type ConnID string

// IRCMessage is a protocol-neutral IRC line.
type IRCMessage struct {
	Source  string // nick!user@host, empty for server/client-originated lines
	Command string
	Params  []string
}

// TextAfter joins the parameters following index i with single spaces.
func (m IRCMessage) TextAfter(i int) string {
	if len(m.Params) <= i+1 {
		return ""
	}
	return strings.Join(m.Params[i+1:], " ")
}

// IRCClient describes the connection that triggered a hook.
type IRCClient struct {
	Conn ConnID
	Nick string // empty when the client never sent NICK
	User string
}

// ChannelHandle is a non-owning reference to a channel held by the IRC engine.
// Deliver returns ErrChannelGone once the channel has been torn down.
type ChannelHandle interface {
	Name() string
	Deliver(msg IRCMessage) error
}

// IRCEngine is what the bridge may ask of the IRC server.
type IRCEngine interface {
	// Join makes conn join channel as if the client had sent JOIN.
	Join(conn ConnID, channel string) error
	// Channels lists the channels conn is currently in.
	Channels(conn ConnID) []string
	// Channel resolves a channel by name.
	Channel(name string) (ChannelHandle, bool)
}

// IRCHooks are the lifecycle callbacks the IRC engine invokes.
type IRCHooks interface {
	// OnRegistering accepts or rejects a registration. A non-nil error is
	// shown to the client.
	OnRegistering(ctx context.Context, client IRCClient) error
	OnRegistered(ctx context.Context, client IRCClient)
	OnDisconnect(ctx context.Context, conn ConnID)
	// OnChannelMessage is called for PRIVMSG to a channel. A non-nil error
	// rejects the message.
	OnChannelMessage(ctx context.Context, client IRCClient, channel string, msg IRCMessage) error
}

// FoldChannel returns the case-folded key of an IRC channel name.
func FoldChannel(name string) string {
	return strings.ToUpper(name)
}

// SourceNick makes a Slack display name usable as the nick of an IRC message
// prefix: spaces, control characters and the separators ",*?!@:" become "_".
func SourceNick(name string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f || strings.ContainsRune(",*?!@:", r) {
			return '_'
		}
		return r
	}, name)
}
