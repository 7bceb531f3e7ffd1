package ircd

import (
	"strings"
	"time"

	"gopkg.in/sorcix/irc.v1"

	"slack-ircd/internal/domain"
)

const serverVersion = "slack-ircd"

// params returns the middle and trailing parameters as one slice.
func params(m *irc.Message) []string {
	if m.Trailing == "" && !m.EmptyTrailing {
		return m.Params
	}
	return append(append([]string(nil), m.Params...), m.Trailing)
}

// handle executes one client command. It reports whether the connection
// should end, and why.
func (s *Server) handle(c *conn, m *irc.Message) (bool, string) {
	p := params(m)

	switch m.Command {
	case irc.PING:
		token := s.cfg.ServerName
		if len(p) > 0 {
			token = p[0]
		}
		c.send(&irc.Message{Prefix: s.prefix(), Command: irc.PONG, Params: []string{s.cfg.ServerName}, Trailing: token})
		return false, ""
	case irc.PONG:
		return false, ""
	case irc.QUIT:
		reason := "Quit"
		if len(p) > 0 && p[0] != "" {
			reason = "Quit: " + p[0]
		}
		c.quit(reason)
		return true, reason
	case irc.CAP:
		s.handleCap(c, p)
		return false, ""
	case irc.PASS:
		if c.registered {
			s.numeric(c, irc.ERR_ALREADYREGISTRED, "You may not reregister")
		}
		return false, ""
	case irc.NICK:
		return s.handleNick(c, p)
	case irc.USER:
		return s.handleUser(c, p)
	}

	if !c.registered {
		s.numeric(c, irc.ERR_NOTREGISTERED, "You have not registered")
		return false, ""
	}

	switch m.Command {
	case irc.JOIN:
		s.handleJoin(c, p)
	case irc.PART:
		s.handlePart(c, p)
	case irc.PRIVMSG:
		s.handlePrivmsg(c, p)
	case irc.NOTICE:
		// Never answered, and not bridged.
	case irc.NAMES:
		s.handleNames(c, p)
	case irc.WHO:
		mask := "*"
		if len(p) > 0 {
			mask = p[0]
		}
		s.numeric(c, irc.RPL_ENDOFWHO, "End of WHO list", mask)
	case irc.MODE:
		s.handleMode(c, p)
	default:
		s.numeric(c, irc.ERR_UNKNOWNCOMMAND, "Unknown command", m.Command)
	}
	return false, ""
}

func (s *Server) handleCap(c *conn, p []string) {
	if len(p) == 0 {
		return
	}
	switch strings.ToUpper(p[0]) {
	case "LS", "LIST":
		c.send(&irc.Message{Prefix: s.prefix(), Command: irc.CAP, Params: []string{"*", strings.ToUpper(p[0])}, EmptyTrailing: true})
	case "REQ":
		var req string
		if len(p) > 1 {
			req = p[1]
		}
		c.send(&irc.Message{Prefix: s.prefix(), Command: irc.CAP, Params: []string{"*", "NAK"}, Trailing: req, EmptyTrailing: req == ""})
	}
}

// validNick is looser than RFC 2812 since Slack names may contain dots or
// start with a digit.
func validNick(nick string) bool {
	if nick == "" || len(nick) > 30 {
		return false
	}
	if strings.ContainsAny(nick[:1], "#&:$+~-") {
		return false
	}
	return !strings.ContainsAny(nick, " ,*?!@:")
}

func (s *Server) handleNick(c *conn, p []string) (bool, string) {
	if len(p) == 0 || p[0] == "" {
		s.numeric(c, irc.ERR_NONICKNAMEGIVEN, "No nickname given")
		return false, ""
	}
	nick := p[0]
	if c.registered {
		// The nick is the Slack identity; it cannot change mid-session.
		if !strings.EqualFold(nick, c.nick) {
			s.numeric(c, irc.ERR_ERRONEUSNICKNAME, "Nick changes are not supported by the Slack gateway", nick)
		}
		return false, ""
	}
	if !validNick(nick) {
		s.numeric(c, irc.ERR_ERRONEUSNICKNAME, "Erroneous nickname", nick)
		return false, ""
	}

	key := strings.ToLower(nick)
	s.mu.Lock()
	if owner, taken := s.nicks[key]; taken && owner != c {
		s.mu.Unlock()
		s.numeric(c, irc.ERR_NICKNAMEINUSE, "Nickname is already in use", nick)
		return false, ""
	}
	if c.nick != "" {
		delete(s.nicks, strings.ToLower(c.nick))
	}
	s.nicks[key] = c
	c.nick = nick
	s.mu.Unlock()

	return s.tryRegister(c)
}

func (s *Server) handleUser(c *conn, p []string) (bool, string) {
	if c.registered {
		s.numeric(c, irc.ERR_ALREADYREGISTRED, "You may not reregister")
		return false, ""
	}
	if len(p) < 4 {
		s.numeric(c, irc.ERR_NEEDMOREPARAMS, "Not enough parameters", irc.USER)
		return false, ""
	}
	s.mu.Lock()
	c.user = p[0]
	c.realname = p[3]
	s.mu.Unlock()
	return s.tryRegister(c)
}

// tryRegister completes registration once NICK and USER have both arrived.
// A rejection by the hooks is shown to the client and ends the connection.
func (s *Server) tryRegister(c *conn) (bool, string) {
	if c.nick == "" || c.user == "" || c.registered {
		return false, ""
	}

	if err := s.hooks.OnRegistering(s.ctx, c.client()); err != nil {
		reason := domain.UserMessage(err)
		s.numeric(c, irc.ERR_PASSWDMISMATCH, reason)
		c.quit(reason)
		return true, "Registration rejected"
	}

	s.mu.Lock()
	c.registered = true
	s.mu.Unlock()

	s.numeric(c, irc.RPL_WELCOME, "Welcome to the Slack IRC gateway "+c.prefix().String())
	s.numeric(c, irc.RPL_YOURHOST, "Your host is "+s.cfg.ServerName+", running version "+serverVersion)
	s.numeric(c, irc.RPL_CREATED, "This server was created "+s.created.Format(time.RFC1123))
	s.numeric(c, irc.RPL_MYINFO, "", s.cfg.ServerName, serverVersion, "o", "nt")

	s.logger.Info("irc client registered", "conn", c.id, "nick", c.nick)
	s.hooks.OnRegistered(s.ctx, c.client())
	return false, ""
}

func (s *Server) handleJoin(c *conn, p []string) {
	if len(p) == 0 {
		s.numeric(c, irc.ERR_NEEDMOREPARAMS, "Not enough parameters", irc.JOIN)
		return
	}
	for _, name := range strings.Split(p[0], ",") {
		if !validChannel(name) {
			s.numeric(c, irc.ERR_NOSUCHCHANNEL, "No such channel", name)
			continue
		}
		s.mu.Lock()
		s.joinLocked(c, name)
		s.mu.Unlock()
	}
}

func (s *Server) handlePart(c *conn, p []string) {
	if len(p) == 0 {
		s.numeric(c, irc.ERR_NEEDMOREPARAMS, "Not enough parameters", irc.PART)
		return
	}
	var reason string
	if len(p) > 1 {
		reason = p[1]
	}
	for _, name := range strings.Split(p[0], ",") {
		key := domain.FoldChannel(name)

		s.mu.Lock()
		ch, ok := c.channels[key]
		if !ok {
			s.mu.Unlock()
			s.numeric(c, irc.ERR_NOTONCHANNEL, "You're not on that channel", name)
			continue
		}
		ch.broadcast(&irc.Message{Prefix: c.prefix(), Command: irc.PART, Params: []string{ch.name}, Trailing: reason}, nil)
		delete(ch.members, c.id)
		delete(c.channels, key)
		s.dropIfEmpty(key, ch)
		s.mu.Unlock()
	}
}

func (s *Server) handlePrivmsg(c *conn, p []string) {
	if len(p) == 0 {
		s.numeric(c, irc.ERR_NORECIPIENT, "No recipient given (PRIVMSG)")
		return
	}
	if len(p) < 2 || p[1] == "" {
		s.numeric(c, irc.ERR_NOTEXTTOSEND, "No text to send")
		return
	}
	target := p[0]
	if !strings.HasPrefix(target, "#") {
		s.numeric(c, irc.ERR_NOSUCHNICK, "Direct messages are not bridged to Slack", target)
		return
	}

	key := domain.FoldChannel(target)
	s.mu.RLock()
	ch, ok := c.channels[key]
	s.mu.RUnlock()
	if !ok {
		s.numeric(c, irc.ERR_CANNOTSENDTOCHAN, "Cannot send to channel", target)
		return
	}

	msg := domain.IRCMessage{
		Source:  c.prefix().String(),
		Command: irc.PRIVMSG,
		Params:  p,
	}
	if err := s.hooks.OnChannelMessage(s.ctx, c.client(), ch.name, msg); err != nil {
		if domain.IsRetryableError(err) {
			s.notice(c, "Slack is unavailable right now, message to "+ch.name+" was not relayed")
			return
		}
		s.notice(c, "Message to "+ch.name+" was not relayed to Slack: "+domain.UserMessage(err))
		return
	}

	text := strings.Join(p[1:], " ")
	s.mu.RLock()
	ch.broadcast(&irc.Message{Prefix: c.prefix(), Command: irc.PRIVMSG, Params: []string{ch.name}, Trailing: text}, c)
	s.mu.RUnlock()
}

func (s *Server) handleNames(c *conn, p []string) {
	if len(p) == 0 {
		s.numeric(c, irc.RPL_ENDOFNAMES, "End of NAMES list", "*")
		return
	}
	for _, name := range strings.Split(p[0], ",") {
		s.mu.RLock()
		ch, ok := s.channels[domain.FoldChannel(name)]
		if ok {
			s.sendNames(c, ch)
		}
		s.mu.RUnlock()
		if !ok {
			s.numeric(c, irc.RPL_ENDOFNAMES, "End of NAMES list", name)
		}
	}
}

func (s *Server) handleMode(c *conn, p []string) {
	if len(p) == 0 {
		s.numeric(c, irc.ERR_NEEDMOREPARAMS, "Not enough parameters", irc.MODE)
		return
	}
	target := p[0]
	if !strings.HasPrefix(target, "#") {
		if !strings.EqualFold(target, c.nick) {
			s.numeric(c, irc.ERR_USERSDONTMATCH, "Cannot change mode for other users")
			return
		}
		s.numeric(c, irc.RPL_UMODEIS, "", "+")
		return
	}

	s.mu.RLock()
	_, ok := s.channels[domain.FoldChannel(target)]
	s.mu.RUnlock()
	if !ok {
		s.numeric(c, irc.ERR_NOSUCHCHANNEL, "No such channel", target)
		return
	}
	if len(p) > 1 && strings.Trim(p[1], "+") == "b" {
		s.numeric(c, irc.RPL_ENDOFBANLIST, "End of channel ban list", target)
		return
	}
	s.numeric(c, irc.RPL_CHANNELMODEIS, "", target, "+nt")
}
