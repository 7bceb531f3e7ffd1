package bridge

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"slack-ircd/internal/domain"
	"slack-ircd/internal/infra/tracer"
)

// Runner runs fire-and-forget work. It reports false if fn was dropped.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Bridge implements domain.IRCHooks: it authorizes registrations, populates
// State from Slack, and relays channel messages to Slack.
type Bridge struct {
	state    *State
	sessions *Sessions
	tasks    Runner
	bus      domain.EventBus
	logger   *slog.Logger

	engine domain.IRCEngine
}

var _ domain.IRCHooks = (*Bridge)(nil)

// New creates a Bridge. Attach must be called before the IRC engine starts
// invoking hooks.
func New(state *State, sessions *Sessions, tasks Runner, bus domain.EventBus, logger *slog.Logger) *Bridge {
	return &Bridge{
		state:    state,
		sessions: sessions,
		tasks:    tasks,
		bus:      bus,
		logger:   logger,
	}
}

// Attach gives the bridge the engine it joins channels through.
func (b *Bridge) Attach(engine domain.IRCEngine) {
	b.engine = engine
}

// OnRegistering accepts nick if it has a configured profile.
func (b *Bridge) OnRegistering(ctx context.Context, client domain.IRCClient) error {
	sess, err := b.sessions.Register(client.Conn, client.Nick)
	if err != nil {
		b.logger.Info("registration rejected", "conn", client.Conn, "nick", client.Nick, "error", err)
		ev := domain.NewEvent(domain.EventSessionRejected)
		ev.Nick = client.Nick
		ev.Detail = err.Error()
		b.bus.Publish(ctx, ev)
		return err
	}
	b.logger.Info("session registered", "session", sess.ID, "conn", client.Conn, "nick", sess.Nick)
	return nil
}

// OnRegistered starts the background fetches that populate the username
// cache and join the user's Slack channels.
func (b *Bridge) OnRegistered(ctx context.Context, client domain.IRCClient) {
	sess, err := b.sessions.Get(client.Conn)
	if err != nil {
		b.logger.Warn("registered connection has no session", "conn", client.Conn, "error", err)
		return
	}
	b.publish(ctx, domain.EventSessionRegistered, sess, "", "")

	b.tasks.Go("sync-users:"+sess.Nick, func(ctx context.Context) error {
		return b.syncUsers(ctx, sess)
	})
	b.tasks.Go("join-channels:"+sess.Nick, func(ctx context.Context) error {
		return b.joinChannels(ctx, sess)
	})
}

// OnDisconnect forgets conn's session. Channel bindings stay.
func (b *Bridge) OnDisconnect(ctx context.Context, conn domain.ConnID) {
	sess := b.sessions.Remove(conn)
	if sess == nil {
		b.logger.Debug("unregistered connection closed", "conn", conn)
		return
	}
	b.logger.Info("session closed", "session", sess.ID, "conn", conn, "nick", sess.Nick, "state", StateDisconnected)
	b.publish(ctx, domain.EventSessionClosed, sess, "", "")
}

// OnChannelMessage relays a PRIVMSG from IRC to Slack.
func (b *Bridge) OnChannelMessage(ctx context.Context, client domain.IRCClient, channel string, msg domain.IRCMessage) error {
	err := b.RelayOutbound(ctx, client.Conn, channel, msg)
	if err != nil {
		b.logger.Warn("outbound relay failed",
			"conn", client.Conn,
			"channel", channel,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		ev := domain.NewEvent(domain.EventMessageDropped)
		ev.Nick = client.Nick
		ev.Detail = err.Error()
		b.bus.Publish(ctx, ev)
	}
	return err
}

// RelayOutbound posts msg, sent by conn to IRC channel, to the bound Slack
// channel and records the returned timestamp so its webhook echo is dropped.
func (b *Bridge) RelayOutbound(ctx context.Context, conn domain.ConnID, channel string, msg domain.IRCMessage) (err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanRelayOutbound,
		trace.WithAttributes(tracer.AttrIRCChannel.String(channel)),
	)
	defer func() { tracer.Finish(span, err) }()

	slackID, ok := b.state.ResolveSlackID(channel)
	if !ok {
		return domain.NewDomainError("Bridge.RelayOutbound", domain.ErrMappingNotFound, "channel "+channel+" is not bridged")
	}
	sess, err := b.sessions.Get(conn)
	if err != nil {
		return err
	}

	ts, err := sess.Slack.PostMessage(ctx, slackID, msg.TextAfter(0))
	if err != nil {
		return domain.WrapOp("Bridge.RelayOutbound", err)
	}
	b.state.RecordOutboundEcho(slackID, ts)
	span.SetAttributes(tracer.AttrSlackChannel.String(slackID), tracer.AttrSlackTS.String(ts))

	b.logger.Debug("relayed to slack", "session", sess.ID, "channel", channel, "slack_channel", slackID, "ts", ts)
	b.publish(ctx, domain.EventMessageOutbound, sess, slackID, ts)
	return nil
}

// RefreshUsers re-reads the Slack user list through any live session. It is
// a no-op when nobody is connected.
func (b *Bridge) RefreshUsers(ctx context.Context) error {
	sess, ok := b.sessions.Any()
	if !ok {
		b.logger.Debug("no live session, skipping user refresh")
		return nil
	}
	return b.syncUsers(ctx, sess)
}

func (b *Bridge) syncUsers(ctx context.Context, sess *ClientSession) error {
	users, err := sess.Slack.ListUsers(ctx)
	if err != nil {
		return domain.WrapOp("Bridge.syncUsers", err)
	}
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = u.RealName
		}
		if name == "" {
			continue
		}
		b.state.BindUsername(u.ID, name)
	}
	b.logger.Info("slack users cached", "session", sess.ID, "count", len(users))
	return nil
}

func (b *Bridge) joinChannels(ctx context.Context, sess *ClientSession) error {
	if b.engine == nil {
		return errors.New("bridge: no IRC engine attached")
	}
	channels, err := sess.Slack.ListChannels(ctx)
	if err != nil {
		return domain.WrapOp("Bridge.joinChannels", err)
	}

	joined := 0
	for _, ch := range channels {
		if !ch.IsMember {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := "#" + ch.Name
		if err := b.engine.Join(sess.Conn, name); err != nil {
			b.logger.Warn("join failed", "session", sess.ID, "channel", name, "error", err)
			continue
		}
		handle, ok := b.engine.Channel(name)
		if !ok {
			continue
		}
		b.state.BindChannel(ch.ID, name, handle)
		b.publish(ctx, domain.EventChannelBound, sess, ch.ID, name)
		joined++
	}
	b.logger.Info("slack channels joined", "session", sess.ID, "listed", len(channels), "joined", joined)
	return nil
}

func (b *Bridge) publish(ctx context.Context, t domain.EventType, sess *ClientSession, channel, detail string) {
	ev := domain.NewEvent(t)
	ev.SessionID = sess.ID
	ev.Nick = sess.Nick
	ev.Channel = channel
	ev.Detail = detail
	b.bus.Publish(ctx, ev)
}

// Status is a point-in-time view of the bridge for health reporting.
type Status struct {
	Sessions  int           `json:"sessions"`
	Bindings  int           `json:"bindings"`
	Usernames int           `json:"usernames"`
	Counters  StatsSnapshot `json:"counters"`
}

// Status reports live sizes alongside stats counters.
func (b *Bridge) Status(stats *Stats) Status {
	st := Status{
		Sessions:  b.sessions.Len(),
		Bindings:  b.state.Bindings(),
		Usernames: b.state.Usernames(),
	}
	if stats != nil {
		st.Counters = stats.Snapshot()
	}
	return st
}
