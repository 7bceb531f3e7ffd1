// Package webhook receives Slack Events API callbacks and relays channel
// messages into IRC.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack/slackevents"
	"go.opentelemetry.io/otel/trace"

	"slack-ircd/internal/domain"
	"slack-ircd/internal/infra/tracer"
)

const opDispatch = "Webhook.Dispatch"

// Registry is the part of the bridge state the dispatcher reads.
type Registry interface {
	ConsumeEchoIfPresent(slackID, ts string) bool
	LookupUsername(userID string) (string, bool)
	ResolveIRCChannel(slackID string) (domain.ChannelHandle, bool)
}

// Runner runs fire-and-forget work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Dispatcher is the Slack Events API endpoint. Everything it does inline is
// map lookups; IRC delivery happens on the Runner so Slack gets its 200
// within its response budget.
type Dispatcher struct {
	token  []byte
	reg    Registry
	tasks  Runner
	bus    domain.EventBus
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher that accepts requests carrying
// verificationToken.
func NewDispatcher(verificationToken string, reg Registry, tasks Runner, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		token:  []byte(verificationToken),
		reg:    reg,
		tasks:  tasks,
		bus:    bus,
		logger: logger,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), tracer.SpanWebhookDispatch,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	body, err := d.dispatch(ctx, r.Body)
	tracer.Finish(span, err)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		status := statusFor(err)
		d.logger.Warn("webhook request refused",
			"status", status,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, domain.UserMessage(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func malformed(detail string) error {
	return domain.NewDomainError(opDispatch, domain.ErrMalformedPayload, detail)
}

// dispatch returns the 200 response body, or an error whose kind selects the
// status code.
func (d *Dispatcher) dispatch(ctx context.Context, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", malformed("Invalid JSON in request")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", malformed("Invalid JSON in request")
	}
	// Any other JSON value has no token and fails the gate below.
	payload, _ := v.(map[string]any)

	token, _ := payload["token"].(string)
	if len(d.token) == 0 || subtle.ConstantTimeCompare([]byte(token), d.token) != 1 {
		return "", domain.NewDomainError(opDispatch, domain.ErrForbidden, "Invalid or missing verification token")
	}

	typ, ok := payload["type"].(string)
	if !ok {
		return "", malformed("Missing or invalid type field in request")
	}
	tracer.Annotate(ctx, tracer.AttrRequestType.String(typ))

	switch typ {
	case slackevents.URLVerification:
		challenge, ok := payload["challenge"].(string)
		if !ok {
			return "", malformed("Missing or invalid challenge field in request")
		}
		return challenge, nil

	case slackevents.CallbackEvent:
		event, ok := payload["event"].(map[string]any)
		if !ok {
			return "", malformed("Missing or invalid event field in request")
		}
		return "", d.dispatchEvent(ctx, event)

	case slackevents.AppRateLimited:
		d.logger.Warn("slack is rate limiting event delivery", "minute_rate_limited", payload["minute_rate_limited"])
		return "", nil

	default:
		d.logger.Error("unsupported webhook request type", "type", typ)
		return "", nil
	}
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, event map[string]any) error {
	evType, ok := event["type"].(string)
	if !ok {
		return malformed("Missing or invalid event callback type field in request")
	}
	if evType != string(slackevents.Message) {
		d.logger.Info("ignoring slack event", "type", evType)
		return nil
	}
	if subtype, ok := event["subtype"]; ok {
		d.logger.Debug("ignoring message with subtype", "subtype", subtype)
		return nil
	}

	var fields [4]string
	for i, name := range []string{"channel", "user", "text", "ts"} {
		v, ok := event[name].(string)
		if !ok {
			return malformed("Missing or invalid " + name + " field in message event")
		}
		fields[i] = v
	}
	channel, user, text, ts := fields[0], fields[1], fields[2], fields[3]
	tracer.Annotate(ctx, tracer.AttrSlackChannel.String(channel), tracer.AttrSlackTS.String(ts))

	if d.reg.ConsumeEchoIfPresent(channel, ts) {
		d.publish(ctx, domain.EventMessageEchoSuppressed, channel, ts)
		return nil
	}

	name, ok := d.reg.LookupUsername(user)
	if !ok {
		name = user
	}
	handle, ok := d.reg.ResolveIRCChannel(channel)
	if !ok {
		d.logger.Debug("message for unbridged channel dropped", "channel", channel, "ts", ts)
		d.publish(ctx, domain.EventMessageDropped, channel, "unbridged channel")
		return nil
	}

	msgs := toIRC(name, handle.Name(), text)
	if len(msgs) == 0 {
		return nil
	}
	d.tasks.Go("inject:"+channel, func(ctx context.Context) error {
		for _, msg := range msgs {
			if err := handle.Deliver(msg); err != nil {
				if errors.Is(err, domain.ErrChannelGone) {
					d.logger.Debug("irc channel gone, message dropped", "channel", channel, "ts", ts)
					d.publish(ctx, domain.EventMessageDropped, channel, "irc channel gone")
					return nil
				}
				return domain.WrapOp("Webhook.inject", err)
			}
		}
		d.publish(ctx, domain.EventMessageInbound, channel, ts)
		return nil
	})
	return nil
}

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// toIRC turns one Slack message into PRIVMSG lines from a synthesized
// nick!~nick@slack.com source. IRC lines cannot carry newlines, so each line
// of a multi-line Slack message becomes its own PRIVMSG.
func toIRC(name, ircChannel, text string) []domain.IRCMessage {
	nick := domain.SourceNick(name)
	source := nick + "!~" + nick + "@slack.com"
	text = slackUnescaper.Replace(text)

	var out []domain.IRCMessage
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		out = append(out, domain.IRCMessage{
			Source:  source,
			Command: "PRIVMSG",
			Params:  []string{ircChannel, line},
		})
	}
	return out
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, channel, detail string) {
	ev := domain.NewEvent(t)
	ev.Channel = channel
	ev.Detail = detail
	d.bus.Publish(ctx, ev)
}
