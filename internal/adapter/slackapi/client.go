// Package slackapi is a small Slack Web API client: form-encoded POSTs with a
// bearer token, JSON envelopes decoded into slack-go types, cursor
// pagination, and every failure normalized to domain.ErrAPI.
package slackapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"slack-ircd/internal/domain"
	"slack-ircd/internal/infra/tracer"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api/"

const (
	pageLimit        = 500
	maxPages         = 1000
	maxResponseBytes = 32 << 20
)

// Config holds settings shared by every client a Factory hands out.
type Config struct {
	BaseURL        string
	ConnTimeout    time.Duration
	RespTimeout    time.Duration
	RequestsPerSec float64 // <= 0 disables client-side limiting
	Burst          int
	Breaker        BreakerConfig
	HTTPClient     *http.Client // optional; built from the timeouts when nil
}

// guard is the per-token limiter and breaker. It outlives sessions so that a
// reconnecting user does not reset Slack's view of their request rate.
type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// Factory builds Clients that share one HTTP transport.
type Factory struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	guards map[string]*guard
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout),
			Timeout:   cfg.ConnTimeout + cfg.RespTimeout,
		}
	}
	return &Factory{
		cfg:    cfg,
		http:   hc,
		logger: logger,
		guards: make(map[string]*guard),
	}
}

// Client returns a client bound to token.
func (f *Factory) Client(token string) *Client {
	return &Client{
		token:   token,
		baseURL: f.cfg.BaseURL,
		http:    f.http,
		guard:   f.guardFor(token),
	}
}

// API adapts Client to domain.SlackAPIFactory.
func (f *Factory) API(token string) domain.SlackAPI {
	return f.Client(token)
}

func (f *Factory) guardFor(token string) *guard {
	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.guards[token]; ok {
		return g
	}
	limit := rate.Inf
	if f.cfg.RequestsPerSec > 0 {
		limit = rate.Limit(f.cfg.RequestsPerSec)
	}
	burst := f.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	g := &guard{
		limiter: rate.NewLimiter(limit, burst),
		breaker: newBreaker("slack:"+TokenTag(token), f.cfg.Breaker, f.logger),
	}
	f.guards[token] = g
	return g
}

// TokenTag is a short non-reversible label for a token, safe to log.
func TokenTag(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// Client talks to Slack as one identity.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	guard   *guard
}

var _ domain.SlackAPI = (*Client)(nil)

// BreakerState reports the circuit state for this client's token.
func (c *Client) BreakerState() gobreaker.State {
	return c.guard.breaker.State()
}

// apiError builds the single error kind every Slack failure collapses to.
func apiError(endpoint, detail string, cause error) error {
	err := domain.ErrAPI
	if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrAPI, cause)
	}
	return domain.NewDomainError("slack."+endpoint, err, detail)
}

// call performs one API request and decodes the JSON envelope into out
// (which may be nil).
func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) (err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SlackSpan(endpoint),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracer.AttrSlackEndpoint.String(endpoint)),
	)
	defer func() { tracer.Finish(span, err) }()

	if err := c.guard.limiter.Wait(ctx); err != nil {
		return apiError(endpoint, "rate limiter", err)
	}

	body, err := c.guard.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, endpoint, params)
	})
	if err != nil {
		if isBreakerRejection(err) {
			return apiError(endpoint, err.Error(), domain.ErrCircuitOpen)
		}
		return err
	}
	return decodeEnvelope(endpoint, body, out)
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, apiError(endpoint, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apiError(endpoint, "Request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(endpoint, fmt.Sprintf("Request failed with status %d", resp.StatusCode), nil)
	}
	if err != nil {
		return nil, apiError(endpoint, "read response", err)
	}
	return body, nil
}

// decodeEnvelope applies Slack's response conventions: the body must be a
// JSON object and must not carry an "error" field.
func decodeEnvelope(endpoint string, body []byte, out any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return apiError(endpoint, "JSON response is not an object", nil)
	}
	if raw, ok := fields["error"]; ok {
		var msg string
		if json.Unmarshal(raw, &msg) != nil {
			msg = string(raw)
		}
		return apiError(endpoint, "Request failed with error "+msg, nil)
	}
	if raw, ok := fields["ok"]; ok && string(raw) == "false" {
		return apiError(endpoint, "Request failed with ok=false", nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apiError(endpoint, "decode response", err)
	}
	return nil
}

// pageResponse is implemented by paginated list envelopes.
type pageResponse interface {
	nextCursor() string
}

// paginate requests pages of endpoint until Slack returns an empty cursor.
// newPage must return a fresh envelope each call; collect consumes it.
func (c *Client) paginate(ctx context.Context, endpoint string, params url.Values, newPage func() pageResponse, collect func(pageResponse)) error {
	cursor := ""
	for range maxPages {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("limit", fmt.Sprint(pageLimit))
		q.Set("cursor", cursor)

		page := newPage()
		if err := c.call(ctx, endpoint, q, page); err != nil {
			return err
		}
		collect(page)

		cursor = page.nextCursor()
		if cursor == "" {
			return nil
		}
	}
	return apiError(endpoint, fmt.Sprintf("pagination did not finish after %d pages", maxPages), nil)
}
