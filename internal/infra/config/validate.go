package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"slack-ircd/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match ValidationError with errors.Is(err, domain.ErrConfig).
func (v *ValidationError) Unwrap() error { return domain.ErrConfig }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
//
// An empty webhook verification token is not a validation error: the gateway
// refuses to start without one, but diagnostics can run without it.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateIRC(cfg, ve)
	validateWebhook(cfg, ve)
	validateSlack(cfg, ve)
	validateProfiles(cfg, ve)
	validateMisc(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAddr(field, addr string, ve *ValidationError) {
	if addr == "" {
		ve.Add("%s must not be empty", field)
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		ve.Add("%s %q is not host:port: %v", field, addr, err)
	}
}

func validateIRC(cfg *Config, ve *ValidationError) {
	validateAddr("irc.listen_addr", cfg.IRC.ListenAddr, ve)
	if cfg.IRC.ServerName == "" {
		ve.Add("irc.server_name must not be empty")
	}
	if strings.ContainsAny(cfg.IRC.ServerName, " !@") {
		ve.Add("irc.server_name %q must not contain spaces, '!' or '@'", cfg.IRC.ServerName)
	}
	if cfg.IRC.PingInterval < 0 {
		ve.Add("irc.ping_interval must be >= 0")
	}
}

func validateWebhook(cfg *Config, ve *ValidationError) {
	validateAddr("webhook.listen_addr", cfg.Webhook.ListenAddr, ve)
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		ve.Add("webhook.path %q must start with '/'", cfg.Webhook.Path)
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		ve.Add("webhook.max_body_bytes must be > 0")
	}
	if cfg.Webhook.RateLimit.RequestsPerMin <= 0 || cfg.Webhook.RateLimit.Burst <= 0 {
		ve.Add("webhook.rate_limit requests_per_min and burst must be > 0")
	}
	for _, p := range cfg.Webhook.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("webhook.trusted_proxies: %q is not an IP address", p)
		}
	}
}

func validateSlack(cfg *Config, ve *ValidationError) {
	u, err := url.Parse(cfg.Slack.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("slack.api_url %q must be an absolute http(s) URL", cfg.Slack.APIURL)
	}
	if cfg.Slack.ConnTimeout <= 0 || cfg.Slack.RespTimeout <= 0 {
		ve.Add("slack.conn_timeout and slack.resp_timeout must be > 0")
	}
	if cfg.Slack.RequestsPerSec <= 0 || cfg.Slack.Burst <= 0 {
		ve.Add("slack.requests_per_sec and slack.burst must be > 0")
	}
	if cfg.Slack.Breaker.MaxFailures == 0 {
		ve.Add("slack.breaker.max_failures must be > 0")
	}
}

func validateProfiles(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			ve.Add("profiles[%d].name must not be empty", i)
			continue
		}
		if strings.ContainsAny(p.Name, " ,*?!@#") {
			ve.Add("profiles[%d].name %q is not a valid IRC nick", i, p.Name)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			ve.Add("profiles[%d].name %q is duplicated", i, p.Name)
		}
		seen[key] = true
		if p.SlackToken == "" {
			ve.Add("profiles[%d] (%s): slack_token must not be empty", i, p.Name)
		}
	}
}

func validateMisc(cfg *Config, ve *ValidationError) {
	if cfg.Tasks.MaxConcurrent <= 0 {
		ve.Add("tasks.max_concurrent must be > 0")
	}
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
		}
	}
}
