package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"slack-ircd/internal/adapter/ircd"
	"slack-ircd/internal/adapter/slackapi"
	"slack-ircd/internal/adapter/webhook"
	"slack-ircd/internal/infra/config"
	"slack-ircd/internal/infra/logger"
	"slack-ircd/internal/infra/middleware"
	"slack-ircd/internal/usecase/bridge"
	"slack-ircd/internal/usecase/eventbus"
	"slack-ircd/internal/usecase/scheduling"
	"slack-ircd/internal/usecase/tasks"
)

const refreshTaskName = "refresh-users"

// gateway holds every long-lived component.
type gateway struct {
	log       *slog.Logger
	bus       *eventbus.Bus
	tasks     *tasks.Runner
	stats     *bridge.Stats
	bridge    *bridge.Bridge
	irc       *ircd.Server
	webhook   *webhook.Server
	scheduler *scheduling.Scheduler // nil when refresh.users_schedule is empty
}

func slackConfig(cfg config.SlackConfig) slackapi.Config {
	return slackapi.Config{
		BaseURL:        cfg.APIURL,
		ConnTimeout:    cfg.ConnTimeout,
		RespTimeout:    cfg.RespTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		Burst:          cfg.Burst,
		Breaker: slackapi.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		},
	}
}

func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	bus := eventbus.New(logger.Component(log, "eventbus"))
	runner := tasks.NewRunner(ctx, tasks.Config{MaxConcurrent: cfg.Tasks.MaxConcurrent}, logger.Component(log, "tasks"))
	factory := slackapi.NewFactory(slackConfig(cfg.Slack), logger.Component(log, "slackapi"))

	state := bridge.NewState()
	sessions := bridge.NewSessions(cfg.DomainProfiles(), factory.API)
	br := bridge.New(state, sessions, runner, bus, logger.Component(log, "bridge"))
	stats := bridge.NewStats(bus)

	irc := ircd.New(ircd.Config{
		Addr:         cfg.IRC.ListenAddr,
		ServerName:   cfg.IRC.ServerName,
		PingInterval: cfg.IRC.PingInterval,
	}, br, logger.Component(log, "ircd"))
	br.Attach(irc)

	dispatcher := webhook.NewDispatcher(cfg.Webhook.VerificationToken, state, runner, bus, logger.Component(log, "webhook"))
	hook := webhook.NewServer(webhook.Config{
		Addr:         cfg.Webhook.ListenAddr,
		Path:         cfg.Webhook.Path,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: cfg.Webhook.RateLimit.RequestsPerMin,
			BurstSize:      cfg.Webhook.RateLimit.Burst,
			TrustedProxies: cfg.Webhook.TrustedProxies,
		},
	}, dispatcher, func() any { return br.Status(stats) }, logger.Component(log, "webhook"))

	gw := &gateway{
		log:     log,
		bus:     bus,
		tasks:   runner,
		stats:   stats,
		bridge:  br,
		irc:     irc,
		webhook: hook,
	}

	if cfg.Refresh.UsersSchedule != "" {
		sched := scheduling.NewScheduler(logger.Component(log, "scheduler"))
		sched.RegisterAction(scheduling.ActionUserRefresh, br.RefreshUsers)
		err := sched.AddTask(scheduling.ScheduledTask{
			Name:     refreshTaskName,
			Schedule: cfg.Refresh.UsersSchedule,
			Action:   scheduling.ActionUserRefresh,
		})
		if err != nil {
			return nil, fmt.Errorf("refresh.users_schedule: %w", err)
		}
		gw.scheduler = sched
	}
	return gw, nil
}

func (g *gateway) start(ctx context.Context) error {
	if err := g.irc.Start(ctx); err != nil {
		return fmt.Errorf("irc server: %w", err)
	}
	if err := g.webhook.Start(ctx); err != nil {
		return fmt.Errorf("webhook server: %w", err)
	}
	if g.scheduler != nil {
		if err := g.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if next, ok := g.scheduler.NextRun(refreshTaskName); ok {
			g.log.Info("user refresh scheduled", "next", next)
		}
	}
	return nil
}

// stop shuts components down in reverse dependency order: inputs first, then
// the work they feed.
func (g *gateway) stop(ctx context.Context) error {
	var errs []error
	if g.scheduler != nil {
		if err := g.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := g.webhook.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("webhook server: %w", err))
	}
	if err := g.irc.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("irc server: %w", err))
	}
	if err := g.tasks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tasks: %w", err))
	}
	g.stats.Close()
	g.bus.Close()
	return errors.Join(errs...)
}
