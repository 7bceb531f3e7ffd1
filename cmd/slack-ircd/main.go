package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"slack-ircd/internal/domain"
	"slack-ircd/internal/infra/config"
	"slack-ircd/internal/infra/logger"
	"slack-ircd/internal/infra/tracer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'slack-ircd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`slack-ircd - IRC server gateway to Slack

USAGE:
    slack-ircd [COMMAND] [FLAGS]

COMMANDS:
    doctor          Check the config and every profile's Slack token
    encrypt VALUE   Print VALUE encrypted with SLACKIRCD_CONFIG_KEY, for use
                    as an "enc:" secret in the config file

    (no command) - Run the gateway

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SLACKIRCD_* variables override config
                 SLACKIRCD_CONFIG sets the config path
                 SLACKIRCD_CONFIG_KEY decrypts "enc:" secrets

EXAMPLES:
    slack-ircd                                   # Run with config.yaml
    slack-ircd --config /etc/slack-ircd.yaml     # Run with custom config
    slack-ircd doctor                            # Check Slack connectivity
    SLACKIRCD_CONFIG_KEY=... slack-ircd encrypt xoxp-...`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// checkVerificationToken is the one fatal configuration error at startup.
func checkVerificationToken(cfg *config.Config) error {
	if cfg.Webhook.VerificationToken == "" {
		return domain.NewDomainError("main", domain.ErrConfig,
			"Slack app verification token must not be empty, check the server config")
	}
	return nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Verification token
	if err := checkVerificationToken(cfg); err != nil {
		log.Error(domain.UserMessage(err))
		return err
	}

	// 4. Signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. State, bus, tasks, IRC server, webhook server, scheduler
	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := gw.start(ctx); err != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return errors.Join(err, gw.stop(shutdownCtx))
	}

	log.Info("slack-ircd started",
		"irc", gw.irc.Addr(),
		"webhook", gw.webhook.Addr(),
		"profiles", len(cfg.Profiles),
	)

	// 6. Wait, then shut down
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := gw.stop(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: slack-ircd encrypt VALUE")
	}
	passphrase := os.Getenv(config.EnvPrefix + "CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("%sCONFIG_KEY must be set", config.EnvPrefix)
	}
	enc, err := encryptSecret(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func encryptSecret(value, passphrase string) (string, error) {
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return "", err
	}
	return "enc:" + enc, nil
}
