package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"slack-ircd/internal/adapter/slackapi"
	"slack-ircd/internal/infra/config"
	"slack-ircd/internal/infra/logger"
)

const doctorTimeout = 15 * time.Second

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor loads the config and runs every check against it.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	return runChecks(os.Stdout, doctorChecks(cfgPath, cfg, cfgErr), cfg)
}

func doctorChecks(cfgPath string, cfg *config.Config, cfgErr error) []Check {
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Verification token", Fn: checkVerificationTokenSet},
		{Name: "Profiles", Fn: checkProfiles},
	}
	if cfg == nil {
		return checks
	}
	factory := slackapi.NewFactory(slackConfig(cfg.Slack), logger.Discard())
	for _, p := range cfg.Profiles {
		checks = append(checks, Check{
			Name: "Slack profile " + p.Name,
			Fn:   checkSlackProfile(factory, p),
		})
	}
	return checks
}

func runChecks(w io.Writer, checks []Check, cfg *config.Config) error {
	fmt.Fprintln(w, "slack-ircd doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax and the SLACKIRCD_* environment",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkVerificationTokenSet(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if err := checkVerificationToken(cfg); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "webhook.verification_token is empty",
			Fix:     "Copy the verification token from the Slack app's Basic Information page",
		}
	}
	return CheckResult{Status: StatusPass, Message: "set"}
}

func checkProfiles(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if len(cfg.Profiles) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no profiles configured, every IRC registration will be rejected",
			Fix:     "Add a profiles entry with name (IRC nick) and slack_token",
		}
	}
	names := make([]string, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		names = append(names, p.Name)
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d configured (%s)", len(names), strings.Join(names, ", ")),
	}
}

// checkSlackProfile calls api.test and auth.test with the profile's token.
func checkSlackProfile(factory *slackapi.Factory, p config.ProfileConfig) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
		defer cancel()

		client := factory.Client(p.SlackToken)
		if err := client.APITest(ctx); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("Slack API unreachable: %v", err),
				Fix:     "Check network access to slack.api_url",
			}
		}
		id, err := client.AuthTest(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("token rejected: %v", err),
				Fix:     "Issue a new user token for " + p.Name,
			}
		}
		msg := fmt.Sprintf("authenticated as %s (%s) on %s", id.User, id.UserID, id.Team)
		if !strings.EqualFold(id.User, p.Name) {
			return CheckResult{
				Status:  StatusWarn,
				Message: msg + ", which differs from the IRC nick",
			}
		}
		return CheckResult{Status: StatusPass, Message: msg}
	}
}
