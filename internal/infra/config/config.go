package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"slack-ircd/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SLACKIRCD_"

// Config is the top-level gateway configuration.
type Config struct {
	IRC      IRCConfig       `yaml:"irc"`
	Webhook  WebhookConfig   `yaml:"webhook"`
	Slack    SlackConfig     `yaml:"slack"`
	Profiles []ProfileConfig `yaml:"profiles"`
	Tasks    TasksConfig     `yaml:"tasks"`
	Refresh  RefreshConfig   `yaml:"refresh"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
	Includes []string        `yaml:"includes,omitempty"`
}

// IRCConfig holds the embedded IRC server settings.
type IRCConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ServerName   string        `yaml:"server_name"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// WebhookConfig holds the Slack Events API endpoint settings.
type WebhookConfig struct {
	ListenAddr        string          `yaml:"listen_addr"`
	Path              string          `yaml:"path"`
	VerificationToken string          `yaml:"verification_token"`
	MaxBodyBytes      int64           `yaml:"max_body_bytes"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	TrustedProxies    []string        `yaml:"trusted_proxies,omitempty"`
}

// RateLimitConfig bounds inbound webhook traffic per client IP.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// SlackConfig holds Slack Web API client settings.
type SlackConfig struct {
	APIURL         string        `yaml:"api_url"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
	RespTimeout    time.Duration `yaml:"resp_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-token circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ProfileConfig is one pre-provisioned user: the IRC nick and its Slack token.
type ProfileConfig struct {
	Name       string `yaml:"name"`
	SlackToken string `yaml:"slack_token"`
}

// TasksConfig bounds background work.
type TasksConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

// RefreshConfig holds periodic cache refresh schedules.
type RefreshConfig struct {
	UsersSchedule string `yaml:"users_schedule"` // cron expression or duration; empty disables
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stderr", "stdout", or file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// DomainProfiles converts configured profiles to domain values.
func (c *Config) DomainProfiles() []domain.Profile {
	out := make([]domain.Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		out = append(out, domain.Profile{Name: p.Name, SlackToken: p.SlackToken})
	}
	return out
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		IRC: IRCConfig{
			ListenAddr:   "0.0.0.0:6667",
			ServerName:   "rIRC-slack-gateway",
			PingInterval: 2 * time.Minute,
		},
		Webhook: WebhookConfig{
			ListenAddr:   "0.0.0.0:8080",
			Path:         "/slack/events",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          100,
			},
		},
		Slack: SlackConfig{
			APIURL:         "https://slack.com/api/",
			ConnTimeout:    10 * time.Second,
			RespTimeout:    30 * time.Second,
			RequestsPerSec: 1,
			Burst:          5,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tasks: TasksConfig{MaxConcurrent: 32},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file, applies env overrides, and decrypts secrets.
// A missing file yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes, except
		// for profiles which accumulate across files.
		profiles := cfg.Profiles
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Profiles = profiles
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides reads SLACKIRCD_* env vars and overrides config values.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "IRC_LISTEN_ADDR"); v != "" {
		cfg.IRC.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "IRC_SERVER_NAME"); v != "" {
		cfg.IRC.ServerName = v
	}
	if v := os.Getenv(EnvPrefix + "WEBHOOK_LISTEN_ADDR"); v != "" {
		cfg.Webhook.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "WEBHOOK_PATH"); v != "" {
		cfg.Webhook.Path = v
	}
	if v := os.Getenv(EnvPrefix + "WEBHOOK_VERIFICATION_TOKEN"); v != "" {
		cfg.Webhook.VerificationToken = v
	}
	if v := os.Getenv(EnvPrefix + "SLACK_API_URL"); v != "" {
		cfg.Slack.APIURL = v
	}
	if v := os.Getenv(EnvPrefix + "SLACK_RESP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Slack.RespTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "SLACK_REQUESTS_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Slack.RequestsPerSec = f
		}
	}
	if v := os.Getenv(EnvPrefix + "TASKS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Tasks.MaxConcurrent = n
		}
	}
	if v := os.Getenv(EnvPrefix + "REFRESH_USERS_SCHEDULE"); v != "" {
		cfg.Refresh.UsersSchedule = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// SLACKIRCD_PROFILE_<NICK>_TOKEN sets or adds a profile token.
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" {
			continue
		}
		if !strings.HasPrefix(key, EnvPrefix+"PROFILE_") || !strings.HasSuffix(key, "_TOKEN") {
			continue
		}
		nick := strings.TrimSuffix(strings.TrimPrefix(key, EnvPrefix+"PROFILE_"), "_TOKEN")
		if nick == "" {
			continue
		}
		setProfileToken(cfg, nick, val)
	}
}

func setProfileToken(cfg *Config, nick, token string) {
	for i := range cfg.Profiles {
		if strings.EqualFold(cfg.Profiles[i].Name, nick) {
			cfg.Profiles[i].SlackToken = token
			return
		}
	}
	cfg.Profiles = append(cfg.Profiles, ProfileConfig{Name: strings.ToLower(nick), SlackToken: token})
}

// decryptSecrets decrypts any "enc:" prefixed secret in-place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Webhook.VerificationToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Webhook.VerificationToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("webhook verification_token: %w", err)
		}
		cfg.Webhook.VerificationToken = decrypted
	}

	for i := range cfg.Profiles {
		tok := cfg.Profiles[i].SlackToken
		if !strings.HasPrefix(tok, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("profile %s slack_token: %w", cfg.Profiles[i].Name, err)
		}
		cfg.Profiles[i].SlackToken = decrypted
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM using a key derived from passphrase.
// Returns "salt_hex:nonce+ciphertext_hex".
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
// They hold Slack tokens.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)", domain.ErrConfig, path, mode)
	}
	return nil
}
