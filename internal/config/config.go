package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
)

// DefaultCredentialEnv lists the provider keys HM6 reads from its
// environment.
var DefaultCredentialEnv = []string{
	"OPENROUTER_KEY_DEEPSEEK",
	"OPENROUTER_KEY_GPT4",
	"OPENROUTER_KEY_CLAUDE",
	"XAI_KEY",
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HM6     HM6Config     `yaml:"hm6"`
	Stream  StreamConfig  `yaml:"stream"`
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
	Billing BillingConfig `yaml:"billing"`
	Logging LoggingConfig `yaml:"logging"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	AuthToken       string        `yaml:"auth_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type HM6Config struct {
	BinaryPath string `yaml:"binary_path"`
	WorkDir    string `yaml:"work_dir"`
	// CredentialEnv names variables copied from the server's environment
	// into the child's. Values never go on the command line.
	CredentialEnv []string `yaml:"credential_env"`
	// PassEnv names non-secret variables forwarded as well (PATH, HOME...).
	PassEnv        []string      `yaml:"pass_env"`
	MaxFoundation  int           `yaml:"max_foundation"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	ReadBuffer     int           `yaml:"read_buffer"`
}

type StreamConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
	// PersistSessions writes a session.json for every session this server
	// runs, alongside the ones HM6 writes itself.
	PersistSessions bool `yaml:"persist_sessions"`
}

type LimitsConfig struct {
	MaxQueryLength int           `yaml:"max_query_length"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RatePerMinute  float64       `yaml:"rate_per_minute"`
	RateBurst      int           `yaml:"rate_burst"`
	RetainFinished time.Duration `yaml:"retain_finished"`
}

type BillingConfig struct {
	// RequireCredits gates /api/query on a positive balance and deducts one
	// credit per accepted query.
	RequireCredits      bool          `yaml:"require_credits"`
	Provider            string        `yaml:"provider"` // "memory" or "clerk"
	StripeSecretKey     string        `yaml:"stripe_secret_key"`
	StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
	StripeAPIBase       string        `yaml:"stripe_api_base"`
	ClerkSecretKey      string        `yaml:"clerk_secret_key"`
	ClerkAPIBase        string        `yaml:"clerk_api_base"`
	WebhookTolerance    time.Duration `yaml:"webhook_tolerance"`
	Currency            string        `yaml:"currency"`
	ProductName         string        `yaml:"product_name"`
	StartingCredits     int           `yaml:"starting_credits"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PrivacyConfig struct {
	QueryPreviewLen int      `yaml:"query_preview_len"`
	MaskQueries     bool     `yaml:"mask_queries"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	HiddenStatuses  []string `yaml:"hidden_statuses"`
}

// NewPrivacyFilter converts the config into an archive.PrivacyFilter.
func (p PrivacyConfig) NewPrivacyFilter() *archive.PrivacyFilter {
	return &archive.PrivacyFilter{
		QueryPreviewLen: p.QueryPreviewLen,
		MaskQueries:     p.MaskQueries,
		MaskSessionIDs:  p.MaskSessionIDs,
		HiddenStatuses:  append([]string(nil), p.HiddenStatuses...),
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			Host:            "127.0.0.1",
			ShutdownTimeout: 10 * time.Second,
		},
		HM6: HM6Config{
			BinaryPath:     "./bin/hm6",
			CredentialEnv:  append([]string(nil), DefaultCredentialEnv...),
			PassEnv:        []string{"PATH", "HOME", "TMPDIR", "LANG", "TZ"},
			MaxFoundation:  12,
			SampleInterval: 2 * time.Second,
			ReadBuffer:     4096,
		},
		Stream: StreamConfig{
			SendBuffer:   64,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Path: "./storage",
		},
		Limits: LimitsConfig{
			MaxQueryLength: 8000,
			MaxConcurrent:  4,
			RatePerMinute:  10,
			RateBurst:      3,
			RetainFinished: 10 * time.Minute,
		},
		Billing: BillingConfig{
			Provider:         "memory",
			StripeAPIBase:    "https://api.stripe.com",
			ClerkAPIBase:     "https://api.clerk.com",
			WebhookTolerance: 5 * time.Minute,
			Currency:         "usd",
			ProductName:      "HM6 Query Credits",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults (with
// environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = defaultConfig()
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overlays deployment settings that are usually injected as
// environment variables rather than written to a file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HM6_BINARY_PATH", &c.HM6.BinaryPath)
	str("HM6_WORK_DIR", &c.HM6.WorkDir)
	str("STORAGE_PATH", &c.Storage.Path)
	str("HM6_AUTH_TOKEN", &c.Server.AuthToken)
	str("STRIPE_SECRET_KEY", &c.Billing.StripeSecretKey)
	str("STRIPE_WEBHOOK_SECRET", &c.Billing.StripeWebhookSecret)
	str("CLERK_SECRET_KEY", &c.Billing.ClerkSecretKey)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case strings.TrimSpace(c.HM6.BinaryPath) == "":
		return errors.New("hm6.binary_path is required")
	case c.HM6.MaxFoundation < 1:
		return errors.New("hm6.max_foundation must be at least 1")
	case c.HM6.ReadBuffer < 64:
		return errors.New("hm6.read_buffer must be at least 64 bytes")
	case c.Stream.SendBuffer < 1:
		return errors.New("stream.send_buffer must be at least 1")
	case c.Stream.PingInterval <= 0 || c.Stream.PongTimeout <= c.Stream.PingInterval:
		return errors.New("stream.pong_timeout must exceed a positive stream.ping_interval")
	case c.Limits.MaxQueryLength < 1:
		return errors.New("limits.max_query_length must be positive")
	case c.Limits.MaxConcurrent < 0:
		return errors.New("limits.max_concurrent must not be negative")
	case c.Limits.RatePerMinute < 0:
		return errors.New("limits.rate_per_minute must not be negative")
	case c.Billing.Provider != "memory" && c.Billing.Provider != "clerk":
		return fmt.Errorf("billing.provider %q must be memory or clerk", c.Billing.Provider)
	case c.Billing.Provider == "clerk" && c.Billing.ClerkSecretKey == "":
		return errors.New("billing.clerk_secret_key is required for the clerk provider")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
