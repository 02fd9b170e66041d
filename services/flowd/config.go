package flowd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"rootbot/crypto"
	"rootbot/flow"
	"rootbot/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for flowd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	AssetsPath    string          `yaml:"assets"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Wallet        WalletConfig    `yaml:"wallet"`
	Sessions      SessionConfig   `yaml:"sessions"`
	Flow          FlowConfig      `yaml:"flow"`
	Settlement    SettleConfig    `yaml:"settlement"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// LedgerConfig configures the JSON-RPC connection to the ledger.
type LedgerConfig struct {
	Endpoint         string      `yaml:"endpoint"`
	EndpointEnv      string      `yaml:"endpoint_env"`
	NativeDecimals   uint8       `yaml:"native_decimals"`
	Confirmations    uint64      `yaml:"confirmations"`
	PollInterval     Duration    `yaml:"poll_interval"`
	InclusionTimeout Duration    `yaml:"inclusion_timeout"`
	GasHeadroomPct   uint64      `yaml:"gas_headroom_pct"`
	StakingAddress   string      `yaml:"staking_address"`
	DEXAddress       string      `yaml:"dex_address"`
	Retry            RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of idempotent ledger calls.
type RetryConfig struct {
	Attempts       int      `yaml:"attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	CallTimeout    Duration `yaml:"call_timeout"`
	SubmitTimeout  Duration `yaml:"submit_timeout"`
}

// WalletConfig locates the encrypted keystore.
type WalletConfig struct {
	Path           string `yaml:"path"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
	// LightScrypt trades key derivation cost for speed; intended for development.
	LightScrypt bool `yaml:"light_scrypt"`
}

// SessionConfig tunes the in-memory session store.
type SessionConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// FlowConfig carries swap parameters.
type FlowConfig struct {
	SlippageBps  uint32   `yaml:"slippage_bps"`
	SwapDeadline Duration `yaml:"swap_deadline"`
}

// SettleConfig bounds finality tracking.
type SettleConfig struct {
	FinalityTimeout Duration `yaml:"finality_timeout"`
}

// AuthConfig enables bearer JWT verification on the API.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitConfig limits inbound events per user.
type RateLimitConfig struct {
	EventsPerMinute float64 `yaml:"events_per_minute"`
	Burst           int     `yaml:"burst"`
}

// LoggingConfig selects the log level and optional rotated file sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Traces   bool              `yaml:"traces"`
	Metrics  bool              `yaml:"metrics"`
	// SampleRatio keeps this fraction of traces; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.Wallet.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Ledger.NativeDecimals == 0 {
		cfg.Ledger.NativeDecimals = 18
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Ledger.InclusionTimeout.Duration == 0 {
		cfg.Ledger.InclusionTimeout.Duration = 90 * time.Second
	}
	if cfg.Ledger.GasHeadroomPct == 0 {
		cfg.Ledger.GasHeadroomPct = 20
	}
	if cfg.Wallet.Path == "" {
		cfg.Wallet.Path = "flowd-wallets.db"
	}
	if cfg.Sessions.IdleTimeout.Duration == 0 {
		cfg.Sessions.IdleTimeout.Duration = 10 * time.Minute
	}
	if cfg.Sessions.SweepInterval.Duration == 0 {
		cfg.Sessions.SweepInterval.Duration = time.Minute
	}
	if cfg.Flow.SlippageBps == 0 {
		cfg.Flow.SlippageBps = flow.DefaultSlippageBps
	}
	if cfg.Flow.SwapDeadline.Duration == 0 {
		cfg.Flow.SwapDeadline.Duration = flow.DefaultSwapDeadline
	}
	if cfg.Settlement.FinalityTimeout.Duration == 0 {
		cfg.Settlement.FinalityTimeout.Duration = 5 * time.Minute
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.EventsPerMinute == 0 {
		cfg.RateLimit.EventsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	for name, addr := range map[string]string{
		"staking_address": cfg.Ledger.StakingAddress,
		"dex_address":     cfg.Ledger.DEXAddress,
	} {
		if addr != "" && !crypto.IsValidAddress(addr) {
			return fmt.Errorf("ledger %s %q is not a 0x address", name, addr)
		}
	}
	if cfg.Flow.SlippageBps >= 10_000 {
		return fmt.Errorf("flow slippage_bps must be below 10000")
	}
	if cfg.RateLimit.EventsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured when auth is enabled")
	}
	return nil
}

// FlowParams converts the flow section into router parameters.
func (c Config) FlowParams() flow.Config {
	return flow.Config{SlippageBps: c.Flow.SlippageBps, SwapDeadline: c.Flow.SwapDeadline.Duration}
}

// LogFile returns the rotated file sink settings.
func (c LoggingConfig) LogFile() logging.FileConfig {
	return logging.FileConfig{
		Path:       strings.TrimSpace(c.File),
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

func (l *LedgerConfig) normalise() error {
	l.Endpoint = strings.TrimSpace(l.Endpoint)
	l.EndpointEnv = strings.TrimSpace(l.EndpointEnv)
	if l.Endpoint == "" && l.EndpointEnv != "" {
		value := strings.TrimSpace(os.Getenv(l.EndpointEnv))
		if value == "" {
			return fmt.Errorf("endpoint_env %s is empty", l.EndpointEnv)
		}
		l.Endpoint = value
	}
	l.StakingAddress = strings.TrimSpace(l.StakingAddress)
	l.DEXAddress = strings.TrimSpace(l.DEXAddress)
	return nil
}

// Addresses returns the configured precompile overrides; zero means default.
func (l LedgerConfig) Addresses() (staking, dex common.Address) {
	if l.StakingAddress != "" {
		staking = common.HexToAddress(l.StakingAddress)
	}
	if l.DEXAddress != "" {
		dex = common.HexToAddress(l.DEXAddress)
	}
	return staking, dex
}

// normalise resolves the passphrase from the inline value, a file or the
// environment. It may legitimately stay empty, in which case the operator is
// prompted at startup.
func (w *WalletConfig) normalise() error {
	w.Path = strings.TrimSpace(w.Path)
	w.PassphraseEnv = strings.TrimSpace(w.PassphraseEnv)
	w.PassphraseFile = strings.TrimSpace(w.PassphraseFile)
	if w.Passphrase != "" {
		return nil
	}
	if w.PassphraseFile != "" {
		contents, err := os.ReadFile(w.PassphraseFile)
		if err != nil {
			return fmt.Errorf("read passphrase_file: %w", err)
		}
		w.Passphrase = strings.TrimRight(string(contents), "\r\n")
		if strings.TrimSpace(w.Passphrase) == "" {
			return fmt.Errorf("passphrase_file %s is empty", w.PassphraseFile)
		}
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret := strings.TrimSpace(a.HMACSecret)
	switch {
	case secret != "":
	case strings.TrimSpace(a.HMACSecretEnv) != "":
		env := strings.TrimSpace(a.HMACSecretEnv)
		secret = strings.TrimSpace(os.Getenv(env))
		if secret == "" && a.Enabled {
			return fmt.Errorf("hmac_secret_env %s is empty", env)
		}
	case strings.TrimSpace(a.HMACSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.HMACSecretFile))
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}
