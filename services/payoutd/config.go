package payoutd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/PomeGroup/ontonbot-sub004/core/types"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations such as "5s" for TOML documents.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Config captures the runtime configuration for payoutd.
type Config struct {
	ListenAddress string         `yaml:"listen" toml:"listen"`
	Environment   string         `yaml:"environment" toml:"environment"`
	PoliciesPath  string         `yaml:"policies" toml:"policies"`
	Schedule      string         `yaml:"schedule" toml:"schedule"`
	PauseOnStart  bool           `yaml:"pause" toml:"pause"`
	JournalPath   string         `yaml:"journal_path" toml:"journal_path"`
	Chain         ChainConfig    `yaml:"chain" toml:"chain"`
	Fees          FeeConfig      `yaml:"fees" toml:"fees"`
	Batch         BatchConfig    `yaml:"batch" toml:"batch"`
	Notify        NotifyConfig   `yaml:"notify" toml:"notify"`
	Webhook       WebhookConfig  `yaml:"webhook" toml:"webhook"`
	Keystore      KeystoreConfig `yaml:"keystore" toml:"keystore"`
	Database      DatabaseConfig `yaml:"database" toml:"database"`
	Logging       LoggingConfig  `yaml:"logging" toml:"logging"`
	Admin         AdminConfig    `yaml:"admin" toml:"admin"`
}

// ChainConfig points at the JSON-RPC node used for balances, broadcasts and receipts.
type ChainConfig struct {
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	ChainID       string `yaml:"chain_id" toml:"chain_id"`
	AuthToken     string `yaml:"auth_token" toml:"auth_token"`
	AuthTokenEnv  string `yaml:"auth_token_env" toml:"auth_token_env"`
	AuthTokenFile string `yaml:"auth_token_file" toml:"auth_token_file"`
}

// FeeConfig holds fee estimates as decimal strings in smallest units.
type FeeConfig struct {
	PerTx       string `yaml:"per_tx" toml:"per_tx"`
	PerMessage  string `yaml:"per_message" toml:"per_message"`
	SafetyFloor string `yaml:"safety_floor" toml:"safety_floor"`
}

// BatchConfig bounds batch size and confirmation polling.
type BatchConfig struct {
	MaxSize      int      `yaml:"max_size" toml:"max_size"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxPolls     int      `yaml:"max_polls" toml:"max_polls"`
}

// NotifyConfig configures Telegram winner notifications. An empty token disables them.
type NotifyConfig struct {
	TelegramToken     string   `yaml:"telegram_token" toml:"telegram_token"`
	TelegramTokenEnv  string   `yaml:"telegram_token_env" toml:"telegram_token_env"`
	TelegramTokenFile string   `yaml:"telegram_token_file" toml:"telegram_token_file"`
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	Attempts          int      `yaml:"attempts" toml:"attempts"`
	RetryDelay        Duration `yaml:"retry_delay" toml:"retry_delay"`
	Pause             Duration `yaml:"pause" toml:"pause"`
}

// WebhookConfig configures the payout.completed webhook. An empty URL disables it.
type WebhookConfig struct {
	URL        string `yaml:"url" toml:"url"`
	Secret     string `yaml:"secret" toml:"secret"`
	SecretEnv  string `yaml:"secret_env" toml:"secret_env"`
	SecretFile string `yaml:"secret_file" toml:"secret_file"`
}

// KeystoreConfig locates the passphrase sealing custodial keys.
type KeystoreConfig struct {
	Passphrase     string `yaml:"passphrase" toml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env" toml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file" toml:"passphrase_file"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// LoggingConfig enables an optional rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWT             JWTConfig      `yaml:"jwt" toml:"jwt"`
	MTLS            MTLSConfig     `yaml:"mtls" toml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls" toml:"tls"`
}

// JWTConfig enables HS256 operator tokens.
type JWTConfig struct {
	Secret    string `yaml:"secret" toml:"secret"`
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin API.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// LoadConfig reads configuration from the supplied path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7082"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/payoutd/journal"
	}
	if cfg.Batch.MaxSize == 0 {
		cfg.Batch.MaxSize = DefaultMaxBatchSize
	}
	if cfg.Batch.PollInterval.Duration == 0 {
		cfg.Batch.PollInterval.Duration = defaultPollInterval
	}
	if cfg.Batch.MaxPolls == 0 {
		cfg.Batch.MaxPolls = defaultMaxPolls
	}
	if cfg.Notify.Attempts == 0 {
		cfg.Notify.Attempts = defaultNotifyAttempts
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Fees.PerTx == "" {
		cfg.Fees.PerTx = "0"
	}
	if cfg.Fees.PerMessage == "" {
		cfg.Fees.PerMessage = "0"
	}
	if cfg.Fees.SafetyFloor == "" {
		cfg.Fees.SafetyFloor = "0"
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Chain.AuthToken, err = resolveSecret("chain.auth_token", c.Chain.AuthToken, c.Chain.AuthTokenEnv, c.Chain.AuthTokenFile); err != nil {
		return err
	}
	if c.Notify.TelegramToken, err = resolveSecret("notify.telegram_token", c.Notify.TelegramToken, c.Notify.TelegramTokenEnv, c.Notify.TelegramTokenFile); err != nil {
		return err
	}
	if c.Webhook.Secret, err = resolveSecret("webhook.secret", c.Webhook.Secret, c.Webhook.SecretEnv, c.Webhook.SecretFile); err != nil {
		return err
	}
	if c.Keystore.Passphrase, err = resolveSecret("keystore.passphrase", c.Keystore.Passphrase, c.Keystore.PassphraseEnv, c.Keystore.PassphraseFile); err != nil {
		return err
	}
	if c.Database.DSN, err = resolveSecret("database.dsn", c.Database.DSN, c.Database.DSNEnv, ""); err != nil {
		return err
	}
	if c.Admin.JWT.Secret, err = resolveSecret("admin.jwt.secret", c.Admin.JWT.Secret, c.Admin.JWT.SecretEnv, ""); err != nil {
		return err
	}
	return nil
}

// resolveSecret returns the inline value, or the value behind the env var or file
// indirection. A configured indirection that yields nothing is an error.
func resolveSecret(name, inline, envVar, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envVar = strings.TrimSpace(envVar); envVar != "" {
		value := strings.TrimSpace(os.Getenv(envVar))
		if value == "" {
			return "", fmt.Errorf("%s: environment variable %s is empty", name, envVar)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%s: read file: %w", name, err)
		}
		value := strings.TrimSpace(string(contents))
		if value == "" {
			return "", fmt.Errorf("%s: file %s is empty", name, path)
		}
		return value, nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if _, err := cfg.ChainID(); err != nil {
		return err
	}
	if cfg.Chain.AuthToken == "" {
		return fmt.Errorf("chain auth token must be configured to broadcast")
	}
	if _, err := cfg.Fees.Parse(); err != nil {
		return err
	}
	if cfg.Batch.MaxSize < 1 || cfg.Batch.MaxSize > types.MaxMessagesPerTx {
		return fmt.Errorf("batch.max_size must be between 1 and %d", types.MaxMessagesPerTx)
	}
	if cfg.Batch.MaxPolls < 1 {
		return fmt.Errorf("batch.max_polls must be positive")
	}
	if cfg.Keystore.Passphrase == "" {
		return fmt.Errorf("keystore passphrase must be configured")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q unsupported (postgres or sqlite)", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured when webhook.url is set")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWT.Secret == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure bearer_token, jwt or mTLS for admin authentication")
	}
	return nil
}

// ChainID parses the configured chain identifier, defaulting to the network constant.
func (c Config) ChainID() (*big.Int, error) {
	raw := strings.TrimSpace(c.Chain.ChainID)
	if raw == "" {
		return types.ChainID(), nil
	}
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("chain.chain_id %q invalid", c.Chain.ChainID)
	}
	return id, nil
}

// Parse converts the configured fee strings into amounts.
func (f FeeConfig) Parse() (Fees, error) {
	perTx, err := parseDecimal(f.PerTx)
	if err != nil {
		return Fees{}, fmt.Errorf("fees.per_tx: %w", err)
	}
	perMessage, err := parseDecimal(f.PerMessage)
	if err != nil {
		return Fees{}, fmt.Errorf("fees.per_message: %w", err)
	}
	floor, err := parseDecimal(f.SafetyFloor)
	if err != nil {
		return Fees{}, fmt.Errorf("fees.safety_floor: %w", err)
	}
	return Fees{PerTx: perTx, PerMessage: perMessage, SafetyFloor: floor}, nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	if a.MTLS.Enabled && a.MTLS.ClientCAPath == "" {
		return fmt.Errorf("mtls.client_ca must be configured when mTLS is enabled")
	}
	return nil
}
