package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nhle/mailsync/internal/logger"
)

// Provider types accepted in ProviderConfig.Type.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// DatabaseConfig holds the location of the local message mirror.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProviderConfig selects the remote mail provider.
type ProviderConfig struct {
	// Type is ProviderGmail or ProviderIMAP.
	Type string `mapstructure:"type" yaml:"type"`
}

// GmailConfig holds the OAuth client settings for the Gmail provider.
type GmailConfig struct {
	// CredentialsPath is the OAuth client secret JSON downloaded from
	// the Google Cloud console.
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`

	// TokenPath is a fallback token file used when no keyring backend
	// is available.
	TokenPath string `mapstructure:"token_path" yaml:"token_path"`
}

// IMAPConfig holds the IMAP server settings. The password is read from
// the system keyring, never from the config file.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// IngestConfig controls what a fetch pulls from the provider.
type IngestConfig struct {
	MaxResults  int    `mapstructure:"max_results" yaml:"max_results"`
	Query       string `mapstructure:"query" yaml:"query"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// RulesConfig controls rule loading and rule runs.
type RulesConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	RunLimit int    `mapstructure:"run_limit" yaml:"run_limit"`
	DryRun   bool   `mapstructure:"dry_run" yaml:"dry_run"`
}

// RetryConfig bounds retries of transient remote failures.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// RemoteConfig throttles and hardens calls to the provider.
type RemoteConfig struct {
	// RPS caps remote requests per second. Zero disables the limiter.
	RPS   int         `mapstructure:"rps" yaml:"rps"`
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	// Textfile, when set, receives the metrics in Prometheus text format
	// after every command (node_exporter textfile collector).
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// PollConfig controls the watch loop.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Gmail    GmailConfig    `mapstructure:"gmail" yaml:"gmail"`
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Rules    RulesConfig    `mapstructure:"rules" yaml:"rules"`
	Remote   RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	Log      logger.Config  `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Poll     PollConfig     `mapstructure:"poll" yaml:"poll"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

// setDefaults registers every key so missing keys resolve to sensible
// values and MAILSYNC_* environment overrides are picked up.
func setDefaults(v *viper.Viper) {
	dir := configDir()
	v.SetDefault("database.path", filepath.Join(dir, "email.db"))
	v.SetDefault("provider.type", ProviderGmail)
	v.SetDefault("gmail.credentials_path", filepath.Join(dir, "credentials.json"))
	v.SetDefault("gmail.token_path", filepath.Join(dir, "token.json"))
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", "993")
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("ingest.max_results", 5)
	v.SetDefault("ingest.query", "")
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("rules.path", filepath.Join(dir, "rules.json"))
	v.SetDefault("rules.run_limit", 5)
	v.SetDefault("rules.dry_run", false)
	v.SetDefault("remote.rps", 4)
	v.SetDefault("remote.retry.max_attempts", 3)
	v.SetDefault("remote.retry.initial_delay", "200ms")
	v.SetDefault("remote.retry.max_delay", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.log_file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("poll.interval", "5m")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, the defaults (plus environment overrides)
// are returned.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the values the rest of the program relies on.
func (c *AppConfig) Validate() error {
	switch c.Provider.Type {
	case ProviderGmail:
	case ProviderIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" {
			return fmt.Errorf("imap provider requires imap.host and imap.username")
		}
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Ingest.MaxResults < 1 {
		return fmt.Errorf("ingest.max_results must be positive, got %d", c.Ingest.MaxResults)
	}
	if c.Ingest.Concurrency < 1 {
		c.Ingest.Concurrency = 1
	}
	if c.Rules.RunLimit < 1 {
		return fmt.Errorf("rules.run_limit must be positive, got %d", c.Rules.RunLimit)
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 5 * time.Minute
	}
	return nil
}
