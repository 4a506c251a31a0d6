package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds the connection settings for the mail account.
type AccountConfig struct {
	// Protocol selects the backend: "jmap" or "imap".
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	// ServerURL is the JMAP session resource URL.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// Host and Port address the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS for IMAP (STARTTLS otherwise).
	TLS bool `mapstructure:"tls" yaml:"tls"`

	Username string `mapstructure:"username" yaml:"username"`

	// Auth is "basic" (password) or "bearer" (access token).
	Auth string `mapstructure:"auth" yaml:"auth"`

	// OAuthClientID and OAuthTokenURL enable refreshing bearer tokens
	// from a stored refresh token.
	OAuthClientID string `mapstructure:"oauth_client_id" yaml:"oauth_client_id"`
	OAuthTokenURL string `mapstructure:"oauth_token_url" yaml:"oauth_token_url"`
}

// Server returns the address credentials are stored under.
func (c AccountConfig) Server() string {
	if c.Protocol == "imap" {
		return c.Host
	}
	return c.ServerURL
}

// SyncConfig holds the paging and reconciliation tunables.
type SyncConfig struct {
	PageSize         int `mapstructure:"page_size" yaml:"page_size"`
	PrefetchPages    int `mapstructure:"prefetch_pages" yaml:"prefetch_pages"`
	SwitchDebounceMs int `mapstructure:"switch_debounce_ms" yaml:"switch_debounce_ms"`
	PollIntervalSec  int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	StaleAfterSec    int `mapstructure:"stale_after_sec" yaml:"stale_after_sec"`
	GCAfterSec       int `mapstructure:"gc_after_sec" yaml:"gc_after_sec"`
}

// SwitchDebounce returns the folder-switch debounce window.
func (c SyncConfig) SwitchDebounce() time.Duration {
	return time.Duration(c.SwitchDebounceMs) * time.Millisecond
}

// PollInterval returns the delta reconciliation interval.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StaleAfter returns how long a cache entry stays fresh.
func (c SyncConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

// GCAfter returns how long an unreferenced cache entry is kept.
func (c SyncConfig) GCAfter() time.Duration {
	return time.Duration(c.GCAfterSec) * time.Second
}

// StorageConfig holds local file locations.
type StorageConfig struct {
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Account AccountConfig `mapstructure:"account" yaml:"account"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
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

// DefaultAppConfig returns the built-in configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Account: AccountConfig{
			Protocol: "jmap",
			Port:     "993",
			TLS:      true,
			Auth:     "basic",
		},
		Sync: SyncConfig{
			PageSize:         100,
			PrefetchPages:    3,
			SwitchDebounceMs: 50,
			PollIntervalSec:  30,
			StaleAfterSec:    30,
			GCAfterSec:       300,
		},
		Storage: StorageConfig{
			JournalPath: filepath.Join(configDir(), "journal.db"),
			DownloadDir: ".",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Values may be overridden by MAILSYNC_* environment variables. If the file
// does not exist, the defaults (plus environment) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	def := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("account.protocol", def.Account.Protocol)
	v.SetDefault("account.server_url", "")
	v.SetDefault("account.host", "")
	v.SetDefault("account.port", def.Account.Port)
	v.SetDefault("account.tls", def.Account.TLS)
	v.SetDefault("account.username", "")
	v.SetDefault("account.auth", def.Account.Auth)
	v.SetDefault("account.oauth_client_id", "")
	v.SetDefault("account.oauth_token_url", "")
	v.SetDefault("sync.page_size", def.Sync.PageSize)
	v.SetDefault("sync.prefetch_pages", def.Sync.PrefetchPages)
	v.SetDefault("sync.switch_debounce_ms", def.Sync.SwitchDebounceMs)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.stale_after_sec", def.Sync.StaleAfterSec)
	v.SetDefault("sync.gc_after_sec", def.Sync.GCAfterSec)
	v.SetDefault("storage.journal_path", def.Storage.JournalPath)
	v.SetDefault("storage.download_dir", def.Storage.DownloadDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.pretty", def.Log.Pretty)

	if err := v.ReadInConfig(); err != nil {
		_, missingFile := err.(*os.PathError)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !missingFile && !notFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise break paging or polling.
func (c *AppConfig) Validate() error {
	switch c.Account.Protocol {
	case "jmap", "imap":
	default:
		return fmt.Errorf("unknown protocol %q", c.Account.Protocol)
	}
	switch c.Account.Auth {
	case "basic", "bearer":
	default:
		return fmt.Errorf("unknown auth method %q", c.Account.Auth)
	}
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.PrefetchPages < 0 {
		return fmt.Errorf("sync.prefetch_pages must not be negative, got %d", c.Sync.PrefetchPages)
	}
	if c.Sync.PollIntervalSec < 1 {
		return fmt.Errorf("sync.poll_interval_sec must be positive, got %d", c.Sync.PollIntervalSec)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("account", cfg.Account)
	v.Set("sync", cfg.Sync)
	v.Set("storage", cfg.Storage)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
