package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DestinationFileName is the fixed name of the downloaded artifact inside the documents directory.
const DestinationFileName = "downloadedFile.zip"

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Download     DownloadConfig     `mapstructure:"download"`
	WakeUp       WakeUpConfig       `mapstructure:"wakeup"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DownloadConfig describes the single file this service downloads and where it lands.
type DownloadConfig struct {
	URL                string        `mapstructure:"url"`
	DocumentsDir       string        `mapstructure:"documents_dir"`
	TempDir            string        `mapstructure:"temp_dir"`
	ProgressInterval   time.Duration `mapstructure:"progress_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FollowConfirmPages bool          `mapstructure:"follow_confirm_pages"`
}

// WakeUpConfig controls how execution opportunities are requested.
type WakeUpConfig struct {
	TaskIdentifier string        `mapstructure:"task_identifier"`
	Cadence        time.Duration `mapstructure:"cadence"`
	Window         time.Duration `mapstructure:"window"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds the retries of a failed wake-up registration.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// NotificationConfig holds user notification settings.
type NotificationConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookMethod string `mapstructure:"webhook_method"`
	Log           bool   `mapstructure:"log"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./data/bgdownload.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Download: DownloadConfig{
			DocumentsDir:       "./data/documents",
			TempDir:            "./data/tmp",
			ProgressInterval:   250 * time.Millisecond,
			RequestTimeout:     0,
			FollowConfirmPages: true,
		},
		WakeUp: WakeUpConfig{
			TaskIdentifier: "com.example.backgrounddownload.refresh",
			Cadence:        time.Minute,
			Window:         30 * time.Second,
			Retry: RetryConfig{
				InitialDelay: 5 * time.Second,
				MaxDelay:     5 * time.Minute,
				MaxAttempts:  5,
			},
		},
		Notification: NotificationConfig{
			WebhookMethod: "POST",
			Log:           true,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > .env file > config file > defaults
func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.bgdownload")
	}

	v.SetEnvPrefix("BGDOWNLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("download.url", d.Download.URL)
	v.SetDefault("download.documents_dir", d.Download.DocumentsDir)
	v.SetDefault("download.temp_dir", d.Download.TempDir)
	v.SetDefault("download.progress_interval", d.Download.ProgressInterval)
	v.SetDefault("download.request_timeout", d.Download.RequestTimeout)
	v.SetDefault("download.follow_confirm_pages", d.Download.FollowConfirmPages)

	v.SetDefault("wakeup.task_identifier", d.WakeUp.TaskIdentifier)
	v.SetDefault("wakeup.cadence", d.WakeUp.Cadence)
	v.SetDefault("wakeup.window", d.WakeUp.Window)
	v.SetDefault("wakeup.retry.initial_delay", d.WakeUp.Retry.InitialDelay)
	v.SetDefault("wakeup.retry.max_delay", d.WakeUp.Retry.MaxDelay)
	v.SetDefault("wakeup.retry.max_attempts", d.WakeUp.Retry.MaxAttempts)

	v.SetDefault("notification.webhook_url", d.Notification.WebhookURL)
	v.SetDefault("notification.webhook_method", d.Notification.WebhookMethod)
	v.SetDefault("notification.log", d.Notification.Log)
}

// Validate reports settings the service cannot run with.
func (c *Config) Validate() error {
	if c.WakeUp.TaskIdentifier == "" {
		return errors.New("wakeup.task_identifier must not be empty")
	}
	if c.WakeUp.Cadence <= 0 {
		return fmt.Errorf("wakeup.cadence must be positive, got %s", c.WakeUp.Cadence)
	}
	if c.WakeUp.Window <= 0 {
		return fmt.Errorf("wakeup.window must be positive, got %s", c.WakeUp.Window)
	}
	if c.Download.DocumentsDir == "" {
		return errors.New("download.documents_dir must not be empty")
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DestinationPath returns the well-known path of the downloaded artifact.
func (c *DownloadConfig) DestinationPath() string {
	return filepath.Join(c.DocumentsDir, DestinationFileName)
}
