package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pomosync/internal/ipc"
	"pomosync/internal/timer"
)

type PomodoroConfig struct {
	WorkMinutes       int `mapstructure:"work_minutes"`
	BreakMinutes      int `mapstructure:"break_minutes"`
	LongBreakMinutes  int `mapstructure:"long_break_minutes"`
	LongBreakInterval int `mapstructure:"long_break_interval"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

type FocusConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Apps     []string      `mapstructure:"apps"`
	Interval time.Duration `mapstructure:"interval"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type NotifyConfig struct {
	Desktop bool `mapstructure:"desktop"`
}

type Config struct {
	DatabasePath string         `mapstructure:"database_path"`
	SocketPath   string         `mapstructure:"socket_path"`
	HTTPAddr     string         `mapstructure:"http_addr"` // empty disables the status server
	LogLevel     string         `mapstructure:"log_level"`
	Backend      BackendConfig  `mapstructure:"backend"`
	Sync         SyncConfig     `mapstructure:"sync"`
	Focus        FocusConfig    `mapstructure:"focus"`
	NATS         NATSConfig     `mapstructure:"nats"`
	Notify       NotifyConfig   `mapstructure:"notify"`
	Pomodoro     PomodoroConfig `mapstructure:"pomodoro"`
}

func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.New(), configPath)
}

// Load reads configuration through v, so callers can supply their own
// filesystem or pre-set values.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/pomosync")
		v.AddConfigPath("/etc/pomosync/")
	}

	v.SetEnvPrefix("POMOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Info("Config file not found, using defaults.")
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	slog.Debug("Configuration loaded", "file", v.ConfigFileUsed(), "backend", cfg.Backend.BaseURL, "database", cfg.DatabasePath)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "pomosync.db")
	v.SetDefault("socket_path", ipc.DefaultSocketPath)
	v.SetDefault("http_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend.base_url", "http://localhost:8000/api/v1/pomodoro")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("sync.poll_interval", time.Minute)
	v.SetDefault("sync.retry.initial", 500*time.Millisecond)
	v.SetDefault("sync.retry.max", 10*time.Second)
	v.SetDefault("sync.retry.max_elapsed", 30*time.Second)
	v.SetDefault("sync.retry.max_retries", 4)
	v.SetDefault("focus.enabled", false)
	v.SetDefault("focus.apps", []string{"firefox", "chromium", "google-chrome"})
	v.SetDefault("focus.interval", 2*time.Second)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "pomosync.timer")
	v.SetDefault("notify.desktop", true)
	v.SetDefault("pomodoro.work_minutes", 25)
	v.SetDefault("pomodoro.break_minutes", 5)
	v.SetDefault("pomodoro.long_break_minutes", 15)
	v.SetDefault("pomodoro.long_break_interval", 4)
}

func (c *Config) normalize() {
	if c.Sync.PollInterval < 5*time.Second {
		slog.Warn("sync.poll_interval too low, setting to 5s", "value", c.Sync.PollInterval)
		c.Sync.PollInterval = 5 * time.Second
	}
	if c.Backend.Timeout <= 0 {
		slog.Warn("backend.timeout must be positive, setting to 10s", "value", c.Backend.Timeout)
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Focus.Interval < 500*time.Millisecond {
		c.Focus.Interval = 500 * time.Millisecond
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		slog.Warn("invalid log_level, defaulting to info", "value", c.LogLevel)
		c.LogLevel = "info"
	}
}

// CommandTimeout bounds a socket command round trip. The slowest command,
// start, makes up to four sequential backend calls: the pre-start sync
// query, a preference fetch for an adopted session, the preference fetch
// for the new session and the start itself.
func (c *Config) CommandTimeout() time.Duration {
	return 4*c.Backend.Timeout + 5*time.Second
}

// Preferences are the fallback durations used when the backend cannot
// provide the user's own.
func (p PomodoroConfig) Preferences() timer.Preferences {
	return timer.Preferences{
		WorkDuration:      p.WorkMinutes,
		BreakDuration:     p.BreakMinutes,
		LongBreakDuration: p.LongBreakMinutes,
		LongBreakInterval: p.LongBreakInterval,
	}.Normalized()
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
