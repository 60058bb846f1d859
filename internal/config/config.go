// Package config loads FitSync settings from defaults, an optional YAML file
// and FITSYNC_* environment variables, in increasing precedence.
package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/fitsync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/remote"
	"github.com/kimhsiao/fitsync/backend/internal/sync/queue"
	"github.com/kimhsiao/fitsync/backend/internal/sync/scheduler"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. FITSYNC_QUEUE_MAX_RETRIES.
	EnvPrefix  = "FITSYNC"
	configName = "fitsync"
)

// Config is the full process configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir"`
	UserID       string             `mapstructure:"user_id" yaml:"user_id"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Retention    RetentionConfig    `mapstructure:"retention" yaml:"retention"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type QueueConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause" yaml:"batch_pause"`
	RespectMetered bool          `mapstructure:"respect_metered" yaml:"respect_metered"`
	WakeInterval   time.Duration `mapstructure:"wake_interval" yaml:"wake_interval"`
}

type RetentionConfig struct {
	// Window of 0 keeps synced rows forever.
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Token     string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax  int           `mapstructure:"retry_max" yaml:"retry_max"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type ConnectivityConfig struct {
	// ProbeURL enables the HTTP reachability probe; empty means the host
	// reports connectivity itself.
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	Expensive     bool          `mapstructure:"expensive" yaml:"expensive"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

func setDefaults(v *viper.Viper) {
	q := queue.DefaultConfig()
	s := scheduler.DefaultSchedulerConfig()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("user_id", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.base_delay", q.BaseDelay)
	v.SetDefault("queue.max_delay", q.MaxDelay)
	v.SetDefault("queue.batch_size", q.BatchSize)
	v.SetDefault("queue.batch_pause", q.BatchPause)
	v.SetDefault("queue.respect_metered", q.RespectMetered)
	v.SetDefault("queue.wake_interval", s.WakeInterval)

	v.SetDefault("retention.window", s.RetentionWindow)
	v.SetDefault("retention.interval", s.RetentionInterval)

	r := remote.DefaultConfig("")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", r.Timeout)
	v.SetDefault("remote.retry_max", r.RetryMax)
	v.SetDefault("remote.rate_limit", r.RateLimit)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 30*time.Second)
	v.SetDefault("connectivity.expensive", false)

	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("server.metrics", true)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fitsync")
	}
	return ".fitsync"
}

// Loader reads and watches one configuration source.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path searches the working
// directory and the user config directory for fitsync.yaml; a missing file
// is not an error in that case.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}
	return &Loader{v: v, path: path}
}

// Load reads the configuration.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the source and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !stderrors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file on every write and passes the result to onChange.
// Invalid edits are logged and skipped. Watch is a no-op without a file.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.ConfigFile() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid config change", map[string]interface{}{
				"file":  e.Name,
				"error": err.Error(),
			})
			return
		}
		logging.Info("Configuration reloaded", map[string]interface{}{"file": e.Name})
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return apperrors.New(apperrors.ErrInvalid, "data_dir is required")
	case c.Queue.MaxRetries < 1:
		return apperrors.New(apperrors.ErrInvalid, "queue.max_retries must be at least 1")
	case c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay:
		return apperrors.New(apperrors.ErrInvalid, "queue delays must satisfy 0 < base_delay <= max_delay")
	case c.Queue.BatchSize < 1:
		return apperrors.New(apperrors.ErrInvalid, "queue.batch_size must be at least 1")
	case c.Retention.Window < 0:
		return apperrors.New(apperrors.ErrInvalid, "retention.window must not be negative")
	case c.Remote.RateLimit < 0:
		return apperrors.New(apperrors.ErrInvalid, "remote.rate_limit must not be negative")
	}
	return nil
}

// QueueTunables maps the queue section onto queue.Config.
func (c *Config) QueueTunables() queue.Config {
	return queue.Config{
		MaxRetries:     c.Queue.MaxRetries,
		BaseDelay:      c.Queue.BaseDelay,
		MaxDelay:       c.Queue.MaxDelay,
		BatchSize:      c.Queue.BatchSize,
		BatchPause:     c.Queue.BatchPause,
		RespectMetered: c.Queue.RespectMetered,
	}
}

// SchedulerConfig maps the wake interval and retention settings onto the
// scheduler.
func (c *Config) SchedulerConfig() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		WakeInterval:      c.Queue.WakeInterval,
		RetentionWindow:   c.Retention.Window,
		RetentionInterval: c.Retention.Interval,
	}
}

// RemoteConfig returns the remote client settings, starting from
// remote.DefaultConfig.
func (c *Config) RemoteConfig() remote.Config {
	r := remote.DefaultConfig(c.Remote.BaseURL)
	r.Token = c.Remote.Token
	r.Timeout = c.Remote.Timeout
	r.RetryMax = c.Remote.RetryMax
	r.RateLimit = c.Remote.RateLimit
	return r
}

// ProbeConfig returns the connectivity probe settings. A zero probe interval
// keeps the default.
func (c *Config) ProbeConfig() connectivity.ProbeConfig {
	p := connectivity.DefaultProbeConfig(c.Connectivity.ProbeURL)
	if c.Connectivity.ProbeInterval > 0 {
		p.Interval = c.Connectivity.ProbeInterval
	}
	p.Expensive = c.Connectivity.Expensive
	return p
}

// LoggingOptions maps the log section onto logging.Setup options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Dump renders c as YAML with the remote token redacted.
func Dump(c *Config) ([]byte, error) {
	redacted := *c
	if redacted.Remote.Token != "" {
		redacted.Remote.Token = "********"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode config", err)
	}
	return out, nil
}
