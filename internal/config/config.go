// Package config loads agent and server settings from a YAML file and
// RELAYDOCS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

const envPrefix = "RELAYDOCS"

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StoreConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// TokenSecret lets a development agent mint its own token.
	TokenSecret        string        `mapstructure:"token_secret"`
	InteractiveTimeout time.Duration `mapstructure:"interactive_timeout"`
	BackgroundTimeout  time.Duration `mapstructure:"background_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type RealtimeConfig struct {
	// Transport is "nhooyr" or "gorilla".
	Transport         string        `mapstructure:"transport"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	CooldownAfter     int           `mapstructure:"cooldown_after"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	// RecoveryDelay is how long the agent waits after an abnormal close
	// before asking the channel to reconnect.
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`
}

type ReconcileConfig struct {
	Roots          []string      `mapstructure:"roots"`
	LockPrefix     string        `mapstructure:"lock_prefix"`
	LockSuffix     string        `mapstructure:"lock_suffix"`
	Flock          bool          `mapstructure:"flock"`
	Debounce       time.Duration `mapstructure:"debounce"`
	Interval       time.Duration `mapstructure:"interval"`
	IntervalJitter float64       `mapstructure:"interval_jitter"`
}

type WorkflowConfig struct {
	// Table is a YAML workflow table. Empty uses the built-in table.
	Table string `mapstructure:"table"`
}

type VerifyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	QueueSize      int           `mapstructure:"queue_size"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
}

// AgentConfig configures relaydocs-agent.
type AgentConfig struct {
	ClientID    string          `mapstructure:"client_id"`
	Container   string          `mapstructure:"container"`
	MetricsAddr string          `mapstructure:"metrics_addr"`
	Store       StoreConfig     `mapstructure:"store"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
	Reconcile   ReconcileConfig `mapstructure:"reconcile"`
	Workflow    WorkflowConfig  `mapstructure:"workflow"`
	Verify      VerifyConfig    `mapstructure:"verify"`
	Log         LogConfig       `mapstructure:"log"`
}

// ServerConfig configures the relaydocs store server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	StateDSN        string        `mapstructure:"state_dsn"`
	NotifyDSN       string        `mapstructure:"notify_dsn"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	OriginPatterns  []string      `mapstructure:"origin_patterns"`
	Log             LogConfig     `mapstructure:"log"`
}

func DefaultAgent() *AgentConfig {
	host, _ := os.Hostname()
	return &AgentConfig{
		ClientID:    host,
		MetricsAddr: "",
		Store: StoreConfig{
			BaseURL:            "http://127.0.0.1:8080",
			InteractiveTimeout: 10 * time.Second,
			BackgroundTimeout:  30 * time.Second,
			MaxRetries:         3,
		},
		Realtime: RealtimeConfig{
			Transport:         "nhooyr",
			BaseBackoff:       time.Second,
			MaxBackoff:        30 * time.Second,
			CooldownAfter:     5,
			Cooldown:          time.Minute,
			HeartbeatInterval: 20 * time.Second,
			PongTimeout:       10 * time.Second,
			RecoveryDelay:     2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Roots:          []string{},
			LockPrefix:     "~",
			LockSuffix:     ".lock",
			Debounce:       300 * time.Millisecond,
			Interval:       30 * time.Second,
			IntervalJitter: 0.2,
		},
		Verify: VerifyConfig{
			Enabled:        true,
			QueueSize:      64,
			ReleaseTimeout: 30 * time.Second,
		},
		Log: defaultLog(),
	}
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8080",
		JWTSecret:       "dev-secret",
		RateLimitMax:    0,
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
		AuthTimeout:     10 * time.Second,
		OriginPatterns:  []string{},
		Log:             defaultLog(),
	}
}

func (c LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

func defaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
}

// NewViper returns a viper instance reading RELAYDOCS_* variables, with
// dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetAgentDefaults registers every agent key so env overrides apply.
func SetAgentDefaults(v *viper.Viper) {
	d := DefaultAgent()
	v.SetDefault("client_id", d.ClientID)
	v.SetDefault("container", d.Container)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetDefault("store.base_url", d.Store.BaseURL)
	v.SetDefault("store.token", d.Store.Token)
	v.SetDefault("store.token_secret", d.Store.TokenSecret)
	v.SetDefault("store.interactive_timeout", d.Store.InteractiveTimeout)
	v.SetDefault("store.background_timeout", d.Store.BackgroundTimeout)
	v.SetDefault("store.max_retries", d.Store.MaxRetries)

	v.SetDefault("realtime.transport", d.Realtime.Transport)
	v.SetDefault("realtime.base_backoff", d.Realtime.BaseBackoff)
	v.SetDefault("realtime.max_backoff", d.Realtime.MaxBackoff)
	v.SetDefault("realtime.cooldown_after", d.Realtime.CooldownAfter)
	v.SetDefault("realtime.cooldown", d.Realtime.Cooldown)
	v.SetDefault("realtime.heartbeat_interval", d.Realtime.HeartbeatInterval)
	v.SetDefault("realtime.pong_timeout", d.Realtime.PongTimeout)
	v.SetDefault("realtime.recovery_delay", d.Realtime.RecoveryDelay)

	v.SetDefault("reconcile.roots", d.Reconcile.Roots)
	v.SetDefault("reconcile.lock_prefix", d.Reconcile.LockPrefix)
	v.SetDefault("reconcile.lock_suffix", d.Reconcile.LockSuffix)
	v.SetDefault("reconcile.flock", d.Reconcile.Flock)
	v.SetDefault("reconcile.debounce", d.Reconcile.Debounce)
	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.interval_jitter", d.Reconcile.IntervalJitter)

	v.SetDefault("workflow.table", d.Workflow.Table)

	v.SetDefault("verify.enabled", d.Verify.Enabled)
	v.SetDefault("verify.queue_size", d.Verify.QueueSize)
	v.SetDefault("verify.release_timeout", d.Verify.ReleaseTimeout)

	setLogDefaults(v, d.Log)
}

func SetServerDefaults(v *viper.Viper) {
	d := DefaultServer()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("jwt_secret", d.JWTSecret)
	v.SetDefault("state_dsn", d.StateDSN)
	v.SetDefault("notify_dsn", d.NotifyDSN)
	v.SetDefault("rate_limit_max", d.RateLimitMax)
	v.SetDefault("rate_limit_window", d.RateLimitWindow)
	v.SetDefault("max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("auth_timeout", d.AuthTimeout)
	v.SetDefault("origin_patterns", d.OriginPatterns)
	setLogDefaults(v, d.Log)
}

func setLogDefaults(v *viper.Viper, d LogConfig) {
	v.SetDefault("log.level", d.Level)
	v.SetDefault("log.format", d.Format)
	v.SetDefault("log.file", d.File)
	v.SetDefault("log.max_size_mb", d.MaxSizeMB)
	v.SetDefault("log.max_backups", d.MaxBackups)
	v.SetDefault("log.max_age_days", d.MaxAgeDays)
}

// ReadFile merges a YAML config file. A missing file at the default
// location is not an error; an explicitly named one is.
func ReadFile(v *viper.Viper, path string, explicit bool) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// DefaultFile is the per-user agent config path.
func DefaultFile() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relaydocs", "agent.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "relaydocs", "agent.yaml")
}

func LoadAgent(v *viper.Viper) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ClientID) == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if u, err := url.Parse(c.Store.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("store.base_url %q must be an http or https URL", c.Store.BaseURL))
	}
	switch c.Realtime.Transport {
	case "nhooyr", "gorilla":
	default:
		errs = append(errs, fmt.Errorf("realtime.transport %q must be nhooyr or gorilla", c.Realtime.Transport))
	}
	if c.Realtime.BaseBackoff <= 0 || c.Realtime.MaxBackoff < c.Realtime.BaseBackoff {
		errs = append(errs, errors.New("realtime.base_backoff must be positive and not above realtime.max_backoff"))
	}
	if c.Reconcile.IntervalJitter < 0 || c.Reconcile.IntervalJitter > 1 {
		errs = append(errs, errors.New("reconcile.interval_jitter must be between 0 and 1"))
	}
	if c.Reconcile.LockPrefix == "" && c.Reconcile.LockSuffix == "" {
		errs = append(errs, errors.New("reconcile.lock_prefix or reconcile.lock_suffix is required"))
	}
	errs = append(errs, c.Log.validate()...)
	return errors.Join(errs...)
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.RateLimitMax < 0 {
		errs = append(errs, errors.New("rate_limit_max must not be negative"))
	}
	errs = append(errs, c.Log.validate()...)
	return errors.Join(errs...)
}

func (c LogConfig) validate() []error {
	var errs []error
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Level))
	}
	switch c.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Format))
	}
	return errs
}
