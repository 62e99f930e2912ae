package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/shutdown"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SIDECAR_APP_MODE.
const EnvPrefix = "SIDECAR"

const (
	DefaultListen      = "127.0.0.1:18800"
	DefaultBackendName = "backend"
	DebugLogName       = "sidecar-debug.log"
	HistoryDBName      = "history.db"
	BackendPIDName     = "backend.pid"
	appDirName         = "sidecar"
)

// Config is the top-level TOML structure.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Health   HealthConfig   `mapstructure:"health"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type AppConfig struct {
	Mode    string `mapstructure:"mode"`
	Version string `mapstructure:"version"`
	DataDir string `mapstructure:"data_dir"`
}

type BackendConfig struct {
	Executable    string     `mapstructure:"executable"`
	WorkDir       string     `mapstructure:"workdir"`
	PIDFile       string     `mapstructure:"pid_file"`
	PreferredPort int        `mapstructure:"preferred_port"`
	PortRange     int        `mapstructure:"port_range"`
	DevPort       int        `mapstructure:"dev_port"`
	Env           []string   `mapstructure:"env"`
	EnvFiles      []string   `mapstructure:"env_files"`
	Log           *LogConfig `mapstructure:"log"`
}

type HealthConfig struct {
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DevProbeTimeout time.Duration `mapstructure:"dev_probe_timeout"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
}

// LogConfig is shared by the sidecar's own log ([log]) and the backend output
// capture ([backend.log]). Level and Color apply to [log] only.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HistoryConfig selects event history sinks. Path is the sqlite database
// (history.db in the data dir when empty); Sinks are extra DSNs such as
// postgres://, clickhouse:// or opensearch://. Size is the in-memory ring.
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Path    string   `mapstructure:"path"`
	Sinks   []string `mapstructure:"sinks"`
	Buffer  int      `mapstructure:"buffer"`
	Size    int      `mapstructure:"size"`
}

type MetricsConfig struct {
	Enabled bool                  `mapstructure:"enabled"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.mode", string(supervisor.ModeRelease))
	v.SetDefault("app.version", "dev")
	v.SetDefault("backend.executable", DefaultBackendName)
	v.SetDefault("backend.preferred_port", supervisor.DefaultPreferredPort)
	v.SetDefault("backend.port_range", supervisor.DefaultPortRange)
	v.SetDefault("backend.dev_port", supervisor.DefaultDevPort)
	v.SetDefault("health.startup_timeout", health.DefaultStartupTimeout)
	v.SetDefault("health.poll_interval", health.DefaultPollInterval)
	v.SetDefault("health.request_timeout", health.DefaultRequestTimeout)
	v.SetDefault("health.dev_probe_timeout", supervisor.DefaultDevProbeTimeout)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "/ipc")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.buffer", 64)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sampler.enabled", true)
	v.SetDefault("metrics.sampler.interval", 5*time.Second)
	v.SetDefault("metrics.sampler.max_history", 100)
	v.SetDefault("shutdown.timeout", shutdown.DefaultTimeout)
}

// Load reads path (optional) and SIDECAR_* environment overrides.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are invisible to AutomaticEnv during Unmarshal
	for _, k := range []string{"app.data_dir", "backend.workdir", "backend.pid_file", "log.file", "history.path", "server.auth.secret_file"} {
		_ = v.BindEnv(k)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolve validates and fills values that depend on other values.
func (c *Config) resolve() error {
	switch m := strings.ToLower(strings.TrimSpace(c.App.Mode)); m {
	case "", string(supervisor.ModeRelease), string(supervisor.ModeDev):
		c.App.Mode = string(supervisor.ParseMode(m))
	default:
		return fmt.Errorf("invalid app.mode %q: want release or dev", c.App.Mode)
	}
	if c.App.DataDir == "" {
		c.App.DataDir = DefaultDataDir()
	}
	if c.Backend.PIDFile == "" {
		c.Backend.PIDFile = filepath.Join(c.App.DataDir, BackendPIDName)
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.App.DataDir, DebugLogName)
	}
	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = filepath.Join(c.App.DataDir, HistoryDBName)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.SecretFile == "" {
		c.Server.Auth.SecretFile = filepath.Join(c.App.DataDir, auth.SecretFileName)
	}
	return nil
}

// DefaultDataDir is the per-user application data directory.
func DefaultDataDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, appDirName)
	}
	return filepath.Join(os.TempDir(), appDirName)
}

// LoggerConfig maps [log] onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level: c.Log.Level,
		Color: c.Log.Color,
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// BackendLog maps [backend.log]; rotation settings fall back to [log].
func (c *Config) BackendLog() logger.FileConfig {
	if c.Backend.Log == nil {
		return logger.FileConfig{}
	}
	bl := c.Backend.Log
	fc := logger.FileConfig{
		Dir:        bl.Dir,
		StdoutPath: bl.Stdout,
		StderrPath: bl.Stderr,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress || bl.Compress,
	}
	if bl.MaxSizeMB != 0 {
		fc.MaxSizeMB = bl.MaxSizeMB
	}
	if bl.MaxBackups != 0 {
		fc.MaxBackups = bl.MaxBackups
	}
	if bl.MaxAgeDays != 0 {
		fc.MaxAgeDays = bl.MaxAgeDays
	}
	return fc
}

// BackendEnv builds the backend environment: the OS environment overlaid
// with env_files in order, then [backend] env. It returns nil (inherit)
// when neither is set.
func (c *Config) BackendEnv() ([]string, error) {
	if len(c.Backend.Env) == 0 && len(c.Backend.EnvFiles) == 0 {
		return nil, nil
	}
	e := env.New()
	e.FromOS()
	for _, p := range c.Backend.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	return e.Merge(c.Backend.Env), nil
}

// SupervisorConfig maps the backend sections onto supervisor.Config.
func (c *Config) SupervisorConfig() (supervisor.Config, error) {
	envList, err := c.BackendEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Mode:            supervisor.Mode(c.App.Mode),
		Executable:      c.Backend.Executable,
		DataDir:         c.App.DataDir,
		WorkDir:         c.Backend.WorkDir,
		PIDFile:         c.Backend.PIDFile,
		Env:             envList,
		PreferredPort:   c.Backend.PreferredPort,
		PortRange:       c.Backend.PortRange,
		DevPort:         c.Backend.DevPort,
		DevProbeTimeout: c.Health.DevProbeTimeout,
		Health: health.Config{
			StartupTimeout: c.Health.StartupTimeout,
			PollInterval:   c.Health.PollInterval,
			RequestTimeout: c.Health.RequestTimeout,
		},
		Log: c.BackendLog(),
	}, nil
}

// HistoryDSNs lists every configured history sink, the local sqlite first.
func (c *Config) HistoryDSNs() []string {
	if !c.History.Enabled {
		return nil
	}
	out := make([]string, 0, 1+len(c.History.Sinks))
	out = append(out, "sqlite://"+c.History.Path)
	for _, s := range c.History.Sinks {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Watch reloads path on change and passes each valid result to onChange.
// Invalid edits are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(c)
	})
	v.WatchConfig()
	return nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
