package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the replication endpoint candidates. URLs are
// probed in the listed order, after the last known good one.
type RemoteConfig struct {
	CandidateURLs  []string `mapstructure:"candidate_urls"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	ProbeTimeout   string   `mapstructure:"probe_timeout"`
	RequestTimeout string   `mapstructure:"request_timeout"`
}

func (r RemoteConfig) GetProbeTimeout() time.Duration {
	return parseDuration(r.ProbeTimeout, 5*time.Second)
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	return parseDuration(r.RequestTimeout, 30*time.Second)
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type SyncConfig struct {
	Collections      []string `mapstructure:"collections"`
	BatchSize        int      `mapstructure:"batch_size"`
	DebounceDelay    string   `mapstructure:"debounce_delay"`
	PullHeartbeat    string   `mapstructure:"pull_heartbeat"`
	AssumeOnline     bool     `mapstructure:"assume_online"`
	AutoStart        bool     `mapstructure:"auto_start"`
	PurgeSettleDelay string   `mapstructure:"purge_settle_delay"`
}

func (s SyncConfig) GetDebounceDelay() time.Duration {
	return parseDuration(s.DebounceDelay, 2*time.Second)
}

func (s SyncConfig) GetPullHeartbeat() time.Duration {
	return parseDuration(s.PullHeartbeat, 25*time.Second)
}

func (s SyncConfig) GetPurgeSettleDelay() time.Duration {
	return parseDuration(s.PurgeSettleDelay, 3*time.Second)
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 15*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 30*time.Second)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Remote.CandidateURLs) == 0 {
		return fmt.Errorf("config: remote.candidate_urls must list at least one URL")
	}
	if len(c.Sync.Collections) == 0 {
		return fmt.Errorf("config: sync.collections must list at least one collection")
	}
	if c.Storage.FilePath == "" {
		return fmt.Errorf("config: storage.file_path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.probe_timeout", "5s")
	v.SetDefault("remote.request_timeout", "30s")
	v.SetDefault("storage.file_path", "syncdata.db")
	v.SetDefault("sync.collections", []string{"businesses", "articles"})
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.debounce_delay", "2s")
	v.SetDefault("sync.pull_heartbeat", "25s")
	v.SetDefault("sync.assume_online", true)
	v.SetDefault("sync.auto_start", true)
	v.SetDefault("sync.purge_settle_delay", "3s")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
