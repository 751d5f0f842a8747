// Package config provides configuration management for the application
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProvisioningConfig holds the room provisioning endpoint configuration
type ProvisioningConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Local mints room ids in-process instead of calling the endpoint
	Local bool `mapstructure:"local"`
}

// RedisConfig holds Redis/Valkey configuration
type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// URI is prioritized if provided, otherwise individual connection parameters are used
	URI       string `mapstructure:"uri"`
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// TTL for session keys (0 means no expiration)
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// SessionConfig tunes the connection state machine
type SessionConfig struct {
	JoinDebounce  time.Duration `mapstructure:"join_debounce"`
	SwitchTimeout time.Duration `mapstructure:"switch_timeout"`
}

// RelayConfig tunes the relay coordinator
type RelayConfig struct {
	Channel      string        `mapstructure:"channel"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Executable is the binary spawned for the relay context; empty means this binary
	Executable string   `mapstructure:"executable"`
	ExtraArgs  []string `mapstructure:"extra_args"`
	// Spawner is auto, process or inprocess. auto picks inprocess for the
	// memory engine, whose meetings only exist inside this process.
	Spawner string `mapstructure:"spawner"`
}

// MediaConfig selects the media engine implementation
type MediaConfig struct {
	Engine       string `mapstructure:"engine"`
	PersistLimit int64  `mapstructure:"persist_limit"`
}

// Config is the complete application configuration
type Config struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	// SessionID scopes persisted session keys, like a browser tab's session storage
	SessionID string `mapstructure:"session_id"`

	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Session      SessionConfig      `mapstructure:"session"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Media        MediaConfig        `mapstructure:"media"`
}

const (
	EngineMemory = "memory"
	EngineRedis  = "redis"

	SpawnerAuto      = "auto"
	SpawnerProcess   = "process"
	SpawnerInProcess = "inprocess"
)

// legacyEnv maps config keys to the plain environment names used by earlier deployments
var legacyEnv = map[string][]string{
	"redis.enabled":      {"REDIS_ENABLED"},
	"redis.uri":          {"REDIS_URI_DUALROOM"},
	"redis.host":         {"REDIS_HOST_DUALROOM", "REDIS_ADDRESS"},
	"redis.port":         {"REDIS_PORT_DUALROOM"},
	"redis.username":     {"REDIS_USERNAME_DUALROOM"},
	"redis.password":     {"REDIS_PASSWORD_DUALROOM", "REDIS_PASSWORD"},
	"redis.db":           {"REDIS_DB"},
	"redis.key_prefix":   {"REDIS_KEY_PREFIX"},
	"provisioning.token": {"VIDEOSDK_TOKEN"},
	"port":               {"PORT"},
	"log_level":          {"LOG_LEVEL"},
	"log_format":         {"LOG_FORMAT"},
}

// New returns a viper instance with defaults and environment bindings applied
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("session_id", "default")

	v.SetDefault("provisioning.base_url", "https://api.videosdk.live")
	v.SetDefault("provisioning.token", "")
	v.SetDefault("provisioning.timeout", "30s")
	v.SetDefault("provisioning.local", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.uri", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "dualroom:")
	v.SetDefault("redis.session_ttl", "24h")

	v.SetDefault("session.join_debounce", "150ms")
	v.SetDefault("session.switch_timeout", "15s")

	v.SetDefault("relay.channel", "DUAL_ROOM_BRIDGE")
	v.SetDefault("relay.poll_interval", "1s")
	v.SetDefault("relay.executable", "")
	v.SetDefault("relay.extra_args", []string{})
	v.SetDefault("relay.spawner", SpawnerAuto)

	v.SetDefault("media.engine", EngineMemory)
	v.SetDefault("media.persist_limit", 100)

	v.SetEnvPrefix("DUALROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		_ = v.BindEnv(append([]string{key, "DUALROOM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)...)
	}

	return v
}

// Load reads configuration from the given viper instance and an optional file.
// When file is empty, config/config.<CONFIG_ENV>.yaml is tried and a missing
// file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = New()
	}

	explicit := file != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
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

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	switch c.Media.Engine {
	case EngineMemory:
	case EngineRedis:
		if !c.Redis.Enabled {
			return errors.New("media engine redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown media engine %q", c.Media.Engine)
	}
	switch c.Relay.Spawner {
	case SpawnerAuto, SpawnerProcess:
	case SpawnerInProcess:
		if c.Media.Engine != EngineMemory {
			return errors.New("relay.spawner inprocess requires the memory media engine")
		}
	default:
		return fmt.Errorf("unknown relay spawner %q", c.Relay.Spawner)
	}
	if c.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if c.Relay.PollInterval <= 0 {
		return errors.New("relay.poll_interval must be positive")
	}
	if c.Relay.Channel == "" {
		return errors.New("relay.channel must not be empty")
	}
	return nil
}

// IsValid checks if the provisioning endpoint can be called
func (c ProvisioningConfig) IsValid() bool {
	return c.BaseURL != "" && c.Token != ""
}

// RelaySpawner resolves auto to the spawner matching the media engine
func (c *Config) RelaySpawner() string {
	if c.Relay.Spawner != SpawnerAuto {
		return c.Relay.Spawner
	}
	if c.Media.Engine == EngineMemory {
		return SpawnerInProcess
	}
	return SpawnerProcess
}

// Address returns the host:port pair used when no URI is configured
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
