// Package config loads the agent's settings: built-in defaults, then an
// optional YAML file, then a .env file, then the process environment. The
// result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Bus and store backends.
const (
	BusMemory = "memory"
	BusNATS   = "nats"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	ListenAddr string         `yaml:"listen_addr" validate:"required"`
	Identity   IdentityConfig `yaml:"identity"`
	Bus        BusConfig      `yaml:"bus"`
	Store      StoreConfig    `yaml:"store"`
	Redis      RedisConfig    `yaml:"redis"`
	Log        LogConfig      `yaml:"log"`
	Session    SessionConfig  `yaml:"session"`
	Presence   PresenceConfig `yaml:"presence"`
	Media      MediaConfig    `yaml:"media"`
	Whiteboard struct {
		SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gt=0"`
	} `yaml:"whiteboard"`
	Sync struct {
		PublishInterval time.Duration `yaml:"publish_interval" validate:"gte=0"`
	} `yaml:"sync"`
}

// IdentityConfig names the local user directly, or the endpoint to ask.
type IdentityConfig struct {
	ID          string        `yaml:"id" validate:"required_without=URL"`
	Role        string        `yaml:"role" validate:"required_without=URL,omitempty,oneof=teacher student admin"`
	DisplayName string        `yaml:"display_name"`
	URL         string        `yaml:"url" validate:"omitempty,url"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout"`
}

type BusConfig struct {
	Kind    string `yaml:"kind" validate:"oneof=memory nats"`
	NATSURL string `yaml:"nats_url" validate:"required_if=Kind nats"`
}

type StoreConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory sqlite postgres redis"`
	DSN  string `yaml:"dsn" validate:"required_if=Kind sqlite,required_if=Kind postgres"`
}

// RedisConfig is used by the redis store and, when Addr is set, by the chat
// rate limiter whatever the store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	RegistryTimeout time.Duration `yaml:"registry_timeout" validate:"gt=0"`
	MaxReconnects   int           `yaml:"max_reconnects" validate:"gte=0"`
	BackoffBase     time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
}

type PresenceConfig struct {
	Scope    string        `yaml:"scope" validate:"required"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gtfield=Interval"`
}

type MediaConfig struct {
	ICEServers      []string `yaml:"ice_servers"`
	IncludeLoopback bool     `yaml:"include_loopback"`
}

// Default returns a config that runs a single agent against in-process
// backends.
func Default() Config {
	var c Config
	c.ListenAddr = "127.0.0.1:7788"
	c.Identity.Timeout = 5 * time.Second
	c.Bus = BusConfig{Kind: BusMemory, NATSURL: "nats://localhost:4222"}
	c.Store = StoreConfig{Kind: StoreMemory}
	c.Log = LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28}
	c.Session = SessionConfig{
		ConnectTimeout:  30 * time.Second,
		AttemptTimeout:  10 * time.Second,
		RegistryTimeout: 5 * time.Second,
		MaxReconnects:   3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		IdleTimeout:     10 * time.Minute,
	}
	c.Presence = PresenceConfig{Scope: "global", Interval: 10 * time.Second, Timeout: 30 * time.Second}
	c.Media.ICEServers = []string{"stun:stun.l.google.com:19302"}
	c.Whiteboard.SnapshotInterval = 30 * time.Second
	c.Sync.PublishInterval = 100 * time.Millisecond
	return c
}

var validate = validator.New()

// Load builds the config. path and envFile may be empty; a missing envFile
// is not an error.
func Load(path, envFile string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("CLASSROOM_LISTEN_ADDR", &c.ListenAddr)
	str("CLASSROOM_IDENTITY_ID", &c.Identity.ID)
	str("CLASSROOM_IDENTITY_ROLE", &c.Identity.Role)
	str("CLASSROOM_IDENTITY_NAME", &c.Identity.DisplayName)
	str("CLASSROOM_IDENTITY_URL", &c.Identity.URL)
	str("CLASSROOM_IDENTITY_TOKEN", &c.Identity.Token)
	str("CLASSROOM_BUS", &c.Bus.Kind)
	str("NATS_URL", &c.Bus.NATSURL)
	str("CLASSROOM_STORE", &c.Store.Kind)
	str("DATABASE_URL", &c.Store.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("PRESENCE_SCOPE", &c.Presence.Scope)

	dur := func(key string, dst *time.Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if err := dur("CONNECT_TIMEOUT", &c.Session.ConnectTimeout); err != nil {
		return err
	}
	if err := dur("ATTEMPT_TIMEOUT", &c.Session.AttemptTimeout); err != nil {
		return err
	}
	if err := dur("IDLE_TIMEOUT", &c.Session.IdleTimeout); err != nil {
		return err
	}

	if v := os.Getenv("MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_RECONNECTS: %w", err)
		}
		c.Session.MaxReconnects = n
	}
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.Media.ICEServers = servers
	}
	return nil
}
