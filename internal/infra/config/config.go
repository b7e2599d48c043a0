package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Swarm   SwarmConfig   `mapstructure:"swarm" yaml:"swarm"`
	RTC     RTCConfig     `mapstructure:"rtc" yaml:"rtc"`
	Tracker TrackerConfig `mapstructure:"tracker" yaml:"tracker"`

	// Manifest files loaded into the session at startup
	Manifests []string `mapstructure:"manifests" yaml:"manifests"`

	Port string `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

type SwarmConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxMessageSize int           `mapstructure:"max_message_size" yaml:"max_message_size"`
	HeaderRoom     int           `mapstructure:"header_room" yaml:"header_room"`
	// UploadRate is in bytes per second, 0 disables throttling
	UploadRate     int           `mapstructure:"upload_rate" yaml:"upload_rate"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
}

type TrackerConfig struct {
	Listen    string        `mapstructure:"listen" yaml:"listen"`
	KeepAlive time.Duration `mapstructure:"keepalive" yaml:"keepalive"`
}

// FragmentSize is the payload budget of a single chunk message.
func (s SwarmConfig) FragmentSize() int {
	return s.MaxMessageSize - s.HeaderRoom
}

func Load(path string) (*Config, error) {
	useFile := true

	if path == "" {
		path = "config.yaml"
	}

	// 1. Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: If we are in Docker (or similar) and didn't provide a flag, check /config/config.yaml
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else {
				// No config anywhere, the defaults are enough to run a node
				useFile = false
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()
	setDefaults(v)

	if useFile {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("GOSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

// Default returns the configuration used when no file is present.
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log.path", "goswarm.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/goswarm.db")
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.dir", "./data/segments")
	v.SetDefault("swarm.request_timeout", "1s")
	v.SetDefault("swarm.max_message_size", 16384)
	v.SetDefault("swarm.header_room", 256)
	v.SetDefault("swarm.upload_rate", 0)
	v.SetDefault("swarm.poll_interval", "10ms")
	v.SetDefault("swarm.reconnect_delay", "5s")
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("tracker.listen", ":8000")
	v.SetDefault("tracker.keepalive", "30s")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store: sqlite_path is required for the sqlite driver")
		}
	case "pgx":
		if c.Store.DSN == "" {
			return errors.New("store: dsn is required for the pgx driver")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	switch c.Storage.Backend {
	case "fs", "badger":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage: dir is required for the %s backend", c.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	if c.Swarm.RequestTimeout <= 0 {
		// Default to the reference value
		c.Swarm.RequestTimeout = time.Second
	}

	if c.Swarm.MaxMessageSize <= 0 {
		c.Swarm.MaxMessageSize = 16384
	}

	if c.Swarm.HeaderRoom <= 0 || c.Swarm.HeaderRoom >= c.Swarm.MaxMessageSize {
		return fmt.Errorf("swarm: header_room must be between 1 and max_message_size-1 (got %d)", c.Swarm.HeaderRoom)
	}

	if c.Swarm.PollInterval <= 0 {
		c.Swarm.PollInterval = 10 * time.Millisecond
	}

	if c.Swarm.ReconnectDelay <= 0 {
		c.Swarm.ReconnectDelay = 5 * time.Second
	}

	if c.Tracker.KeepAlive <= 0 {
		c.Tracker.KeepAlive = 30 * time.Second
	}

	return nil
}
