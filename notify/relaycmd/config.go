package relaycmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/relay"
)

const envPrefix = "RELAYD"

const (
	StoreDriverBbolt = "bbolt"
	StoreDriverDiskv = "diskv"
	StoreDriverAfero = "afero"
	StoreDriverGorm  = "gorm"

	SourceDriverMemory   = "memory"
	SourceDriverEtcd     = "etcd"
	SourceDriverPostgres = "postgres"
)

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
	Source SourceConfig `mapstructure:"source"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Server ServerConfig `mapstructure:"server"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the bbolt file, or the base directory of diskv and afero
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

type SourceConfig struct {
	Driver   string               `mapstructure:"driver"`
	Etcd     EtcdSourceConfig     `mapstructure:"etcd"`
	Postgres PostgresSourceConfig `mapstructure:"postgres"`
}

type EtcdSourceConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Prefix    string   `mapstructure:"prefix"`
}

type PostgresSourceConfig struct {
	DSN           string `mapstructure:"dsn"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type RelayConfig struct {
	AckGrace     time.Duration `mapstructure:"ack_grace"`
	PendingLimit int           `mapstructure:"pending_limit"`
	ResumeOnBoot bool          `mapstructure:"resume_on_boot"`
	Frequency    string        `mapstructure:"frequency"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	TlsAddr   string `mapstructure:"tls_addr"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	JwtSecret string `mapstructure:"jwt_secret"`
	// DebugFire exposes the fire endpoint of the memory source
	DebugFire bool `mapstructure:"debug_fire"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", StoreDriverBbolt)
	v.SetDefault("store.path", "relayd.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("source.driver", SourceDriverMemory)
	v.SetDefault("source.etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("source.etcd.prefix", "/notifyrelay")
	v.SetDefault("source.postgres.dsn", "")
	v.SetDefault("source.postgres.channel_prefix", "notifyrelay_")
	v.SetDefault("relay.ack_grace", relay.DefaultAckGrace)
	v.SetDefault("relay.pending_limit", relay.DefaultPendingLimit)
	v.SetDefault("relay.resume_on_boot", false)
	v.SetDefault("relay.frequency", notifyapi.FrequencyImmediate.String())
	v.SetDefault("server.addr", ":8371")
	v.SetDefault("server.tls_addr", "")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.debug_fire", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	// env values of slices arrive as one string
	if len(cfg.Source.Etcd.Endpoints) == 1 && strings.Contains(cfg.Source.Etcd.Endpoints[0], ",") {
		cfg.Source.Etcd.Endpoints = strings.Split(cfg.Source.Etcd.Endpoints[0], ",")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverBbolt, StoreDriverDiskv, StoreDriverAfero:
		if c.Store.Path == "" {
			return errors.New("store.path is required")
		}
	case StoreDriverGorm:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Source.Driver {
	case SourceDriverMemory:
	case SourceDriverEtcd:
		if len(c.Source.Etcd.Endpoints) == 0 {
			return errors.New("source.etcd.endpoints is required")
		}
	case SourceDriverPostgres:
		if c.Source.Postgres.DSN == "" {
			return errors.New("source.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown source.driver %q", c.Source.Driver)
	}
	if c.Relay.AckGrace < 0 || c.Relay.AckGrace > relay.MaxAckGrace {
		return fmt.Errorf("relay.ack_grace must be within [0, %s]", relay.MaxAckGrace)
	}
	if _, err := notifyapi.ParseFrequency(c.Relay.Frequency); err != nil {
		return err
	}
	if c.Server.DebugFire && c.Source.Driver != SourceDriverMemory {
		return errors.New("server.debug_fire needs the memory source")
	}
	return nil
}
