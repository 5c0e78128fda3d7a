// Package config loads the server configuration from defaults, an optional
// configuration file, a .env file, LDS_ environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvVarPrefix = "LDS"
	DotEnvFile   = ".env"
)

// Provider names.
const (
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
	ProviderRedis  = "redis"
)

type ThreadPool struct {
	Core          int           `mapstructure:"core"`
	Max           int           `mapstructure:"max"`
	QueueCapacity int           `mapstructure:"queue-capacity"`
	KeepAlive     time.Duration `mapstructure:"keep-alive"`
}

type Recovery struct {
	Enabled      bool          `mapstructure:"enabled"`
	InitialDelay time.Duration `mapstructure:"initial-delay"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxAttempts  int           `mapstructure:"max-attempts"`
}

type Watchdog struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type Commands struct {
	Enabled bool `mapstructure:"enabled"`
}

type Saga struct {
	NumberOfLogs       int        `mapstructure:"number-of-logs"`
	ThreadPool         ThreadPool `mapstructure:"threadpool"`
	SyncDefault        bool       `mapstructure:"sync-default"`
	TruncateOnComplete bool       `mapstructure:"truncate-on-complete"`
	// HandoffTimeout bounds how long a write waits for a free saga log and
	// an execution permit.
	HandoffTimeout time.Duration `mapstructure:"handoff-timeout"`
	Recovery       Recovery      `mapstructure:"recovery"`
	Watchdog       Watchdog      `mapstructure:"watchdog"`
	Commands       Commands      `mapstructure:"commands"`
}

type SagaLog struct {
	Provider   string `mapstructure:"provider"`
	Path       string `mapstructure:"path"`
	InstanceID string `mapstructure:"instance-id"`
}

type Ownership struct {
	// RedisAddr enables cluster-wide ownership through Redis. Empty keeps
	// ownership local to the process.
	RedisAddr string        `mapstructure:"redis-addr"`
	Lease     time.Duration `mapstructure:"lease"`
}

type Persistence struct {
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
	// CacheRedisAddr puts a Redis read-through cache in front of document
	// reads. Empty disables it.
	CacheRedisAddr string        `mapstructure:"cache-redis-addr"`
	CacheTTL       time.Duration `mapstructure:"cache-ttl"`
}

type TxLog struct {
	Provider  string `mapstructure:"provider"`
	RedisAddr string `mapstructure:"redis-addr"`
	Topic     string `mapstructure:"topic"`
}

type Search struct {
	Enabled bool `mapstructure:"enabled"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Telemetry struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service-name"`
}

// Config is the complete server configuration.
type Config struct {
	Saga        Saga        `mapstructure:"saga"`
	SagaLog     SagaLog     `mapstructure:"sagalog"`
	Ownership   Ownership   `mapstructure:"ownership"`
	Persistence Persistence `mapstructure:"persistence"`
	TxLog       TxLog       `mapstructure:"txlog"`
	Search      Search      `mapstructure:"search"`
	HTTP        HTTP        `mapstructure:"http"`
	Telemetry   Telemetry   `mapstructure:"telemetry"`
}

// Default returns the configuration used for every key that is not set.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lds"
	}
	return Config{
		Saga: Saga{
			NumberOfLogs:   5,
			HandoffTimeout: 10 * time.Second,
			ThreadPool: ThreadPool{
				Core:          20,
				Max:           50,
				QueueCapacity: 50,
				KeepAlive:     time.Minute,
			},
			Recovery: Recovery{
				Enabled:      true,
				InitialDelay: 30 * time.Second,
				Interval:     5 * time.Minute,
				MaxAttempts:  3,
			},
			Watchdog: Watchdog{
				Enabled:  true,
				Interval: time.Second,
			},
		},
		SagaLog: SagaLog{
			Provider:   ProviderSQLite,
			Path:       "sagalog.db",
			InstanceID: host,
		},
		Ownership: Ownership{
			Lease: 30 * time.Second,
		},
		Persistence: Persistence{
			Provider: ProviderSQLite,
			Path:     "documents.db",
			CacheTTL: 30 * time.Second,
		},
		TxLog: TxLog{
			Provider: ProviderMemory,
			Topic:    "default",
		},
		HTTP: HTTP{
			Addr: ":9090",
		},
		Telemetry: Telemetry{
			ServiceName: "linked-data-store",
		},
	}
}

// Flags returns the command line flags Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("lds", pflag.ContinueOnError)
	fs.String("config", "", "path to a configuration file")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("instance-id", "", "saga log instance id")
	fs.String("sagalog-path", "", "saga log database path")
	fs.String("persistence-path", "", "document database path")
	return fs
}

var flagKeys = map[string]string{
	"http-addr":        "http.addr",
	"instance-id":      "sagalog.instance-id",
	"sagalog-path":     "sagalog.path",
	"persistence-path": "persistence.path",
}

// Load merges every configuration source into a Config and validates it. fs
// may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	return LoadFromViper(viper.New(), fs)
}

// LoadFromViper is Load on an existing viper session.
func LoadFromViper(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	var defaults map[string]any
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return Config{}, fmt.Errorf("config: decode defaults: %w", err)
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return Config{}, fmt.Errorf("config: merge defaults: %w", err)
	}

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.MergeInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: read %s: %w", f.Value.String(), err)
			}
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	_ = godotenv.Load(DotEnvFile)
	v.SetEnvPrefix(EnvVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var providers = []any{ProviderMemory, ProviderSQLite}

// Validate checks the configuration.
func (c Config) Validate() error {
	tp := c.Saga.ThreadPool
	err := validation.Errors{
		"saga.number-of-logs":            validation.Validate(c.Saga.NumberOfLogs, validation.Min(1)),
		"saga.threadpool.core":           validation.Validate(tp.Core, validation.Min(1)),
		"saga.threadpool.max":            validation.Validate(tp.Max, validation.Min(tp.Core)),
		"saga.threadpool.queue-capacity": validation.Validate(tp.QueueCapacity, validation.Min(0)),
		"saga.recovery.max-attempts":     validation.Validate(c.Saga.Recovery.MaxAttempts, validation.Min(0)),
		"saga.handoff-timeout":           validation.Validate(c.Saga.HandoffTimeout, validation.Required),
		"saga.watchdog.interval":         validation.Validate(c.Saga.Watchdog.Interval, validation.When(c.Saga.Watchdog.Enabled, validation.Required)),
		"sagalog.provider":               validation.Validate(c.SagaLog.Provider, validation.Required, validation.In(providers...)),
		"sagalog.path":                   validation.Validate(c.SagaLog.Path, validation.When(c.SagaLog.Provider == ProviderSQLite, validation.Required)),
		"sagalog.instance-id":            validation.Validate(c.SagaLog.InstanceID, validation.Required),
		"persistence.provider":           validation.Validate(c.Persistence.Provider, validation.Required, validation.In(providers...)),
		"persistence.path":               validation.Validate(c.Persistence.Path, validation.When(c.Persistence.Provider == ProviderSQLite, validation.Required)),
		"persistence.cache-ttl":          validation.Validate(c.Persistence.CacheTTL, validation.When(c.Persistence.CacheRedisAddr != "", validation.Required)),
		"txlog.provider":                 validation.Validate(c.TxLog.Provider, validation.Required, validation.In(ProviderMemory, ProviderRedis)),
		"txlog.redis-addr":               validation.Validate(c.TxLog.RedisAddr, validation.When(c.TxLog.Provider == ProviderRedis, validation.Required)),
		"txlog.topic":                    validation.Validate(c.TxLog.Topic, validation.Required),
		"http.addr":                      validation.Validate(c.HTTP.Addr, validation.Required),
	}.Filter()
	if err == nil {
		if (tp.Max+tp.QueueCapacity)/2 < 1 {
			err = errors.New("saga.threadpool: max + queue-capacity must admit at least one execution")
		}
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
