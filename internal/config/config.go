package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the API process.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
	Gate   GateConfig   `mapstructure:"gate"`
	Notify NotifyConfig `mapstructure:"notify"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateBurst    int           `mapstructure:"rate_burst"`
	RatePerSec   int           `mapstructure:"rate_per_sec"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	CORS         CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DBConfig configures PostgreSQL. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the distributed gate lock. An empty Addr selects in-process locking.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GateConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	CodeThreshold int           `mapstructure:"code_threshold"`
	MaxRetries    int           `mapstructure:"max_retries"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type NotifyConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookTimeout    time.Duration `mapstructure:"webhook_timeout"`
	QueueSize         int           `mapstructure:"queue_size"`
	ExpirySweepCron   string        `mapstructure:"expiry_sweep_cron"`
	ExpiryWarningDays int           `mapstructure:"expiry_warning_days"`
}

// Location resolves the configured school timezone.
func (g GateConfig) Location() (*time.Location, error) {
	return time.LoadLocation(g.Timezone)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.rate_per_sec", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:5173"})

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "schoolgate")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("gate.timezone", "UTC")
	v.SetDefault("gate.dedup_window", "5s")
	v.SetDefault("gate.code_threshold", 3)
	v.SetDefault("gate.max_retries", 5)
	v.SetDefault("gate.lock_ttl", "5s")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout", "5s")
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.expiry_sweep_cron", "0 7 * * *")
	v.SetDefault("notify.expiry_warning_days", 7)
}

// Load reads configuration. Precedence: environment > file > defaults.
// An empty path searches ./config/config.yaml and ./config.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SCHOOLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late or unsafely.
func (c *Config) Validate() error {
	if len(c.Auth.Secret) < 16 {
		return errors.New("config: auth.secret must be at least 16 characters")
	}
	if _, err := c.Gate.Location(); err != nil {
		return fmt.Errorf("config: gate.timezone: %w", err)
	}
	if c.Gate.CodeThreshold <= 0 {
		return errors.New("config: gate.code_threshold must be positive")
	}
	if c.Gate.MaxRetries <= 0 {
		return errors.New("config: gate.max_retries must be positive")
	}
	if c.Gate.DedupWindow < 0 {
		return errors.New("config: gate.dedup_window must not be negative")
	}
	if c.Gate.LockTTL <= 0 {
		return errors.New("config: gate.lock_ttl must be positive")
	}
	if c.Notify.QueueSize <= 0 {
		return errors.New("config: notify.queue_size must be positive")
	}
	if c.Notify.ExpiryWarningDays < 0 {
		return errors.New("config: notify.expiry_warning_days must not be negative")
	}
	return nil
}
