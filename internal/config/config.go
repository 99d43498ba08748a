// Package config loads engine configuration from config.yaml with
// PULSE_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	Server   ServerConfig `mapstructure:"server"`
	Redis    RedisConfig  `mapstructure:"redis"`
	Queue    QueueConfig  `mapstructure:"queue"`
	Stream   StreamConfig `mapstructure:"stream"`
	Store    StoreConfig  `mapstructure:"store"`
	Notify   NotifyConfig `mapstructure:"notify"`
	Kafka    KafkaConfig  `mapstructure:"kafka"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Path         string        `mapstructure:"path"`
	Workers      int           `mapstructure:"workers"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type StreamConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	CalcTimeout    time.Duration `mapstructure:"calc_timeout"`
}

type StoreConfig struct {
	MetricTTL time.Duration `mapstructure:"metric_ttl"`
	AlertTTL  time.Duration `mapstructure:"alert_ttl"`
}

type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Load reads config.yaml from the given paths (or the working directory)
// and applies environment overrides. A missing file is not an error;
// defaults apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.path", "data/queue")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.retry_max", 3)
	v.SetDefault("queue.retry_backoff", 500*time.Millisecond)
	v.SetDefault("stream.tick_interval", 5*time.Second)
	v.SetDefault("stream.coalesce_window", time.Second)
	v.SetDefault("stream.calc_timeout", 10*time.Second)
	v.SetDefault("store.metric_ttl", time.Hour)
	v.SetDefault("store.alert_ttl", 24*time.Hour)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "pulse.analytics-events")
	v.SetDefault("kafka.group_id", "pulse-engine")
}
