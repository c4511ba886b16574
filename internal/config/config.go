package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	Secret      string        `mapstructure:"secret"`
	RedisURL    string        `mapstructure:"redis_url"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	InstanceID  string        `mapstructure:"instance_id"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	SweepEvery  time.Duration `mapstructure:"sweep_every"`

	EventRateLimit  int           `mapstructure:"event_rate_limit"`
	EventRateWindow time.Duration `mapstructure:"event_rate_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("presence_ttl", "90s")
	v.SetDefault("stale_after", "5m")
	v.SetDefault("sweep_every", "1m")
	v.SetDefault("event_rate_limit", 50)
	v.SetDefault("event_rate_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host
	}
	return &cfg, nil
}
