package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Cache    CacheConfig    `yaml:"cache"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Hub      HubConfig      `yaml:"hub"`
	Events   EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type IngestConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type EventsConfig struct {
	ReplayWindow int `yaml:"replay_window"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Ingest.Timeout == 0 {
		cfg.Ingest.Timeout = 5 * time.Second
	}
	if cfg.Ingest.RetryAttempts == 0 {
		cfg.Ingest.RetryAttempts = 3
	}
	if cfg.Ingest.RetryBackoff == 0 {
		cfg.Ingest.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = 64
	}
	if cfg.Hub.IdleTimeout == 0 {
		cfg.Hub.IdleTimeout = 30 * time.Second
	}
	if cfg.Hub.WriteTimeout == 0 {
		cfg.Hub.WriteTimeout = 5 * time.Second
	}
	if cfg.Events.ReplayWindow == 0 {
		cfg.Events.ReplayWindow = 1000
	}

	return &cfg, nil
}
