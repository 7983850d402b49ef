package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string         `yaml:"env" env-default:"prod"`
	Site     SiteRef        `yaml:"site"`
	Sender   SenderConfig   `yaml:"sender"`
	Files    FilesConfig    `yaml:"files"`
	Telegram TelegramConfig `yaml:"telegram"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

type SiteRef struct {
	ID         string `yaml:"id" env-required:"true"`
	Name       string `yaml:"name" env-required:"true"`
	ConfigPath string `yaml:"config_path" env-required:"true"`
}

// SenderConfig describes the ThingSpeak channel the analysed fullness values
// are written to.
type SenderConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url" env-default:"https://api.thingspeak.com"`
	WriteAPIKey string        `yaml:"write_api_key" env:"SENDER_WRITE_API_KEY"`
	Timeout     time.Duration `yaml:"timeout" env-default:"30s"`
	Retry       RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env-default:"5"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"60s"`
}

type FilesConfig struct {
	Enabled      bool   `yaml:"enabled"`
	AnalysisPath string `yaml:"analysis_path" env-default:"analysis.txt"`
	FullnessPath string `yaml:"fullness_path" env-default:"fullness.txt"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env-default:"tank-fullness-reports"`
}

type BufferConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path" env-default:"/var/lib/tankwatch/buffer.db"`
	MaxAge        time.Duration `yaml:"max_age" env-default:"24h"`
	RetryInterval time.Duration `yaml:"retry_interval" env-default:"30s"`
}

type HealthConfig struct {
	Address string `yaml:"address" env-default:":8080"`
}

type LogConfig struct {
	Level  string `yaml:"level" env-default:"info"`
	Format string `yaml:"format" env-default:"json"`
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sender.Enabled && c.Sender.WriteAPIKey == "" {
		return errors.New("sender is enabled but write_api_key is not set")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram is enabled but TELEGRAM_BOT_TOKEN is not set")
	}
	if c.Telegram.Enabled && len(c.Telegram.ChatIDs) == 0 {
		return errors.New("telegram is enabled but no chat_ids are configured")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka is enabled but no brokers are configured")
	}
	return nil
}
