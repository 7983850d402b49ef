package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// SiteConfig is the tank inventory of one site together with the ThingSpeak
// channels the ultrasonic sensors publish to. Tanks and Sources are paired by
// position.
type SiteConfig struct {
	SiteID     string           `yaml:"site_id"`
	SiteName   string           `yaml:"site_name"`
	Connection ConnectionConfig `yaml:"connection"`
	Polling    PollingConfig    `yaml:"polling"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Tanks      []TankConfig     `yaml:"tanks"`
	Sources    []SourceConfig   `yaml:"sources"`
}

type ConnectionConfig struct {
	BaseURL string        `yaml:"base_url" env-default:"https://api.thingspeak.com"`
	Adapter string        `yaml:"adapter" env-default:"thingspeak"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval" env-default:"15s"`
	Timeout  time.Duration `yaml:"timeout" env-default:"5s"`
}

type AnalysisConfig struct {
	// RangeTolerance is the multiple of a tank's depth above which a raw
	// distance is treated as a sensor fault.
	RangeTolerance float64 `yaml:"range_tolerance" env-default:"1.05"`
}

type TankConfig struct {
	Tag   string  `yaml:"tag"`
	Depth float64 `yaml:"depth"`
}

type SourceConfig struct {
	ChannelID  string `yaml:"channel_id"`
	ReadAPIKey string `yaml:"read_api_key"`
	Field      int    `yaml:"field"`
}

// MaxChannelFields is the number of fields a ThingSpeak channel carries.
const MaxChannelFields = 8

// Validate checks that the source can be addressed. A zero Field means field1.
// The read key may be empty for public channels.
func (s *SourceConfig) Validate() error {
	if strings.TrimSpace(s.ChannelID) == "" {
		return errors.New("channel_id is required")
	}
	if s.Field < 0 || s.Field > MaxChannelFields {
		return fmt.Errorf("field must be between 1 and %d, got %d", MaxChannelFields, s.Field)
	}
	return nil
}

// FieldName returns the ThingSpeak feed key holding the distance reading.
func (s *SourceConfig) FieldName() string {
	return fmt.Sprintf("field%d", s.FieldNumber())
}

func (s *SourceConfig) FieldNumber() int {
	if s.Field <= 0 {
		return 1
	}
	return s.Field
}

func MustLoadSite(configPath string) *SiteConfig {
	cfg, err := LoadSite(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func LoadSite(configPath string) (*SiteConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("site config file not found: %s", configPath)
	}

	var cfg SiteConfig
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}

	return &cfg, nil
}
