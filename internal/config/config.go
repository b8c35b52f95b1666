package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AIConfig struct {
	Completion CompletionConfig `yaml:"completion"`
	ImageSynth ImageSynthConfig `yaml:"image_synth"`
}

type CompletionConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Temperature   float32       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ImageSynthConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	RefModel     string        `yaml:"ref_model"`
	OutputWidth  int           `yaml:"output_width"`
	OutputHeight int           `yaml:"output_height"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type ChatConfig struct {
	// BaselineWindow is the history window for the baseline tier.
	BaselineWindow int `yaml:"baseline_window"`
	// MemoryWindows maps persona memory level (1..3) to the elevated
	// tier window size.
	MemoryWindows []int `yaml:"memory_windows"`
	// Daily message caps per tier.
	BaselineDailyCap int `yaml:"baseline_daily_cap"`
	ElevatedDailyCap int `yaml:"elevated_daily_cap"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	Output   string `yaml:"output"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("COMPLETION_API_KEY"); apiKey != "" {
		cfg.AI.Completion.APIKey = apiKey
	}
	if apiKey := os.Getenv("IMAGE_SYNTH_API_KEY"); apiKey != "" {
		cfg.AI.ImageSynth.APIKey = apiKey
	}
	if pass := os.Getenv("MYSQL_PASSWORD"); pass != "" {
		cfg.Database.MySQL.Password = pass
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Database.Redis.Password = pass
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.BaselineWindow == 0 {
		c.Chat.BaselineWindow = 6
	}
	if len(c.Chat.MemoryWindows) == 0 {
		c.Chat.MemoryWindows = []int{12, 24, 48}
	}
	if c.Chat.BaselineDailyCap == 0 {
		c.Chat.BaselineDailyCap = 50
	}
	if c.Chat.ElevatedDailyCap == 0 {
		c.Chat.ElevatedDailyCap = 1000
	}
	if c.AI.Completion.MaxTokens == 0 {
		c.AI.Completion.MaxTokens = 600
	}
	if c.AI.Completion.Temperature == 0 {
		c.AI.Completion.Temperature = 0.8
	}
	if c.AI.Completion.Timeout == 0 {
		c.AI.Completion.Timeout = 120 * time.Second
	}
	if c.AI.ImageSynth.OutputWidth == 0 {
		c.AI.ImageSynth.OutputWidth = 1024
	}
	if c.AI.ImageSynth.OutputHeight == 0 {
		c.AI.ImageSynth.OutputHeight = 1024
	}
	if c.AI.ImageSynth.Timeout == 0 {
		c.AI.ImageSynth.Timeout = 90 * time.Second
	}
	if c.AI.ImageSynth.PollInterval == 0 {
		c.AI.ImageSynth.PollInterval = 2 * time.Second
	}
	if c.AI.ImageSynth.MaxPolls == 0 {
		c.AI.ImageSynth.MaxPolls = 60
	}
}
