// Package config loads go-rehab settings from dotenv files, an optional YAML
// file and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort        = 8080
	DefaultLogLevel    = "info"
	DefaultModel       = "gpt-4o-realtime-preview"
	DefaultVoice       = "shimmer"
	DefaultRPCTimeout  = 10 * time.Second
	DefaultWeatherURL  = "https://wttr.in"
	DefaultTemperature = 0.8
)

// EnvFiles are loaded in order. Variables already set are never overwritten,
// so earlier files win over later ones.
var EnvFiles = []string{".env.local", ".env"}

// Config holds the settings for a rehab-agent process.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	OpenAI OpenAI `yaml:"openai"`

	// RPCTimeout bounds each command sent to the display.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	WeatherURL string `yaml:"weather_url"`

	// PeerIdentity pins commands to one display. Empty means the first
	// connected display.
	PeerIdentity string `yaml:"peer_identity"`

	// SinglePeer turns away a second display while one is connected.
	SinglePeer bool `yaml:"single_peer"`

	Prompt   string `yaml:"prompt"`
	Greeting string `yaml:"greeting"`
}

// OpenAI holds the realtime model settings.
type OpenAI struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Voice       string  `yaml:"voice"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     DefaultPort,
		LogLevel: DefaultLogLevel,
		OpenAI: OpenAI{
			Model:       DefaultModel,
			Voice:       DefaultVoice,
			Temperature: DefaultTemperature,
		},
		RPCTimeout: DefaultRPCTimeout,
		WeatherURL: DefaultWeatherURL,
		Prompt:     DefaultPrompt,
		Greeting:   DefaultGreeting,
	}
}

// Load builds a Config. Missing dotenv files are skipped. An empty path
// skips the YAML file; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	for _, f := range EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.OpenAI.Model = v
	}
	if v := os.Getenv("OPENAI_VOICE"); v != "" {
		c.OpenAI.Voice = v
	}
	if v := os.Getenv("RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RPC_TIMEOUT: %w", err)
		}
		c.RPCTimeout = d
	}
	if v := os.Getenv("WEATHER_URL"); v != "" {
		c.WeatherURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("PEER_IDENTITY"); v != "" {
		c.PeerIdentity = v
	}
	if v := os.Getenv("SINGLE_PEER"); v != "" {
		single, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SINGLE_PEER: %w", err)
		}
		c.SinglePeer = single
	}
	return nil
}

// Validate checks ranges. The API key is not required here; commands that
// talk to the model check it themselves.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("config: rpc_timeout must be positive, got %s", c.RPCTimeout)
	}
	return nil
}
