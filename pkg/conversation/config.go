package conversation

import (
	"log/slog"
	"time"
)

// Config holds configuration for conversation providers.
type Config struct {
	// APIKey is the authentication key for the provider.
	APIKey string

	// Model is the realtime model to use.
	Model string

	// Voice is the TTS voice used when audio is enabled.
	Voice string

	// BaseURL overrides the default realtime endpoint.
	BaseURL string

	// Modalities are the response modalities, "text" and/or "audio".
	Modalities []string

	// SystemPrompt is the default system instruction.
	SystemPrompt string

	// Temperature controls response randomness.
	Temperature float64

	// MaxResponseTokens limits response length.
	MaxResponseTokens int

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ReadTimeout is how long the reader waits without hearing from the
	// service, pongs included. Zero disables the deadline.
	ReadTimeout time.Duration

	// PingInterval is how often the client pings an otherwise quiet
	// connection. Zero disables pings.
	PingInterval time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// TurnDetection configures voice activity detection.
	TurnDetection *TurnDetection
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Modalities:        []string{"text"},
		Temperature:       0.8,
		MaxResponseTokens: 4096,
		Timeout:           30 * time.Second,
		ReadTimeout:       90 * time.Second,
		PingInterval:      30 * time.Second,
		Logger:            slog.Default(),
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the TTS voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithModalities sets the response modalities.
func WithModalities(modalities ...string) Option {
	return func(c *Config) {
		c.Modalities = modalities
	}
}

// WithSystemPrompt sets the system instruction.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithTemperature sets the response temperature.
func WithTemperature(temp float64) Option {
	return func(c *Config) {
		c.Temperature = temp
	}
}

// WithMaxTokens sets the maximum response tokens.
func WithMaxTokens(tokens int) Option {
	return func(c *Config) {
		c.MaxResponseTokens = tokens
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithReadTimeout sets how long the reader waits for the next event.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTurnDetection configures voice activity detection.
func WithTurnDetection(td *TurnDetection) Option {
	return func(c *Config) {
		c.TurnDetection = td
	}
}

// VoiceShimmer is the default OpenAI voice.
const VoiceShimmer = "shimmer"
