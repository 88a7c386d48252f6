// Package config provides configuration management for livebridge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "LIVEBRIDGE"

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxChunkSize      = 16 * 1024 * 1024 // 16MB
	defaultStopGracePeriod   = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultIdleTimeout       = 2 * time.Minute
	defaultReapSchedule      = "@every 30s"
	defaultEventBuffer       = 256
	defaultProviderTimeout   = 10 * time.Second
	defaultProviderRetries   = 2
	defaultTokenTTL          = 10 * time.Minute
	defaultMaxAttempts       = 5
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = 10 * time.Second
	defaultPresenceTTL       = 30 * time.Second
	defaultIngestURLTemplate = "rtmps://global-live.mux.com:443/app/{stream_key}"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Provider ProviderConfig `mapstructure:"provider"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Presence PresenceConfig `mapstructure:"presence"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
	// RequestLogging logs every HTTP request; when false only 4xx/5xx are logged.
	RequestLogging bool `mapstructure:"request_logging"`
}

// FFmpegConfig holds the encoder binary and live encode parameters.
type FFmpegConfig struct {
	BinaryPath        string        `mapstructure:"binary_path"` // empty = auto-detect
	LogLevel          string        `mapstructure:"log_level"`
	InputFormat       string        `mapstructure:"input_format"` // empty = let ffmpeg probe
	VideoCodec        string        `mapstructure:"video_codec"`
	Preset            string        `mapstructure:"preset"`
	Tune              string        `mapstructure:"tune"`
	VideoBitrate      string        `mapstructure:"video_bitrate"`
	MaxRate           string        `mapstructure:"max_rate"`
	BufSize           string        `mapstructure:"buf_size"`
	GOPSize           int           `mapstructure:"gop_size"`
	KeyframeInterval  time.Duration `mapstructure:"keyframe_interval"`
	AudioCodec        string        `mapstructure:"audio_codec"`
	AudioSampleRate   int           `mapstructure:"audio_sample_rate"`
	AudioBitrate      string        `mapstructure:"audio_bitrate"`
	AudioChannels     int           `mapstructure:"audio_channels"`
	IngestURLTemplate string        `mapstructure:"ingest_url_template"`
}

// IngestConfig holds chunk ingestion and session lifecycle configuration.
type IngestConfig struct {
	// MaxChunkSize is the largest accepted chunk.
	// Supports human-readable values like "16MB" or raw byte counts.
	MaxChunkSize    ByteSize      `mapstructure:"max_chunk_size"`
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
	// WriteTimeout bounds one chunk write to the encoder. An encoder that
	// stops reading for longer is killed. 0 disables the bound.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"` // 0 disables the reaper
	ReapSchedule    string        `mapstructure:"reap_schedule"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// ProviderConfig holds the live-stream provider status API configuration.
type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// RealtimeConfig holds realtime room configuration.
type RealtimeConfig struct {
	LiveKitURL      string        `mapstructure:"livekit_url"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	TokenServiceURL string        `mapstructure:"token_service_url"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
}

// PresenceConfig holds the session presence store configuration.
type PresenceConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, redis
	RedisAddress  string        `mapstructure:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIVEBRIDGE_ and use underscores for nesting.
// Example: LIVEBRIDGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/livebridge")
		v.AddConfigPath("$HOME/.livebridge")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates configuration from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", true)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", "info")
	v.SetDefault("ffmpeg.input_format", "")
	v.SetDefault("ffmpeg.video_codec", "libx264")
	v.SetDefault("ffmpeg.preset", "veryfast")
	v.SetDefault("ffmpeg.tune", "zerolatency")
	v.SetDefault("ffmpeg.video_bitrate", "1500k")
	v.SetDefault("ffmpeg.max_rate", "1500k")
	v.SetDefault("ffmpeg.buf_size", "3000k")
	v.SetDefault("ffmpeg.gop_size", 60)
	v.SetDefault("ffmpeg.keyframe_interval", 2*time.Second)
	v.SetDefault("ffmpeg.audio_codec", "aac")
	v.SetDefault("ffmpeg.audio_sample_rate", 44100)
	v.SetDefault("ffmpeg.audio_bitrate", "128k")
	v.SetDefault("ffmpeg.audio_channels", 2)
	v.SetDefault("ffmpeg.ingest_url_template", defaultIngestURLTemplate)

	// Ingest defaults
	v.SetDefault("ingest.max_chunk_size", defaultMaxChunkSize)
	v.SetDefault("ingest.stop_grace_period", defaultStopGracePeriod)
	v.SetDefault("ingest.write_timeout", defaultWriteTimeout)
	v.SetDefault("ingest.idle_timeout", defaultIdleTimeout)
	v.SetDefault("ingest.reap_schedule", defaultReapSchedule)
	v.SetDefault("ingest.event_buffer", defaultEventBuffer)

	// Provider defaults
	v.SetDefault("provider.base_url", "http://localhost:3000/api")
	v.SetDefault("provider.timeout", defaultProviderTimeout)
	v.SetDefault("provider.retry_attempts", defaultProviderRetries)

	// Realtime defaults
	v.SetDefault("realtime.livekit_url", "")
	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.api_secret", "")
	v.SetDefault("realtime.token_service_url", "http://localhost:8080")
	v.SetDefault("realtime.token_ttl", defaultTokenTTL)
	v.SetDefault("realtime.max_attempts", defaultMaxAttempts)
	v.SetDefault("realtime.initial_backoff", defaultInitialBackoff)
	v.SetDefault("realtime.max_backoff", defaultMaxBackoff)

	// Presence defaults
	v.SetDefault("presence.driver", "memory")
	v.SetDefault("presence.redis_address", "localhost:6379")
	v.SetDefault("presence.redis_password", "")
	v.SetDefault("presence.redis_db", 0)
	v.SetDefault("presence.key_prefix", "livebridge:session:")
	v.SetDefault("presence.ttl", defaultPresenceTTL)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if !strings.Contains(c.FFmpeg.IngestURLTemplate, "{stream_key}") {
		return fmt.Errorf("ffmpeg.ingest_url_template must contain {stream_key}")
	}
	if c.FFmpeg.GOPSize < 1 {
		return fmt.Errorf("ffmpeg.gop_size must be at least 1")
	}
	if c.FFmpeg.KeyframeInterval <= 0 {
		return fmt.Errorf("ffmpeg.keyframe_interval must be positive")
	}
	if c.FFmpeg.AudioSampleRate < 1 {
		return fmt.Errorf("ffmpeg.audio_sample_rate must be positive")
	}

	if c.Ingest.MaxChunkSize <= 0 {
		return fmt.Errorf("ingest.max_chunk_size must be positive")
	}
	if c.Ingest.StopGracePeriod < 0 {
		return fmt.Errorf("ingest.stop_grace_period must not be negative")
	}
	if c.Ingest.WriteTimeout < 0 {
		return fmt.Errorf("ingest.write_timeout must not be negative")
	}
	if c.Ingest.EventBuffer < 1 {
		return fmt.Errorf("ingest.event_buffer must be at least 1")
	}

	if c.Realtime.MaxAttempts < 1 {
		return fmt.Errorf("realtime.max_attempts must be at least 1")
	}

	switch c.Presence.Driver {
	case "memory":
	case "redis":
		if c.Presence.RedisAddress == "" {
			return fmt.Errorf("presence.redis_address is required for the redis driver")
		}
	default:
		return fmt.Errorf("presence.driver must be one of: memory, redis")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
