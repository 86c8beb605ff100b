// Package config loads the relay configuration from a YAML file and
// FRAMERELAY_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/framerelay/internal/chunk"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
)

type Config struct {
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Feeds   FeedsConfig   `mapstructure:"feeds"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type IngestConfig struct {
	// ListenAddr is the UDP address chunks arrive on.
	ListenAddr string `mapstructure:"listen_addr"`
	// MaxChunkPayload must match the sender's chunking.
	MaxChunkPayload int `mapstructure:"max_chunk_payload"`
	// ExpectedFrameSize, when non-zero, rejects datagrams declaring
	// any other total size (fixed-format senders).
	ExpectedFrameSize uint32 `mapstructure:"expected_frame_size"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type FeedsConfig struct {
	// Original enables the pass-through feed.
	Original bool `mapstructure:"original"`
	// Zstd enables the compressed feed.
	Zstd bool `mapstructure:"zstd"`
	// SendTimeout bounds a single subscriber delivery.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

type ArchiveConfig struct {
	// Dir enables frame archiving when set.
	Dir string `mapstructure:"dir"`
	// Keep is the number of most recent frames retained on disk.
	Keep int `mapstructure:"keep"`
}

type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Server  string `mapstructure:"server"`
	Topic   string `mapstructure:"topic"`
	Token   string `mapstructure:"token"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("ingest.listen_addr", ":6000")
	v.SetDefault("ingest.max_chunk_payload", chunk.DefaultMaxPayload)
	v.SetDefault("ingest.expected_frame_size", 0)
	v.SetDefault("queue.capacity", framequeue.DefaultCapacity)
	v.SetDefault("feeds.original", true)
	v.SetDefault("feeds.zstd", false)
	v.SetDefault("feeds.send_timeout", "5s")
	v.SetDefault("http.port", "8080")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.keep", 100)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FRAMERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("notify.token", "FRAMERELAY_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ingest.MaxChunkPayload < 1 {
		return fmt.Errorf("ingest.max_chunk_payload must be >= 1")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be >= 1")
	}
	if !c.Feeds.Original && !c.Feeds.Zstd {
		return fmt.Errorf("at least one feed must be enabled")
	}
	if c.Feeds.SendTimeout <= 0 {
		return fmt.Errorf("feeds.send_timeout must be positive")
	}
	if c.Notify.Enabled && c.Notify.Topic == "" {
		return fmt.Errorf("notify.topic is required when notifications are enabled")
	}
	return nil
}
