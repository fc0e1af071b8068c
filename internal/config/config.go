// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Bus       BusConfig       `mapstructure:"bus"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Rate      RateConfig      `mapstructure:"rate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Media     MediaConfig     `mapstructure:"media"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig selects and configures the cursor store.
type DBConfig struct {
	// Provider is "postgres" or "memory".
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BusConfig selects and configures the event bus.
type BusConfig struct {
	// Provider is "nats", "pubsub", or "memory".
	Provider string       `mapstructure:"provider"`
	NATS     NATSConfig   `mapstructure:"nats"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
	// AckTimeout bounds each individual publish attempt.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// MaxAttempts bounds per-event publish retries.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// NATSConfig holds JetStream connection settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// BlobConfig selects and configures media blob storage.
type BlobConfig struct {
	// Provider is "gcs" or "memory".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token           string        `mapstructure:"token"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	BufferLimit     int           `mapstructure:"buffer_limit"`
	DownloadMedia   bool          `mapstructure:"download_media"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// RateConfig governs the shared fetch budget and backoff.
type RateConfig struct {
	GlobalRPS      float64       `mapstructure:"global_rps"`
	GlobalBurst    int           `mapstructure:"global_burst"`
	SourceInterval time.Duration `mapstructure:"source_interval"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	FloodPadMax    time.Duration `mapstructure:"flood_pad_max"`
}

// SchedulerConfig governs worker admission.
type SchedulerConfig struct {
	Slots           int           `mapstructure:"slots"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
	StarvationAfter time.Duration `mapstructure:"starvation_after"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PublishConfig governs per-event publish retries.
type PublishConfig struct {
	RetryBase time.Duration `mapstructure:"retry_base"`
	RetryMax  time.Duration `mapstructure:"retry_max"`
}

// IngestConfig governs the per-cycle batch.
type IngestConfig struct {
	BatchLimit       int           `mapstructure:"batch_limit"`
	CommitRetries    int           `mapstructure:"commit_retries"`
	CommitRetryDelay time.Duration `mapstructure:"commit_retry_delay"`
}

// MediaConfig governs media offloading.
type MediaConfig struct {
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
}

// SourceConfig seeds one ingested source.
type SourceConfig struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	Enabled     bool   `mapstructure:"enabled"`
	Priority    int    `mapstructure:"priority"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.provider", "postgres")
	// Empty defaults register the keys so environment-only values survive
	// Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("bus.pubsub.project_id", "")
	v.SetDefault("bus.pubsub.topic_name", "")
	v.SetDefault("db.migrate", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("bus.provider", "nats")
	v.SetDefault("bus.ack_timeout", "10s")
	v.SetDefault("bus.max_attempts", 3)
	v.SetDefault("bus.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.nats.stream", "CHATFEED")
	v.SetDefault("bus.nats.subject_prefix", "chatfeed.events")
	v.SetDefault("bus.nats.dedup_window", "10m")
	v.SetDefault("blob.provider", "gcs")
	v.SetDefault("blob.prefix", "media")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.buffer_limit", 1000)
	v.SetDefault("telegram.download_media", true)
	v.SetDefault("telegram.download_timeout", "30s")
	v.SetDefault("rate.global_rps", 25)
	v.SetDefault("rate.global_burst", 5)
	v.SetDefault("rate.source_interval", "2s")
	v.SetDefault("rate.backoff_base", "2s")
	v.SetDefault("rate.backoff_max", "5m")
	v.SetDefault("rate.flood_pad_max", "5s")
	v.SetDefault("scheduler.slots", 4)
	v.SetDefault("scheduler.idle_interval", "5s")
	v.SetDefault("scheduler.starvation_after", "1m")
	v.SetDefault("scheduler.shutdown_timeout", "30s")
	v.SetDefault("publish.retry_base", "250ms")
	v.SetDefault("publish.retry_max", "5s")
	v.SetDefault("ingest.batch_limit", 200)
	v.SetDefault("ingest.commit_retries", 3)
	v.SetDefault("ingest.commit_retry_delay", "1s")
	v.SetDefault("media.upload_timeout", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.provider must be postgres or memory, got %q", c.DB.Provider)
	}
	switch c.Bus.Provider {
	case "nats":
		if c.Bus.NATS.URL == "" {
			return fmt.Errorf("bus.nats.url must be set when bus.provider is nats")
		}
	case "pubsub":
		if c.Bus.PubSub.ProjectID == "" || c.Bus.PubSub.TopicName == "" {
			return fmt.Errorf("bus.pubsub.project_id and topic_name must be set when bus.provider is pubsub")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.provider must be nats, pubsub, or memory, got %q", c.Bus.Provider)
	}
	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	case "memory":
	default:
		return fmt.Errorf("blob.provider must be gcs or memory, got %q", c.Blob.Provider)
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token must be set")
	}
	if c.Ingest.BatchLimit <= 0 || c.Ingest.BatchLimit > 200 {
		return fmt.Errorf("ingest.batch_limit must be in (0, 200], got %d", c.Ingest.BatchLimit)
	}
	if c.Scheduler.Slots <= 0 {
		return fmt.Errorf("scheduler.slots must be > 0")
	}
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id must be set", i)
		}
	}
	return nil
}
