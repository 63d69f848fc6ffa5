// Package config loads the application configuration and parses the
// server option string.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/op3/ucesb-sub002/internal/config/dto"
	"github.com/spf13/viper"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LMDCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Set overrides a key, taking precedence over file and environment.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only expand values containing ${...}
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	l.v.SetDefault("application.name", "lmdcast")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	l.v.SetDefault("server.options", "")
	l.v.SetDefault("server.host", "")
	l.v.SetDefault("server.poll_interval_ms", 100)
	l.v.SetDefault("server.shutdown_grace_seconds", 10)

	l.v.SetDefault("source.type", "none")

	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.aws_region", "us-east-1")
	l.v.SetDefault("kafka.encoding", "auto")
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "latest")
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.dlq.enabled", false)
	l.v.SetDefault("kafka.dlq.topic_suffix", "-dlq")

	l.v.SetDefault("generator.events_per_second", 1000)
	l.v.SetDefault("generator.sticky_every", 100)
	l.v.SetDefault("generator.max_payload_bytes", 256)
	l.v.SetDefault("generator.source", "/lmdcast/generator")

	l.v.SetDefault("snapshot.enabled", false)
	l.v.SetDefault("snapshot.interval_seconds", 300)
	l.v.SetDefault("snapshot.format", "parquet")

	l.v.SetDefault("storage.backend", "file")
	l.v.SetDefault("storage.path_template", "snapshots/{date}/{hour}")
	l.v.SetDefault("storage.file.base_path", "data")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)

	l.v.SetDefault("parquet.compression", "snappy")
	l.v.SetDefault("avro.codec", "snappy")

	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if _, err := ParseOptions(config.Server.Options); err != nil {
		return fmt.Errorf("server.options: %w", err)
	}

	switch config.Source.Type {
	case "kafka":
		if err := config.Kafka.Validate(); err != nil {
			return err
		}
	case "generator":
		if config.Generator.EventsPerSecond <= 0 {
			return errors.New("generator.events_per_second must be positive")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported source type: %s", config.Source.Type)
	}

	if config.Snapshot.Enabled {
		if err := validateStorage(&config.Storage); err != nil {
			return err
		}
		if config.Snapshot.Format != "parquet" && config.Snapshot.Format != "avro" {
			return fmt.Errorf("unsupported snapshot format: %s", config.Snapshot.Format)
		}
		if config.Snapshot.IntervalSeconds < 0 {
			return errors.New("snapshot.interval_seconds must not be negative")
		}
	}

	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}

func validateStorage(s *dto.StorageConfig) error {
	switch s.Backend {
	case "s3":
		return s.S3.Validate()
	case "azure":
		return s.Azure.Validate()
	case "gcs":
		return s.GCS.Validate()
	case "file":
		return s.File.Validate()
	default:
		return fmt.Errorf("unsupported storage backend: %s", s.Backend)
	}
}
