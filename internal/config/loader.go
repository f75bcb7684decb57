// Package config loads the YAML configuration shared by tracestreamd and
// tracecollector. Every key can be overridden by an APP_ prefixed
// environment variable (stream.packet_size becomes APP_STREAM_PACKET_SIZE)
// and string values may reference the environment as ${VAR}.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/tracestream/internal/config/dto"
	"github.com/jittakal/tracestream/internal/storage"
	"github.com/jittakal/tracestream/internal/tlstream"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables. A missing
// file is not an error; defaults and the environment still apply.
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

	// Only expand values that reference the environment.
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

	if config.Stream.PacketCount == 0 {
		config.Stream.PacketCount = tlstream.DefaultPacketCount
		if config.Stream.DumpMode {
			config.Stream.PacketCount = tlstream.DumpPacketCount
		}
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "tracestream")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Stream defaults
	l.v.SetDefault("stream.packet_size", tlstream.DefaultPacketSize)
	l.v.SetDefault("stream.autoflush_interval_ms", 1000)
	l.v.SetDefault("stream.dump_mode", false)

	// Drain defaults
	l.v.SetDefault("drain.poll_interval_ms", 500)
	l.v.SetDefault("drain.sink", "file")
	l.v.SetDefault("sink.file.dir", "data/packets")
	l.v.SetDefault("sink.file.prefix", "trace")
	l.v.SetDefault("sink.file.max_file_size_mb", 64)

	// Generator defaults
	l.v.SetDefault("generator.enabled", true)
	l.v.SetDefault("generator.interval_ms", 100)
	l.v.SetDefault("generator.workers", 4)
	l.v.SetDefault("generator.burst_size", 8)

	// Kafka defaults
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.topics.obj_summary", "tracestream.obj_summary")
	l.v.SetDefault("kafka.topics.obj", "tracestream.obj")
	l.v.SetDefault("kafka.topics.aux", "tracestream.aux")
	l.v.SetDefault("kafka.producer.client_id", "tracestreamd")
	l.v.SetDefault("kafka.producer.required_acks", -1)
	l.v.SetDefault("kafka.producer.compression", "snappy")
	l.v.SetDefault("kafka.producer.max_message_bytes", 1000000)
	l.v.SetDefault("kafka.producer.idempotent", true)
	l.v.SetDefault("kafka.producer.retry_max", 5)
	l.v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	l.v.SetDefault("kafka.consumer.group_id", "tracecollector")
	l.v.SetDefault("kafka.consumer.topics", []string{"tracestream.obj_summary", "tracestream.obj", "tracestream.aux"})
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.enable_auto_commit", true)
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.consumer.channel_buffer_size", 256)
	l.v.SetDefault("kafka.dlq.enabled", true)
	l.v.SetDefault("kafka.dlq.topic_suffix", ".dlq")
	l.v.SetDefault("kafka.dlq.max_retries", 3)

	// Storage defaults
	l.v.SetDefault("storage.backend", "file")
	l.v.SetDefault("storage.format", "parquet")
	l.v.SetDefault("storage.file.base_path", "data/archive")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)
	l.v.SetDefault("storage.gcs.use_default_credential", true)

	// File rotation defaults
	l.v.SetDefault("file_rotation.max_file_size_mb", 128)
	l.v.SetDefault("file_rotation.max_records_per_file", 100000)
	l.v.SetDefault("file_rotation.max_duration_seconds", 300)
	l.v.SetDefault("file_rotation.strategy", string(storage.StrategyComposite))

	// Processing defaults
	l.v.SetDefault("processing.buffer_size_mb", 64)
	l.v.SetDefault("processing.check_interval_ms", 1000)
	l.v.SetDefault("processing.max_packet_size", 0)

	// Retry defaults
	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.backoff_ms", 500)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.host", "")
	l.v.SetDefault("observability.health.port", 8080)

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate checks the settings both binaries depend on. Role specific
// checks live in dto.ApplicationConfig.ValidateStream and ValidateCollector.
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	// Stream geometry validation
	geometry := tlstream.Config{
		PacketSize:  config.Stream.PacketSize,
		PacketCount: config.Stream.PacketCount,
	}
	if geometry.PacketCount == 0 {
		geometry.PacketCount = tlstream.DefaultPacketCount
	}
	if err := geometry.Validate(); err != nil {
		return fmt.Errorf("invalid stream geometry: %w", err)
	}
	if config.Stream.AutoflushIntervalMS < 0 {
		return fmt.Errorf("stream.autoflush_interval_ms must not be negative")
	}

	// Format validation
	if config.Storage.Format != "parquet" && config.Storage.Format != "avro" {
		return fmt.Errorf("unsupported storage format: %s", config.Storage.Format)
	}

	// File rotation validation
	if !storage.ValidStrategy(config.FileRotation.Strategy) {
		return fmt.Errorf("unsupported rotation strategy: %s", config.FileRotation.Strategy)
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
