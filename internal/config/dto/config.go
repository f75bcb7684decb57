package dto

import (
	"fmt"
	"time"
)

// ApplicationConfig is the root configuration structure shared by the
// stream daemon and the collector.
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Drain         DrainConfig         `mapstructure:"drain"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Generator     GeneratorConfig     `mapstructure:"generator"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Storage       StorageConfig       `mapstructure:"storage"`
	FileRotation  FileRotationConfig  `mapstructure:"file_rotation"`
	Processing    ProcessingConfig    `mapstructure:"processing"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// StreamConfig holds the geometry of every stream in a session.
type StreamConfig struct {
	PacketSize          int  `mapstructure:"packet_size"`
	PacketCount         int  `mapstructure:"packet_count"`
	AutoflushIntervalMS int  `mapstructure:"autoflush_interval_ms"`
	DumpMode            bool `mapstructure:"dump_mode"`
}

// AutoflushInterval returns the autoflush tick period.
func (c StreamConfig) AutoflushInterval() time.Duration {
	return time.Duration(c.AutoflushIntervalMS) * time.Millisecond
}

// DrainConfig selects where drained packets go.
type DrainConfig struct {
	PollIntervalMS int    `mapstructure:"poll_interval_ms"`
	Sink           string `mapstructure:"sink"`
}

// PollInterval returns the drain poll period.
func (c DrainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SinkConfig contains drain sink settings
type SinkConfig struct {
	File SinkFileConfig `mapstructure:"file"`
}

// SinkFileConfig configures the local packet file sink.
type SinkFileConfig struct {
	Dir           string `mapstructure:"dir"`
	Prefix        string `mapstructure:"prefix"`
	MaxFileSizeMB int64  `mapstructure:"max_file_size_mb"`
}

// GeneratorConfig configures the synthetic workload.
type GeneratorConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMS int  `mapstructure:"interval_ms"`
	Workers    int  `mapstructure:"workers"`
	BurstSize  int  `mapstructure:"burst_size"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol string         `mapstructure:"security_protocol"`
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	AWSRegion        string         `mapstructure:"aws_region"`
	TLS              TLSConfig      `mapstructure:"tls"`
	Topics           TopicsConfig   `mapstructure:"topics"`
	Producer         ProducerConfig `mapstructure:"producer"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
	DLQ              DLQConfig      `mapstructure:"dlq"`
}

// TLSConfig contains broker TLS settings
type TLSConfig struct {
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// TopicsConfig names the topic of each stream kind.
type TopicsConfig struct {
	ObjSummary string `mapstructure:"obj_summary"`
	Obj        string `mapstructure:"obj"`
	Aux        string `mapstructure:"aux"`
}

// ProducerConfig contains packet publisher settings
type ProducerConfig struct {
	ClientID        string `mapstructure:"client_id"`
	RequiredAcks    int    `mapstructure:"required_acks"`
	Compression     string `mapstructure:"compression"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
	Idempotent      bool   `mapstructure:"idempotent"`
	RetryMax        int    `mapstructure:"retry_max"`
	RetryBackoffMS  int    `mapstructure:"retry_backoff_ms"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	EnableAutoCommit    bool     `mapstructure:"enable_auto_commit"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
	ChannelBufferSize   int      `mapstructure:"channel_buffer_size"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicSuffix string `mapstructure:"topic_suffix"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// StorageConfig contains storage backend configuration
type StorageConfig struct {
	Backend     string      `mapstructure:"backend"`
	Format      string      `mapstructure:"format"`
	Compression string      `mapstructure:"compression"`
	S3          S3Config    `mapstructure:"s3"`
	Azure       AzureConfig `mapstructure:"azure"`
	GCS         GCSConfig   `mapstructure:"gcs"`
	File        FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BasePath     string `mapstructure:"base_path"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	BasePath    string `mapstructure:"base_path"`
	Endpoint    string `mapstructure:"endpoint"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket               string `mapstructure:"bucket"`
	ProjectID            string `mapstructure:"project_id"`
	BasePath             string `mapstructure:"base_path"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	Endpoint             string `mapstructure:"endpoint"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// FileRotationConfig contains file rotation settings
type FileRotationConfig struct {
	MaxFileSizeMB      int64  `mapstructure:"max_file_size_mb"`
	MaxRecordsPerFile  int    `mapstructure:"max_records_per_file"`
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds"`
	Strategy           string `mapstructure:"strategy"`
}

// ProcessingConfig contains collector processing settings
type ProcessingConfig struct {
	BufferSizeMB    int `mapstructure:"buffer_size_mb"`
	CheckIntervalMS int `mapstructure:"check_interval_ms"`
	MaxPacketSize   int `mapstructure:"max_packet_size"`
}

// RetryConfig contains storage retry settings
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMS   int `mapstructure:"backoff_ms"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// GracePeriod returns how long shutdown may take.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// ValidateStream checks the settings only the stream daemon needs.
func (c *ApplicationConfig) ValidateStream() error {
	switch c.Drain.Sink {
	case "file":
		if c.Sink.File.Dir == "" {
			return fmt.Errorf("sink.file.dir is required for the file sink")
		}
	case "kafka":
		if len(c.Kafka.BootstrapServers) == 0 {
			return fmt.Errorf("kafka.bootstrap_servers is required for the kafka sink")
		}
		if c.Kafka.Topics.ObjSummary == "" || c.Kafka.Topics.Obj == "" || c.Kafka.Topics.Aux == "" {
			return fmt.Errorf("kafka.topics must name a topic for every stream")
		}
	default:
		return fmt.Errorf("unsupported drain sink: %s", c.Drain.Sink)
	}

	if c.Generator.Enabled && c.Generator.Workers < 1 {
		return fmt.Errorf("generator.workers must be at least 1")
	}
	return nil
}

// ValidateCollector checks the settings only the collector needs.
func (c *ApplicationConfig) ValidateCollector() error {
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("kafka.bootstrap_servers is required")
	}
	if len(c.Kafka.Consumer.Topics) == 0 {
		return fmt.Errorf("kafka.consumer.topics is required")
	}
	if c.Kafka.Consumer.GroupID == "" {
		return fmt.Errorf("kafka.consumer.group_id is required")
	}

	switch c.Storage.Backend {
	case "s3":
		return c.Storage.S3.Validate()
	case "azure":
		return c.Storage.Azure.Validate()
	case "gcs":
		return c.Storage.GCS.Validate()
	case "file":
		return c.Storage.File.Validate()
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for S3 backend")
	}
	if c.Region == "" {
		return fmt.Errorf("storage.s3.region is required for S3 backend")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("storage.azure.account_name is required for Azure backend")
	}
	if c.Container == "" {
		return fmt.Errorf("storage.azure.container is required for Azure backend")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required for GCS backend")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("storage.file.base_path is required for file backend")
	}
	return nil
}
