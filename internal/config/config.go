package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownBackend is returned when export.type names no known exporter
	ErrUnknownBackend = errors.New("unknown export backend")

	// ErrMissingDestination is returned when the selected backend has no destination identifier
	ErrMissingDestination = errors.New("missing destination")
)

// Export backends
const (
	BackendS3            = "s3"
	BackendCloudWatch    = "cloudwatch"
	BackendKafka         = "kafka"
	BackendElasticsearch = "elasticsearch"
)

// Watch modes
const (
	WatchModeNotify = "notify"
	WatchModePoll   = "poll"
)

// Config represents the main configuration
type Config struct {
	Watch           WatchConfig       `yaml:"watch" toml:"watch"`
	Batch           BatchConfig       `yaml:"batch" toml:"batch"`
	Export          ExportConfig      `yaml:"export" toml:"export"`
	Checkpoint      CheckpointConfig  `yaml:"checkpoint" toml:"checkpoint"`
	Reliability     ReliabilityConfig `yaml:"reliability" toml:"reliability"`
	DeadLetter      DeadLetterConfig  `yaml:"dead_letter" toml:"dead_letter"`
	Logging         LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics         MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Health          HealthConfig      `yaml:"health" toml:"health"`
	Tracing         TracingConfig     `yaml:"tracing" toml:"tracing"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// WatchConfig defines which files are tailed
type WatchConfig struct {
	Path         string        `yaml:"path" toml:"path"`
	Suffix       string        `yaml:"suffix" toml:"suffix"`
	Mode         string        `yaml:"mode" toml:"mode"` // notify or poll
	PollInterval time.Duration `yaml:"poll_interval,omitempty" toml:"poll_interval"`
	MaxLineBytes int           `yaml:"max_line_bytes,omitempty" toml:"max_line_bytes"`
}

// BatchConfig defines the flush cadence
type BatchConfig struct {
	Size          int           `yaml:"size" toml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

// ExportConfig selects and configures the sink
type ExportConfig struct {
	Type          string              `yaml:"type" toml:"type"`
	Timeout       time.Duration       `yaml:"timeout,omitempty" toml:"timeout"`
	S3            S3Config            `yaml:"s3" toml:"s3"`
	CloudWatch    CloudWatchConfig    `yaml:"cloudwatch" toml:"cloudwatch"`
	Kafka         KafkaConfig         `yaml:"kafka" toml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch" toml:"elasticsearch"`
}

// S3Config holds object storage configuration
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	Region          string `yaml:"region" toml:"region"`
	Compression     string `yaml:"compression,omitempty" toml:"compression"` // gzip, snappy, none
	StorageClass    string `yaml:"storage_class,omitempty" toml:"storage_class"`
	Endpoint        string `yaml:"endpoint,omitempty" toml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style,omitempty" toml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" toml:"secret_access_key"`
}

// CloudWatchConfig holds managed log service configuration
type CloudWatchConfig struct {
	LogGroup        string  `yaml:"log_group" toml:"log_group"`
	LogStream       string  `yaml:"log_stream" toml:"log_stream"`
	Region          string  `yaml:"region" toml:"region"`
	Endpoint        string  `yaml:"endpoint,omitempty" toml:"endpoint"`
	RequestsPerSec  float64 `yaml:"requests_per_second,omitempty" toml:"requests_per_second"`
	AccessKeyID     string  `yaml:"access_key_id,omitempty" toml:"access_key_id"`
	SecretAccessKey string  `yaml:"secret_access_key,omitempty" toml:"secret_access_key"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers" toml:"brokers"`
	Topic            string   `yaml:"topic" toml:"topic"`
	Key              string   `yaml:"key,omitempty" toml:"key"`
	RequiredAcks     int16    `yaml:"required_acks,omitempty" toml:"required_acks"`
	CompressionCodec string   `yaml:"compression_codec,omitempty" toml:"compression_codec"`
	ClientID         string   `yaml:"client_id,omitempty" toml:"client_id"`
	Version          string   `yaml:"version,omitempty" toml:"version"`
	EnableTLS        bool     `yaml:"enable_tls,omitempty" toml:"enable_tls"`
	SASLUsername     string   `yaml:"sasl_username,omitempty" toml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password,omitempty" toml:"sasl_password"`
}

// ElasticsearchConfig holds Elasticsearch configuration
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" toml:"addresses"`
	Index     string   `yaml:"index" toml:"index"`
	Username  string   `yaml:"username,omitempty" toml:"username"`
	Password  string   `yaml:"password,omitempty" toml:"password"`
	APIKey    string   `yaml:"api_key,omitempty" toml:"api_key"`
}

// CheckpointConfig enables the durable position store
type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Dir      string        `yaml:"dir" toml:"dir"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// ReliabilityConfig holds retry and circuit breaker configuration
type ReliabilityConfig struct {
	Retry          RetryConfig          `yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// RetryConfig holds retry configuration. MaxRetries 0 keeps the
// single-attempt baseline.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" toml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty" toml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty" toml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier,omitempty" toml:"multiplier"`
	Jitter         bool          `yaml:"jitter,omitempty" toml:"jitter"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty" toml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout,omitempty" toml:"timeout"`
}

// DeadLetterConfig holds local spill configuration for batches that
// exhausted their retries
type DeadLetterConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Dir        string `yaml:"dir" toml:"dir"`
	MaxBatches int    `yaml:"max_batches,omitempty" toml:"max_batches"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or console
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
	Path    string `yaml:"path,omitempty" toml:"path"`
	Pprof   bool   `yaml:"pprof,omitempty" toml:"pprof"` // serve /debug/pprof next to metrics
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	Address          string `yaml:"address" toml:"address"`
	FailureThreshold int    `yaml:"failure_threshold,omitempty" toml:"failure_threshold"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" toml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty" toml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate,omitempty" toml:"sample_rate"`
}

// Default values
const (
	DefaultWatchPath       = "/logs"
	DefaultSuffix          = ".log"
	DefaultPollInterval    = time.Second
	DefaultMaxLineBytes    = 1 << 20
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 60 * time.Second
	DefaultExportTimeout   = 30 * time.Second
	DefaultRegion          = "us-east-1"
	DefaultS3Prefix        = "logs"
	DefaultCompression     = "gzip"
	DefaultLogGroup        = "/app/logs"
	DefaultLogStream       = "default"
	DefaultCheckpointDir   = "/var/lib/logexporter/checkpoints"
	DefaultCheckpointEvery = 5 * time.Second
	DefaultDeadLetterDir   = "/var/lib/logexporter/dead-letter"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMetricsAddress  = ":9090"
	DefaultHealthAddress   = ":8080"
)

// Load reads configuration from path (YAML, or TOML for a .toml extension),
// applies environment overrides and defaults, and validates the result.
// An empty path configures the process from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the file content
		expanded := os.ExpandEnv(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays the exporter's environment variables on top of the file
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("EXPORT_TYPE", &c.Export.Type)
	str("LOG_PATH", &c.Watch.Path)
	str("LOG_SUFFIX", &c.Watch.Suffix)
	str("S3_BUCKET", &c.Export.S3.Bucket)
	str("S3_PREFIX", &c.Export.S3.Prefix)
	str("S3_ENDPOINT", &c.Export.S3.Endpoint)
	str("AWS_REGION", &c.Export.S3.Region)
	str("AWS_REGION", &c.Export.CloudWatch.Region)
	str("CW_LOG_GROUP", &c.Export.CloudWatch.LogGroup)
	str("CW_LOG_STREAM", &c.Export.CloudWatch.LogStream)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BATCH_SIZE: %w", err)
		}
		c.Batch.Size = n
	}

	if v, ok := lookup("FLUSH_INTERVAL"); ok && v != "" {
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("FLUSH_INTERVAL: %w", err)
		}
		c.Batch.FlushInterval = d
	}

	return nil
}

// ParseInterval accepts either a bare number of seconds or a Go duration
func ParseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Watch.Path == "" {
		c.Watch.Path = DefaultWatchPath
	}
	if c.Watch.Suffix == "" {
		c.Watch.Suffix = DefaultSuffix
	}
	if c.Watch.Mode == "" {
		c.Watch.Mode = WatchModeNotify
	}
	if c.Watch.PollInterval == 0 {
		c.Watch.PollInterval = DefaultPollInterval
	}
	if c.Watch.MaxLineBytes == 0 {
		c.Watch.MaxLineBytes = DefaultMaxLineBytes
	}

	if c.Batch.Size == 0 {
		c.Batch.Size = DefaultBatchSize
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = DefaultFlushInterval
	}

	if c.Export.Type == "" {
		c.Export.Type = BackendS3
	}
	if c.Export.Timeout == 0 {
		c.Export.Timeout = DefaultExportTimeout
	}
	if c.Export.S3.Prefix == "" {
		c.Export.S3.Prefix = DefaultS3Prefix
	}
	if c.Export.S3.Region == "" {
		c.Export.S3.Region = DefaultRegion
	}
	if c.Export.S3.Compression == "" {
		c.Export.S3.Compression = DefaultCompression
	}
	if c.Export.CloudWatch.LogGroup == "" {
		c.Export.CloudWatch.LogGroup = DefaultLogGroup
	}
	if c.Export.CloudWatch.LogStream == "" {
		c.Export.CloudWatch.LogStream = DefaultLogStream
	}
	if c.Export.CloudWatch.Region == "" {
		c.Export.CloudWatch.Region = DefaultRegion
	}
	if c.Export.CloudWatch.RequestsPerSec == 0 {
		c.Export.CloudWatch.RequestsPerSec = 5
	}
	if c.Export.Kafka.ClientID == "" {
		c.Export.Kafka.ClientID = "logexporter"
	}
	if c.Export.Kafka.RequiredAcks == 0 {
		c.Export.Kafka.RequiredAcks = 1
	}

	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = DefaultCheckpointDir
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = DefaultCheckpointEvery
	}

	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = DefaultDeadLetterDir
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Address == "" {
		c.Health.Address = DefaultHealthAddress
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Watch.Path == "" {
		return fmt.Errorf("watch path must be configured")
	}
	if c.Watch.Suffix == "" {
		return fmt.Errorf("watch suffix must be configured")
	}
	if c.Watch.Mode != WatchModeNotify && c.Watch.Mode != WatchModePoll {
		return fmt.Errorf("invalid watch mode: %s", c.Watch.Mode)
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.Batch.FlushInterval)
	}

	if err := c.Export.validate(); err != nil {
		return err
	}

	if c.Reliability.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (e *ExportConfig) validate() error {
	switch e.Type {
	case BackendS3:
		if e.S3.Bucket == "" {
			return fmt.Errorf("%w: S3_BUCKET is required", ErrMissingDestination)
		}
		switch e.S3.Compression {
		case "gzip", "snappy", "none":
		default:
			return fmt.Errorf("unsupported s3 compression: %s", e.S3.Compression)
		}
	case BackendCloudWatch:
		if e.CloudWatch.LogGroup == "" || e.CloudWatch.LogStream == "" {
			return fmt.Errorf("%w: log group and stream are required", ErrMissingDestination)
		}
	case BackendKafka:
		if len(e.Kafka.Brokers) == 0 || e.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka brokers and topic are required", ErrMissingDestination)
		}
	case BackendElasticsearch:
		if len(e.Elasticsearch.Addresses) == 0 || e.Elasticsearch.Index == "" {
			return fmt.Errorf("%w: elasticsearch addresses and index are required", ErrMissingDestination)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, e.Type)
	}
	return nil
}

// Destination describes where batches go, for logs and the validate command
func (e *ExportConfig) Destination() string {
	switch e.Type {
	case BackendS3:
		return fmt.Sprintf("s3://%s/%s", e.S3.Bucket, strings.TrimSuffix(e.S3.Prefix, "/"))
	case BackendCloudWatch:
		return fmt.Sprintf("cloudwatch://%s/%s", e.CloudWatch.LogGroup, e.CloudWatch.LogStream)
	case BackendKafka:
		return fmt.Sprintf("kafka://%s/%s", strings.Join(e.Kafka.Brokers, ","), e.Kafka.Topic)
	case BackendElasticsearch:
		return fmt.Sprintf("elasticsearch://%s", e.Elasticsearch.Index)
	default:
		return e.Type
	}
}

// DefaultConfig returns a configuration with every default applied. The
// S3 bucket is left empty, so it does not validate on its own.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
