// Package config loads the process configuration once at startup from
// defaults, an optional YAML file and EVENTPIPE_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yairfalse/eventpipe/pkg/integrations/dynamodb"
	"github.com/yairfalse/eventpipe/pkg/integrations/nats"
)

// EnvPrefix prefixes every environment variable, e.g. EVENTPIPE_STREAM_URL.
const EnvPrefix = "EVENTPIPE"

// Document sink backends.
const (
	BackendNATS     = "nats"
	BackendDynamoDB = "dynamodb"
)

// Config is the complete process configuration. It is passed by value and
// never changed after Load.
type Config struct {
	Log        LogConfig             `mapstructure:"log" yaml:"log"`
	Stream     nats.Config           `mapstructure:"stream" yaml:"stream"`
	Consumer   nats.ConsumerConfig   `mapstructure:"consumer" yaml:"consumer"`
	Documents  DocumentsConfig       `mapstructure:"documents" yaml:"documents"`
	ChangeFeed nats.ChangeFeedConfig `mapstructure:"changefeed" yaml:"changefeed"`
	Enrichment EnrichmentConfig      `mapstructure:"enrichment" yaml:"enrichment"`
	Producer   ProducerConfig        `mapstructure:"producer" yaml:"producer"`
	HTTP       HTTPConfig            `mapstructure:"http" yaml:"http"`
	Rules      RulesConfig           `mapstructure:"rules" yaml:"rules"`
	Validation ValidationConfig      `mapstructure:"validation" yaml:"validation"`
}

// LogConfig selects the log level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DocumentsConfig selects where processed documents are upserted.
type DocumentsConfig struct {
	Backend  string          `mapstructure:"backend" yaml:"backend"`
	Bucket   string          `mapstructure:"bucket" yaml:"bucket"`
	DynamoDB dynamodb.Config `mapstructure:"dynamodb" yaml:"dynamodb"`

	// The breaker opens after BreakerFailures consecutive upsert failures
	// and lets a trial write through after BreakerReset.
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset" yaml:"breaker_reset"`
}

// EnrichmentConfig configures the second change-feed consumer. It follows
// the same document bucket as changefeed under its own name and lease
// bucket, and writes index entries to IndexBucket.
type EnrichmentConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Name        string `mapstructure:"name" yaml:"name"`
	LeaseBucket string `mapstructure:"lease_bucket" yaml:"lease_bucket"`
	IndexBucket string `mapstructure:"index_bucket" yaml:"index_bucket"`
}

// ProducerConfig holds defaults for the produce command.
type ProducerConfig struct {
	PartitionKey string        `mapstructure:"partition_key" yaml:"partition_key"`
	Retries      int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// HTTPConfig configures the trigger host's HTTP listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RulesConfig configures change-feed rule evaluation. Expressions adds named
// CEL rules next to the built-in temperature rule.
type RulesConfig struct {
	TemperatureThreshold float64           `mapstructure:"temperature_threshold" yaml:"temperature_threshold"`
	Expressions          map[string]string `mapstructure:"expressions" yaml:"expressions,omitempty"`
}

// ValidationConfig tunes event validation.
type ValidationConfig struct {
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		Stream:   nats.DefaultConfig(),
		Consumer: nats.DefaultConsumerConfig(),
		Documents: DocumentsConfig{
			Backend:         BackendNATS,
			Bucket:          "documents",
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		ChangeFeed: nats.DefaultChangeFeedConfig(),
		Enrichment: EnrichmentConfig{
			Enabled:     true,
			Name:        "enrichment-processor",
			LeaseBucket: "enrichment-leases",
			IndexBucket: "document_index",
		},
		Producer: ProducerConfig{
			Retries:    3,
			RetryDelay: time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":7071",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Rules:      RulesConfig{TemperatureThreshold: 40},
		Validation: ValidationConfig{MaxClockSkew: 5 * time.Minute},
	}
}

// Load decodes the configuration held by v. File reading, when wanted, is
// done by the caller before Load; Load registers defaults and environment
// bindings itself.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, LoadError{File: v.ConfigFileUsed(), Message: "failed to decode configuration", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every key with its default so that environment
// variables are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("stream.url", d.Stream.URL)
	v.SetDefault("stream.name", d.Stream.Name)
	v.SetDefault("stream.credentials_file", d.Stream.CredentialsFile)
	v.SetDefault("stream.token", d.Stream.Token)
	v.SetDefault("stream.connect_timeout", d.Stream.ConnectTimeout)
	v.SetDefault("stream.reconnect_wait", d.Stream.ReconnectWait)
	v.SetDefault("stream.max_reconnects", d.Stream.MaxReconnects)
	v.SetDefault("stream.stream_name", d.Stream.StreamName)
	v.SetDefault("stream.subject_prefix", d.Stream.SubjectPrefix)
	v.SetDefault("stream.partitions", d.Stream.Partitions)
	v.SetDefault("stream.max_age", d.Stream.MaxAge)
	v.SetDefault("stream.duplicate_window", d.Stream.DuplicateWindow)
	v.SetDefault("stream.storage", d.Stream.Storage)
	v.SetDefault("stream.replicas", d.Stream.Replicas)
	v.SetDefault("stream.max_batch_bytes", d.Stream.MaxBatchBytes)
	v.SetDefault("stream.ack_timeout", d.Stream.AckTimeout)

	v.SetDefault("consumer.durable", d.Consumer.Durable)
	v.SetDefault("consumer.batch_size", d.Consumer.BatchSize)
	v.SetDefault("consumer.fetch_wait", d.Consumer.FetchWait)
	v.SetDefault("consumer.ack_wait", d.Consumer.AckWait)
	v.SetDefault("consumer.max_deliver", d.Consumer.MaxDeliver)

	v.SetDefault("documents.backend", d.Documents.Backend)
	v.SetDefault("documents.bucket", d.Documents.Bucket)
	v.SetDefault("documents.dynamodb.region", d.Documents.DynamoDB.Region)
	v.SetDefault("documents.dynamodb.endpoint", d.Documents.DynamoDB.Endpoint)
	v.SetDefault("documents.dynamodb.table", d.Documents.DynamoDB.Table)
	v.SetDefault("documents.breaker_failures", d.Documents.BreakerFailures)
	v.SetDefault("documents.breaker_reset", d.Documents.BreakerReset)

	v.SetDefault("changefeed.name", d.ChangeFeed.Name)
	v.SetDefault("changefeed.bucket", d.ChangeFeed.Bucket)
	v.SetDefault("changefeed.lease_bucket", d.ChangeFeed.LeaseBucket)
	v.SetDefault("changefeed.max_batch", d.ChangeFeed.MaxBatch)
	v.SetDefault("changefeed.flush_interval", d.ChangeFeed.FlushInterval)
	v.SetDefault("changefeed.max_retries", d.ChangeFeed.MaxRetries)
	v.SetDefault("changefeed.retry_delay", d.ChangeFeed.RetryDelay)

	v.SetDefault("enrichment.enabled", d.Enrichment.Enabled)
	v.SetDefault("enrichment.name", d.Enrichment.Name)
	v.SetDefault("enrichment.lease_bucket", d.Enrichment.LeaseBucket)
	v.SetDefault("enrichment.index_bucket", d.Enrichment.IndexBucket)

	v.SetDefault("producer.partition_key", d.Producer.PartitionKey)
	v.SetDefault("producer.retries", d.Producer.Retries)
	v.SetDefault("producer.retry_delay", d.Producer.RetryDelay)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("rules.temperature_threshold", d.Rules.TemperatureThreshold)

	v.SetDefault("validation.max_clock_skew", d.Validation.MaxClockSkew)
}
