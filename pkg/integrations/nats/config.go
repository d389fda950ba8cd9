package nats

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxBatchBytes bounds one batch: payloads, headers and subject.
	DefaultMaxBatchBytes = 1 << 20
	// DefaultPartitions is the number of partition subjects under the prefix.
	DefaultPartitions = 4
	// DefaultAckTimeout bounds the wait for stream acknowledgements of a batch.
	DefaultAckTimeout = 10 * time.Second
)

// Config holds the connection and stream settings for the event stream.
type Config struct {
	// Connection
	URL             string        `mapstructure:"url" yaml:"url"`
	Name            string        `mapstructure:"name" yaml:"name"`
	CredentialsFile string        `mapstructure:"credentials_file" yaml:"credentials_file"`
	Token           string        `mapstructure:"token" yaml:"token"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects   int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`

	// Stream
	StreamName      string        `mapstructure:"stream_name" yaml:"stream_name"`
	SubjectPrefix   string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Partitions      int           `mapstructure:"partitions" yaml:"partitions"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window" yaml:"duplicate_window"`
	Storage         string        `mapstructure:"storage" yaml:"storage"`
	Replicas        int           `mapstructure:"replicas" yaml:"replicas"`

	// Batching
	MaxBatchBytes int           `mapstructure:"max_batch_bytes" yaml:"max_batch_bytes"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
}

// DefaultConfig returns settings for a local single-node server.
func DefaultConfig() Config {
	return Config{
		URL:             "nats://localhost:4222",
		Name:            "eventpipe",
		ConnectTimeout:  10 * time.Second,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   60,
		StreamName:      "EVENTS",
		SubjectPrefix:   "events",
		Partitions:      DefaultPartitions,
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		Storage:         "file",
		Replicas:        1,
		MaxBatchBytes:   DefaultMaxBatchBytes,
		AckTimeout:      DefaultAckTimeout,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if c.StreamName == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, "*> \t") {
		return fmt.Errorf("invalid subject prefix %q", c.SubjectPrefix)
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.MaxBatchBytes <= 0 {
		return fmt.Errorf("max batch bytes must be positive")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max age cannot be negative")
	}
	switch c.Storage {
	case "", "file", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage)
	}
	return nil
}

// Subjects returns the wildcard subject the stream captures.
func (c Config) Subjects() string {
	return c.SubjectPrefix + ".>"
}

// PartitionSubject returns the subject for one partition.
func (c Config) PartitionSubject(partition int) string {
	return fmt.Sprintf("%s.%d", c.SubjectPrefix, partition)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	if c.Partitions <= 0 {
		c.Partitions = d.Partitions
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = d.MaxBatchBytes
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	return c
}
