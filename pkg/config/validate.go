package config

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs ValidationErrors

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs.add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level), "use debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs.add("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), "use json or console")
	}

	if err := c.Stream.Validate(); err != nil {
		errs.add("stream", err.Error(), "check EVENTPIPE_STREAM_* settings")
	}

	switch c.Documents.Backend {
	case BackendNATS:
		if c.Documents.Bucket == "" {
			errs.add("documents.bucket", "bucket name cannot be empty", "")
		}
	case BackendDynamoDB:
		if c.Documents.DynamoDB.Table == "" {
			errs.add("documents.dynamodb.table", "table name cannot be empty", "set EVENTPIPE_DOCUMENTS_DYNAMODB_TABLE")
		}
	default:
		errs.add("documents.backend", fmt.Sprintf("unknown backend %q", c.Documents.Backend), "use nats or dynamodb")
	}

	if c.Documents.BreakerReset < 0 {
		errs.add("documents.breaker_reset", "reset timeout cannot be negative", "")
	}

	if c.ChangeFeed.Name == "" {
		errs.add("changefeed.name", "processor name cannot be empty", "")
	}
	if c.Enrichment.Enabled {
		switch {
		case c.Enrichment.Name == "":
			errs.add("enrichment.name", "processor name cannot be empty", "")
		case c.Enrichment.Name == c.ChangeFeed.Name:
			errs.add("enrichment.name", "processor name must differ from changefeed.name", "")
		}
		if c.Enrichment.IndexBucket == "" {
			errs.add("enrichment.index_bucket", "index bucket cannot be empty", "")
		} else if c.Enrichment.IndexBucket == c.Documents.Bucket {
			errs.add("enrichment.index_bucket", "index bucket cannot be the document bucket", "")
		}
	}
	if c.Producer.Retries < 0 {
		errs.add("producer.retries", "retries cannot be negative", "")
	}
	if c.HTTP.Addr == "" {
		errs.add("http.addr", "listen address cannot be empty", "e.g. :7071")
	}
	if c.Validation.MaxClockSkew < 0 {
		errs.add("validation.max_clock_skew", "clock skew cannot be negative", "")
	}

	if len(errs.Errors) > 0 {
		return errs
	}
	return nil
}

const masked = "****"

// Redacted returns a copy with credentials masked, safe to print.
func (c Config) Redacted() Config {
	if c.Stream.Token != "" {
		c.Stream.Token = masked
	}
	if c.Stream.CredentialsFile != "" {
		c.Stream.CredentialsFile = masked
	}
	return c
}
