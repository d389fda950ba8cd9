package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/domain"
	"github.com/yairfalse/eventpipe/pkg/resilience"
)

// DocumentBatchHandler processes one batch of changed documents.
type DocumentBatchHandler func(ctx context.Context, docs []domain.Document) error

// ChangeFeedConfig configures a change-feed processor over a document bucket.
type ChangeFeedConfig struct {
	// Name identifies the processor; its checkpoint is stored under it.
	Name          string        `mapstructure:"name" yaml:"name"`
	Bucket        string        `mapstructure:"bucket" yaml:"bucket"`
	LeaseBucket   string        `mapstructure:"lease_bucket" yaml:"lease_bucket"`
	MaxBatch      int           `mapstructure:"max_batch" yaml:"max_batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// DefaultChangeFeedConfig returns the defaults used by the serve command.
func DefaultChangeFeedConfig() ChangeFeedConfig {
	return ChangeFeedConfig{
		Name:          "changefeed-processor",
		Bucket:        "documents",
		LeaseBucket:   "leases",
		MaxBatch:      100,
		FlushInterval: time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// ChangeFeed watches a document bucket and delivers changes in batches. After
// a batch is handled the last revision is stored in the lease bucket, and a
// restarted feed resumes after it.
type ChangeFeed struct {
	docs    jetstream.KeyValue
	leases  jetstream.KeyValue
	cfg     ChangeFeedConfig
	retryer *resilience.Retryer
	logger  *zap.Logger

	checkpoint uint64
}

// NewChangeFeed opens the document and lease buckets, creating them if needed.
func NewChangeFeed(ctx context.Context, js jetstream.JetStream, cfg ChangeFeedConfig, logger *zap.Logger) (*ChangeFeed, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	d := DefaultChangeFeedConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.Bucket == "" {
		cfg.Bucket = d.Bucket
	}
	if cfg.LeaseBucket == "" {
		cfg.LeaseBucket = d.LeaseBucket
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = d.MaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if !validKey.MatchString(cfg.Name) {
		return nil, fmt.Errorf("%w: processor name %q", ErrInvalidKey, cfg.Name)
	}

	docs, err := EnsureKeyValue(ctx, js, cfg.Bucket, jetstream.FileStorage)
	if err != nil {
		return nil, err
	}
	leases, err := EnsureKeyValue(ctx, js, cfg.LeaseBucket, jetstream.FileStorage)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("processor", cfg.Name))
	return &ChangeFeed{
		docs:   docs,
		leases: leases,
		cfg:    cfg,
		retryer: resilience.NewRetryer(resilience.RetryConfig{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryDelay,
			Logger:       logger,
		}),
		logger: logger,
	}, nil
}

// Checkpoint returns the last revision handled by this processor, 0 if none.
func (f *ChangeFeed) Checkpoint(ctx context.Context) (uint64, error) {
	entry, err := f.leases.Get(ctx, f.cfg.Name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	rev, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", entry.Value(), err)
	}
	return rev, nil
}

// Run delivers changes until ctx is done. A batch that still fails after
// retries stops the feed with an error; its revisions are not checkpointed
// and are delivered again on the next run.
func (f *ChangeFeed) Run(ctx context.Context, handler DocumentBatchHandler) error {
	checkpoint, err := f.Checkpoint(ctx)
	if err != nil {
		return err
	}
	f.checkpoint = checkpoint

	var opts []jetstream.WatchOpt
	if checkpoint > 0 {
		opts = append(opts, jetstream.ResumeFromRevision(checkpoint+1))
	}
	watcher, err := f.docs.WatchAll(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to watch bucket %s: %w", f.cfg.Bucket, err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			f.logger.Debug("Watcher stop failed", zap.Error(err))
		}
	}()

	f.logger.Info("Change feed started",
		zap.String("bucket", f.cfg.Bucket),
		zap.Uint64("checkpoint", checkpoint))

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	var (
		batch []domain.Document
		last  = checkpoint
	)
	flush := func() error {
		if last <= f.checkpoint {
			return nil
		}
		if len(batch) > 0 {
			docs := batch
			if err := f.retryer.Execute(ctx, func() error { return handler(ctx, docs) }); err != nil {
				return fmt.Errorf("change feed handler failed: %w", err)
			}
		}
		if err := f.commit(ctx, last); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Change feed stopped", zap.Uint64("checkpoint", f.checkpoint))
			return nil

		case entry, ok := <-watcher.Updates():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher for bucket %s closed", f.cfg.Bucket)
			}
			// nil marks the end of the initial replay.
			if entry == nil {
				if err := flush(); err != nil {
					return err
				}
				continue
			}
			if entry.Revision() <= f.checkpoint {
				continue
			}
			last = entry.Revision()
			if entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			doc, err := domain.DecodeDocument(entry.Value())
			if err != nil {
				f.logger.Warn("Skipping undecodable document",
					zap.String("key", entry.Key()),
					zap.Uint64("revision", entry.Revision()),
					zap.Error(err))
				continue
			}
			batch = append(batch, doc)
			if len(batch) >= f.cfg.MaxBatch {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (f *ChangeFeed) commit(ctx context.Context, revision uint64) error {
	if _, err := f.leases.Put(ctx, f.cfg.Name, []byte(strconv.FormatUint(revision, 10))); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	f.checkpoint = revision
	f.logger.Debug("Checkpoint stored", zap.Uint64("revision", revision))
	return nil
}
