package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

const defaultRetryElapsed = time.Minute

// KafkaSourceConfig describes a topic read.
type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	// Group enables consumer-group offsets when set.
	Group string
	// StartOffset is "earliest" (default) or "latest".
	StartOffset string
	// Format is the record encoding. Only "json" is supported.
	Format string
	Schema *arrow.Schema
	// BatchSize bounds the rows per emitted record.
	BatchSize int
	// MaxRecords ends the read after this many records. Zero reads until
	// the query is cancelled.
	MaxRecords int64
	// RetryInterval is the first backoff delay after a failed fetch.
	RetryInterval time.Duration
	// RetryElapsed bounds the time spent retrying failing fetches.
	RetryElapsed time.Duration
}

type fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// KafkaExecutor reads a topic as a remote query. Fetch errors are retried
// with exponential backoff; decoded rows are emitted as Arrow records.
type KafkaExecutor struct {
	cfg        KafkaSourceConfig
	alloc      memory.Allocator
	logger     *slog.Logger
	newFetcher func() (fetcher, error)
}

// NewKafkaExecutor creates an executor for cfg.
func NewKafkaExecutor(cfg KafkaSourceConfig, alloc memory.Allocator, logger *slog.Logger) *KafkaExecutor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.RetryElapsed <= 0 {
		cfg.RetryElapsed = defaultRetryElapsed
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaExecutor{cfg: cfg, alloc: alloc, logger: logger.With("topic", cfg.Topic)}
	k.newFetcher = func() (fetcher, error) { return kgo.NewClient(k.clientOpts()...) }
	return k
}

func (k *KafkaExecutor) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumeTopics(k.cfg.Topic),
	}
	if k.cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.cfg.Group))
	}
	switch k.cfg.StartOffset {
	case "latest-offset", "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	return opts
}

// Execute implements remote.Executor.
func (k *KafkaExecutor) Execute(ctx context.Context, emit func(processor.Chunk) error) error {
	if k.cfg.Format != "json" {
		return fmt.Errorf("kafka executor: unsupported format %q", k.cfg.Format)
	}
	if k.cfg.Schema == nil {
		return errors.New("kafka executor: schema is required")
	}
	f, err := k.newFetcher()
	if err != nil {
		return fmt.Errorf("kafka executor: create client: %w", err)
	}
	defer f.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = k.cfg.RetryElapsed
	if k.cfg.RetryInterval > 0 {
		policy.InitialInterval = k.cfg.RetryInterval
	}
	retry := backoff.WithContext(policy, ctx)

	var (
		buffer []map[string]any
		total  int64
	)
	flush := func(n int) error {
		rec := jsonRowsToRecord(k.alloc, k.cfg.Schema, buffer[:n])
		buffer = buffer[n:]
		return emit(processor.NewChunk(rec))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches, err := backoff.RetryNotifyWithData(func() (kgo.Fetches, error) {
			return k.poll(ctx, f)
		}, retry, func(err error, wait time.Duration) {
			k.logger.Warn("kafka fetch failed, retrying", "error", err, "backoff", wait)
		})
		if err != nil {
			return fmt.Errorf("kafka executor: %w", err)
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			if k.cfg.MaxRecords > 0 && total >= k.cfg.MaxRecords {
				return
			}
			var row map[string]any
			if err := json.Unmarshal(rec.Value, &row); err != nil {
				k.logger.Error("kafka json decode error", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				return
			}
			buffer = append(buffer, row)
			total++
		})

		for len(buffer) >= k.cfg.BatchSize {
			if err := flush(k.cfg.BatchSize); err != nil {
				return err
			}
		}
		if len(buffer) > 0 {
			if err := flush(len(buffer)); err != nil {
				return err
			}
		}
		if k.cfg.MaxRecords > 0 && total >= k.cfg.MaxRecords {
			return nil
		}
	}
}

func (k *KafkaExecutor) poll(ctx context.Context, f fetcher) (kgo.Fetches, error) {
	fetches := f.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if fetches.IsClientClosed() {
		return nil, backoff.Permanent(kgo.ErrClientClosed)
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		e := errs[0]
		return nil, fmt.Errorf("fetch %s[%d]: %w", e.Topic, e.Partition, e.Err)
	}
	return fetches, nil
}
