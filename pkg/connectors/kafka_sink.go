package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/pipeline/pkg/processor"
)

const defaultMaxInflight = 10_000

// KafkaSinkConfig describes a topic write.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
	// KeyBy lists the columns encoded into the record key.
	KeyBy []string
	// MaxInflight bounds records produced but not yet acknowledged.
	MaxInflight int
}

type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Close()
}

// KafkaSink produces one JSON message per row. Produce calls are
// asynchronous: the sink parks on its wake token while too many records are
// inflight and at end of stream until every record is acknowledged.
type KafkaSink struct {
	processor.Base
	cfg         KafkaSinkConfig
	token       processor.WakeToken
	ctx         *processor.Context
	client      producer
	newProducer func() (producer, error)

	pending processor.Chunk
	hasPend bool
	inDone  bool

	mu       sync.Mutex
	inflight int
	acked    int64
	err      error
}

// NewKafkaSink creates a Kafka sink processor.
func NewKafkaSink(name string, cfg KafkaSinkConfig) *KafkaSink {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	s := &KafkaSink{
		Base:  processor.NewBase(name, 1, 0),
		cfg:   cfg,
		token: processor.NewWakeToken(),
	}
	s.newProducer = func() (producer, error) {
		return kgo.NewClient(
			kgo.SeedBrokers(s.cfg.Brokers...),
			kgo.DefaultProduceTopic(s.cfg.Topic),
		)
	}
	return s
}

func (s *KafkaSink) WakeToken() processor.WakeToken { return s.token }

func (s *KafkaSink) Open(ctx *processor.Context) error {
	s.ctx = ctx
	client, err := s.newProducer()
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	s.client = client
	return nil
}

// Acked returns the number of acknowledged records.
func (s *KafkaSink) Acked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *KafkaSink) state() (inflight int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.err
}

func (s *KafkaSink) Prepare() processor.Status {
	inflight, err := s.state()
	if err != nil {
		return processor.StatusHasReadyWork
	}
	if s.hasPend {
		if inflight >= s.cfg.MaxInflight {
			return processor.StatusWaitingOnAsync
		}
		return processor.StatusHasReadyWork
	}
	if !s.inDone {
		c, err := s.Input(0).Pull()
		switch {
		case err == nil:
			s.pending, s.hasPend = c, true
			if inflight >= s.cfg.MaxInflight {
				return processor.StatusWaitingOnAsync
			}
			return processor.StatusHasReadyWork
		case errors.Is(err, processor.ErrWouldBlock):
			return processor.StatusNeedsMoreInput
		case errors.Is(err, processor.ErrEndOfStream):
			s.inDone = true
		default:
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return processor.StatusHasReadyWork
		}
	}
	if inflight > 0 {
		return processor.StatusWaitingOnAsync
	}
	return processor.StatusFinished
}

func (s *KafkaSink) Work() error {
	if _, err := s.state(); err != nil {
		return err
	}
	c := s.pending
	s.pending, s.hasPend = processor.Chunk{}, false
	defer c.Release()
	if c.IsControl() {
		return nil
	}

	rec := c.Record()
	n := int(rec.NumRows())
	records := make([]*kgo.Record, 0, n)
	for row := 0; row < n; row++ {
		value, err := rowToJSON(rec, row)
		if err != nil {
			return fmt.Errorf("kafka sink: marshal row %d: %w", row, err)
		}
		r := &kgo.Record{Topic: s.cfg.Topic, Value: value}
		if len(s.cfg.KeyBy) > 0 {
			key, err := keyToJSON(rec, row, s.cfg.KeyBy)
			if err != nil {
				return fmt.Errorf("kafka sink: marshal key %d: %w", row, err)
			}
			r.Key = key
		}
		records = append(records, r)
	}

	s.mu.Lock()
	s.inflight += len(records)
	s.mu.Unlock()
	for _, r := range records {
		s.client.Produce(s.ctx.Ctx, r, s.acknowledge)
	}
	s.ctx.Metrics.ChunksProcessed.Add(1)
	s.ctx.Metrics.RowsProcessed.Add(int64(n))
	return nil
}

// acknowledge is the produce promise. It may run on any goroutine.
func (s *KafkaSink) acknowledge(_ *kgo.Record, err error) {
	s.mu.Lock()
	s.inflight--
	if err == nil {
		s.acked++
	} else if s.err == nil {
		s.err = fmt.Errorf("kafka sink: produce: %w", err)
	}
	wake := s.inflight == 0 || s.inflight == s.cfg.MaxInflight-1 || err != nil
	s.mu.Unlock()
	if wake {
		s.ctx.Signal(s.token)
	}
}

func (s *KafkaSink) Close() error {
	if s.hasPend {
		s.pending.Release()
		s.hasPend = false
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
