package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/pipeline/pkg/connectors"
	"github.com/sandboxws/isotope/pipeline/pkg/duckdb"
	"github.com/sandboxws/isotope/pipeline/pkg/engine"
	"github.com/sandboxws/isotope/pipeline/pkg/processor"
	"github.com/sandboxws/isotope/pipeline/pkg/processors"
	"github.com/sandboxws/isotope/pipeline/pkg/remote"
)

const defaultQueryBuffer = 16

// pipelineRegistry extends the built-in transforms with connectors.
func pipelineRegistry(alloc memory.Allocator, logger *slog.Logger) engine.Registry {
	kafkaQuery := func(n engine.Node, maxRecords int64) (*remote.Query, error) {
		schema, err := engine.SchemaOf(n.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("%s: output_schema: %w", n.ID, err)
		}
		exec := connectors.NewKafkaExecutor(connectors.KafkaSourceConfig{
			Brokers:       n.StringsArg("brokers"),
			Topic:         n.StringArg("topic", ""),
			Group:         n.StringArg("group", ""),
			StartOffset:   n.StringArg("start_offset", "earliest"),
			Format:        n.StringArg("format", "json"),
			Schema:        schema,
			BatchSize:     n.IntArg("batch_size", 0),
			MaxRecords:    maxRecords,
			RetryInterval: time.Duration(n.IntArg("retry_interval_ms", 0)) * time.Millisecond,
			RetryElapsed:  time.Duration(n.IntArg("retry_seconds", 60)) * time.Second,
		}, alloc, logger)
		return remote.NewQuery(n.ID, exec, n.IntArg("buffer", defaultQueryBuffer)), nil
	}

	return engine.StandardRegistry().With(engine.Registry{
		"generator": func(n engine.Node) (processor.Processor, error) {
			schema, err := engine.SchemaOf(n.OutputSchema)
			if err != nil {
				return nil, fmt.Errorf("%s: output_schema: %w", n.ID, err)
			}
			gen := connectors.NewGenerator(schema, connectors.GeneratorConfig{
				BatchSize:     n.IntArg("batch_size", 0),
				MaxRows:       int64(n.IntArg("max_rows", 0)),
				RowsPerSecond: int64(n.IntArg("rows_per_second", 0)),
			})
			return connectors.NewGeneratorSource(n.ID, gen), nil
		},
		"console": func(n engine.Node) (processor.Processor, error) {
			return processors.NewSink(n.ID, connectors.NewConsole(n.IntArg("max_rows", 20))), nil
		},
		"kafka_source": func(n engine.Node) (processor.Processor, error) {
			q, err := kafkaQuery(n, int64(n.IntArg("max_records", 0)))
			if err != nil {
				return nil, err
			}
			return processors.NewRemoteSource(n.ID, q), nil
		},
		// kafka_coordinator releases its dependents once the topic yields a
		// record.
		"kafka_coordinator": func(n engine.Node) (processor.Processor, error) {
			q, err := kafkaQuery(n, int64(n.IntArg("max_records", 1)))
			if err != nil {
				return nil, err
			}
			return processors.NewCoordinator(n.ID, q), nil
		},
		"kafka_sink": func(n engine.Node) (processor.Processor, error) {
			return connectors.NewKafkaSink(n.ID, connectors.KafkaSinkConfig{
				Brokers:     n.StringsArg("brokers"),
				Topic:       n.StringArg("topic", ""),
				KeyBy:       n.StringsArg("key_by"),
				MaxInflight: n.IntArg("max_inflight", 0),
			}), nil
		},
		"sql": func(n engine.Node) (processor.Processor, error) {
			query := n.StringArg("query", "")
			if query == "" {
				return nil, fmt.Errorf("sql %s: query is required", n.ID)
			}
			return duckdb.NewSQLTransform(n.ID, query, int64(n.IntArg("memory_limit_mb", 0))<<20), nil
		},
	})
}
