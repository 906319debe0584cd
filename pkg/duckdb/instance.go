//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/sandboxws/isotope/pipeline/pkg/arrow/helpers"
)

const defaultMemoryLimit = 256 << 20

// Instance is an isolated in-memory DuckDB database holding one connection.
// It is not safe for concurrent use; each SQL transform owns one.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens an in-memory database capped at memoryLimit bytes.
func NewInstance(alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}
	limitMB := max(memoryLimit>>20, 1)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}
	return &Instance{db: db, conn: conn, alloc: alloc}, nil
}

func (inst *Instance) dropView() {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
}

// RegisterView exposes rec as a view without copying it. The view, and the
// reference it holds on rec, lives until the next RegisterView or Close.
func (inst *Instance) RegisterView(rec arrow.Record, name string) error {
	inst.dropView()
	return inst.conn.Raw(func(dc any) error {
		ac, err := goduckdb.NewArrowFromConn(dc.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		rdr, err := array.NewRecordReader(rec.Schema(), []arrow.Record{rec})
		if err != nil {
			return fmt.Errorf("duckdb: record reader: %w", err)
		}
		release, err := ac.RegisterView(rdr, name)
		if err != nil {
			rdr.Release()
			return fmt.Errorf("duckdb: register view %s: %w", name, err)
		}
		inst.releaseView = func() {
			release()
			rdr.Release()
		}
		return nil
	})
}

// Query runs query and returns its result as a single record.
func (inst *Instance) Query(ctx context.Context, query string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(dc any) error {
		ac, err := goduckdb.NewArrowFromConn(dc.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		rdr, err := ac.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var recs []arrow.Record
		defer func() {
			for _, r := range recs {
				r.Release()
			}
		}()
		for rdr.Next() {
			r := rdr.Record()
			r.Retain()
			recs = append(recs, r)
		}
		if err := rdr.Err(); err != nil {
			return fmt.Errorf("duckdb: read results: %w", err)
		}

		switch len(recs) {
		case 0:
			b := array.NewRecordBuilder(inst.alloc, rdr.Schema())
			result = b.NewRecord()
			b.Release()
		case 1:
			result = recs[0]
			result.Retain()
		default:
			result, err = helpers.Concat(inst.alloc, recs)
		}
		return err
	})
	return result, err
}

// Close drops the current view and closes the database.
func (inst *Instance) Close() error {
	inst.dropView()
	if inst.conn != nil {
		inst.conn.Close()
		inst.conn = nil
	}
	if inst.db != nil {
		err := inst.db.Close()
		inst.db = nil
		return err
	}
	return nil
}
