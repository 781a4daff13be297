// Package sqlscan adapts database/sql result sets into Arrow record batch
// streams, in the row order of the query, so external tables can feed the
// execution operators.
//
// Drivers are registered by blank import: modernc.org/sqlite ("sqlite") for
// embedded and test use, lib/pq ("postgres") for warehouse-backed tables.
package sqlscan

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	_ "github.com/lib/pq"           // postgres driver
	_ "modernc.org/sqlite"          // sqlite driver
)

// Config describes one SQL-backed source.
type Config struct {
	// Driver is the database/sql driver name, e.g. "sqlite" or "postgres".
	Driver string

	// DSN is the driver connection string.
	DSN string

	// Query is the SQL text producing the rows. The query must carry its own
	// ORDER BY when the consumer requires sorted input; the adapter does not
	// sort.
	Query string

	// BatchSize is the number of rows per emitted batch.
	BatchSize int
}

// Source executes a query and exposes the result as record batches.
type Source struct {
	db  *sql.DB
	cfg Config
}

// Open connects the source.
func Open(cfg Config) (*Source, error) {
	if cfg.Query == "" {
		return nil, fmt.Errorf("sqlscan: query is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8192
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlscan: open %s: %w", cfg.Driver, err)
	}
	return &Source{db: db, cfg: cfg}, nil
}

// OpenDB wraps an existing connection; Close leaves it open.
func OpenDB(db *sql.DB, cfg Config) (*Source, error) {
	if cfg.Query == "" {
		return nil, fmt.Errorf("sqlscan: query is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8192
	}
	return &Source{db: db, cfg: cfg}, nil
}

// Stream runs the query and returns the result stream with its schema.
func (s *Source) Stream(ctx context.Context, mem memory.Allocator) (*RowStream, error) {
	rows, err := s.db.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("sqlscan: query failed: %w", err)
	}

	columns, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlscan: failed to get columns: %w", err)
	}
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		fields[i] = arrow.Field{
			Name:     col.Name(),
			Type:     arrowType(col),
			Nullable: true,
		}
	}
	schema := arrow.NewSchema(fields, nil)

	return &RowStream{
		rows:      rows,
		schema:    schema,
		mem:       mem,
		batchSize: s.cfg.BatchSize,
	}, nil
}

// Close releases the connection.
func (s *Source) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// arrowType maps a SQL column type to an Arrow type. Integers widen to
// int64, floating point to float64; everything else scans as text.
func arrowType(col *sql.ColumnType) arrow.DataType {
	name := strings.ToUpper(col.DatabaseTypeName())
	switch {
	case strings.Contains(name, "INT"):
		return arrow.PrimitiveTypes.Int64
	case strings.Contains(name, "REAL"),
		strings.Contains(name, "FLOAT"),
		strings.Contains(name, "DOUBLE"),
		strings.Contains(name, "NUMERIC"),
		strings.Contains(name, "DECIMAL"):
		return arrow.PrimitiveTypes.Float64
	case strings.Contains(name, "BOOL"):
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// RowStream reads query rows lazily, packing them into batches.
type RowStream struct {
	rows      *sql.Rows
	schema    *arrow.Schema
	mem       memory.Allocator
	batchSize int
	done      bool
}

// Schema returns the result schema.
func (r *RowStream) Schema() *arrow.Schema {
	return r.schema
}

// Next packs up to BatchSize rows into the next batch, or returns nil when
// the result set is drained.
func (r *RowStream) Next(ctx context.Context) (arrow.Record, error) {
	if r.done {
		return nil, nil
	}

	builder := array.NewRecordBuilder(r.mem, r.schema)
	defer builder.Release()

	values := make([]any, len(r.schema.Fields()))
	pointers := make([]any, len(values))
	for i := range values {
		pointers[i] = &values[i]
	}

	count := 0
	for count < r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, fmt.Errorf("sqlscan: row iteration: %w", err)
			}
			break
		}
		if err := r.rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("sqlscan: scan: %w", err)
		}
		for i, v := range values {
			if err := appendValue(builder.Field(i), v); err != nil {
				return nil, err
			}
		}
		count++
	}

	if count == 0 {
		return nil, nil
	}
	return builder.NewRecord(), nil
}

// Close closes the underlying rows.
func (r *RowStream) Close() error {
	return r.rows.Close()
}

// appendValue coerces one scanned value into the field builder.
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			fb.Append(n)
		case float64:
			fb.Append(int64(n))
		default:
			return fmt.Errorf("sqlscan: cannot scan %T into int64 column", v)
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			fb.Append(n)
		case int64:
			fb.Append(float64(n))
		default:
			return fmt.Errorf("sqlscan: cannot scan %T into float64 column", v)
		}
	case *array.BooleanBuilder:
		switch n := v.(type) {
		case bool:
			fb.Append(n)
		case int64:
			fb.Append(n != 0)
		default:
			return fmt.Errorf("sqlscan: cannot scan %T into boolean column", v)
		}
	case *array.StringBuilder:
		switch n := v.(type) {
		case string:
			fb.Append(n)
		case []byte:
			fb.Append(string(n))
		default:
			fb.Append(fmt.Sprintf("%v", n))
		}
	default:
		return fmt.Errorf("sqlscan: unsupported builder %T", b)
	}
	return nil
}
