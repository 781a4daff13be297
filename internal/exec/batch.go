package exec

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewEmptyBatch creates a zero-row record with the given schema.
func NewEmptyBatch(schema *arrow.Schema, mem memory.Allocator) arrow.Record {
	cols := make([]arrow.Array, len(schema.Fields()))
	for i, f := range schema.Fields() {
		cols[i] = array.MakeArrayOfNull(mem, f.Type, 0)
	}
	rec := array.NewRecord(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// ConcatBatches concatenates record batches sharing a schema into one batch.
// An empty input yields an empty batch.
func ConcatBatches(schema *arrow.Schema, batches []arrow.Record, mem memory.Allocator) (arrow.Record, error) {
	if len(batches) == 0 {
		return NewEmptyBatch(schema, mem), nil
	}
	if len(batches) == 1 {
		batches[0].Retain()
		return batches[0], nil
	}

	var rows int64
	cols := make([]arrow.Array, len(schema.Fields()))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range schema.Fields() {
		parts := make([]arrow.Array, len(batches))
		for j, b := range batches {
			parts[j] = b.Column(i)
		}
		merged, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = merged
	}
	for _, b := range batches {
		rows += b.NumRows()
	}
	return array.NewRecord(schema, cols, rows), nil
}

// ArrayMemorySize returns the number of buffer bytes backing an array.
func ArrayMemorySize(arr arrow.Array) int64 {
	var size int64
	for _, buf := range arr.Data().Buffers() {
		if buf != nil {
			size += int64(buf.Len())
		}
	}
	return size
}

// BatchMemorySize returns the number of buffer bytes backing a record batch.
func BatchMemorySize(batch arrow.Record) int64 {
	var size int64
	for _, col := range batch.Columns() {
		size += ArrayMemorySize(col)
	}
	return size
}
