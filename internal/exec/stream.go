// Package exec provides the execution runtime shared by operators: record
// batch streams, memory accounting, and the disk spill machinery.
package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// RecordBatchStream represents a stream of Arrow record batches.
//
// Next returns the next batch, or nil when the stream is exhausted. The
// returned batch is owned by the caller, which must Release it.
type RecordBatchStream interface {
	// Schema returns the schema shared by all batches in the stream.
	Schema() *arrow.Schema

	// Next returns the next batch, or nil if exhausted.
	Next(ctx context.Context) (arrow.Record, error)

	// Close releases resources held by the stream.
	Close() error
}

// SliceStream wraps a slice of record batches as a RecordBatchStream.
type SliceStream struct {
	schema  *arrow.Schema
	batches []arrow.Record
	idx     int
	mu      sync.Mutex
}

// NewSliceStream creates a stream over the given batches. The stream retains
// each batch until it is handed out or the stream is closed.
func NewSliceStream(schema *arrow.Schema, batches []arrow.Record) *SliceStream {
	owned := make([]arrow.Record, len(batches))
	for i, b := range batches {
		b.Retain()
		owned[i] = b
	}
	return &SliceStream{schema: schema, batches: owned}
}

// Schema returns the stream schema.
func (s *SliceStream) Schema() *arrow.Schema {
	return s.schema
}

// Next returns the next batch.
func (s *SliceStream) Next(ctx context.Context) (arrow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if s.idx >= len(s.batches) {
		return nil, nil
	}
	batch := s.batches[s.idx]
	s.batches[s.idx] = nil
	s.idx++
	return batch, nil
}

// Close releases any batches not yet handed out.
func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ; s.idx < len(s.batches); s.idx++ {
		if s.batches[s.idx] != nil {
			s.batches[s.idx].Release()
		}
	}
	return nil
}

// EmptyStream is a stream with no batches.
type EmptyStream struct {
	schema *arrow.Schema
}

// NewEmptyStream creates an empty stream with the given schema.
func NewEmptyStream(schema *arrow.Schema) *EmptyStream {
	return &EmptyStream{schema: schema}
}

// Schema returns the schema.
func (s *EmptyStream) Schema() *arrow.Schema { return s.schema }

// Next always returns nil.
func (s *EmptyStream) Next(ctx context.Context) (arrow.Record, error) { return nil, nil }

// Close is a no-op.
func (s *EmptyStream) Close() error { return nil }

// CollectStream drains a stream into a slice. The caller owns the returned
// batches and must Release them.
func CollectStream(ctx context.Context, stream RecordBatchStream) ([]arrow.Record, error) {
	var batches []arrow.Record
	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			for _, b := range batches {
				b.Release()
			}
			return nil, fmt.Errorf("collect stream: %w", err)
		}
		if batch == nil {
			return batches, nil
		}
		batches = append(batches, batch)
	}
}
