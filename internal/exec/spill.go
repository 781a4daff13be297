package exec

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

// Compression selects the codec applied to spill files.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// ParseCompression maps a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "uncompressed", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown spill compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "uncompressed"
	}
}

// SpillMetrics counts spill activity. Safe for concurrent use.
type SpillMetrics struct {
	SpillCount   atomic.Int64
	SpilledBytes atomic.Int64
	SpilledRows  atomic.Int64
}

// RecordSpill accounts one spill of the given size.
func (m *SpillMetrics) RecordSpill(bytes, rows int64) {
	m.SpillCount.Add(1)
	m.SpilledBytes.Add(bytes)
	m.SpilledRows.Add(rows)
}

// SpillManager writes record batches to ref-counted temp files in the Arrow
// IPC streaming format and reads them back. The format is internal to the
// process; it is not a compatibility surface.
type SpillManager struct {
	disk    *DiskManager
	mem     memory.Allocator
	schema  *arrow.Schema
	codec   Compression
	metrics *SpillMetrics
}

// NewSpillManager creates a spill manager for batches of the given schema.
func NewSpillManager(disk *DiskManager, mem memory.Allocator, schema *arrow.Schema) *SpillManager {
	return &SpillManager{
		disk:    disk,
		mem:     mem,
		schema:  schema,
		metrics: &SpillMetrics{},
	}
}

// WithCompression sets the codec used for subsequent spills.
func (s *SpillManager) WithCompression(c Compression) *SpillManager {
	s.codec = c
	return s
}

// WithMetrics attaches a shared metrics sink.
func (s *SpillManager) WithMetrics(m *SpillMetrics) *SpillManager {
	s.metrics = m
	return s
}

// Metrics returns the spill metrics sink.
func (s *SpillManager) Metrics() *SpillMetrics {
	return s.metrics
}

// SpillBatches writes the batches to a fresh temp file and returns its
// ref-counted handle. The caller owns the returned reference.
func (s *SpillManager) SpillBatches(batches []arrow.Record, prefix string) (*TempFile, error) {
	tf, err := s.disk.NewTempFile(prefix)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(tf.Path())
	if err != nil {
		tf.Release()
		return nil, errors.NewIO("spill write", err)
	}

	opts := []ipc.Option{ipc.WithSchema(s.schema), ipc.WithAllocator(s.mem)}
	switch s.codec {
	case CompressionZstd:
		opts = append(opts, ipc.WithZstd())
	case CompressionLZ4:
		opts = append(opts, ipc.WithLZ4())
	}
	w := ipc.NewWriter(f, opts...)

	var rows int64
	for _, batch := range batches {
		if err := w.Write(batch); err != nil {
			w.Close()
			f.Close()
			tf.Release()
			return nil, errors.NewIO("spill write", err)
		}
		rows += batch.NumRows()
	}
	if err := w.Close(); err != nil {
		f.Close()
		tf.Release()
		return nil, errors.NewIO("spill write", err)
	}
	if err := f.Close(); err != nil {
		tf.Release()
		return nil, errors.NewIO("spill write", err)
	}

	if info, err := os.Stat(tf.Path()); err == nil {
		s.metrics.RecordSpill(info.Size(), rows)
	} else {
		s.metrics.RecordSpill(0, rows)
	}
	return tf, nil
}

// ReadBatches replays all batches from a spill file. The caller owns the
// returned batches and must Release them.
func (s *SpillManager) ReadBatches(tf *TempFile) ([]arrow.Record, error) {
	f, err := os.Open(tf.Path())
	if err != nil {
		return nil, errors.NewIO("spill read", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return nil, errors.NewIO("spill read", err)
	}
	defer r.Release()

	var batches []arrow.Record
	for r.Next() {
		batch := r.Record()
		batch.Retain()
		batches = append(batches, batch)
	}
	if err := r.Err(); err != nil {
		for _, b := range batches {
			b.Release()
		}
		return nil, errors.NewIO("spill read", err)
	}
	return batches, nil
}
