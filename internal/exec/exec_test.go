package exec

import (
	"context"
	"os"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func testBatch(t *testing.T, ids []int64, names []string) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator
	idsBuilder := array.NewInt64Builder(mem)
	defer idsBuilder.Release()
	idsBuilder.AppendValues(ids, nil)
	namesBuilder := array.NewStringBuilder(mem)
	defer namesBuilder.Release()
	namesBuilder.AppendValues(names, nil)

	idArr := idsBuilder.NewArray()
	defer idArr.Release()
	nameArr := namesBuilder.NewArray()
	defer nameArr.Release()
	return array.NewRecord(testSchema(), []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

// TestMemoryPool_GrowShrink covers the reservation lifecycle against a
// bounded pool.
func TestMemoryPool_GrowShrink(t *testing.T) {
	pool := NewMemoryPool(100)
	r := NewReservation(pool, "test-consumer")

	if err := r.TryGrow(60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.Reserved() != 60 {
		t.Errorf("expected 60 reserved, got %d", pool.Reserved())
	}

	err := r.TryGrow(50)
	if err == nil {
		t.Fatal("expected growth beyond the limit to fail")
	}
	if !errors.IsResourcesExhausted(err) {
		t.Errorf("expected resources-exhausted error, got %v", err)
	}
	// A refused grow leaves the reservation unchanged.
	if r.Size() != 60 {
		t.Errorf("expected size 60 after refused grow, got %d", r.Size())
	}

	if err := r.Shrink(20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Shrink(100); err == nil {
		t.Error("expected over-shrink to be an internal error")
	}

	r.Free()
	if pool.Reserved() != 0 {
		t.Errorf("expected pool drained after free, got %d", pool.Reserved())
	}
}

// TestMemoryPool_Unbounded never refuses.
func TestMemoryPool_Unbounded(t *testing.T) {
	pool := NewMemoryPool(0)
	r := NewReservation(pool, "unbounded")
	if err := r.TryGrow(1 << 40); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Free()
}

// TestTempFile_RefCounting removes the file only on the last release.
func TestTempFile_RefCounting(t *testing.T) {
	disk := NewDiskManager(t.TempDir(), true)
	tf, err := disk.NewTempFile("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tf.Retain()

	if err := tf.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(tf.Path()); err != nil {
		t.Fatalf("file should survive the first release: %v", err)
	}
	if err := tf.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(tf.Path()); !os.IsNotExist(err) {
		t.Error("file should be removed on the last release")
	}
}

// TestDiskManager_Disabled refuses temp files.
func TestDiskManager_Disabled(t *testing.T) {
	disk := NewDiskManager(t.TempDir(), false)
	if disk.TempFilesEnabled() {
		t.Error("expected temp files disabled")
	}
	if _, err := disk.NewTempFile("test"); err == nil {
		t.Error("expected temp file creation to fail while disabled")
	}
}

// TestSpillManager_RoundTrip writes and replays batches through every codec.
func TestSpillManager_RoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			disk := NewDiskManager(t.TempDir(), true)
			spills := NewSpillManager(disk, memory.DefaultAllocator, testSchema()).
				WithCompression(codec)

			first := testBatch(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
			defer first.Release()
			second := testBatch(t, []int64{4}, []string{"d"})
			defer second.Release()

			tf, err := spills.SpillBatches([]arrow.Record{first, second}, "round-trip")
			if err != nil {
				t.Fatalf("spill failed: %v", err)
			}
			defer tf.Release()

			if got := spills.Metrics().SpilledRows.Load(); got != 4 {
				t.Errorf("expected 4 spilled rows, got %d", got)
			}
			if got := spills.Metrics().SpillCount.Load(); got != 1 {
				t.Errorf("expected 1 spill, got %d", got)
			}

			batches, err := spills.ReadBatches(tf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			var rows int64
			for _, b := range batches {
				rows += b.NumRows()
			}
			if rows != 4 {
				t.Errorf("expected 4 rows back, got %d", rows)
			}
			if batches[0].Column(1).(*array.String).Value(0) != "a" {
				t.Error("unexpected value after round trip")
			}
			for _, b := range batches {
				b.Release()
			}
		})
	}
}

// TestConcatBatches merges batches and tolerates empty input.
func TestConcatBatches(t *testing.T) {
	mem := memory.DefaultAllocator

	empty, err := ConcatBatches(testSchema(), nil, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.NumRows() != 0 {
		t.Errorf("expected empty batch, got %d rows", empty.NumRows())
	}
	empty.Release()

	first := testBatch(t, []int64{1, 2}, []string{"a", "b"})
	defer first.Release()
	second := testBatch(t, []int64{3}, []string{"c"})
	defer second.Release()

	merged, err := ConcatBatches(testSchema(), []arrow.Record{first, second}, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer merged.Release()
	if merged.NumRows() != 3 {
		t.Errorf("expected 3 rows, got %d", merged.NumRows())
	}
	if merged.Column(0).(*array.Int64).Value(2) != 3 {
		t.Error("unexpected value after concat")
	}
}

// TestSliceStream_DrainAndClose hands batches out once and releases the
// rest on close.
func TestSliceStream_DrainAndClose(t *testing.T) {
	first := testBatch(t, []int64{1}, []string{"a"})
	defer first.Release()
	second := testBatch(t, []int64{2}, []string{"b"})
	defer second.Release()

	stream := NewSliceStream(testSchema(), []arrow.Record{first, second})
	batches, err := CollectStream(context.Background(), stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	for _, b := range batches {
		b.Release()
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
