package join

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/geetanshjuneja/datafusion/internal/config"
	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// spillFixtureBatches builds six streamed rows and five buffered rows all
// sharing one key, the buffered side split across three batches so the group
// spans batch boundaries.
func spillFixtureBatches(t *testing.T) (*arrow.Schema, arrow.Record, *arrow.Schema, []arrow.Record) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3, 4, 5, 6}, {9, 9, 9, 9, 9, 9}}, nil)
	right := []arrow.Record{
		int32Batch(t, rightSchema, [][]int32{{10, 20}, {9, 9}}, nil),
		int32Batch(t, rightSchema, [][]int32{{30, 40}, {9, 9}}, nil),
		int32Batch(t, rightSchema, [][]int32{{50}, {9}}, nil),
	}
	return leftSchema, left, rightSchema, right
}

// TestSpill_SameOutputAsUnconstrained runs the same join with and without a
// memory limit: the constrained run spills but produces identical output,
// and its reservation drains to zero.
func TestSpill_SameOutputAsUnconstrained(t *testing.T) {
	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})

	leftSchema, left, rightSchema, right := spillFixtureBatches(t)
	unconstrained := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, right,
		on, opts, Inner, nil, NullEqualsNothing, nil)
	wantRows := unconstrained.run(t)
	if len(wantRows) != 30 {
		t.Fatalf("expected 6x5 rows, got %d", len(wantRows))
	}
	if got := unconstrained.exec.Metrics().Snapshot().SpillCount; got != 0 {
		t.Fatalf("unconstrained run should not spill, got %d spills", got)
	}
	left.Release()
	for _, r := range right {
		r.Release()
	}

	session := config.DefaultSession()
	session.Execution.MemoryLimit = 100
	session.Execution.DiskSpillEnabled = true

	leftSchema, left, rightSchema, right = spillFixtureBatches(t)
	constrained := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, right,
		on, opts, Inner, nil, NullEqualsNothing, session)
	gotRows := constrained.run(t)
	left.Release()
	for _, r := range right {
		r.Release()
	}

	requireRows(t, gotRows, wantRows)

	snapshot := constrained.exec.Metrics().Snapshot()
	if snapshot.SpillCount == 0 {
		t.Error("expected the constrained run to spill")
	}
	if snapshot.SpilledRows == 0 {
		t.Error("expected spilled rows to be counted")
	}
	if snapshot.PeakMemUsed > 100 {
		t.Errorf("peak reservation %d exceeds the 100-byte limit", snapshot.PeakMemUsed)
	}
	if reserved := constrained.tc.Pool.Reserved(); reserved != 0 {
		t.Errorf("expected reservation to return to 0 at end of stream, got %d", reserved)
	}
}

// TestSpill_CompressedRoundTrip exercises the zstd and lz4 codec hints end
// to end through the join.
func TestSpill_CompressedRoundTrip(t *testing.T) {
	for _, codec := range []string{"zstd", "lz4"} {
		t.Run(codec, func(t *testing.T) {
			session := config.DefaultSession()
			session.Execution.MemoryLimit = 100
			session.Execution.SpillCompression = codec

			on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
			leftSchema, left, rightSchema, right := spillFixtureBatches(t)
			defer left.Release()
			f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, right,
				on, opts, Inner, nil, NullEqualsNothing, session)
			for _, r := range right {
				r.Release()
			}

			got := f.run(t)
			if len(got) != 30 {
				t.Fatalf("expected 30 rows, got %d", len(got))
			}
			if f.exec.Metrics().Snapshot().SpillCount == 0 {
				t.Error("expected spills under the 100-byte limit")
			}
		})
	}
}

// TestSpill_DisabledFailsResourceExhausted: a refused reservation with
// spilling off is terminal.
func TestSpill_DisabledFailsResourceExhausted(t *testing.T) {
	session := config.DefaultSession()
	session.Execution.MemoryLimit = 100
	session.Execution.DiskSpillEnabled = false

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	leftSchema, left, rightSchema, right := spillFixtureBatches(t)
	defer left.Release()
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, right,
		on, opts, Inner, nil, NullEqualsNothing, session)
	for _, r := range right {
		r.Release()
	}

	stream, err := f.exec.Execute(t.Context(), 0, f.tc)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	defer stream.Close()

	for {
		batch, err := stream.Next(t.Context())
		if err != nil {
			if !errors.IsResourcesExhausted(err) {
				t.Fatalf("expected resources-exhausted error, got %v", err)
			}
			return
		}
		if batch == nil {
			t.Fatal("expected the join to fail under the memory limit with spilling disabled")
		}
		batch.Release()
	}
}
