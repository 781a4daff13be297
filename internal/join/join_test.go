package join

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/config"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/plan"
)

// int32Schema builds an all-int32 nullable schema with the given names.
func int32Schema(names ...string) *arrow.Schema {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int32, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// int32Batch builds a record from per-column values; a nil valid slice means
// all values present.
func int32Batch(t *testing.T, schema *arrow.Schema, columns [][]int32, valids [][]bool) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator
	arrays := make([]arrow.Array, len(columns))
	for i, values := range columns {
		b := array.NewInt32Builder(mem)
		var valid []bool
		if valids != nil {
			valid = valids[i]
		}
		b.AppendValues(values, valid)
		arrays[i] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(schema, arrays, int64(len(columns[0])))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// columnKeys builds single-column OnPair and default sort options.
func columnKeys(pairs ...[2]*expr.Column) ([]OnPair, []expr.SortOptions) {
	on := make([]OnPair, len(pairs))
	opts := make([]expr.SortOptions, len(pairs))
	for i, p := range pairs {
		on[i] = OnPair{Left: p[0], Right: p[1]}
		opts[i] = expr.SortOptions{NullsFirst: true}
	}
	return on, opts
}

type joinFixture struct {
	session *config.Session
	tc      *plan.TaskContext
	exec    *SortMergeJoinExec
}

// newJoinFixture wires scans over the given batches into a join plan. The
// fixture owns no batches; callers release theirs after the call.
func newJoinFixture(t *testing.T, leftSchema *arrow.Schema, left []arrow.Record,
	rightSchema *arrow.Schema, right []arrow.Record,
	on []OnPair, sortOptions []expr.SortOptions,
	joinType JoinType, filter *Filter, nullEquality NullEquality,
	session *config.Session) *joinFixture {
	t.Helper()

	if session == nil {
		session = config.DefaultSession()
	}
	session.Execution.TempDir = t.TempDir()

	leftScan := plan.NewMemoryScanExec(leftSchema, [][]arrow.Record{left})
	rightScan := plan.NewMemoryScanExec(rightSchema, [][]arrow.Record{right})
	smj, err := NewSortMergeJoinExec(leftScan, rightScan, on, filter, joinType, sortOptions, nullEquality)
	if err != nil {
		t.Fatalf("unexpected plan error: %v", err)
	}
	return &joinFixture{
		session: session,
		tc:      plan.NewTaskContext(session),
		exec:    smj,
	}
}

// run executes partition 0 and collects the output as Go rows.
func (f *joinFixture) run(t *testing.T) [][]any {
	t.Helper()
	ctx := context.Background()
	stream, err := f.exec.Execute(ctx, 0, f.tc)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	defer stream.Close()

	var rows [][]any
	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if batch == nil {
			break
		}
		for r := 0; r < int(batch.NumRows()); r++ {
			row := make([]any, batch.NumCols())
			for c := 0; c < int(batch.NumCols()); c++ {
				row[c] = cellValue(batch.Column(c), r)
			}
			rows = append(rows, row)
		}
		batch.Release()
	}
	return rows
}

func cellValue(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int32:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	default:
		return a.ValueStr(i)
	}
}

func requireRows(t *testing.T, got [][]any, want [][]any) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if fmt.Sprint(got[i]) != fmt.Sprint(want[i]) {
			t.Errorf("row %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func requireRowsUnordered(t *testing.T, got [][]any, want [][]any) {
	t.Helper()
	format := func(rows [][]any) []string {
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = fmt.Sprint(r)
		}
		sort.Strings(out)
		return out
	}
	gs, ws := format(got), format(want)
	if fmt.Sprint(gs) != fmt.Sprint(ws) {
		t.Fatalf("expected rows %v, got %v", ws, gs)
	}
}

func row(values ...any) []any { return values }

// TestInnerJoin_DuplicateLeftKey joins a left side with one key value
// appearing twice: both left rows pair with the single right row carrying
// that key, preserving left order.
func TestInnerJoin_DuplicateLeftKey(t *testing.T) {
	leftSchema := int32Schema("a1", "b1", "c1")
	rightSchema := int32Schema("a2", "b1", "c2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 5}, {7, 8, 9}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20, 30}, {4, 5, 6}, {70, 80, 90}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b1", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNothing, nil)

	got := f.run(t)
	requireRows(t, got, [][]any{
		row(int32(1), int32(4), int32(7), int32(10), int32(4), int32(70)),
		row(int32(2), int32(5), int32(8), int32(20), int32(5), int32(80)),
		row(int32(3), int32(5), int32(9), int32(20), int32(5), int32(80)),
	})
}

// TestLeftJoin_Unmatched emits the unmatched left row joined to nulls,
// exactly once.
func TestLeftJoin_Unmatched(t *testing.T) {
	leftSchema := int32Schema("a1", "b1", "c1")
	rightSchema := int32Schema("a2", "b2", "c2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 7}, {7, 8, 9}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20, 30}, {4, 5, 6}, {70, 80, 90}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Left, nil, NullEqualsNothing, nil)

	got := f.run(t)
	requireRows(t, got, [][]any{
		row(int32(1), int32(4), int32(7), int32(10), int32(4), int32(70)),
		row(int32(2), int32(5), int32(8), int32(20), int32(5), int32(80)),
		row(int32(3), int32(7), int32(9), nil, nil, nil),
	})
}

// TestRightAntiJoin_WithResidualFilter keeps the right row whose only key
// match fails the residual predicate.
func TestRightAntiJoin_WithResidualFilter(t *testing.T) {
	leftSchema := int32Schema("a1", "b1", "c1")
	rightSchema := int32Schema("a1", "b1", "c2")
	left := int32Batch(t, leftSchema, [][]int32{{1}, {10}, {30}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{1}, {10}, {20}}, nil)
	defer right.Release()

	on, opts := columnKeys(
		[2]*expr.Column{expr.NewColumn("a1", 0), expr.NewColumn("a1", 0)},
		[2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b1", 1)},
	)
	// c2 > c1 over the intermediate schema [c1, c2].
	filter := NewFilter(
		expr.NewBinaryExpr(expr.NewColumn("c2", 1), expr.OpGt, expr.NewColumn("c1", 0)),
		[]ColumnIndex{{Index: 2, Side: SideLeft}, {Index: 2, Side: SideRight}},
		int32Schema("c1", "c2"),
	)
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, RightAnti, filter, NullEqualsNothing, nil)

	got := f.run(t)
	requireRows(t, got, [][]any{
		row(int32(1), int32(10), int32(20)),
	})
}

// TestFullJoin_BothSidesUnmatched produces the matched rows plus one
// null-joined row per unmatched side.
func TestFullJoin_BothSidesUnmatched(t *testing.T) {
	leftSchema := int32Schema("a1", "b1", "c1")
	rightSchema := int32Schema("a2", "b2", "c2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 7}, {7, 8, 9}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20, 30}, {4, 5, 6}, {70, 80, 90}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Full, nil, NullEqualsNothing, nil)

	got := f.run(t)
	requireRowsUnordered(t, got, [][]any{
		row(int32(1), int32(4), int32(7), int32(10), int32(4), int32(70)),
		row(int32(2), int32(5), int32(8), int32(20), int32(5), int32(80)),
		row(int32(3), int32(7), int32(9), nil, nil, nil),
		row(nil, nil, nil, int32(30), int32(6), int32(90)),
	})
}

// TestInnerJoin_CrossProductWithinGroup multiplies duplicate keys on both
// sides within one group.
func TestInnerJoin_CrossProductWithinGroup(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2}, {5, 5}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20, 30}, {5, 5, 5}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNothing, nil)

	got := f.run(t)
	if len(got) != 6 {
		t.Fatalf("expected 2x3 cross product, got %d rows: %v", len(got), got)
	}
	// Buffered rows emit in buffered order within each streamed row.
	requireRows(t, got, [][]any{
		row(int32(1), int32(5), int32(10), int32(5)),
		row(int32(1), int32(5), int32(20), int32(5)),
		row(int32(1), int32(5), int32(30), int32(5)),
		row(int32(2), int32(5), int32(10), int32(5)),
		row(int32(2), int32(5), int32(20), int32(5)),
		row(int32(2), int32(5), int32(30), int32(5)),
	})
}

// TestBufferedGroupSpansBatches extends one key group across several
// buffered batches.
func TestBufferedGroupSpansBatches(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1}, {5}}, nil)
	defer left.Release()
	right1 := int32Batch(t, rightSchema, [][]int32{{10, 20}, {5, 5}}, nil)
	defer right1.Release()
	right2 := int32Batch(t, rightSchema, [][]int32{{30, 40}, {5, 5}}, nil)
	defer right2.Release()
	right3 := int32Batch(t, rightSchema, [][]int32{{50}, {6}}, nil)
	defer right3.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema,
		[]arrow.Record{right1, right2, right3},
		on, opts, Inner, nil, NullEqualsNothing, nil)

	got := f.run(t)
	requireRows(t, got, [][]any{
		row(int32(1), int32(5), int32(10), int32(5)),
		row(int32(1), int32(5), int32(20), int32(5)),
		row(int32(1), int32(5), int32(30), int32(5)),
		row(int32(1), int32(5), int32(40), int32(5)),
	})
}

// TestEmptyLeftInput covers an empty left input: Inner, Left, LeftSemi and
// LeftAnti produce nothing, Right and Full null-join the right rows.
func TestEmptyLeftInput(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	right := int32Batch(t, rightSchema, [][]int32{{10, 20}, {4, 5}}, nil)
	defer right.Release()

	cases := []struct {
		joinType JoinType
		want     [][]any
	}{
		{Inner, nil},
		{Left, nil},
		{LeftSemi, nil},
		{LeftAnti, nil},
		{Right, [][]any{
			row(nil, nil, int32(10), int32(4)),
			row(nil, nil, int32(20), int32(5)),
		}},
		{Full, [][]any{
			row(nil, nil, int32(10), int32(4)),
			row(nil, nil, int32(20), int32(5)),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.joinType.String(), func(t *testing.T) {
			on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
			f := newJoinFixture(t, leftSchema, nil, rightSchema, []arrow.Record{right},
				on, opts, tc.joinType, nil, NullEqualsNothing, nil)
			got := f.run(t)
			requireRowsUnordered(t, got, tc.want)
		})
	}
}

// TestLeftSemiAndAnti checks one-row-per-match semantics without a filter.
func TestLeftSemiAndAnti(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 7}}, nil)
	defer left.Release()
	// Key 4 appears twice on the right: semi must still emit its left row
	// once.
	right := int32Batch(t, rightSchema, [][]int32{{10, 11, 20}, {4, 4, 5}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})

	semi := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftSemi, nil, NullEqualsNothing, nil)
	requireRows(t, semi.run(t), [][]any{
		row(int32(1), int32(4)),
		row(int32(2), int32(5)),
	})

	anti := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftAnti, nil, NullEqualsNothing, nil)
	requireRows(t, anti.run(t), [][]any{
		row(int32(3), int32(7)),
	})
}

// TestLeftMarkJoin appends a match-existence column without buffered
// columns.
func TestLeftMarkJoin(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 7}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 11, 20}, {4, 4, 5}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftMark, nil, NullEqualsNothing, nil)

	got := f.run(t)
	requireRows(t, got, [][]any{
		row(int32(1), int32(4), true),
		row(int32(2), int32(5), true),
		row(int32(3), int32(7), false),
	})
}

// TestLeftJoin_FilterRejectsAllPairs reintroduces the streamed row as
// null-joined when every tentative pair fails the residual predicate.
func TestLeftJoin_FilterRejectsAllPairs(t *testing.T) {
	leftSchema := int32Schema("a1", "b1", "c1")
	rightSchema := int32Schema("a2", "b2", "c2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2}, {4, 5}, {100, 7}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20}, {4, 5}, {70, 80}}, nil)
	defer right.Release()

	// c2 > c1 fails for the first left row (70 > 100) and holds for the
	// second (80 > 7).
	filter := NewFilter(
		expr.NewBinaryExpr(expr.NewColumn("c2", 1), expr.OpGt, expr.NewColumn("c1", 0)),
		[]ColumnIndex{{Index: 2, Side: SideLeft}, {Index: 2, Side: SideRight}},
		int32Schema("c1", "c2"),
	)

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})

	leftJoin := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Left, filter, NullEqualsNothing, nil)
	// Row (1,4,100): 70 > 100 fails, so it null-joins. Row (2,5,7): 80 > 7
	// passes.
	requireRowsUnordered(t, leftJoin.run(t), [][]any{
		row(int32(1), int32(4), int32(100), nil, nil, nil),
		row(int32(2), int32(5), int32(7), int32(20), int32(5), int32(80)),
	})

	inner := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, filter, NullEqualsNothing, nil)
	requireRows(t, inner.run(t), [][]any{
		row(int32(2), int32(5), int32(7), int32(20), int32(5), int32(80)),
	})

	semi := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftSemi, filter, NullEqualsNothing, nil)
	requireRows(t, semi.run(t), [][]any{
		row(int32(2), int32(5), int32(7)),
	})

	anti := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftAnti, filter, NullEqualsNothing, nil)
	requireRows(t, anti.run(t), [][]any{
		row(int32(1), int32(4), int32(100)),
	})
}

// TestNullEqualityPolicies verifies null-key matching under both policies.
func TestNullEqualityPolicies(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	// Sorted nulls-first: the null-key row leads.
	left := int32Batch(t, leftSchema,
		[][]int32{{1, 2}, {0, 5}}, [][]bool{{true, true}, {false, true}})
	defer left.Release()
	right := int32Batch(t, rightSchema,
		[][]int32{{10, 20}, {0, 5}}, [][]bool{{true, true}, {false, true}})
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})

	nothing := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNothing, nil)
	requireRows(t, nothing.run(t), [][]any{
		row(int32(2), int32(5), int32(20), int32(5)),
	})

	equals := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNull, nil)
	requireRowsUnordered(t, equals.run(t), [][]any{
		row(int32(1), nil, int32(10), nil),
		row(int32(2), int32(5), int32(20), int32(5)),
	})
}

// TestSmallBatchSize drives multi-batch output shaping.
func TestSmallBatchSize(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	var leftA, leftB []int32
	for i := int32(0); i < 20; i++ {
		leftA = append(leftA, i)
		leftB = append(leftB, i)
	}
	left := int32Batch(t, leftSchema, [][]int32{leftA, leftB}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{leftA, leftB}, nil)
	defer right.Release()

	session := config.DefaultSession()
	session.Execution.BatchSize = 3

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNothing, session)

	got := f.run(t)
	if len(got) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(got))
	}
	for i, r := range got {
		if r[0] != any(int32(i)) {
			t.Fatalf("output order broken at %d: %v", i, r)
		}
	}

	snapshot := f.exec.Metrics().Snapshot()
	if snapshot.OutputRows != 20 {
		t.Errorf("expected output_rows 20, got %d", snapshot.OutputRows)
	}
	if snapshot.InputRows != 40 {
		t.Errorf("expected input_rows 40, got %d", snapshot.InputRows)
	}
	if snapshot.OutputBatches < 2 {
		t.Errorf("expected multiple output batches with batch_size 3, got %d", snapshot.OutputBatches)
	}
}

// TestPlanValidation exercises the construction error paths.
func TestPlanValidation(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	leftScan := plan.NewMemoryScanExec(leftSchema, [][]arrow.Record{nil})
	rightScan := plan.NewMemoryScanExec(rightSchema, [][]arrow.Record{nil})

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})

	if _, err := NewSortMergeJoinExec(leftScan, rightScan, nil, nil, Inner, nil, NullEqualsNothing); err == nil {
		t.Error("expected error for empty join keys")
	}
	if _, err := NewSortMergeJoinExec(leftScan, rightScan, on, nil, Inner, nil, NullEqualsNothing); err == nil {
		t.Error("expected error for sort option arity mismatch")
	}

	stringSchema := arrow.NewSchema([]arrow.Field{
		{Name: "a2", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "b2", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	stringScan := plan.NewMemoryScanExec(stringSchema, [][]arrow.Record{nil})
	if _, err := NewSortMergeJoinExec(leftScan, stringScan, on, nil, Inner, opts, NullEqualsNothing); err == nil {
		t.Error("expected error for key type mismatch")
	}

	// Partition-count mismatch surfaces at execute time.
	twoPartScan := plan.NewMemoryScanExec(rightSchema, [][]arrow.Record{nil, nil})
	smj, err := NewSortMergeJoinExec(leftScan, twoPartScan, on, nil, Inner, opts, NullEqualsNothing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := smj.Execute(context.Background(), 0, plan.NewTaskContext(nil)); err == nil {
		t.Error("expected error for partition count mismatch")
	}
}

// TestSwapInputs swaps sides for a semi join and keeps its output identical.
func TestSwapInputs(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	left := int32Batch(t, leftSchema, [][]int32{{1, 2, 3}, {4, 5, 7}}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{{10, 20}, {4, 5}}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, LeftSemi, nil, NullEqualsNothing, nil)

	swapped, err := f.exec.SwapInputs()
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if swapped.JoinType() != RightSemi {
		t.Fatalf("expected RightSemi after swap, got %s", swapped.JoinType())
	}

	want := [][]any{
		row(int32(1), int32(4)),
		row(int32(2), int32(5)),
	}
	requireRows(t, f.run(t), want)

	swappedFixture := &joinFixture{session: f.session, tc: plan.NewTaskContext(f.session), exec: swapped}
	requireRows(t, swappedFixture.run(t), want)
}

// TestStreamClose_ReleasesReservation drops the output stream mid-join and
// expects the pool to drain.
func TestStreamClose_ReleasesReservation(t *testing.T) {
	leftSchema := int32Schema("a1", "b1")
	rightSchema := int32Schema("a2", "b2")
	var ids, keys []int32
	for i := int32(0); i < 100; i++ {
		ids = append(ids, i)
		keys = append(keys, i/2)
	}
	left := int32Batch(t, leftSchema, [][]int32{ids, keys}, nil)
	defer left.Release()
	right := int32Batch(t, rightSchema, [][]int32{ids, keys}, nil)
	defer right.Release()

	on, opts := columnKeys([2]*expr.Column{expr.NewColumn("b1", 1), expr.NewColumn("b2", 1)})
	f := newJoinFixture(t, leftSchema, []arrow.Record{left}, rightSchema, []arrow.Record{right},
		on, opts, Inner, nil, NullEqualsNothing, nil)

	ctx := context.Background()
	stream, err := f.exec.Execute(ctx, 0, f.tc)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	batch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if batch != nil {
		batch.Release()
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if reserved := f.tc.Pool.Reserved(); reserved != 0 {
		t.Errorf("expected reservation released on close, still holding %d bytes", reserved)
	}
}
