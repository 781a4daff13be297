package join

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// maskOf builds a nullable boolean array; nil entries are nulls.
func maskOf(t *testing.T, values []*bool) *array.Boolean {
	t.Helper()
	b := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range values {
		if v == nil {
			b.AppendNull()
		} else {
			b.Append(*v)
		}
	}
	return b.NewBooleanArray()
}

func indicesOf(t *testing.T, values []uint64) *array.Uint64 {
	t.Helper()
	b := array.NewUint64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(values, nil)
	return b.NewUint64Array()
}

func vTrue() *bool  { v := true; return &v }
func vFalse() *bool { v := false; return &v }

func requireMask(t *testing.T, got *array.Boolean, want []*bool) {
	t.Helper()
	if got.Len() != len(want) {
		t.Fatalf("expected mask length %d, got %d", len(want), got.Len())
	}
	for i, w := range want {
		switch {
		case w == nil:
			if !got.IsNull(i) {
				t.Errorf("position %d: expected null, got %v", i, got.Value(i))
			}
		case got.IsNull(i):
			t.Errorf("position %d: expected %v, got null", i, *w)
		case got.Value(i) != *w:
			t.Errorf("position %d: expected %v, got %v", i, *w, got.Value(i))
		}
	}
}

// TestCorrectedMask_LeftLastPairSurvives: three tentative pairs for one
// streamed row with raw mask [false,false,true] correct to [null,null,true],
// then pad with false for trailing null-joined rows.
func TestCorrectedMask_LeftLastPairSurvives(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 0})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vFalse(), vFalse(), vTrue()})
	defer raw.Release()

	got := correctedFilterMask(Left, rowIndices, []int{0, 0, 0}, raw, 5, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{nil, nil, vTrue(), vFalse(), vFalse()})
}

// TestCorrectedMask_LeftKeepsAllTrues: every passing pair survives for
// outer joins; a failing group only contributes its last entry as a
// null-join marker.
func TestCorrectedMask_LeftKeepsAllTrues(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 1, 1})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vTrue(), vTrue(), vFalse(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(Left, rowIndices, []int{0, 0, 0, 0}, raw, 4, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{vTrue(), vTrue(), nil, vFalse()})
}

// TestCorrectedMask_BatchBoundary: identical row indices in different
// batches are independent groups.
func TestCorrectedMask_BatchBoundary(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vFalse(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(Left, rowIndices, []int{1, 2}, raw, 2, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{vFalse(), vFalse()})
}

// TestCorrectedMask_Semi: first true per group survives, everything else
// drops; no padding.
func TestCorrectedMask_Semi(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 0, 1, 1})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vFalse(), vTrue(), vTrue(), vFalse(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(LeftSemi, rowIndices, []int{0, 0, 0, 0, 0}, raw, 5, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{nil, vTrue(), nil, nil, nil})
}

// TestCorrectedMask_Anti: a group with any true drops entirely; a group with
// none survives on its last entry; padding is true.
func TestCorrectedMask_Anti(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 1, 1})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vFalse(), vTrue(), vFalse(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(LeftAnti, rowIndices, []int{0, 0, 0, 0}, raw, 6, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{nil, nil, nil, vTrue(), vTrue(), vTrue()})
}

// TestCorrectedMask_Mark: at most one true per group; false only on the last
// unmatched entry; padding false.
func TestCorrectedMask_Mark(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 1})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vTrue(), vTrue(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(LeftMark, rowIndices, []int{0, 0, 0}, raw, 4, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{vTrue(), nil, vFalse(), vFalse()})
}

// TestCorrectedMask_FullKeepsOneRepresentative: a group with a true keeps
// the true and drops the earlier false entries.
func TestCorrectedMask_FullKeepsOneRepresentative(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 0, 1})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vFalse(), vFalse(), vTrue(), vFalse()})
	defer raw.Release()

	got := correctedFilterMask(Full, rowIndices, []int{0, 0, 0, 0}, raw, 4, memory.DefaultAllocator)
	defer got.Release()
	requireMask(t, got, []*bool{nil, nil, vTrue(), vFalse()})
}

// TestCorrectedMask_InnerUsesRawMask: inner joins get no correction.
func TestCorrectedMask_InnerUsesRawMask(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0})
	defer rowIndices.Release()
	raw := maskOf(t, []*bool{vTrue()})
	defer raw.Release()

	if got := correctedFilterMask(Inner, rowIndices, []int{0}, raw, 1, memory.DefaultAllocator); got != nil {
		got.Release()
		t.Fatal("expected nil corrected mask for inner join")
	}
}

// TestLastIndexForRow covers the three group-break conditions.
func TestLastIndexForRow(t *testing.T) {
	rowIndices := indicesOf(t, []uint64{0, 0, 1, 1})
	defer rowIndices.Release()
	batchIDs := []int{0, 1, 1, 1}

	cases := []struct {
		i    int
		want bool
	}{
		{0, true},  // batch id changes
		{1, true},  // row index changes
		{2, false}, // same batch, same row follows
		{3, true},  // end of indices
	}
	for _, tc := range cases {
		if got := lastIndexForRow(tc.i, rowIndices, batchIDs, rowIndices.Len()); got != tc.want {
			t.Errorf("position %d: expected %v, got %v", tc.i, tc.want, got)
		}
	}
}
