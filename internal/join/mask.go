package join

import (
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// lastIndexForRow reports whether position i is the last tentative pair for
// its streamed row: the next position belongs to another batch, another row
// index, or there is no next position.
func lastIndexForRow(i int, rowIndices *array.Uint64, batchIDs []int, length int) bool {
	return i == length-1 ||
		batchIDs[i] != batchIDs[i+1] ||
		rowIndices.Value(i) != rowIndices.Value(i+1)
}

// correctedFilterMask turns the raw residual-filter mask into the final
// three-valued selection for the join type:
//
//	true  - keep the row as-is
//	false - keep the row but null-join its buffered side
//	null  - drop the row
//
// Rows are grouped by (batch id, streamed row index); the correction ensures
// each streamed row yields the right number of survivors for outer, semi,
// anti, and mark semantics. expectedSize pads the mask out to the staged row
// count for trailing rows that carry no filter entries. Returns nil for join
// types that use the raw mask directly.
func correctedFilterMask(joinType JoinType, rowIndices *array.Uint64, batchIDs []int, filterMask *array.Boolean, expectedSize int, mem memory.Allocator) *array.Boolean {
	length := rowIndices.Len()
	out := array.NewBooleanBuilder(mem)
	defer out.Release()
	seenTrue := false

	maskValue := func(i int) bool {
		return filterMask.IsValid(i) && filterMask.Value(i)
	}

	switch joinType {
	case Left, Right:
		for i := 0; i < length; i++ {
			lastIndex := lastIndexForRow(i, rowIndices, batchIDs, length)
			switch {
			case maskValue(i):
				seenTrue = true
				out.Append(true)
			case seenTrue || !lastIndex:
				out.AppendNull() // ignored, not sent to output
			default:
				out.Append(false) // becomes a null-joined row
			}
			if lastIndex {
				seenTrue = false
			}
		}
		// Trailing staged rows with no filter entries are pure null-joined
		// rows for records with no matching key.
		appendRepeated(out, false, expectedSize-length)
		return out.NewBooleanArray()

	case LeftMark:
		for i := 0; i < length; i++ {
			lastIndex := lastIndexForRow(i, rowIndices, batchIDs, length)
			switch {
			case maskValue(i) && !seenTrue:
				seenTrue = true
				out.Append(true)
			case seenTrue || !lastIndex:
				out.AppendNull()
			default:
				out.Append(false)
			}
			if lastIndex {
				seenTrue = false
			}
		}
		appendRepeated(out, false, expectedSize-length)
		return out.NewBooleanArray()

	case LeftSemi, RightSemi:
		for i := 0; i < length; i++ {
			lastIndex := lastIndexForRow(i, rowIndices, batchIDs, length)
			if maskValue(i) && !seenTrue {
				seenTrue = true
				out.Append(true)
			} else {
				out.AppendNull()
			}
			if lastIndex {
				seenTrue = false
			}
		}
		return out.NewBooleanArray()

	case LeftAnti, RightAnti:
		for i := 0; i < length; i++ {
			lastIndex := lastIndexForRow(i, rowIndices, batchIDs, length)
			if maskValue(i) {
				seenTrue = true
			}
			if lastIndex {
				if !seenTrue {
					out.Append(true)
				} else {
					out.AppendNull()
				}
				seenTrue = false
			} else {
				out.AppendNull()
			}
		}
		// Unmatched streamed rows are anti-join hits.
		appendRepeated(out, true, expectedSize-length)
		return out.NewBooleanArray()

	case Full:
		mask := make([]*bool, length)
		lastTrueIdx := 0
		firstRowIdx := 0
		seenFalse := false
		for i := 0; i < length; i++ {
			lastIndex := lastIndexForRow(i, rowIndices, batchIDs, length)
			val := filterMask.IsValid(i) && filterMask.Value(i)
			isNull := filterMask.IsNull(i)

			if val {
				if !seenTrue {
					lastTrueIdx = i
				}
				seenTrue = true
			}

			switch {
			case isNull || val:
				mask[i] = boolPtr(true)
			case seenTrue || seenFalse:
				mask[i] = nil
			default:
				mask[i] = boolPtr(false)
			}

			if !isNull && !val {
				seenFalse = true
			}

			if lastIndex {
				// A row with a passing entry keeps every passing entry;
				// its entries before the first passing one are dropped.
				if seenTrue {
					for j := firstRowIdx; j < lastTrueIdx; j++ {
						mask[j] = nil
					}
				}
				seenTrue = false
				seenFalse = false
				lastTrueIdx = 0
				firstRowIdx = i + 1
			}
		}
		for _, v := range mask {
			if v == nil {
				out.AppendNull()
			} else {
				out.Append(*v)
			}
		}
		return out.NewBooleanArray()

	default:
		// Inner joins use the raw mask directly.
		return nil
	}
}

func appendRepeated(b *array.BooleanBuilder, v bool, n int) {
	for i := 0; i < n; i++ {
		b.Append(v)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

// notMask complements a three-valued mask, preserving nulls.
func notMask(mask *array.Boolean, mem memory.Allocator) *array.Boolean {
	out := array.NewBooleanBuilder(mem)
	defer out.Release()
	for i := 0; i < mask.Len(); i++ {
		if mask.IsNull(i) {
			out.AppendNull()
		} else {
			out.Append(!mask.Value(i))
		}
	}
	return out.NewBooleanArray()
}

// nullToFalse collapses a nullable boolean mask to a non-null mask, treating
// null as false.
func nullToFalse(mask *array.Boolean, mem memory.Allocator) *array.Boolean {
	if mask.NullN() == 0 {
		mask.Retain()
		return mask
	}
	out := array.NewBooleanBuilder(mem)
	defer out.Release()
	for i := 0; i < mask.Len(); i++ {
		out.Append(mask.IsValid(i) && mask.Value(i))
	}
	return out.NewBooleanArray()
}

// falseCount counts non-null false entries.
func falseCount(mask *array.Boolean) int {
	n := 0
	for i := 0; i < mask.Len(); i++ {
		if mask.IsValid(i) && !mask.Value(i) {
			n++
		}
	}
	return n
}
