// Package join implements the streaming sort-merge equi-join operator over
// Arrow record batches.
package join

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// JoinType selects the join mode.
type JoinType int

const (
	Inner JoinType = iota
	Left
	Right
	Full
	LeftSemi
	RightSemi
	LeftAnti
	RightAnti
	LeftMark
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "Inner"
	case Left:
		return "Left"
	case Right:
		return "Right"
	case Full:
		return "Full"
	case LeftSemi:
		return "LeftSemi"
	case RightSemi:
		return "RightSemi"
	case LeftAnti:
		return "LeftAnti"
	case RightAnti:
		return "RightAnti"
	case LeftMark:
		return "LeftMark"
	default:
		return "Unknown"
	}
}

// ParseJoinType maps a name to a JoinType.
func ParseJoinType(s string) (JoinType, bool) {
	for t := Inner; t <= LeftMark; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return Inner, false
}

// Swap returns the join type with left and right roles exchanged.
func (t JoinType) Swap() JoinType {
	switch t {
	case Left:
		return Right
	case Right:
		return Left
	case LeftSemi:
		return RightSemi
	case RightSemi:
		return LeftSemi
	case LeftAnti:
		return RightAnti
	case RightAnti:
		return LeftAnti
	default:
		return t
	}
}

// JoinSide identifies which input a column belongs to.
type JoinSide int

const (
	SideLeft JoinSide = iota
	SideRight
)

func (s JoinSide) String() string {
	if s == SideRight {
		return "right"
	}
	return "left"
}

// markFieldName is the boolean column appended by mark joins.
const markFieldName = "mark"

// probeSide returns the input whose sort order the operator preserves; it
// advances row by row while the other side buffers equal-key runs.
func probeSide(joinType JoinType) JoinSide {
	switch joinType {
	case Right, RightSemi, RightAnti:
		return SideRight
	default:
		return SideLeft
	}
}

// preservesStreamedUnmatched reports whether unmatched streamed rows appear
// in the output.
func preservesStreamedUnmatched(joinType JoinType) bool {
	switch joinType {
	case Left, Right, Full, LeftAnti, RightAnti, LeftMark:
		return true
	default:
		return false
	}
}

// usesCorrectedMask reports whether a residual filter requires per-group mask
// correction for the join type.
func usesCorrectedMask(joinType JoinType) bool {
	return joinType != Inner
}

// buildJoinSchema derives the output schema. Left columns come first for all
// types that expose both sides; semi and anti joins expose one side only;
// mark joins append a non-nullable boolean mark column. Fields of a side that
// can be null-joined are made nullable.
func buildJoinSchema(left, right *arrow.Schema, joinType JoinType) *arrow.Schema {
	switch joinType {
	case LeftSemi, LeftAnti:
		return arrow.NewSchema(left.Fields(), nil)
	case RightSemi, RightAnti:
		return arrow.NewSchema(right.Fields(), nil)
	case LeftMark:
		fields := make([]arrow.Field, 0, len(left.Fields())+1)
		fields = append(fields, left.Fields()...)
		fields = append(fields, arrow.Field{Name: markFieldName, Type: arrow.FixedWidthTypes.Boolean})
		return arrow.NewSchema(fields, nil)
	default:
		fields := make([]arrow.Field, 0, len(left.Fields())+len(right.Fields()))
		for _, f := range left.Fields() {
			if joinType == Right || joinType == Full {
				f.Nullable = true
			}
			fields = append(fields, f)
		}
		for _, f := range right.Fields() {
			if joinType == Left || joinType == Full {
				f.Nullable = true
			}
			fields = append(fields, f)
		}
		return arrow.NewSchema(fields, nil)
	}
}
