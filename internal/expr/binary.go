package expr

import (
	"cmp"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

// Operator is a binary operator over two expressions.
type Operator int

const (
	OpEq Operator = iota
	OpNotEq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpAnd
	OpOr
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLtEq:
		return "<="
	case OpGt:
		return ">"
	case OpGtEq:
		return ">="
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	default:
		return "?"
	}
}

// BinaryExpr applies an operator to two sub-expressions. Comparisons follow
// SQL semantics: a null on either side yields a null result; AND/OR use
// three-valued logic.
type BinaryExpr struct {
	left  PhysicalExpr
	op    Operator
	right PhysicalExpr
}

// NewBinaryExpr creates a binary expression.
func NewBinaryExpr(left PhysicalExpr, op Operator, right PhysicalExpr) *BinaryExpr {
	return &BinaryExpr{left: left, op: op, right: right}
}

func (b *BinaryExpr) String() string {
	return fmt.Sprintf("%s %s %s", b.left, b.op, b.right)
}

// DataType returns boolean: all supported operators are predicates.
func (b *BinaryExpr) DataType(input *arrow.Schema) (arrow.DataType, error) {
	return arrow.FixedWidthTypes.Boolean, nil
}

// Evaluate computes the predicate over one batch.
func (b *BinaryExpr) Evaluate(batch arrow.Record) (arrow.Array, error) {
	left, err := b.left.Evaluate(batch)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := b.right.Evaluate(batch)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	if b.op == OpAnd || b.op == OpOr {
		return evalLogical(b.op, left, right)
	}
	return evalComparison(b.op, left, right)
}

// evalLogical combines two boolean arrays with Kleene AND/OR.
func evalLogical(op Operator, left, right arrow.Array) (arrow.Array, error) {
	lb, ok := left.(*array.Boolean)
	if !ok {
		return nil, errors.NewPlan("%s requires boolean operands, got %s", op, left.DataType())
	}
	rb, ok := right.(*array.Boolean)
	if !ok {
		return nil, errors.NewPlan("%s requires boolean operands, got %s", op, right.DataType())
	}

	out := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer out.Release()
	for i := 0; i < lb.Len(); i++ {
		lv, lnull := lb.Value(i), lb.IsNull(i)
		rv, rnull := rb.Value(i), rb.IsNull(i)
		switch op {
		case OpAnd:
			switch {
			case !lnull && !lv, !rnull && !rv:
				out.Append(false)
			case lnull || rnull:
				out.AppendNull()
			default:
				out.Append(true)
			}
		case OpOr:
			switch {
			case !lnull && lv, !rnull && rv:
				out.Append(true)
			case lnull || rnull:
				out.AppendNull()
			default:
				out.Append(false)
			}
		}
	}
	return out.NewArray(), nil
}

// evalComparison compares two arrays element-wise.
func evalComparison(op Operator, left, right arrow.Array) (arrow.Array, error) {
	compare, err := comparisonFunc(left.DataType(), right.DataType())
	if err != nil {
		return nil, err
	}

	out := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer out.Release()
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) || right.IsNull(i) {
			out.AppendNull()
			continue
		}
		c := compare(left, i, right, i)
		switch op {
		case OpEq:
			out.Append(c == 0)
		case OpNotEq:
			out.Append(c != 0)
		case OpLt:
			out.Append(c < 0)
		case OpLtEq:
			out.Append(c <= 0)
		case OpGt:
			out.Append(c > 0)
		case OpGtEq:
			out.Append(c >= 0)
		}
	}
	return out.NewArray(), nil
}

// compareValuesFunc compares non-null values at the given positions.
type compareValuesFunc func(l arrow.Array, li int, r arrow.Array, ri int) int

// comparisonFunc resolves a value comparator for an operand type pair.
// Numeric operands of different widths are compared through float64, which
// is how literals (always int64/float64) meet narrower columns.
func comparisonFunc(lt, rt arrow.DataType) (compareValuesFunc, error) {
	if arrow.TypeEqual(lt, rt) {
		if fn := sameTypeCompare(lt); fn != nil {
			return fn, nil
		}
	}
	lf, lok := numericAccessor(lt)
	rf, rok := numericAccessor(rt)
	if lok && rok {
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			return cmp.Compare(lf(l, li), rf(r, ri))
		}, nil
	}
	return nil, errors.NewNotImplemented(fmt.Sprintf("comparison between %s and %s", lt, rt))
}

func sameTypeCompare(dt arrow.DataType) compareValuesFunc {
	switch dt.ID() {
	case arrow.STRING:
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			return cmp.Compare(l.(*array.String).Value(li), r.(*array.String).Value(ri))
		}
	case arrow.LARGE_STRING:
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			return cmp.Compare(l.(*array.LargeString).Value(li), r.(*array.LargeString).Value(ri))
		}
	case arrow.BOOL:
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			return boolCompare(l.(*array.Boolean).Value(li), r.(*array.Boolean).Value(ri))
		}
	default:
		return nil
	}
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

// numericAccessor widens a numeric value to float64 for cross-width
// comparison.
func numericAccessor(dt arrow.DataType) (func(arrow.Array, int) float64, bool) {
	switch dt.ID() {
	case arrow.INT8:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Int8).Value(i)) }, true
	case arrow.INT16:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Int16).Value(i)) }, true
	case arrow.INT32:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Int32).Value(i)) }, true
	case arrow.INT64:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Int64).Value(i)) }, true
	case arrow.UINT8:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Uint8).Value(i)) }, true
	case arrow.UINT16:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Uint16).Value(i)) }, true
	case arrow.UINT32:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Uint32).Value(i)) }, true
	case arrow.UINT64:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Uint64).Value(i)) }, true
	case arrow.FLOAT32:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Float32).Value(i)) }, true
	case arrow.FLOAT64:
		return func(a arrow.Array, i int) float64 { return a.(*array.Float64).Value(i) }, true
	case arrow.DATE32:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Date32).Value(i)) }, true
	case arrow.DATE64:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Date64).Value(i)) }, true
	case arrow.TIMESTAMP:
		return func(a arrow.Array, i int) float64 { return float64(a.(*array.Timestamp).Value(i)) }, true
	default:
		return nil, false
	}
}
