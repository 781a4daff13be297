package join

import (
	"cmp"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// NullEquality defines whether null keys match each other.
type NullEquality int

const (
	// NullEqualsNothing makes a null key unequal to everything, itself
	// included. A comparison between two nulls orders as Less, so all-null
	// key tuples never match; buffered group extension still groups them
	// through equal.
	NullEqualsNothing NullEquality = iota

	// NullEqualsNull makes two null keys compare Equal.
	NullEqualsNull
)

func (n NullEquality) String() string {
	if n == NullEqualsNull {
		return "NullEqualsNull"
	}
	return "NullEqualsNothing"
}

// compareFunc orders two non-null values at the given positions.
type compareFunc func(l arrow.Array, li int, r arrow.Array, ri int) int

// keyComparator orders rows across the two inputs' key arrays. The per-key
// value comparators are resolved once, at schema resolution, so the per-row
// path is a direct indirect call.
type keyComparator struct {
	compares     []compareFunc
	sortOptions  []expr.SortOptions
	nullEquality NullEquality
}

// newKeyComparator resolves a comparator over the given key types.
// Unsupported key types fail here, before any row is seen.
func newKeyComparator(keyTypes []arrow.DataType, sortOptions []expr.SortOptions, nullEquality NullEquality) (*keyComparator, error) {
	compares := make([]compareFunc, len(keyTypes))
	for i, dt := range keyTypes {
		fn, err := valueCompareFunc(dt)
		if err != nil {
			return nil, err
		}
		compares[i] = fn
	}
	return &keyComparator{
		compares:     compares,
		sortOptions:  sortOptions,
		nullEquality: nullEquality,
	}, nil
}

// compare orders row li of the left key arrays against row ri of the right
// key arrays, short-circuiting on the first non-equal key.
func (c *keyComparator) compare(left []arrow.Array, li int, right []arrow.Array, ri int) int {
	res := 0
	for k, fn := range c.compares {
		opts := c.sortOptions[k]
		lnull, rnull := left[k].IsNull(li), right[k].IsNull(ri)
		switch {
		case !lnull && !rnull:
			if fn == nil {
				// Null-typed key: always equal.
				continue
			}
			res = fn(left[k], li, right[k], ri)
			if opts.Descending {
				res = -res
			}
		case lnull && !rnull:
			if opts.NullsFirst {
				res = -1
			} else {
				res = 1
			}
		case !lnull && rnull:
			if opts.NullsFirst {
				res = 1
			} else {
				res = -1
			}
		default:
			if c.nullEquality == NullEqualsNull {
				res = 0
			} else {
				res = -1
			}
		}
		if res != 0 {
			return res
		}
	}
	return res
}

// equal is the fast-path equality check: value equality only, no sort
// options. A null on exactly one side is unequal; nulls on both sides are
// equal, which is what buffered group extension wants regardless of the
// join-level null policy.
func (c *keyComparator) equal(left []arrow.Array, li int, right []arrow.Array, ri int) bool {
	for k, fn := range c.compares {
		lnull, rnull := left[k].IsNull(li), right[k].IsNull(ri)
		switch {
		case lnull != rnull:
			return false
		case lnull && rnull:
			continue
		}
		if fn != nil && fn(left[k], li, right[k], ri) != 0 {
			return false
		}
	}
	return true
}

// orderedArray abstracts the typed arrow arrays whose values are ordered Go
// values.
type orderedArray[T cmp.Ordered] interface {
	arrow.Array
	Value(int) T
}

func orderedCompare[T cmp.Ordered, A orderedArray[T]](l arrow.Array, li int, r arrow.Array, ri int) int {
	return cmp.Compare(l.(A).Value(li), r.(A).Value(ri))
}

// valueCompareFunc resolves the value comparator for one key type. A nil
// function with a nil error marks the null type, which always compares
// equal.
func valueCompareFunc(dt arrow.DataType) (compareFunc, error) {
	switch dt.ID() {
	case arrow.NULL:
		return nil, nil
	case arrow.BOOL:
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			lv, rv := l.(*array.Boolean).Value(li), r.(*array.Boolean).Value(ri)
			switch {
			case lv == rv:
				return 0
			case rv:
				return -1
			default:
				return 1
			}
		}, nil
	case arrow.INT8:
		return orderedCompare[int8, *array.Int8], nil
	case arrow.INT16:
		return orderedCompare[int16, *array.Int16], nil
	case arrow.INT32:
		return orderedCompare[int32, *array.Int32], nil
	case arrow.INT64:
		return orderedCompare[int64, *array.Int64], nil
	case arrow.UINT8:
		return orderedCompare[uint8, *array.Uint8], nil
	case arrow.UINT16:
		return orderedCompare[uint16, *array.Uint16], nil
	case arrow.UINT32:
		return orderedCompare[uint32, *array.Uint32], nil
	case arrow.UINT64:
		return orderedCompare[uint64, *array.Uint64], nil
	case arrow.FLOAT32:
		return orderedCompare[float32, *array.Float32], nil
	case arrow.FLOAT64:
		return orderedCompare[float64, *array.Float64], nil
	case arrow.STRING:
		return orderedCompare[string, *array.String], nil
	case arrow.LARGE_STRING:
		return orderedCompare[string, *array.LargeString], nil
	case arrow.STRING_VIEW:
		return orderedCompare[string, *array.StringView], nil
	case arrow.DECIMAL128:
		return func(l arrow.Array, li int, r arrow.Array, ri int) int {
			lv, rv := l.(*array.Decimal128).Value(li), r.(*array.Decimal128).Value(ri)
			return decimalCompare(lv, rv)
		}, nil
	case arrow.TIMESTAMP:
		if ts, ok := dt.(*arrow.TimestampType); ok && ts.TimeZone != "" {
			return nil, errors.NewNotImplemented(
				fmt.Sprintf("sort merge join key of type %s (timezone-aware)", dt))
		}
		return orderedCompare[arrow.Timestamp, *array.Timestamp], nil
	case arrow.DATE32:
		return orderedCompare[arrow.Date32, *array.Date32], nil
	case arrow.DATE64:
		return orderedCompare[arrow.Date64, *array.Date64], nil
	default:
		return nil, errors.NewNotImplemented(
			fmt.Sprintf("sort merge join key of type %s", dt))
	}
}

func decimalCompare(a, b decimal128.Num) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
