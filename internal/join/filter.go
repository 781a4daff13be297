package join

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// ColumnIndex locates one filter input column in the original join inputs.
type ColumnIndex struct {
	// Index is the column position within the side's schema.
	Index int

	// Side is the input the column comes from.
	Side JoinSide
}

// Filter is a residual predicate applied to joined pairs after the equi-key
// match. The predicate evaluates against an intermediate batch holding only
// the columns it references, described by Schema and ColumnIndices.
type Filter struct {
	// Expression is the predicate over the intermediate schema.
	Expression expr.PhysicalExpr

	// ColumnIndices projects join-input columns into the intermediate batch,
	// in intermediate-schema order.
	ColumnIndices []ColumnIndex

	// Schema is the intermediate filter schema.
	Schema *arrow.Schema
}

// NewFilter creates a residual filter.
func NewFilter(expression expr.PhysicalExpr, columnIndices []ColumnIndex, schema *arrow.Schema) *Filter {
	return &Filter{Expression: expression, ColumnIndices: columnIndices, Schema: schema}
}

// Swap returns the filter with left and right column sides exchanged, for use
// when the join inputs are swapped.
func (f *Filter) Swap() *Filter {
	indices := make([]ColumnIndex, len(f.ColumnIndices))
	for i, ci := range f.ColumnIndices {
		side := SideLeft
		if ci.Side == SideLeft {
			side = SideRight
		}
		indices[i] = ColumnIndex{Index: ci.Index, Side: side}
	}
	return &Filter{Expression: f.Expression, ColumnIndices: indices, Schema: f.Schema}
}

// filterColumns projects the left- and right-input columns the filter
// references, in intermediate-schema order.
func (f *Filter) filterColumns(leftInput, rightInput []arrow.Array) []arrow.Array {
	columns := make([]arrow.Array, 0, len(f.ColumnIndices))
	for _, ci := range f.ColumnIndices {
		if ci.Side == SideLeft {
			columns = append(columns, leftInput[ci.Index])
		} else {
			columns = append(columns, rightInput[ci.Index])
		}
	}
	return columns
}
