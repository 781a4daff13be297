// Package expr provides the physical expression trees evaluated against
// Arrow record batches: column references, literals, and binary operations.
package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

// PhysicalExpr evaluates to one array per input batch.
//
// Evaluate returns a new reference; the caller must Release it.
type PhysicalExpr interface {
	fmt.Stringer

	// DataType resolves the expression result type against an input schema.
	DataType(input *arrow.Schema) (arrow.DataType, error)

	// Evaluate computes the expression over one batch.
	Evaluate(batch arrow.Record) (arrow.Array, error)
}

// SortOptions describes how one key column was sorted.
type SortOptions struct {
	// Descending reverses the value order.
	Descending bool

	// NullsFirst places nulls before all values.
	NullsFirst bool
}

// SortExpr pairs an expression with its sort options.
type SortExpr struct {
	Expr    PhysicalExpr
	Options SortOptions
}

// Column is a reference to an input column by position.
type Column struct {
	name  string
	index int
}

// NewColumn creates a column reference.
func NewColumn(name string, index int) *Column {
	return &Column{name: name, index: index}
}

// Name returns the column name.
func (c *Column) Name() string { return c.name }

// Index returns the column position.
func (c *Column) Index() int { return c.index }

func (c *Column) String() string {
	return fmt.Sprintf("%s@%d", c.name, c.index)
}

// DataType resolves the column type.
func (c *Column) DataType(input *arrow.Schema) (arrow.DataType, error) {
	if c.index < 0 || c.index >= len(input.Fields()) {
		return nil, errors.NewPlan("column %s references position %d of a %d-column schema",
			c.name, c.index, len(input.Fields()))
	}
	return input.Field(c.index).Type, nil
}

// Evaluate returns the referenced column.
func (c *Column) Evaluate(batch arrow.Record) (arrow.Array, error) {
	if c.index < 0 || c.index >= int(batch.NumCols()) {
		return nil, errors.NewPlan("column %s references position %d of a %d-column batch",
			c.name, c.index, batch.NumCols())
	}
	col := batch.Column(c.index)
	col.Retain()
	return col, nil
}

// Literal is a constant value broadcast to the batch length.
type Literal struct {
	value any
	dtype arrow.DataType
}

// NewLiteral creates a literal from a Go value. Supported: int64, float64,
// string, bool.
func NewLiteral(value any) (*Literal, error) {
	var dtype arrow.DataType
	switch value.(type) {
	case int64:
		dtype = arrow.PrimitiveTypes.Int64
	case float64:
		dtype = arrow.PrimitiveTypes.Float64
	case string:
		dtype = arrow.BinaryTypes.String
	case bool:
		dtype = arrow.FixedWidthTypes.Boolean
	default:
		return nil, errors.NewNotImplemented(fmt.Sprintf("literal of type %T", value))
	}
	return &Literal{value: value, dtype: dtype}, nil
}

// Value returns the constant value.
func (l *Literal) Value() any { return l.value }

func (l *Literal) String() string {
	if s, ok := l.value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", l.value)
}

// DataType returns the literal type.
func (l *Literal) DataType(input *arrow.Schema) (arrow.DataType, error) {
	return l.dtype, nil
}

// Evaluate broadcasts the constant to the batch length.
func (l *Literal) Evaluate(batch arrow.Record) (arrow.Array, error) {
	mem := memory.DefaultAllocator
	n := int(batch.NumRows())
	switch v := l.value.(type) {
	case int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			b.Append(v)
		}
		return b.NewArray(), nil
	case float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			b.Append(v)
		}
		return b.NewArray(), nil
	case string:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			b.Append(v)
		}
		return b.NewArray(), nil
	case bool:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			b.Append(v)
		}
		return b.NewArray(), nil
	default:
		return nil, errors.NewNotImplemented(fmt.Sprintf("literal of type %T", l.value))
	}
}
