// Package sqlexpr converts SQL expression text into physical expressions.
// It exists for the CLI and for convenience constructors: plans built
// programmatically pass expressions directly.
package sqlexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/xwb1989/sqlparser"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/join"
)

// ParseExpr parses a SQL boolean expression against one schema.
func ParseExpr(s string, schema *arrow.Schema) (expr.PhysicalExpr, error) {
	node, err := parseWhere(s)
	if err != nil {
		return nil, err
	}
	resolve := func(name string) (int, bool) {
		if idxs := schema.FieldIndices(name); len(idxs) > 0 {
			return idxs[0], true
		}
		return 0, false
	}
	converted, err := convert(node, resolve)
	if err != nil {
		return nil, err
	}
	return converted.expr, nil
}

// ParseJoinOn parses a comma-separated list of equality pairs such as
// "a1 = a2, b1 = b2". The left side of each equality resolves against the
// left schema, the right side against the right schema.
func ParseJoinOn(s string, left, right *arrow.Schema) ([]expr.PhysicalExpr, []expr.PhysicalExpr, error) {
	var leftExprs, rightExprs []expr.PhysicalExpr
	for _, pair := range strings.Split(s, ",") {
		node, err := parseWhere(pair)
		if err != nil {
			return nil, nil, err
		}
		cmp, ok := node.(*sqlparser.ComparisonExpr)
		if !ok || cmp.Operator != sqlparser.EqualStr {
			return nil, nil, errors.NewPlan("join key %q is not an equality", strings.TrimSpace(pair))
		}
		leftCol, err := resolveColumn(cmp.Left, left)
		if err != nil {
			return nil, nil, err
		}
		rightCol, err := resolveColumn(cmp.Right, right)
		if err != nil {
			return nil, nil, err
		}
		leftExprs = append(leftExprs, leftCol)
		rightExprs = append(rightExprs, rightCol)
	}
	return leftExprs, rightExprs, nil
}

// ParseFilter parses a residual predicate referencing columns of both join
// inputs. Columns resolve against the left schema first, then the right. The
// result carries the intermediate filter schema and the (side, index)
// projection the join operator needs.
func ParseFilter(s string, left, right *arrow.Schema) (*join.Filter, error) {
	node, err := parseWhere(s)
	if err != nil {
		return nil, err
	}

	b := &filterBuilder{left: left, right: right}
	converted, err := convert(node, b.resolve)
	if err != nil {
		return nil, err
	}
	schema := arrow.NewSchema(b.fields, nil)
	return join.NewFilter(converted.expr, b.indices, schema), nil
}

// filterBuilder assigns each referenced column a slot in the intermediate
// filter schema, in first-appearance order.
type filterBuilder struct {
	left    *arrow.Schema
	right   *arrow.Schema
	fields  []arrow.Field
	indices []join.ColumnIndex
	seen    map[string]int
}

func (b *filterBuilder) resolve(name string) (int, bool) {
	if b.seen == nil {
		b.seen = make(map[string]int)
	}
	if slot, ok := b.seen[name]; ok {
		return slot, true
	}
	var (
		field arrow.Field
		index join.ColumnIndex
	)
	if idxs := b.left.FieldIndices(name); len(idxs) > 0 {
		field = b.left.Field(idxs[0])
		index = join.ColumnIndex{Index: idxs[0], Side: join.SideLeft}
	} else if idxs := b.right.FieldIndices(name); len(idxs) > 0 {
		field = b.right.Field(idxs[0])
		index = join.ColumnIndex{Index: idxs[0], Side: join.SideRight}
	} else {
		return 0, false
	}
	slot := len(b.fields)
	b.fields = append(b.fields, field)
	b.indices = append(b.indices, index)
	b.seen[name] = slot
	return slot, true
}

// parseWhere wraps the expression in a SELECT so the statement parser
// accepts it, then unwraps the WHERE clause.
func parseWhere(s string) (sqlparser.Expr, error) {
	stmt, err := sqlparser.Parse("select 1 from t where " + s)
	if err != nil {
		return nil, errors.NewPlan("cannot parse expression %q: %v", strings.TrimSpace(s), err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || sel.Where == nil {
		return nil, errors.NewPlan("cannot parse expression %q", strings.TrimSpace(s))
	}
	return sel.Where.Expr, nil
}

// resolver maps a column name to its slot in the evaluation schema.
type resolver func(name string) (int, bool)

type converted struct {
	expr expr.PhysicalExpr
}

func convert(node sqlparser.Expr, resolve resolver) (converted, error) {
	switch n := node.(type) {
	case *sqlparser.ParenExpr:
		return convert(n.Expr, resolve)

	case *sqlparser.AndExpr:
		left, err := convert(n.Left, resolve)
		if err != nil {
			return converted{}, err
		}
		right, err := convert(n.Right, resolve)
		if err != nil {
			return converted{}, err
		}
		return converted{expr.NewBinaryExpr(left.expr, expr.OpAnd, right.expr)}, nil

	case *sqlparser.OrExpr:
		left, err := convert(n.Left, resolve)
		if err != nil {
			return converted{}, err
		}
		right, err := convert(n.Right, resolve)
		if err != nil {
			return converted{}, err
		}
		return converted{expr.NewBinaryExpr(left.expr, expr.OpOr, right.expr)}, nil

	case *sqlparser.ComparisonExpr:
		op, err := comparisonOperator(n.Operator)
		if err != nil {
			return converted{}, err
		}
		left, err := convertOperand(n.Left, resolve)
		if err != nil {
			return converted{}, err
		}
		right, err := convertOperand(n.Right, resolve)
		if err != nil {
			return converted{}, err
		}
		return converted{expr.NewBinaryExpr(left, op, right)}, nil

	default:
		return converted{}, errors.NewNotImplemented(fmt.Sprintf("SQL construct %T", node))
	}
}

func convertOperand(node sqlparser.Expr, resolve resolver) (expr.PhysicalExpr, error) {
	switch n := node.(type) {
	case *sqlparser.ColName:
		name := n.Name.String()
		idx, ok := resolve(name)
		if !ok {
			return nil, errors.NewPlan("unknown column %q", name)
		}
		return expr.NewColumn(name, idx), nil

	case *sqlparser.SQLVal:
		switch n.Type {
		case sqlparser.IntVal:
			v, err := strconv.ParseInt(string(n.Val), 10, 64)
			if err != nil {
				return nil, errors.NewPlan("invalid integer literal %q", n.Val)
			}
			return expr.NewLiteral(v)
		case sqlparser.FloatVal:
			v, err := strconv.ParseFloat(string(n.Val), 64)
			if err != nil {
				return nil, errors.NewPlan("invalid float literal %q", n.Val)
			}
			return expr.NewLiteral(v)
		case sqlparser.StrVal:
			return expr.NewLiteral(string(n.Val))
		default:
			return nil, errors.NewNotImplemented(fmt.Sprintf("SQL literal type %d", n.Type))
		}

	case sqlparser.BoolVal:
		return expr.NewLiteral(bool(n))

	default:
		return nil, errors.NewNotImplemented(fmt.Sprintf("SQL operand %T", node))
	}
}

func resolveColumn(node sqlparser.Expr, schema *arrow.Schema) (expr.PhysicalExpr, error) {
	col, ok := node.(*sqlparser.ColName)
	if !ok {
		return nil, errors.NewPlan("join key operand must be a column, got %T", node)
	}
	name := col.Name.String()
	idxs := schema.FieldIndices(name)
	if len(idxs) == 0 {
		return nil, errors.NewPlan("unknown column %q", name)
	}
	return expr.NewColumn(name, idxs[0]), nil
}

func comparisonOperator(op string) (expr.Operator, error) {
	switch op {
	case sqlparser.EqualStr:
		return expr.OpEq, nil
	case sqlparser.NotEqualStr:
		return expr.OpNotEq, nil
	case sqlparser.LessThanStr:
		return expr.OpLt, nil
	case sqlparser.LessEqualStr:
		return expr.OpLtEq, nil
	case sqlparser.GreaterThanStr:
		return expr.OpGt, nil
	case sqlparser.GreaterEqualStr:
		return expr.OpGtEq, nil
	default:
		return 0, errors.NewNotImplemented(fmt.Sprintf("SQL operator %q", op))
	}
}
