// Package expr evaluates SQL scalar expressions against Arrow records.
// Expressions are parsed once with TiDB's SQL parser and evaluated per record
// with Arrow compute kernels.
package expr

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// The parser is not safe for concurrent use.
var (
	parserMu sync.Mutex
	sqlParser = parser.New()
)

// Expr is a parsed expression.
type Expr struct {
	sql  string
	node ast.ExprNode
}

// Compile parses a standalone SQL expression.
func Compile(sql string) (*Expr, error) {
	parserMu.Lock()
	stmt, err := sqlParser.ParseOneStmt("SELECT "+sql, "", "")
	parserMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return nil, fmt.Errorf("parse expression %q: expected a single expression", sql)
	}
	return &Expr{sql: sql, node: sel.Fields.Fields[0].Expr}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(sql string) *Expr {
	e, err := Compile(sql)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string { return e.sql }

// Eval evaluates the expression over rec. The caller must Release the result.
func (e *Expr) Eval(ctx context.Context, alloc memory.Allocator, rec arrow.Record) (arrow.Array, error) {
	ev := evaluator{ctx: ctx, alloc: alloc, rec: rec}
	return ev.eval(e.node)
}

// EvalBool evaluates the expression and requires a boolean result.
func (e *Expr) EvalBool(ctx context.Context, alloc memory.Allocator, rec arrow.Record) (*array.Boolean, error) {
	res, err := e.Eval(ctx, alloc, rec)
	if err != nil {
		return nil, err
	}
	b, ok := res.(*array.Boolean)
	if !ok {
		res.Release()
		return nil, fmt.Errorf("expression %q is %s, not boolean", e.sql, res.DataType())
	}
	return b, nil
}

type evaluator struct {
	ctx   context.Context
	alloc memory.Allocator
	rec   arrow.Record
}

func (ev *evaluator) eval(node ast.ExprNode) (arrow.Array, error) {
	switch n := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.column(n.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(n)
	case *ast.ParenthesesExpr:
		return ev.eval(n.Expr)
	case *ast.BinaryOperationExpr:
		return ev.binary(n)
	case *ast.UnaryOperationExpr:
		return ev.unary(n)
	case *ast.IsNullExpr:
		return ev.isNull(n)
	case *ast.FuncCallExpr:
		return ev.call(n)
	default:
		return nil, fmt.Errorf("unsupported expression %T", node)
	}
}

func (ev *evaluator) column(name string) (arrow.Array, error) {
	idx := ev.rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	col := ev.rec.Column(idx[0])
	col.Retain()
	return col, nil
}

func (ev *evaluator) literal(v *test_driver.ValueExpr) (arrow.Array, error) {
	var sc scalar.Scalar
	d := v.Datum
	switch d.Kind() {
	case test_driver.KindInt64:
		sc = scalar.NewInt64Scalar(d.GetInt64())
	case test_driver.KindUint64:
		sc = scalar.NewInt64Scalar(int64(d.GetUint64()))
	case test_driver.KindFloat32:
		sc = scalar.NewFloat64Scalar(float64(d.GetFloat32()))
	case test_driver.KindFloat64:
		sc = scalar.NewFloat64Scalar(d.GetFloat64())
	case test_driver.KindMysqlDecimal:
		f, err := strconv.ParseFloat(d.GetMysqlDecimal().String(), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		sc = scalar.NewFloat64Scalar(f)
	case test_driver.KindString:
		sc = scalar.NewStringScalar(d.GetString())
	case test_driver.KindNull:
		sc = scalar.MakeNullScalar(arrow.Null)
	default:
		return nil, fmt.Errorf("unsupported literal kind %d", d.Kind())
	}
	return scalar.MakeArrayFromScalar(sc, int(ev.rec.NumRows()), ev.alloc)
}

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.GE:       "greater_equal",
	opcode.LT:       "less",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and_kleene",
	opcode.LogicOr:  "or_kleene",
}

func (ev *evaluator) binary(n *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernel, ok := binaryKernels[n.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
	l, err := ev.eval(n.L)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	r, err := ev.eval(n.R)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	cl, cr, err := coerce(ev.withAlloc(), l, r)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	out, err := compute.CallFunction(ev.withAlloc(), kernel, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernel, err)
	}
	return toArray(out)
}

func (ev *evaluator) unary(n *ast.UnaryOperationExpr) (arrow.Array, error) {
	v, err := ev.eval(n.V)
	if err != nil {
		return nil, err
	}
	defer v.Release()

	switch n.Op {
	case opcode.Not, opcode.Not2:
		b, ok := v.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("NOT requires a boolean operand, got %s", v.DataType())
		}
		return invert(ev.alloc, b), nil
	case opcode.Minus:
		out, err := compute.Negate(ev.withAlloc(), compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(v))
		if err != nil {
			return nil, fmt.Errorf("negate: %w", err)
		}
		return toArray(out)
	default:
		return nil, fmt.Errorf("unsupported unary operator %s", n.Op)
	}
}

func invert(alloc memory.Allocator, in *array.Boolean) arrow.Array {
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	b.Reserve(in.Len())
	for i := 0; i < in.Len(); i++ {
		if in.IsNull(i) {
			b.AppendNull()
			continue
		}
		b.Append(!in.Value(i))
	}
	return b.NewArray()
}

func (ev *evaluator) isNull(n *ast.IsNullExpr) (arrow.Array, error) {
	v, err := ev.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	defer v.Release()

	b := array.NewBooleanBuilder(ev.alloc)
	defer b.Release()
	b.Reserve(v.Len())
	for i := 0; i < v.Len(); i++ {
		b.Append(v.IsNull(i) != n.Not)
	}
	return b.NewArray(), nil
}

func (ev *evaluator) withAlloc() context.Context {
	return compute.WithAllocator(ev.ctx, ev.alloc)
}

func toArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("unexpected datum %s", d.Kind())
	}
	return ad.MakeArray(), nil
}
