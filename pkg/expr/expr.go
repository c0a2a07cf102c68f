// Package expr evaluates SQL scalar expressions against the columns of an
// Arrow record. It parses with TiDB's SQL parser, dispatches arithmetic
// and comparisons to Arrow compute kernels, and implements the
// transcendental functions common in instrument-data work (sin, atan2,
// radians, ...) directly. It exists so derived columns can be attached to
// an instrument as one-line expressions instead of hand-written closures.
package expr

import (
	"context"
	"fmt"
	"math"
	"strings"

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

// Evaluator evaluates SQL scalar expressions against Arrow records.
type Evaluator struct {
	alloc  memory.Allocator
	parser *parser.Parser
}

// NewEvaluator creates an evaluator that allocates results from alloc.
func NewEvaluator(alloc memory.Allocator) *Evaluator {
	return &Evaluator{alloc: alloc, parser: parser.New()}
}

// Eval parses and evaluates an expression against a record, returning one
// array with one value per input row. The caller must Release the result.
func (ev *Evaluator) Eval(ctx context.Context, rec arrow.Record, exprSQL string) (arrow.Array, error) {
	node, err := ev.parse(exprSQL)
	if err != nil {
		return nil, err
	}
	return ev.eval(ctx, rec, node)
}

// EvalBool evaluates an expression expected to produce a boolean array.
func (ev *Evaluator) EvalBool(ctx context.Context, rec arrow.Record, exprSQL string) (*array.Boolean, error) {
	out, err := ev.Eval(ctx, rec, exprSQL)
	if err != nil {
		return nil, err
	}
	b, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("expr: %q did not produce a boolean result, got %s", exprSQL, out.DataType())
	}
	return b, nil
}

// parse wraps the expression in a SELECT so the statement parser accepts it.
func (ev *Evaluator) parse(exprSQL string) (ast.ExprNode, error) {
	stmt, err := ev.parser.ParseOneStmt("SELECT "+exprSQL, "", "")
	if err != nil {
		return nil, fmt.Errorf("expr: parse %q: %w", exprSQL, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || len(sel.Fields.Fields) == 0 {
		return nil, fmt.Errorf("expr: parse %q: not a scalar expression", exprSQL)
	}
	return sel.Fields.Fields[0].Expr, nil
}

func (ev *Evaluator) eval(ctx context.Context, rec arrow.Record, node ast.ExprNode) (arrow.Array, error) {
	switch e := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.columnRef(rec, e.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(rec, e)
	case *ast.ParenthesesExpr:
		return ev.eval(ctx, rec, e.Expr)
	case *ast.BinaryOperationExpr:
		return ev.binaryOp(ctx, rec, e)
	case *ast.UnaryOperationExpr:
		return ev.unaryOp(ctx, rec, e)
	case *ast.IsNullExpr:
		return ev.isNull(ctx, rec, e)
	case *ast.FuncCallExpr:
		return ev.funcCall(ctx, rec, e)
	default:
		return nil, fmt.Errorf("expr: unsupported expression type %T", node)
	}
}

func (ev *Evaluator) columnRef(rec arrow.Record, name string) (arrow.Array, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("expr: column %q not found", name)
	}
	col := rec.Column(indices[0])
	col.Retain()
	return col, nil
}

func (ev *Evaluator) literal(rec arrow.Record, val *test_driver.ValueExpr) (arrow.Array, error) {
	n := int(rec.NumRows())
	d := val.Datum
	switch d.Kind() {
	case test_driver.KindInt64:
		return constArray(ev.alloc, scalar.NewInt64Scalar(d.GetInt64()), n)
	case test_driver.KindUint64:
		return constArray(ev.alloc, scalar.NewInt64Scalar(int64(d.GetUint64())), n)
	case test_driver.KindFloat64:
		return constArray(ev.alloc, scalar.NewFloat64Scalar(d.GetFloat64()), n)
	case test_driver.KindFloat32:
		return constArray(ev.alloc, scalar.NewFloat64Scalar(float64(d.GetFloat32())), n)
	case test_driver.KindString:
		return constArray(ev.alloc, scalar.NewStringScalar(d.GetString()), n)
	case test_driver.KindNull:
		bldr := array.NewFloat64Builder(ev.alloc)
		defer bldr.Release()
		for i := 0; i < n; i++ {
			bldr.AppendNull()
		}
		return bldr.NewArray(), nil
	default:
		return nil, fmt.Errorf("expr: unsupported literal kind %v", d.Kind())
	}
}

func constArray(alloc memory.Allocator, sc scalar.Scalar, n int) (arrow.Array, error) {
	arr, err := scalar.MakeArrayFromScalar(sc, n, alloc)
	if err != nil {
		return nil, fmt.Errorf("expr: constant array: %w", err)
	}
	return arr, nil
}

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

func (ev *Evaluator) binaryOp(ctx context.Context, rec arrow.Record, e *ast.BinaryOperationExpr) (arrow.Array, error) {
	if e.Op == opcode.Mod {
		return ev.mathBinary(ctx, rec, "mod", e.L, e.R, math.Mod)
	}

	kernel, ok := binaryKernels[e.Op]
	if !ok {
		return nil, fmt.Errorf("expr: unsupported binary operator %v", e.Op)
	}

	left, err := ev.eval(ctx, rec, e.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := ev.eval(ctx, rec, e.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	cl, cr, err := coerceNumeric(ev.alloc, left, right)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	out, err := compute.CallFunction(ctx, kernel, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("expr: %s: %w", kernel, err)
	}
	return datumArray(out)
}

func (ev *Evaluator) unaryOp(ctx context.Context, rec arrow.Record, e *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, rec, e.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	switch e.Op {
	case opcode.Not, opcode.Not2:
		b, ok := inner.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("expr: NOT requires boolean input, got %s", inner.DataType())
		}
		bldr := array.NewBooleanBuilder(ev.alloc)
		defer bldr.Release()
		for i := 0; i < b.Len(); i++ {
			if b.IsNull(i) {
				bldr.AppendNull()
			} else {
				bldr.Append(!b.Value(i))
			}
		}
		return bldr.NewArray(), nil
	case opcode.Minus:
		out, err := compute.Negate(ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, fmt.Errorf("expr: negate: %w", err)
		}
		return datumArray(out)
	case opcode.Plus:
		inner.Retain()
		return inner, nil
	default:
		return nil, fmt.Errorf("expr: unsupported unary operator %v", e.Op)
	}
}

func (ev *Evaluator) isNull(ctx context.Context, rec arrow.Record, e *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, rec, e.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < inner.Len(); i++ {
		bldr.Append(inner.IsNull(i) != e.Not)
	}
	return bldr.NewArray(), nil
}

// unaryMathFuncs maps SQL function names to float64 implementations.
var unaryMathFuncs = map[string]func(float64) float64{
	"abs":     math.Abs,
	"sqrt":    math.Sqrt,
	"sin":     math.Sin,
	"cos":     math.Cos,
	"tan":     math.Tan,
	"asin":    math.Asin,
	"acos":    math.Acos,
	"atan":    math.Atan,
	"exp":     math.Exp,
	"ln":      math.Log,
	"log":     math.Log,
	"log10":   math.Log10,
	"floor":   math.Floor,
	"ceil":    math.Ceil,
	"ceiling": math.Ceil,
	"round":   math.Round,
	"radians": func(x float64) float64 { return x * math.Pi / 180 },
	"degrees": func(x float64) float64 { return x * 180 / math.Pi },
	"sign": func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		default:
			return 0
		}
	},
}

func (ev *Evaluator) funcCall(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	name := strings.ToLower(e.FnName.L)

	if fn, ok := unaryMathFuncs[name]; ok {
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("expr: %s requires 1 argument, got %d", name, len(e.Args))
		}
		return ev.mathUnary(ctx, rec, name, e.Args[0], fn)
	}

	switch name {
	case "atan2":
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("expr: atan2 requires 2 arguments, got %d", len(e.Args))
		}
		return ev.mathBinary(ctx, rec, name, e.Args[0], e.Args[1], math.Atan2)
	case "pow", "power":
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("expr: %s requires 2 arguments, got %d", name, len(e.Args))
		}
		return ev.mathBinary(ctx, rec, name, e.Args[0], e.Args[1], math.Pow)
	case "mod":
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("expr: mod requires 2 arguments, got %d", len(e.Args))
		}
		return ev.mathBinary(ctx, rec, name, e.Args[0], e.Args[1], math.Mod)
	case "coalesce":
		return ev.coalesce(ctx, rec, e)
	default:
		return nil, fmt.Errorf("expr: unsupported function %s", name)
	}
}

func (ev *Evaluator) mathUnary(ctx context.Context, rec arrow.Record, name string, arg ast.ExprNode, fn func(float64) float64) (arrow.Array, error) {
	in, err := ev.eval(ctx, rec, arg)
	if err != nil {
		return nil, err
	}
	defer in.Release()

	f, err := toFloat64(ev.alloc, in)
	if err != nil {
		return nil, fmt.Errorf("expr: %s: %w", name, err)
	}
	defer f.Release()

	bldr := array.NewFloat64Builder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < f.Len(); i++ {
		if f.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(fn(f.Value(i)))
		}
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) mathBinary(ctx context.Context, rec arrow.Record, name string, l, r ast.ExprNode, fn func(float64, float64) float64) (arrow.Array, error) {
	left, err := ev.eval(ctx, rec, l)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := ev.eval(ctx, rec, r)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	lf, err := toFloat64(ev.alloc, left)
	if err != nil {
		return nil, fmt.Errorf("expr: %s: %w", name, err)
	}
	defer lf.Release()
	rf, err := toFloat64(ev.alloc, right)
	if err != nil {
		return nil, fmt.Errorf("expr: %s: %w", name, err)
	}
	defer rf.Release()

	bldr := array.NewFloat64Builder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < lf.Len(); i++ {
		if lf.IsNull(i) || rf.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(fn(lf.Value(i), rf.Value(i)))
		}
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) coalesce(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	if len(e.Args) < 1 {
		return nil, fmt.Errorf("expr: coalesce requires at least 1 argument")
	}

	args := make([]arrow.Array, 0, len(e.Args))
	defer func() {
		for _, a := range args {
			a.Release()
		}
	}()
	for _, argExpr := range e.Args {
		a, err := ev.eval(ctx, rec, argExpr)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}

	floats := make([]*array.Float64, len(args))
	for i, a := range args {
		f, err := toFloat64(ev.alloc, a)
		if err != nil {
			for j := 0; j < i; j++ {
				floats[j].Release()
			}
			return nil, fmt.Errorf("expr: coalesce: %w", err)
		}
		floats[i] = f
	}
	defer func() {
		for _, f := range floats {
			f.Release()
		}
	}()

	bldr := array.NewFloat64Builder(ev.alloc)
	defer bldr.Release()
	for row := 0; row < floats[0].Len(); row++ {
		appended := false
		for _, f := range floats {
			if !f.IsNull(row) {
				bldr.Append(f.Value(row))
				appended = true
				break
			}
		}
		if !appended {
			bldr.AppendNull()
		}
	}
	return bldr.NewArray(), nil
}

func datumArray(d compute.Datum) (arrow.Array, error) {
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("expr: unexpected datum type %T", d)
	}
	return ad.MakeArray(), nil
}
