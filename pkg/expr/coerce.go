package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// numericRank orders the numeric types for SQL-style promotion.
// Non-numeric types rank -1 and are left untouched.
func numericRank(t arrow.Type) int {
	switch t {
	case arrow.INT8:
		return 1
	case arrow.INT16:
		return 2
	case arrow.INT32:
		return 3
	case arrow.INT64:
		return 4
	case arrow.FLOAT32:
		return 5
	case arrow.FLOAT64:
		return 6
	default:
		return -1
	}
}

// coerceNumeric promotes two arrays to a common numeric type (Int64 or
// Float64). Both returned arrays carry fresh references regardless of
// whether a cast happened.
func coerceNumeric(alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	lr, rr := numericRank(left.DataType().ID()), numericRank(right.DataType().ID())
	if left.DataType().ID() == right.DataType().ID() || lr < 0 || rr < 0 {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	if lr >= 5 || rr >= 5 {
		lf, err := toFloat64(alloc, left)
		if err != nil {
			return nil, nil, fmt.Errorf("expr: coerce left: %w", err)
		}
		rf, err := toFloat64(alloc, right)
		if err != nil {
			lf.Release()
			return nil, nil, fmt.Errorf("expr: coerce right: %w", err)
		}
		return lf, rf, nil
	}

	li, err := toInt64(alloc, left)
	if err != nil {
		return nil, nil, fmt.Errorf("expr: coerce left: %w", err)
	}
	ri, err := toInt64(alloc, right)
	if err != nil {
		li.Release()
		return nil, nil, fmt.Errorf("expr: coerce right: %w", err)
	}
	return li, ri, nil
}

// toFloat64 converts a numeric array to Float64, returning a fresh reference.
func toFloat64(alloc memory.Allocator, arr arrow.Array) (*array.Float64, error) {
	if f, ok := arr.(*array.Float64); ok {
		f.Retain()
		return f, nil
	}

	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		switch a := arr.(type) {
		case *array.Int8:
			bldr.Append(float64(a.Value(i)))
		case *array.Int16:
			bldr.Append(float64(a.Value(i)))
		case *array.Int32:
			bldr.Append(float64(a.Value(i)))
		case *array.Int64:
			bldr.Append(float64(a.Value(i)))
		case *array.Float32:
			bldr.Append(float64(a.Value(i)))
		default:
			return nil, fmt.Errorf("cannot convert %s to float64", arr.DataType())
		}
	}
	return bldr.NewArray().(*array.Float64), nil
}

// toInt64 converts an integer array to Int64, returning a fresh reference.
func toInt64(alloc memory.Allocator, arr arrow.Array) (*array.Int64, error) {
	if v, ok := arr.(*array.Int64); ok {
		v.Retain()
		return v, nil
	}

	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		switch a := arr.(type) {
		case *array.Int8:
			bldr.Append(int64(a.Value(i)))
		case *array.Int16:
			bldr.Append(int64(a.Value(i)))
		case *array.Int32:
			bldr.Append(int64(a.Value(i)))
		default:
			return nil, fmt.Errorf("cannot convert %s to int64", arr.DataType())
		}
	}
	return bldr.NewArray().(*array.Int64), nil
}
