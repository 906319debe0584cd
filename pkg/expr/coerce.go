package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// coerce casts both operands to a common numeric type. Non-numeric pairs are
// returned unchanged, except that a null operand takes the other's type. The
// caller releases both results.
func coerce(ctx context.Context, l, r arrow.Array) (arrow.Array, arrow.Array, error) {
	lt, rt := l.DataType(), r.DataType()
	var target arrow.DataType
	switch {
	case arrow.TypeEqual(lt, rt):
	case lt.ID() == arrow.NULL:
		target = rt
	case rt.ID() == arrow.NULL:
		target = lt
	default:
		target = promote(lt, rt)
	}
	if target == nil {
		l.Retain()
		r.Retain()
		return l, r, nil
	}

	cl, err := castTo(ctx, l, target)
	if err != nil {
		return nil, nil, fmt.Errorf("coerce left operand to %s: %w", target, err)
	}
	cr, err := castTo(ctx, r, target)
	if err != nil {
		cl.Release()
		return nil, nil, fmt.Errorf("coerce right operand to %s: %w", target, err)
	}
	return cl, cr, nil
}

func castTo(ctx context.Context, a arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(a.DataType(), target) {
		a.Retain()
		return a, nil
	}
	return compute.CastArray(ctx, a, compute.SafeCastOptions(target))
}

// promote returns the wider of two numeric types, or nil.
func promote(a, b arrow.DataType) arrow.DataType {
	ra, rb := rank(a.ID()), rank(b.ID())
	if ra < 0 || rb < 0 {
		return nil
	}
	if ra >= rb {
		return a
	}
	return b
}

func rank(t arrow.Type) int {
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
