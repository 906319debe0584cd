package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pingcap/tidb/pkg/parser/ast"

	"github.com/sandboxws/isotope/pipeline/pkg/kernels"
)

func (ev *evaluator) call(n *ast.FuncCallExpr) (arrow.Array, error) {
	args, err := ev.args(n.Args)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, a := range args {
			a.Release()
		}
	}()

	name := n.FnName.L
	switch name {
	case "empty", "notempty":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", n.FnName.O, len(args))
		}
		return kernels.Empty(ev.alloc, args[0], name == "notempty")
	case "upper":
		return ev.mapStrings(n, args, strings.ToUpper)
	case "lower":
		return ev.mapStrings(n, args, strings.ToLower)
	case "length", "char_length":
		return ev.length(n, args)
	case "concat":
		return ev.concat(args)
	case "coalesce":
		return ev.coalesce(args)
	default:
		return nil, fmt.Errorf("unsupported function %s", n.FnName.O)
	}
}

func (ev *evaluator) args(nodes []ast.ExprNode) ([]arrow.Array, error) {
	out := make([]arrow.Array, 0, len(nodes))
	for _, node := range nodes {
		a, err := ev.eval(node)
		if err != nil {
			for _, prev := range out {
				prev.Release()
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (ev *evaluator) mapStrings(n *ast.FuncCallExpr, args []arrow.Array, fn func(string) string) (arrow.Array, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s takes 1 argument, got %d", n.FnName.O, len(args))
	}
	arg := args[0]
	b := array.NewStringBuilder(ev.alloc)
	defer b.Release()
	for i := 0; i < arg.Len(); i++ {
		if arg.IsNull(i) {
			b.AppendNull()
			continue
		}
		b.Append(fn(stringValue(arg, i)))
	}
	return b.NewArray(), nil
}

func (ev *evaluator) length(n *ast.FuncCallExpr, args []arrow.Array) (arrow.Array, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s takes 1 argument, got %d", n.FnName.O, len(args))
	}
	arg := args[0]
	b := array.NewInt64Builder(ev.alloc)
	defer b.Release()
	for i := 0; i < arg.Len(); i++ {
		if arg.IsNull(i) {
			b.AppendNull()
			continue
		}
		s := stringValue(arg, i)
		if n.FnName.L == "char_length" {
			b.Append(int64(utf8.RuneCountInString(s)))
		} else {
			b.Append(int64(len(s)))
		}
	}
	return b.NewArray(), nil
}

// concat returns null for a row when any argument is null.
func (ev *evaluator) concat(args []arrow.Array) (arrow.Array, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("CONCAT takes at least 1 argument")
	}
	b := array.NewStringBuilder(ev.alloc)
	defer b.Release()
	var sb strings.Builder
rows:
	for row := 0; row < int(ev.rec.NumRows()); row++ {
		sb.Reset()
		for _, a := range args {
			if a.IsNull(row) {
				b.AppendNull()
				continue rows
			}
			sb.WriteString(stringValue(a, row))
		}
		b.Append(sb.String())
	}
	return b.NewArray(), nil
}

func (ev *evaluator) coalesce(args []arrow.Array) (arrow.Array, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("COALESCE takes at least 1 argument")
	}
	b := array.NewBuilder(ev.alloc, args[0].DataType())
	defer b.Release()
	for row := 0; row < int(ev.rec.NumRows()); row++ {
		appended := false
		for _, a := range args {
			if !a.IsNull(row) {
				if err := appendValue(b, a, row); err != nil {
					return nil, err
				}
				appended = true
				break
			}
		}
		if !appended {
			b.AppendNull()
		}
	}
	return b.NewArray(), nil
}

func appendValue(b array.Builder, src arrow.Array, row int) error {
	switch bb := b.(type) {
	case *array.Int64Builder:
		v, ok := src.(*array.Int64)
		if !ok {
			return fmt.Errorf("coalesce: mixed types %s and %s", b.Type(), src.DataType())
		}
		bb.Append(v.Value(row))
	case *array.Float64Builder:
		v, ok := src.(*array.Float64)
		if !ok {
			return fmt.Errorf("coalesce: mixed types %s and %s", b.Type(), src.DataType())
		}
		bb.Append(v.Value(row))
	case *array.BooleanBuilder:
		v, ok := src.(*array.Boolean)
		if !ok {
			return fmt.Errorf("coalesce: mixed types %s and %s", b.Type(), src.DataType())
		}
		bb.Append(v.Value(row))
	case *array.StringBuilder:
		bb.Append(stringValue(src, row))
	default:
		return fmt.Errorf("coalesce: unsupported type %s", b.Type())
	}
	return nil
}

func stringValue(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Binary:
		return string(a.Value(row))
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', -1, 64)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	default:
		return a.ValueStr(row)
	}
}
