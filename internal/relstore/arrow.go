//go:build cgo

package relstore

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/memory"
)

// ExecuteArrow runs query and encodes the result as an Arrow column batch.
// Each column's Arrow type (int64, float64, binary, or string) is inferred
// from its first non-nil value; in int64, float64 and binary columns a
// value of another Go type is appended as null, while string columns
// format any value with %v. This covers memo's untyped value payloads
// (stored as opaque blobs) and metadata columns (uid/ts strings, int/float
// scalars).
func (s *DoltStore) ExecuteArrow(ctx context.Context, conn *Conn, query string, args ...any) (ArrowTable, error) {
	df, err := s.Execute(ctx, conn, query, args...)
	if err != nil {
		return ArrowTable{}, err
	}
	return dataFrameToArrow(df)
}

func dataFrameToArrow(df DataFrame) (ArrowTable, error) {
	pool := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(df.Columns))
	builders := make([]array.Builder, len(df.Columns))

	for i, col := range df.Columns {
		dt := inferArrowType(df, col)
		fields[i] = arrow.Field{Name: col, Type: dt, Nullable: true}
		builders[i] = array.NewBuilder(pool, dt)
	}
	schema := arrow.NewSchema(fields, nil)

	for _, row := range df.Rows {
		for i, col := range df.Columns {
			appendArrowValue(builders[i], row[col])
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	rec := array.NewRecord(schema, cols, int64(len(df.Rows)))
	return ArrowTable{Schema: schema, Record: rec}, nil
}

func inferArrowType(df DataFrame, col string) arrow.DataType {
	for _, row := range df.Rows {
		switch row[col].(type) {
		case int, int32, int64:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case []byte:
			return arrow.BinaryTypes.Binary
		case nil:
			continue
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendArrowValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bld := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			bld.Append(n)
		case int:
			bld.Append(int64(n))
		case int32:
			bld.Append(int64(n))
		default:
			bld.AppendNull()
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			bld.Append(n)
		case float32:
			bld.Append(float64(n))
		default:
			bld.AppendNull()
		}
	case *array.BinaryBuilder:
		switch n := v.(type) {
		case []byte:
			bld.Append(n)
		case string:
			bld.Append([]byte(n))
		default:
			bld.AppendNull()
		}
	case *array.StringBuilder:
		bld.Append(fmt.Sprintf("%v", v))
	default:
		b.AppendNull()
	}
}

var _ Store = (*DoltStore)(nil)
