package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

// TableParquet returns the current snapshot of a lake table as a Parquet file.
func (s *Service) TableParquet(ctx context.Context, table string) ([]byte, error) {
	start := time.Now()
	snap, err := s.store.Read(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	b, err := SnapshotToParquet(snap)
	if err != nil {
		return nil, err
	}
	s.logger.Info("export.parquet.ok",
		"table", table,
		"version", snap.Version,
		"rows", len(snap.Rows),
		"bytes", len(b),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

// SnapshotToParquet converts a snapshot to Parquet. Numeric columns become
// float64, text becomes string and timestamps microsecond UTC. All are nullable.
func SnapshotToParquet(snap lake.Snapshot) ([]byte, error) {
	pool := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(snap.Schema.Columns))
	builders := make([]array.Builder, len(snap.Schema.Columns))
	for i, c := range snap.Schema.Columns {
		var dt arrow.DataType
		switch c.Type {
		case lake.Numeric:
			dt = arrow.PrimitiveTypes.Float64
		case lake.Timestamp:
			dt = arrow.FixedWidthTypes.Timestamp_us
		default:
			dt = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
		builders[i] = array.NewBuilder(pool, dt)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()
	schema := arrow.NewSchema(fields, nil)

	for _, r := range snap.Rows {
		for i, c := range snap.Schema.Columns {
			v := r[c.Name]
			if v == nil {
				builders[i].AppendNull()
				continue
			}
			switch b := builders[i].(type) {
			case *array.Float64Builder:
				f, ok := lake.ToFloat(v)
				if !ok {
					return nil, fmt.Errorf("column %s: %T is not numeric", c.Name, v)
				}
				b.Append(f)
			case *array.TimestampBuilder:
				t, ok := v.(time.Time)
				if !ok {
					return nil, fmt.Errorf("column %s: %T is not a timestamp", c.Name, v)
				}
				b.Append(arrow.Timestamp(t.UTC().UnixMicro()))
			case *array.StringBuilder:
				b.Append(fmt.Sprint(v))
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	record := array.NewRecord(schema, cols, int64(len(snap.Rows)))
	defer record.Release()
	for _, c := range cols {
		c.Release()
	}

	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(schema, &buf, nil, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
