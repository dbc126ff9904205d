package lake

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

// ColumnType is the storage type tag of a column.
type ColumnType string

const (
	Numeric   ColumnType = "numeric"
	Text      ColumnType = "text"
	Timestamp ColumnType = "timestamp"
)

// Column is one named, typed column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Record is one row. Values are nil, float64, string or time.Time
// depending on the column type.
type Record map[string]any

// NewSchema builds a schema from columns in order.
func NewSchema(cols ...Column) Schema {
	return Schema{Columns: append([]Column(nil), cols...)}
}

// Lookup returns the column named name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Union appends the columns of other that s lacks. A column present in both
// with different types is a malformed schema.
func (s Schema) Union(other Schema) (Schema, error) {
	out := NewSchema(s.Columns...)
	for _, c := range other.Columns {
		existing, ok := out.Lookup(c.Name)
		if !ok {
			out.Columns = append(out.Columns, c)
			continue
		}
		if existing.Type != c.Type {
			return Schema{}, fmt.Errorf("%w: column %q is %s in table, %s in batch",
				common.ErrMalformedSchema, c.Name, existing.Type, c.Type)
		}
	}
	return out, nil
}

func (s Schema) validate() error {
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: empty column name", common.ErrMalformedSchema)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", common.ErrMalformedSchema, c.Name)
		}
		seen[c.Name] = struct{}{}
		switch c.Type {
		case Numeric, Text, Timestamp:
		default:
			return fmt.Errorf("%w: column %q has unknown type %q", common.ErrMalformedSchema, c.Name, c.Type)
		}
	}
	return nil
}

// Conform returns a copy of r holding exactly the schema's columns, with
// absent columns set to nil. Unknown columns and values of the wrong type are
// rejected.
func (s Schema) Conform(r Record) (Record, error) {
	for name := range r {
		if _, ok := s.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: column %q not in schema", common.ErrMalformedSchema, name)
		}
	}
	out := make(Record, len(s.Columns))
	for _, c := range s.Columns {
		v, err := conformValue(c, r[c.Name])
		if err != nil {
			return nil, err
		}
		out[c.Name] = v
	}
	return out, nil
}

func conformValue(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case Numeric:
		f, ok := ToFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: column %q expects a finite number, got %T(%v)", common.ErrMalformedSchema, c.Name, v, v)
		}
		return f, nil
	case Text:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: column %q expects text, got %T", common.ErrMalformedSchema, c.Name, v)
		}
		return s, nil
	case Timestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.UTC(), nil
		}
		return nil, fmt.Errorf("%w: column %q expects a timestamp, got %T", common.ErrMalformedSchema, c.Name, v)
	}
	return nil, fmt.Errorf("%w: column %q has unknown type %q", common.ErrMalformedSchema, c.Name, c.Type)
}

// ToFloat converts Go numeric kinds to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cloneRows(rows []Record) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		c := make(Record, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
