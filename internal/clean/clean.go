// Package clean turns raw statement rows into typed, null-filled rows.
//
// Every column gets one type tag for the whole batch: numeric when all of its
// non-null values are numbers (or strings that parse as numbers), text
// otherwise. Numeric nulls become 0 and text nulls become "".
package clean

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

// Columns every cleaned row carries. The first two are required in the input.
const (
	ColEmail       = "email"
	ColRequestID   = "request_id"
	ColDate        = "date"
	ColDescription = "description"
)

// RequiredColumns must be present and non-blank on every row of a batch.
var RequiredColumns = []string{ColEmail, ColRequestID}

// textColumns are always typed text regardless of content.
var textColumns = []string{ColEmail, ColRequestID, ColDate, ColDescription}

// Batch is a typed batch: one schema shared by all rows.
type Batch struct {
	Schema lake.Schema
	Rows   []lake.Record
	// Filled counts nulls replaced per column; empty for Normalize.
	Filled map[string]int
	// Untyped lists columns with no value in the batch. They are typed text
	// here and take the table's type on merge.
	Untyped []string
}

// NormalizeColumn maps a source field name to snake_case.
func NormalizeColumn(name string) string {
	n := strings.TrimSpace(name)
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.ReplaceAll(n, "/", "_")
	return strings.ToLower(n)
}

// Normalize renames fields, tags each column with its batch-wide type and
// converts values to that type. Nulls are kept.
func Normalize(batch []lake.Record) Batch {
	rows := rename(batch)
	schema := InferSchema(rows)
	for _, r := range rows {
		for _, c := range schema.Columns {
			r[c.Name] = convert(c.Type, r[c.Name])
		}
	}
	return Batch{Schema: schema, Rows: rows}
}

// Raw renames fields and renders every value as text, keeping nulls. It is
// the bronze form: batches with different inferred types still append to one table.
func Raw(batch []lake.Record) Batch {
	rows := rename(batch)
	schema := InferSchema(rows)
	for i, c := range schema.Columns {
		schema.Columns[i] = lake.Column{Name: c.Name, Type: lake.Text}
	}
	for _, r := range rows {
		for _, c := range schema.Columns {
			if isNull(r[c.Name]) {
				r[c.Name] = nil
				continue
			}
			r[c.Name] = render(r[c.Name])
		}
	}
	return Batch{Schema: schema, Rows: rows}
}

func rename(batch []lake.Record) []lake.Record {
	rows := make([]lake.Record, len(batch))
	for i, raw := range batch {
		r := make(lake.Record, len(raw))
		for k, v := range raw {
			name := NormalizeColumn(k)
			if name == "" {
				continue
			}
			if existing, ok := r[name]; ok && !isNull(existing) {
				continue
			}
			r[name] = v
		}
		rows[i] = r
	}
	return rows
}

// InferSchema tags each column of already-normalized rows. Key columns come
// first, the rest in name order.
func InferSchema(rows []lake.Record) lake.Schema {
	values := map[string][]any{}
	for _, r := range rows {
		for k, v := range r {
			values[k] = append(values[k], v)
		}
	}

	var names []string
	for name := range values {
		if !isTextColumn(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var cols []lake.Column
	for _, name := range textColumns {
		if _, ok := values[name]; ok {
			cols = append(cols, lake.Column{Name: name, Type: lake.Text})
		}
	}
	for _, name := range names {
		cols = append(cols, lake.Column{Name: name, Type: inferType(values[name])})
	}
	return lake.NewSchema(cols...)
}

// Validate rejects the whole batch when a required column is missing or
// blank on any row.
func Validate(rows []lake.Record) error {
	v := common.NewValidator()
	for _, col := range RequiredColumns {
		// one failure per column is enough
		for _, r := range rows {
			before := len(v.Errors())
			if v.Field(col, r[col], common.Required); len(v.Errors()) > before {
				break
			}
		}
	}
	return v.Error()
}

// Clean validates the batch, then normalizes it and fills nulls. date and
// description are added as empty text when the source lacks them.
func Clean(batch []lake.Record) (Batch, error) {
	if len(batch) == 0 {
		return Batch{Schema: lake.NewSchema(), Filled: map[string]int{}}, nil
	}
	b := Normalize(batch)
	if err := Validate(b.Rows); err != nil {
		return Batch{}, err
	}

	for _, name := range []string{ColDate, ColDescription} {
		if _, ok := b.Schema.Lookup(name); !ok {
			b.Schema, _ = b.Schema.Union(lake.NewSchema(lake.Column{Name: name, Type: lake.Text}))
		}
	}
	b.Schema = reorder(b.Schema)

	b.Filled = map[string]int{}
	for _, r := range b.Rows {
		for _, c := range b.Schema.Columns {
			if r[c.Name] != nil {
				continue
			}
			b.Filled[c.Name]++
			if c.Type == lake.Numeric {
				r[c.Name] = 0.0
			} else {
				r[c.Name] = ""
			}
		}
	}
	for _, c := range b.Schema.Columns {
		if !isTextColumn(c.Name) && b.Filled[c.Name] == len(b.Rows) {
			b.Untyped = append(b.Untyped, c.Name)
		}
	}
	return b, nil
}

func reorder(s lake.Schema) lake.Schema {
	var cols []lake.Column
	for _, name := range textColumns {
		if c, ok := s.Lookup(name); ok {
			cols = append(cols, c)
		}
	}
	for _, c := range s.Columns {
		if !isTextColumn(c.Name) {
			cols = append(cols, c)
		}
	}
	return lake.NewSchema(cols...)
}

func isTextColumn(name string) bool {
	for _, c := range textColumns {
		if c == name {
			return true
		}
	}
	return false
}

func inferType(values []any) lake.ColumnType {
	seen := false
	for _, v := range values {
		if isNull(v) {
			continue
		}
		seen = true
		if _, ok := number(v); !ok {
			return lake.Text
		}
	}
	if !seen {
		return lake.Text
	}
	return lake.Numeric
}

func isNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case float64:
		return math.IsNaN(t)
	case float32:
		return math.IsNaN(float64(t))
	}
	return false
}

func number(v any) (float64, bool) {
	if f, ok := lake.ToFloat(v); ok {
		return f, !math.IsInf(f, 0)
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func convert(t lake.ColumnType, v any) any {
	if isNull(v) {
		return nil
	}
	if t == lake.Numeric {
		f, _ := number(v)
		return f
	}
	return render(v)
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	if f, ok := lake.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
