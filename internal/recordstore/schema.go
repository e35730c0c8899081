package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"book-pipeline/internal/telemetry"
)

// ErrDecode is returned when a stored value cannot be parsed into its field.
var ErrDecode = errors.New("record store: cannot decode value")

// Field maps one column to a member of T through a string codec.
type Field[T any] struct {
	Name   string
	Encode func(*T) string
	Decode func(*T, string) error
}

// String binds a string member.
func String[T any](name string, ref func(*T) *string) Field[T] {
	return Field[T]{
		Name:   name,
		Encode: func(v *T) string { return *ref(v) },
		Decode: func(v *T, s string) error {
			*ref(v) = s
			return nil
		},
	}
}

// Int binds an int member stored in base 10. Empty cells decode to zero.
func Int[T any](name string, ref func(*T) *int) Field[T] {
	return Field[T]{
		Name:   name,
		Encode: func(v *T) string { return strconv.Itoa(*ref(v)) },
		Decode: func(v *T, s string) error {
			if s == "" {
				*ref(v) = 0
				return nil
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			*ref(v) = n
			return nil
		},
	}
}

// Bool binds a bool member stored as "true"/"false". Empty cells decode to false.
func Bool[T any](name string, ref func(*T) *bool) Field[T] {
	return Field[T]{
		Name:   name,
		Encode: func(v *T) string { return strconv.FormatBool(*ref(v)) },
		Decode: func(v *T, s string) error {
			if s == "" {
				*ref(v) = false
				return nil
			}
			b, err := strconv.ParseBool(s)
			if err != nil {
				return err
			}
			*ref(v) = b
			return nil
		},
	}
}

// Time binds a time member stored as RFC 3339 in UTC. The zero time is stored
// as an empty cell.
func Time[T any](name string, ref func(*T) *time.Time) Field[T] {
	return Field[T]{
		Name: name,
		Encode: func(v *T) string {
			t := *ref(v)
			if t.IsZero() {
				return ""
			}
			return t.UTC().Format(time.RFC3339Nano)
		},
		Decode: func(v *T, s string) error {
			if s == "" {
				*ref(v) = time.Time{}
				return nil
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return err
			}
			*ref(v) = t
			return nil
		},
	}
}

// JSON binds a structured member stored as compact JSON. Null values are
// stored as an empty cell.
func JSON[T any, V any](name string, ref func(*T) *V) Field[T] {
	return Field[T]{
		Name: name,
		Encode: func(v *T) string {
			raw, err := json.Marshal(*ref(v))
			if err != nil || string(raw) == "null" {
				return ""
			}
			return string(raw)
		},
		Decode: func(v *T, s string) error {
			var out V
			if s != "" {
				if err := json.Unmarshal([]byte(s), &out); err != nil {
					return err
				}
			}
			*ref(v) = out
			return nil
		},
	}
}

// Schema is the ordered column list of a table together with the codecs that
// map a T to and from a Record.
type Schema[T any] struct {
	table   string
	fields  []Field[T]
	columns []string
}

// NewSchema declares a table. It panics on an empty field list or a repeated
// column name, since schemas are fixed at program start.
func NewSchema[T any](table string, fields ...Field[T]) Schema[T] {
	if len(fields) == 0 {
		panic(fmt.Sprintf("recordstore: schema %s has no fields", table))
	}
	seen := make(map[string]struct{}, len(fields))
	columns := make([]string, len(fields))
	for i, f := range fields {
		if _, dup := seen[f.Name]; dup {
			panic(fmt.Sprintf("recordstore: schema %s repeats column %s", table, f.Name))
		}
		seen[f.Name] = struct{}{}
		columns[i] = f.Name
	}
	return Schema[T]{table: table, fields: fields, columns: columns}
}

// Table returns the table name.
func (s Schema[T]) Table() string { return s.table }

// Columns returns a copy of the ordered column list.
func (s Schema[T]) Columns() []string {
	return append([]string(nil), s.columns...)
}

// Encode converts v to a Record.
func (s Schema[T]) Encode(v T) Record {
	rec := make(Record, len(s.fields))
	for _, f := range s.fields {
		rec[f.Name] = f.Encode(&v)
	}
	return rec
}

// Decode converts a Record to a T.
func (s Schema[T]) Decode(rec Record) (T, error) {
	var v T
	for _, f := range s.fields {
		if err := f.Decode(&v, rec[f.Name]); err != nil {
			return v, fmt.Errorf("%w: %s.%s: %w", ErrDecode, s.table, f.Name, err)
		}
	}
	return v, nil
}

// Table is a typed view of one table in a Store. Rows that fail to decode
// are skipped on reads, logged and counted; Update writes them back as they
// were read.
type Table[T any] struct {
	store  *Store
	schema Schema[T]
	logger *slog.Logger
}

// NewTable binds schema to store.
func NewTable[T any](store *Store, schema Schema[T]) *Table[T] {
	return &Table[T]{store: store, schema: schema, logger: slog.Default()}
}

// WithLogger sets the logger that reports skipped rows.
func (t *Table[T]) WithLogger(logger *slog.Logger) *Table[T] {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.schema.table }

// Schema returns the table schema.
func (t *Table[T]) Schema() Schema[T] { return t.schema }

// All returns every decodable row in insertion order.
func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	records, err := t.store.ReadAll(ctx, t.schema.table, t.schema.columns)
	if err != nil {
		return nil, err
	}
	rows, _ := t.decodeAll(records)
	return rows, nil
}

// Find returns the first row matching match.
func (t *Table[T]) Find(ctx context.Context, match func(T) bool) (T, bool, error) {
	var zero T
	rows, err := t.All(ctx)
	if err != nil {
		return zero, false, err
	}
	for _, row := range rows {
		if match(row) {
			return row, true, nil
		}
	}
	return zero, false, nil
}

// Append adds v at the end of the table.
func (t *Table[T]) Append(ctx context.Context, v T) error {
	return t.store.Append(ctx, t.schema.table, t.schema.columns, t.schema.Encode(v))
}

// Rewrite replaces the table with rows.
func (t *Table[T]) Rewrite(ctx context.Context, rows []T) error {
	return t.store.Rewrite(ctx, t.schema.table, t.schema.columns, t.encodeAll(rows))
}

// Update runs fn over a fresh read of the table and rewrites it with the
// result under the table lock. Undecodable rows are not passed to fn and keep
// their position in the file; rows fn adds go after the last kept row.
func (t *Table[T]) Update(ctx context.Context, fn func([]T) ([]T, error)) error {
	return t.store.Update(ctx, t.schema.table, t.schema.columns, func(records []Record) ([]Record, error) {
		rows, bad := t.decodeAll(records)
		next, err := fn(rows)
		if err != nil {
			return nil, err
		}
		encoded := t.encodeAll(next)
		if len(bad) == 0 {
			return encoded, nil
		}
		out := make([]Record, 0, len(encoded)+len(bad))
		for i, rec := range records {
			if _, skip := bad[i]; skip {
				out = append(out, rec)
				continue
			}
			if len(encoded) > 0 {
				out = append(out, encoded[0])
				encoded = encoded[1:]
			}
		}
		return append(out, encoded...), nil
	})
}

// decodeAll returns the decodable rows and the indexes of the rest.
func (t *Table[T]) decodeAll(records []Record) ([]T, map[int]struct{}) {
	rows := make([]T, 0, len(records))
	var bad map[int]struct{}
	for i, rec := range records {
		v, err := t.schema.Decode(rec)
		if err != nil {
			if bad == nil {
				bad = make(map[int]struct{})
			}
			bad[i] = struct{}{}
			telemetry.StoreSkippedRows.WithLabelValues(t.schema.table).Inc()
			t.logger.Warn("skipping undecodable row", "table", t.schema.table, "row", i+1, "error", err)
			continue
		}
		rows = append(rows, v)
	}
	return rows, bad
}

func (t *Table[T]) encodeAll(rows []T) []Record {
	records := make([]Record, len(rows))
	for i, v := range rows {
		records[i] = t.schema.Encode(v)
	}
	return records
}
