// Package recordstore persists fixed-schema tables as flat CSV files.
//
// Each table lives in <dir>/<table>.csv. The first line is the header row,
// written lazily the first time the table is touched; every following line
// is one record. Updates rewrite the whole file through a temporary sibling
// and a rename, so readers observe either the old or the new table and never
// a partial write.
//
// Every operation takes a per-table mutex for its duration. Read-modify-write
// sequences go through Update, which holds the mutex across the read and the
// rewrite so two concurrent updates to one table cannot lose each other's
// changes. The lock is process-local.
package recordstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"book-pipeline/internal/telemetry"
)

var (
	// ErrStorage wraps every file-system failure surfaced by the store.
	ErrStorage = errors.New("record store: storage failure")
	// ErrInvalidTable is returned for table names that are not a plain file stem.
	ErrInvalidTable = errors.New("record store: invalid table name")
)

// Record is one row keyed by column name.
type Record map[string]string

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// renameFile is replaced in tests to simulate a crash between write and rename.
var renameFile = os.Rename

// Store owns all file I/O for the tables under one data directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a store rooted at dir. The directory is created on first write.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("record store: data directory is required")
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing table.
func (s *Store) Path(table string) (string, error) {
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return filepath.Join(s.dir, table+".csv"), nil
}

func (s *Store) lock(table string) func() {
	s.mu.Lock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.Mutex{}
		s.locks[table] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ReadAll returns every record of table keyed by columns, creating the file
// with just a header when it does not exist. Short rows are padded with empty
// strings and surplus cells are dropped.
func (s *Store) ReadAll(ctx context.Context, table string, columns []string) ([]Record, error) {
	path, err := s.prepare(ctx, table, columns)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	unlock := s.lock(table)
	defer unlock()

	records, err := s.readLocked(path, columns)
	observe(table, "read", start, err)
	if err != nil {
		return nil, storageErr("read", table, err)
	}
	return records, nil
}

// Append writes one record to the end of table.
func (s *Store) Append(ctx context.Context, table string, columns []string, record Record) error {
	path, err := s.prepare(ctx, table, columns)
	if err != nil {
		return err
	}
	start := time.Now()
	unlock := s.lock(table)
	defer unlock()

	err = s.appendLocked(table, path, columns, record)
	observe(table, "append", start, err)
	if err != nil {
		return storageErr("append", table, err)
	}
	return nil
}

// Rewrite atomically replaces the contents of table with records, in order.
func (s *Store) Rewrite(ctx context.Context, table string, columns []string, records []Record) error {
	path, err := s.prepare(ctx, table, columns)
	if err != nil {
		return err
	}
	start := time.Now()
	unlock := s.lock(table)
	defer unlock()

	err = writeAtomic(path, columns, records)
	observe(table, "rewrite", start, err)
	if err != nil {
		return storageErr("rewrite", table, err)
	}
	return nil
}

// Update reads table, passes the records to fn and rewrites the table with
// the result, holding the table lock throughout. When fn returns an error the
// file is left untouched and that error is returned as is.
func (s *Store) Update(ctx context.Context, table string, columns []string, fn func([]Record) ([]Record, error)) error {
	path, err := s.prepare(ctx, table, columns)
	if err != nil {
		return err
	}
	start := time.Now()
	unlock := s.lock(table)
	defer unlock()

	records, err := s.readLocked(path, columns)
	if err != nil {
		observe(table, "update", start, err)
		return storageErr("update", table, err)
	}
	next, err := fn(records)
	if err != nil {
		return err
	}
	err = writeAtomic(path, columns, next)
	observe(table, "update", start, err)
	if err != nil {
		return storageErr("update", table, err)
	}
	return nil
}

func (s *Store) prepare(ctx context.Context, table string, columns []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("record store: table %s declares no columns", table)
	}
	return s.Path(table)
}

// ensureHeader creates the table file with only its header row when it is
// missing or empty.
func (s *Store) ensureHeader(path string, columns []string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() > 0:
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return err
	}
	return writeAtomic(path, columns, nil)
}

func (s *Store) readLocked(path string, columns []string) ([]Record, error) {
	if err := s.ensureHeader(path, columns); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseRows(f, columns)
}

// parseRows reads CSV from r, skips the header line and keys each row by
// columns.
func parseRows(r io.Reader, columns []string) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse row: %w", err)
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Marshal encodes a header row plus records in the table file format.
func Marshal(columns []string, records []Record) ([]byte, error) {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, columns)
	for _, rec := range records {
		rows = append(rows, rowValues(rec, columns))
	}
	var buf bytes.Buffer
	if err := writeRows(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses data in the table file format, keying rows by columns
// with the same padding rules as ReadAll.
func Unmarshal(data []byte, columns []string) ([]Record, error) {
	return parseRows(bytes.NewReader(data), columns)
}

func (s *Store) appendLocked(table, path string, columns []string, record Record) error {
	if err := s.ensureHeader(path, columns); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := writeRows(&buf, [][]string{rowValues(record, columns)}); err != nil {
		return err
	}
	payload := buf.Bytes()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	// A crash during an earlier append can leave the last row unterminated,
	// possibly inside an open quote that would swallow the rows after it.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			size, err := dropTornRow(f, info.Size())
			if err != nil {
				f.Close()
				return fmt.Errorf("drop torn row: %w", err)
			}
			telemetry.StoreOps.WithLabelValues(table, "drop_torn_row", "ok").Inc()
			if size == 0 {
				var header bytes.Buffer
				if err := writeRows(&header, [][]string{columns}); err != nil {
					f.Close()
					return err
				}
				payload = append(header.Bytes(), payload...)
			}
		}
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// dropTornRow truncates f, whose last byte is not a newline, to the end of
// its last complete record and returns the new size.
func dropTornRow(f *os.File, size int64) (int64, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return 0, err
	}
	cut := int64(bytes.LastIndexByte(data, '\n') + 1)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	var prev int64
	for {
		if _, err := cr.Read(); err != nil {
			break
		}
		end := cr.InputOffset()
		if end >= size {
			cut = prev
			break
		}
		prev = end
	}

	if err := f.Truncate(cut); err != nil {
		return 0, err
	}
	return cut, nil
}

// writeAtomic serializes header and records to a temporary sibling of path
// and renames it into place.
func writeAtomic(path string, columns []string, records []Record) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, columns)
	for _, rec := range records {
		rows = append(rows, rowValues(rec, columns))
	}
	if err = writeRows(tmp, rows); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return renameFile(tmp.Name(), path)
}

// writeRows encodes rows as CSV. A single empty cell would encode as a blank
// line, which readers skip, so it is written quoted instead.
func writeRows(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	for _, row := range rows {
		if len(row) == 1 && row[0] == "" {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\"\"\n"); err != nil {
				return err
			}
			continue
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowValues(record Record, columns []string) []string {
	row := make([]string, len(columns))
	for i, col := range columns {
		row[i] = record[col]
	}
	return row
}

func storageErr(op, table string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorage, op, table, err)
}

func observe(table, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.StoreOps.WithLabelValues(table, op, outcome).Inc()
	telemetry.StoreLatency.WithLabelValues(table, op).Observe(time.Since(start).Seconds())
}
