// Package results records one row of training metrics per epoch.
//
// Rows are append-only: a sink never rewrites an earlier row, and every
// Append is durable before it returns so a crashed run keeps its history.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Columns is the header of every result table.
var Columns = []string{"epoch", "loss", "valid_precision", "valid_recall", "valid_fscore", "time_seconds"}

// Row is the outcome of one epoch.
type Row struct {
	Epoch     int
	Loss      float64
	Precision float64
	Recall    float64
	F1        float64
	Seconds   float64
}

// Record returns the row formatted as CSV fields.
func (r Row) Record() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return []string{strconv.Itoa(r.Epoch), f(r.Loss), f(r.Precision), f(r.Recall), f(r.F1), f(r.Seconds)}
}

// Table is an append-only sink for epoch rows.
type Table interface {
	Append(Row) error
	Close() error
}

// FileName returns the CSV file name for a run prefix.
func FileName(prefix string) string {
	return "result_epoch_" + prefix + ".csv"
}

// CSVTable writes rows to a CSV file, flushing after each one.
type CSVTable struct {
	f    *os.File
	w    *csv.Writer
	path string
}

// NewCSVTable creates result_epoch_{prefix}.csv in dir and writes the header.
// An existing file is appended to without a second header.
func NewCSVTable(dir, prefix string) (*CSVTable, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	path := filepath.Join(dir, FileName(prefix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("results: %w", err)
	}
	t := &CSVTable{f: f, w: csv.NewWriter(f), path: path}
	if st.Size() == 0 {
		if err := t.write(Columns); err != nil {
			f.Close()
			return nil, err
		}
	}
	return t, nil
}

// Path returns the file the table writes to.
func (t *CSVTable) Path() string { return t.path }

func (t *CSVTable) write(rec []string) error {
	if err := t.w.Write(rec); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("results: %w", err)
	}
	return t.f.Sync()
}

// Append writes one row.
func (t *CSVTable) Append(r Row) error {
	return t.write(r.Record())
}

// Close closes the file.
func (t *CSVTable) Close() error {
	return t.f.Close()
}

// Multi fans every row out to several tables.
type Multi []Table

// Append writes r to every table and joins their errors.
func (m Multi) Append(r Row) error {
	var errs []error
	for _, t := range m {
		if err := t.Append(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every table.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
