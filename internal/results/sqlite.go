package results

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS epoch_results (
	run_id TEXT NOT NULL,
	prefix TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	loss REAL,
	valid_precision REAL,
	valid_recall REAL,
	valid_fscore REAL,
	time_seconds REAL,
	PRIMARY KEY (run_id, epoch)
);
CREATE INDEX IF NOT EXISTS idx_epoch_results_prefix ON epoch_results(prefix);`

// SQLiteTable stores rows of many runs in one SQLite database. SQLite keeps
// NaN as NULL, so metric columns are nullable and NULL reads back as NaN.
type SQLiteTable struct {
	db     *sql.DB
	runID  string
	prefix string
}

// NewSQLiteTable opens (or creates) the database at path.
func NewSQLiteTable(path, runID, prefix string) (*SQLiteTable, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("results: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: create schema: %w", err)
	}
	return &SQLiteTable{db: db, runID: runID, prefix: prefix}, nil
}

// Append inserts one row for the table's run.
func (t *SQLiteTable) Append(r Row) error {
	_, err := t.db.Exec(
		`INSERT INTO epoch_results (run_id, prefix, epoch, loss, valid_precision, valid_recall, valid_fscore, time_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.runID, t.prefix, r.Epoch, r.Loss, r.Precision, r.Recall, r.F1, r.Seconds,
	)
	if err != nil {
		return fmt.Errorf("results: insert epoch %d: %w", r.Epoch, err)
	}
	return nil
}

// Rows returns the stored rows of runID ordered by epoch.
func (t *SQLiteTable) Rows(runID string) ([]Row, error) {
	rows, err := t.db.Query(
		`SELECT epoch, loss, valid_precision, valid_recall, valid_fscore, time_seconds
		 FROM epoch_results WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r    Row
			vals [5]sql.NullFloat64
		)
		if err := rows.Scan(&r.Epoch, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4]); err != nil {
			return nil, fmt.Errorf("results: %w", err)
		}
		for i, dst := range []*float64{&r.Loss, &r.Precision, &r.Recall, &r.F1, &r.Seconds} {
			*dst = math.NaN()
			if vals[i].Valid {
				*dst = vals[i].Float64
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (t *SQLiteTable) Close() error {
	return t.db.Close()
}
