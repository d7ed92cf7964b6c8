// Package checkpoint persists trained-parameter snapshots under deterministic,
// run-scoped names.
//
// A run prefix is fixed when the manager is created from the model kind and
// the run's creation time (to the minute). Snapshots are written as JSON
// records, first to a temporary file that is fsynced and then renamed into
// place, so a reader never sees a partial checkpoint. Old checkpoints are
// never pruned.
//
// Two runs started in the same minute share a prefix; Claim reserves it for
// one of them before any work is done.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ext is the checkpoint file extension.
const Ext = "json"

// TimeLayout is the timestamp embedded in the run prefix (YYYYMMDDhhmm).
const TimeLayout = "200601021504"

// ErrForeignRun is returned when a checkpoint with the same name already
// exists and belongs to another run.
var ErrForeignRun = errors.New("checkpoint: name taken by another run")

// Record is one saved snapshot. It is written once and never modified.
type Record struct {
	RunID       string          `json:"run_id"`
	Kind        string          `json:"kind"`
	Epoch       int             `json:"epoch"`
	BatchSize   int             `json:"batch_size"`
	Interrupted bool            `json:"interrupted"`
	SavedAt     time.Time       `json:"saved_at"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Manager names and writes the checkpoints of one training run.
type Manager struct {
	dir       string
	kind      string
	prefix    string
	runID     string
	batchSize int

	// Now stamps SavedAt; defaults to time.Now.
	Now func() time.Time
}

// NewManager creates a manager for a run of the given model kind started at
// created. Checkpoints are written under dir.
func NewManager(dir, kind string, created time.Time, batchSize int) *Manager {
	return &Manager{
		dir:       dir,
		kind:      kind,
		prefix:    fmt.Sprintf("%s_%s", kind, created.Format(TimeLayout)),
		runID:     uuid.NewString(),
		batchSize: batchSize,
		Now:       time.Now,
	}
}

// Prefix returns the run prefix shared by every checkpoint of this run.
func (m *Manager) Prefix() string { return m.prefix }

// RunID returns the unique identifier recorded in every checkpoint.
func (m *Manager) RunID() string { return m.runID }

// Name returns the file name for a checkpoint:
// {prefix}_{epoch}ep_{batch}bs[_interrupted].json
func (m *Manager) Name(epoch int, interrupted bool) string {
	name := fmt.Sprintf("%s_%dep_%dbs", m.prefix, epoch, m.batchSize)
	if interrupted {
		name += "_interrupted"
	}
	return name + "." + Ext
}

// Path returns the full path for a checkpoint.
func (m *Manager) Path(epoch int, interrupted bool) string {
	return filepath.Join(m.dir, m.Name(epoch, interrupted))
}

// Claim reserves the run prefix in the checkpoint dir. It fails with
// ErrForeignRun if the prefix already has checkpoints or is held by another
// live run. The returned release drops the reservation.
func (m *Manager) Claim() (release func() error, err error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	taken, err := filepath.Glob(filepath.Join(m.dir, m.prefix+"_*ep_*bs*."+Ext))
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", m.prefix, err)
	}
	if len(taken) > 0 {
		return nil, fmt.Errorf("%w: %s already has checkpoint %s", ErrForeignRun, m.prefix, filepath.Base(taken[0]))
	}

	lock := m.lockPath()
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		owner, _ := os.ReadFile(lock)
		return nil, fmt.Errorf("%w: %s is held by run %s", ErrForeignRun, m.prefix, strings.TrimSpace(string(owner)))
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", m.prefix, err)
	}
	_, werr := f.WriteString(m.runID + "\n")
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = os.Remove(lock)
		return nil, fmt.Errorf("claim %s: %w", m.prefix, err)
	}
	slog.Debug("Run prefix claimed", "prefix", m.prefix, "run_id", m.runID)
	return func() error { return os.Remove(lock) }, nil
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, "."+m.prefix+".run")
}

// Save durably writes params as the checkpoint for epoch and returns its path.
// Saving the same epoch twice within a run replaces the file; a file of the
// same name from another run is never touched.
func (m *Manager) Save(epoch int, params json.RawMessage, interrupted bool) (string, error) {
	path := m.Path(epoch, interrupted)
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if existing, err := Load(path); err == nil && existing.RunID != m.runID {
		return "", fmt.Errorf("%w: %s belongs to run %s", ErrForeignRun, path, existing.RunID)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s exists and is unreadable: %v", ErrForeignRun, path, err)
	}

	rec := Record{
		RunID:       m.runID,
		Kind:        m.kind,
		Epoch:       epoch,
		BatchSize:   m.batchSize,
		Interrupted: interrupted,
		SavedAt:     m.Now(),
		Parameters:  params,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileSync(path, data); err != nil {
		return "", err
	}
	slog.Info("Model saved", "path", path, "epoch", epoch, "interrupted", interrupted)
	return path, nil
}

// Load reads a checkpoint record.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &rec, nil
}

func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	// Persist the rename itself.
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		slog.Debug("Checkpoint dir sync failed", "dir", dir, "error", err)
	}
	return nil
}
