package engine

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/snapflow/internal/config"
)

// ErrRecordNotFound is returned when no run has been recorded yet.
var ErrRecordNotFound = errors.New("engine: run record not found")

// RecordStore persists the outcome of the last run.
type RecordStore interface {
	Load() (RunRecord, error)
	Save(RunRecord) error
}

// Repository stores the last run record within the project state dir.
type Repository struct {
	path string
}

// NewRepository creates a repository under cfg's state directory.
func NewRepository(cfg *config.Config) *Repository {
	return &Repository{path: filepath.Join(cfg.StateDir, "runs", "last.json")}
}

// Path returns the file backing the repository.
func (r *Repository) Path() string {
	return r.path
}

// Load reads the persisted record if present.
func (r *Repository) Load() (RunRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunRecord{}, ErrRecordNotFound
		}
		return RunRecord{}, err
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return RunRecord{}, err
	}
	return record, nil
}

// Save writes the record through a temporary file so readers never see a
// partial document.
func (r *Repository) Save(record RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
