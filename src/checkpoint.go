package advflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// WeightTensor is one serialized parameter tensor. Block and Layer carry
// the human-readable position for inspection; restore order is positional.
type WeightTensor struct {
	Block string    `json:"block"`
	Layer string    `json:"layer"`
	Index int       `json:"index"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// SchedulerState snapshots the per-batch warm-up progress. The per-epoch
// schedulers are pure functions of the epoch and need no state.
type SchedulerState struct {
	WarmUpSteps int `json:"warm_up_steps"`
}

// Checkpoint is everything needed to resume a training run: weights,
// optimizer slots, scheduler progress and the run bookkeeping.
type Checkpoint struct {
	RunID          string          `json:"run_id"`
	Epoch          int             `json:"epoch"`
	BestRobust     float64         `json:"best_robust"`
	Weights        []WeightTensor  `json:"weights"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState SchedulerState  `json:"scheduler_state"`
	SavedAt        time.Time       `json:"saved_at"`
}

// Store persists and retrieves checkpoints by name.
type Store interface {
	Save(name string, ckpt *Checkpoint) error
	Load(name string) (*Checkpoint, error)
}

// FileStore writes checkpoints as JSON files under a directory. Saves go
// through a temp file plus rename so a crash mid-write never corrupts an
// existing checkpoint.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, configErrorf("FileStore", "dir", "directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("advflow: create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Save(name string, ckpt *Checkpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("advflow: marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("advflow: create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("advflow: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("advflow: close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("advflow: replace checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Load(name string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("advflow: read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("advflow: decode checkpoint: %w", err)
	}
	return &ckpt, nil
}

func newRunID() string { return uuid.NewString() }
