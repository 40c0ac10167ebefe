package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/n0madic/go-sparse-bnn/optim"
)

// checkpointVersion guards against decoding files written by an
// incompatible layout.
const checkpointVersion = 1

// Checkpoint captures everything needed to resume or restore a
// training run: the epoch it was taken at, the loss that triggered the
// save, and the full model and optimizer states.
type Checkpoint struct {
	Version        int
	Epoch          int
	Loss           float64
	ModelState     map[string][]float64
	OptimizerState optim.State
}

// SaveCheckpoint writes the checkpoint to path with gob encoding. The
// write goes through a temporary file in the same directory followed
// by a rename, so a crash mid-write never corrupts an earlier save.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	ckpt.Version = checkpointVersion
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(ckpt); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ckpt.Version != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", ckpt.Version)
	}
	return &ckpt, nil
}
