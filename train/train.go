// Package train drives temperature-annealed variational training of
// the sparse random-feature models: a KL ramp over the first tenth of
// the epoch budget, closed-form fixed-point passes each epoch,
// best-loss checkpointing once the anneal is complete, and early
// stopping when the loss stops improving.
package train

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/layers"
	"github.com/n0madic/go-sparse-bnn/optim"
)

// Model is the training contract satisfied by models.RffHs and
// models.RffBeta.
type Model interface {
	// ComputeLossGradients runs one stochastic forward pass, fills the
	// parameter gradient buffers, and returns the loss of the pass.
	ComputeLossGradients(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error)

	// FixedPointUpdates applies the model's closed-form coordinate
	// updates. Called once per epoch, outside the gradient steps.
	FixedPointUpdates(x *mat.Dense, y *mat.VecDense, temperature float64) error

	Parameters() []*layers.Parameter
	State() map[string][]float64
	SetState(state map[string][]float64) error
}

// Config holds the training loop settings.
type Config struct {
	// NEpochs is the total epoch budget.
	NEpochs int

	// NRepOpt is the number of gradient steps per epoch, each on a
	// fresh variational sample.
	NRepOpt int

	// FracStartSave is the fraction of the epoch budget after which
	// checkpointing of best losses begins.
	FracStartSave float64

	// LookbackFrac is the fraction of the epoch budget the early
	// stopping criterion looks back over.
	LookbackFrac float64

	// TolEarlyStop is the relative improvement of the lookback window
	// over the best loss below which training stops.
	TolEarlyStop float64

	// CheckpointPath, when non-empty, enables best-loss checkpointing
	// and restoration of the best checkpoint after the loop.
	CheckpointPath string

	// Logger receives progress lines every LogEvery epochs. Nil
	// disables logging.
	Logger   *log.Logger
	LogEvery int

	// OnEpoch, when non-nil, is called after every epoch with the
	// epoch index, its last loss, and the annealing temperature.
	OnEpoch func(epoch int, loss, temperature float64)
}

// DefaultConfig returns the standard training settings.
func DefaultConfig() Config {
	return Config{
		NEpochs:       10000,
		NRepOpt:       1,
		FracStartSave: 0.5,
		LookbackFrac:  0.25,
		TolEarlyStop:  0.0,
		LogEvery:      1000,
	}
}

// Result reports the outcome of a training run.
type Result struct {
	// Losses holds the last loss of every completed epoch.
	Losses []float64

	// BestLoss and BestEpoch track the best loss seen at full
	// temperature. BestEpoch is -1 when the anneal never completed.
	BestLoss  float64
	BestEpoch int

	// Epochs is the number of epochs actually run.
	Epochs int

	// EarlyStopped reports whether the loop exited on the plateau
	// criterion rather than exhausting the epoch budget.
	EarlyStopped bool

	// CheckpointSaved reports whether a best-loss checkpoint was
	// written (and restored into the model after the loop).
	CheckpointSaved bool
}

// Temperature returns the KL annealing temperature for an epoch: a
// linear ramp from 0 to 1 over the first tenth of the epoch budget.
func Temperature(epoch, nEpochs int) float64 {
	ramp := float64(nEpochs) / 10.0
	if ramp <= 0 {
		return 1.0
	}
	t := float64(epoch) / ramp
	if t > 1.0 {
		return 1.0
	}
	return t
}

// Train runs the annealed training loop of model on (x, y) with the
// given optimizer. When cfg.CheckpointPath is set, the best full-
// temperature state is checkpointed and restored before returning.
func Train(model Model, opt optim.Optimizer, x *mat.Dense, y *mat.VecDense, cfg Config) (*Result, error) {
	if cfg.NEpochs <= 0 {
		return nil, fmt.Errorf("epoch budget must be positive, got %d", cfg.NEpochs)
	}
	if cfg.NRepOpt <= 0 {
		return nil, fmt.Errorf("gradient steps per epoch must be positive, got %d", cfg.NRepOpt)
	}

	res := &Result{
		Losses:    make([]float64, 0, cfg.NEpochs),
		BestLoss:  math.Inf(1),
		BestEpoch: -1,
	}
	bestSaved := math.Inf(1)
	startSave := int(cfg.FracStartSave * float64(cfg.NEpochs))
	lookback := int(cfg.LookbackFrac * float64(cfg.NEpochs))

	for epoch := 0; epoch < cfg.NEpochs; epoch++ {
		temp := Temperature(epoch, cfg.NEpochs)

		loss := 0.0
		for rep := 0; rep < cfg.NRepOpt; rep++ {
			var err error
			loss, err = model.ComputeLossGradients(x, y, temp)
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			opt.Step(model.Parameters())
		}
		if err := model.FixedPointUpdates(x, y, temp); err != nil {
			return res, fmt.Errorf("epoch %d fixed point: %w", epoch, err)
		}

		res.Losses = append(res.Losses, loss)
		res.Epochs = epoch + 1

		// Losses at partial temperature are not comparable, so best
		// tracking waits for the anneal to finish.
		if temp == 1.0 && loss < res.BestLoss {
			res.BestLoss = loss
			res.BestEpoch = epoch
		}

		if cfg.CheckpointPath != "" && epoch > startSave && loss < bestSaved {
			ckpt := &Checkpoint{
				Epoch:          epoch,
				Loss:           loss,
				ModelState:     model.State(),
				OptimizerState: opt.State(),
			}
			if err := SaveCheckpoint(cfg.CheckpointPath, ckpt); err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			bestSaved = loss
			res.CheckpointSaved = true
		}

		if cfg.Logger != nil && cfg.LogEvery > 0 && epoch%cfg.LogEvery == 0 {
			cfg.Logger.Printf("epoch %d/%d temp %.2f loss %.6f", epoch, cfg.NEpochs, temp, loss)
		}
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(epoch, loss, temp)
		}

		if stopEarly(res.Losses, res.BestLoss, epoch, lookback, startSave, cfg.TolEarlyStop) {
			res.EarlyStopped = true
			if cfg.Logger != nil {
				cfg.Logger.Printf("stopping early at epoch %d, best loss %.6f", epoch, res.BestLoss)
			}
			break
		}
	}

	if res.CheckpointSaved {
		ckpt, err := LoadCheckpoint(cfg.CheckpointPath)
		if err != nil {
			return res, fmt.Errorf("failed to restore best checkpoint: %w", err)
		}
		if err := model.SetState(ckpt.ModelState); err != nil {
			return res, fmt.Errorf("failed to restore best checkpoint: %w", err)
		}
		if err := opt.SetState(ckpt.OptimizerState); err != nil {
			return res, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
		if cfg.Logger != nil {
			cfg.Logger.Printf("restored checkpoint from epoch %d, loss %.6f", ckpt.Epoch, ckpt.Loss)
		}
	}
	return res, nil
}

// stopEarly reports whether the lookback window over recent losses has
// failed to improve on the best loss by at least tol (relative).
func stopEarly(losses []float64, bestLoss float64, epoch, lookback, startSave int, tol float64) bool {
	if math.IsInf(bestLoss, 1) || bestLoss == 0 {
		return false
	}
	from := epoch - lookback
	if from < 1 {
		from = 1
	}
	if from <= startSave+1 {
		return false
	}
	recent := math.Inf(1)
	for _, l := range losses[from:] {
		if l < recent {
			recent = l
		}
	}
	return (bestLoss-recent)/math.Abs(bestLoss) < tol
}
