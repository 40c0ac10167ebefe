package train

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/layers"
	"github.com/n0madic/go-sparse-bnn/optim"
)

// scriptedModel replays a fixed loss schedule so the loop's bookkeeping
// can be checked deterministically.
type scriptedModel struct {
	losses      []float64
	calls       int
	fixedPoints int
	failAt      int // epoch at which ComputeLossGradients errors, -1 to disable
	param       *layers.Parameter
	restored    map[string][]float64
}

func newScriptedModel(losses []float64) *scriptedModel {
	return &scriptedModel{
		losses: losses,
		failAt: -1,
		param:  layers.NewParameter("w", 1),
	}
}

func (m *scriptedModel) ComputeLossGradients(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error) {
	epoch := m.calls
	m.calls++
	if m.failAt >= 0 && epoch == m.failAt {
		return 0, fmt.Errorf("scripted failure at epoch %d", epoch)
	}
	if epoch >= len(m.losses) {
		epoch = len(m.losses) - 1
	}
	return m.losses[epoch], nil
}

func (m *scriptedModel) FixedPointUpdates(x *mat.Dense, y *mat.VecDense, temperature float64) error {
	m.fixedPoints++
	return nil
}

func (m *scriptedModel) Parameters() []*layers.Parameter {
	return []*layers.Parameter{m.param}
}

func (m *scriptedModel) State() map[string][]float64 {
	return map[string][]float64{"epoch": {float64(m.calls - 1)}}
}

func (m *scriptedModel) SetState(state map[string][]float64) error {
	m.restored = state
	return nil
}

func TestTemperature(t *testing.T) {
	tests := []struct {
		epoch, nEpochs int
		want           float64
	}{
		{0, 100, 0.0},
		{5, 100, 0.5},
		{10, 100, 1.0},
		{50, 100, 1.0},
		{3, 40, 0.75},
		{0, 0, 1.0},
	}
	for _, tt := range tests {
		if got := Temperature(tt.epoch, tt.nEpochs); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Temperature(%d, %d) = %v, want %v", tt.epoch, tt.nEpochs, got, tt.want)
		}
	}
}

func TestStopEarly(t *testing.T) {
	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 10.0
	}

	tests := []struct {
		name      string
		losses    []float64
		best      float64
		epoch     int
		lookback  int
		startSave int
		tol       float64
		want      bool
	}{
		{
			name:   "no best yet",
			losses: flat, best: math.Inf(1), epoch: 39, lookback: 10, startSave: 5,
			want: false,
		},
		{
			name:   "window still too early",
			losses: flat, best: 9.0, epoch: 12, lookback: 10, startSave: 5,
			want: false,
		},
		{
			name:   "plateau after the best",
			losses: flat, best: 9.0, epoch: 39, lookback: 10, startSave: 5,
			want: true,
		},
		{
			name:   "window still contains the best",
			losses: append(append([]float64{}, flat[:35]...), 9.0, 10, 10, 10, 10),
			best:   9.0, epoch: 39, lookback: 10, startSave: 5,
			want: false,
		},
		{
			name:   "tolerance treats small gains as plateau",
			losses: append(append([]float64{}, flat[:35]...), 8.95, 10, 10, 10, 10),
			best:   9.0, epoch: 39, lookback: 10, startSave: 5, tol: 0.01,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stopEarly(tt.losses, tt.best, tt.epoch, tt.lookback, tt.startSave, tt.tol)
			if got != tt.want {
				t.Errorf("stopEarly() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	ckpt := &Checkpoint{
		Epoch:      7,
		Loss:       -12.5,
		ModelState: map[string][]float64{"in.mu": {1, 2, 3}, "noise": {1, 1}},
		OptimizerState: optim.State{
			Kind:    "adam",
			Step:    7,
			Scalars: map[string]float64{"lr": 0.01},
			Vectors: map[string][]float64{"m:w": {0.5}},
		},
	}
	if err := SaveCheckpoint(path, ckpt); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if loaded.Version != 1 {
		t.Errorf("loaded version = %d, want 1", loaded.Version)
	}
	if loaded.Epoch != 7 || loaded.Loss != -12.5 {
		t.Errorf("loaded epoch/loss = %d/%v, want 7/-12.5", loaded.Epoch, loaded.Loss)
	}
	if got := loaded.ModelState["in.mu"]; len(got) != 3 || got[2] != 3 {
		t.Errorf("loaded model state = %v, want [1 2 3]", got)
	}
	if loaded.OptimizerState.Kind != "adam" || loaded.OptimizerState.Step != 7 {
		t.Errorf("loaded optimizer state = %+v", loaded.OptimizerState)
	}
	if got := loaded.OptimizerState.Vectors["m:w"]; len(got) != 1 || got[0] != 0.5 {
		t.Errorf("loaded moment buffer = %v, want [0.5]", got)
	}

	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Errorf("LoadCheckpoint() on a missing file should return error")
	}
}

func TestTrainConfigValidation(t *testing.T) {
	m := newScriptedModel([]float64{1})
	opt := optim.NewSGD(0.1)
	x := mat.NewDense(1, 1, nil)
	y := mat.NewVecDense(1, nil)

	cfg := DefaultConfig()
	cfg.NEpochs = 0
	if _, err := Train(m, opt, x, y, cfg); err == nil {
		t.Errorf("Train() with zero epochs should return error")
	}

	cfg = DefaultConfig()
	cfg.NRepOpt = 0
	if _, err := Train(m, opt, x, y, cfg); err == nil {
		t.Errorf("Train() with zero gradient steps should return error")
	}
}

func TestTrainErrorPropagation(t *testing.T) {
	m := newScriptedModel([]float64{1, 1, 1, 1, 1})
	m.failAt = 3
	cfg := DefaultConfig()
	cfg.NEpochs = 5

	_, err := Train(m, optim.NewSGD(0.1), mat.NewDense(1, 1, nil), mat.NewVecDense(1, nil), cfg)
	if err == nil {
		t.Fatalf("Train() should propagate the model error")
	}
}

func TestTrainBestTrackingWaitsForFullTemperature(t *testing.T) {
	// The lowest loss sits inside the anneal ramp and must not win.
	const nEpochs = 20
	losses := make([]float64, nEpochs)
	losses[0], losses[1] = 1.0, 1.0
	for e := 2; e < nEpochs; e++ {
		losses[e] = 5.0 - 0.1*float64(e)
	}

	m := newScriptedModel(losses)
	cfg := DefaultConfig()
	cfg.NEpochs = nEpochs

	res, err := Train(m, optim.NewSGD(0.1), mat.NewDense(1, 1, nil), mat.NewVecDense(1, nil), cfg)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if res.Epochs != nEpochs {
		t.Errorf("Epochs = %d, want %d", res.Epochs, nEpochs)
	}
	if res.BestEpoch != nEpochs-1 {
		t.Errorf("BestEpoch = %d, want %d", res.BestEpoch, nEpochs-1)
	}
	if math.Abs(res.BestLoss-losses[nEpochs-1]) > 1e-12 {
		t.Errorf("BestLoss = %v, want %v", res.BestLoss, losses[nEpochs-1])
	}
	if res.EarlyStopped {
		t.Errorf("EarlyStopped = true on a strictly improving run")
	}
	if m.fixedPoints != nEpochs {
		t.Errorf("fixed-point passes = %d, want %d", m.fixedPoints, nEpochs)
	}
}

func TestTrainCheckpointAndEarlyStop(t *testing.T) {
	// Losses fall until epoch 25, then plateau at a worse level. With a
	// 40-epoch budget the saver starts after epoch 20 and the stopper
	// looks back 10 epochs, so the run stops once the plateau pushes the
	// best epoch out of the window, and the epoch-25 checkpoint wins.
	const nEpochs = 40
	losses := make([]float64, nEpochs)
	for e := 0; e < nEpochs; e++ {
		if e <= 25 {
			losses[e] = 100.0 - float64(e)
		} else {
			losses[e] = 90.0
		}
	}

	m := newScriptedModel(losses)
	opt := optim.NewSGD(0.1)
	cfg := DefaultConfig()
	cfg.NEpochs = nEpochs
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "best.ckpt")

	var epochTemps []float64
	cfg.OnEpoch = func(epoch int, loss, temperature float64) {
		epochTemps = append(epochTemps, temperature)
	}

	res, err := Train(m, opt, mat.NewDense(1, 1, nil), mat.NewVecDense(1, nil), cfg)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	if res.BestLoss != 75.0 || res.BestEpoch != 25 {
		t.Errorf("best = %v at epoch %d, want 75 at 25", res.BestLoss, res.BestEpoch)
	}
	if !res.EarlyStopped {
		t.Errorf("EarlyStopped = false, want true on a plateau")
	}
	if res.Epochs >= nEpochs {
		t.Errorf("Epochs = %d, want fewer than the full budget", res.Epochs)
	}
	if !res.CheckpointSaved {
		t.Fatalf("CheckpointSaved = false, want true")
	}

	// The best checkpoint is restored into model and optimizer.
	if m.restored == nil {
		t.Fatalf("model state was not restored after the loop")
	}
	if got := m.restored["epoch"]; len(got) != 1 || got[0] != 25 {
		t.Errorf("restored state from epoch %v, want 25", got)
	}
	ckpt, err := LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if ckpt.Epoch != 25 || ckpt.Loss != 75.0 {
		t.Errorf("checkpoint epoch/loss = %d/%v, want 25/75", ckpt.Epoch, ckpt.Loss)
	}

	// The anneal ramp covers the first tenth of the budget.
	if epochTemps[0] != 0 || epochTemps[2] != 0.5 || epochTemps[4] != 1 {
		t.Errorf("ramp temperatures = %v, %v, %v, want 0, 0.5, 1", epochTemps[0], epochTemps[2], epochTemps[4])
	}
}
