// Package mcmc drives posterior inference for the log-posterior models:
// Hamiltonian Monte Carlo sampling through infergo, and MAP optimization
// with softplus-reparameterized positivity constraints.
package mcmc

import (
	"fmt"

	"bitbucket.org/dtolpin/infergo/infer"
	"bitbucket.org/dtolpin/infergo/model"
)

// GradModel is a log-density model with a hand-coded gradient of the
// last Observe call. All models in the logpost package implement it.
type GradModel interface {
	model.Model
	Gradient() []float64
}

// HMCConfig configures the Hamiltonian Monte Carlo run.
type HMCConfig struct {
	NumResults   int     // posterior samples to keep after burn-in
	NumBurnin    int     // burn-in iterations to discard
	NumLeapfrog  int     // leapfrog steps per proposal
	StepSize     float64 // leapfrog step size
}

// DefaultHMCConfig mirrors the settings of the original training
// routines: 3 leapfrog steps at unit step size.
func DefaultHMCConfig() HMCConfig {
	return HMCConfig{
		NumResults:  10000,
		NumBurnin:   1000,
		NumLeapfrog: 3,
		StepSize:    1.0,
	}
}

// HMCResult holds the retained samples and acceptance statistics.
type HMCResult struct {
	Samples    [][]float64 // NumResults samples of the packed parameters
	NAcc, NRej int
	AcceptRate float64
}

// HMC samples the model's posterior starting from init. The initial
// state may pack multiple parameter blocks (weights plus positive
// scalars such as a lengthscale); constraining positive blocks is the
// caller's responsibility, either through a transform in the model or
// by accepting that a proposal into invalid territory produces a
// non-finite energy and is rejected.
func HMC(m model.Model, init []float64, cfg HMCConfig) (*HMCResult, error) {
	if len(init) == 0 {
		return nil, fmt.Errorf("empty initial state")
	}
	if cfg.NumResults <= 0 {
		return nil, fmt.Errorf("number of results must be positive, got %d", cfg.NumResults)
	}
	if cfg.NumLeapfrog <= 0 || cfg.StepSize <= 0 {
		return nil, fmt.Errorf("invalid leapfrog settings: %d steps, step size %f", cfg.NumLeapfrog, cfg.StepSize)
	}

	x := append([]float64(nil), init...)
	sampler := &infer.HMC{
		L:   cfg.NumLeapfrog,
		Eps: cfg.StepSize,
	}
	samples := make(chan []float64)
	sampler.Sample(m, x, samples)

	for i := 0; i < cfg.NumBurnin; i++ {
		if x = <-samples; len(x) == 0 {
			sampler.Stop()
			return nil, fmt.Errorf("sampler stopped during burn-in at iteration %d", i)
		}
	}

	out := make([][]float64, 0, cfg.NumResults)
	for i := 0; i < cfg.NumResults; i++ {
		if x = <-samples; len(x) == 0 {
			sampler.Stop()
			return nil, fmt.Errorf("sampler stopped after %d of %d results", i, cfg.NumResults)
		}
		out = append(out, append([]float64(nil), x...))
	}
	sampler.Stop()

	res := &HMCResult{
		Samples: out,
		NAcc:    sampler.NAcc,
		NRej:    sampler.NRej,
	}
	if total := res.NAcc + res.NRej; total > 0 {
		res.AcceptRate = float64(res.NAcc) / float64(total)
	}
	return res, nil
}

// BlockMeans averages the retained samples over a block [from, to) of
// the packed parameter vector, e.g. the weight block of a multi-block
// run.
func (r *HMCResult) BlockMeans(from, to int) ([]float64, error) {
	if len(r.Samples) == 0 {
		return nil, fmt.Errorf("no samples")
	}
	if from < 0 || to > len(r.Samples[0]) || from >= to {
		return nil, fmt.Errorf("invalid block [%d,%d) for dimension %d", from, to, len(r.Samples[0]))
	}
	means := make([]float64, to-from)
	for _, s := range r.Samples {
		for i := from; i < to; i++ {
			means[i-from] += s[i]
		}
	}
	for i := range means {
		means[i] /= float64(len(r.Samples))
	}
	return means, nil
}

// PackBlocks concatenates parameter blocks into one packed vector.
func PackBlocks(blocks ...[]float64) []float64 {
	n := 0
	for _, b := range blocks {
		n += len(b)
	}
	x := make([]float64, 0, n)
	for _, b := range blocks {
		x = append(x, b...)
	}
	return x
}

// UnpackBlocks splits a packed vector into blocks of the given sizes.
func UnpackBlocks(x []float64, sizes ...int) ([][]float64, error) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != len(x) {
		return nil, fmt.Errorf("block sizes sum to %d but vector has length %d", total, len(x))
	}
	blocks := make([][]float64, len(sizes))
	off := 0
	for i, s := range sizes {
		blocks[i] = x[off : off+s]
		off += s
	}
	return blocks, nil
}
