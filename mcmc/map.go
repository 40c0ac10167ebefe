package mcmc

import (
	"fmt"
	"math"
)

// MAPConfig configures the MAP gradient optimization.
type MAPConfig struct {
	Iterations   int     // fixed iteration budget
	LearningRate float64
	ClipValue    float64 // per-component gradient clip, 0 disables
	GradTol      float64 // convergence threshold on the gradient inf-norm
}

// DefaultMAPConfig mirrors the original MAP settings: 500 SGD steps at
// learning rate 1e-3 with gradients clipped to ±100.
func DefaultMAPConfig() MAPConfig {
	return MAPConfig{
		Iterations:   500,
		LearningRate: 1e-3,
		ClipValue:    100,
		GradTol:      1e-6,
	}
}

// MAPResult holds the optimization outcome. Failed reports a
// non-finite log-density or gradient; the caller decides on a retry
// policy. X is in the original (constrained) domain.
type MAPResult struct {
	X          []float64
	LogProb    float64
	Iterations int
	Converged  bool
	Failed     bool
}

// MAP maximizes the model's log-density by gradient ascent under a
// softplus reparameterization of the components marked positive. The
// raw (unconstrained) state is initialized to init, so a positive
// component starts at softplus(init_i), matching the original
// optimizer's initialization. The returned X maps the raw optimum back
// to the original domain.
func MAP(m GradModel, init []float64, positive []bool, cfg MAPConfig) (*MAPResult, error) {
	if len(init) == 0 {
		return nil, fmt.Errorf("empty initial state")
	}
	if positive != nil && len(positive) != len(init) {
		return nil, fmt.Errorf("positivity mask length %d != state length %d", len(positive), len(init))
	}
	if cfg.Iterations <= 0 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid optimization settings: %d iterations, learning rate %f", cfg.Iterations, cfg.LearningRate)
	}

	raw := append([]float64(nil), init...)
	x := make([]float64, len(raw))
	res := &MAPResult{}

	constrain := func() {
		for i, r := range raw {
			if positive != nil && positive[i] {
				x[i] = softplus(r)
			} else {
				x[i] = r
			}
		}
	}

	for iter := 0; iter < cfg.Iterations; iter++ {
		constrain()
		lp := m.Observe(x)
		grad := m.Gradient()
		if !math.IsInf(lp, 0) && !math.IsNaN(lp) {
			res.LogProb = lp
		} else {
			res.Failed = true
			break
		}

		gradNorm := 0.0
		ok := true
		for i := range raw {
			g := grad[i]
			if positive != nil && positive[i] {
				g *= sigmoid(raw[i]) // chain rule of the softplus transform
			}
			if math.IsInf(g, 0) || math.IsNaN(g) {
				ok = false
				break
			}
			if cfg.ClipValue > 0 {
				g = math.Max(-cfg.ClipValue, math.Min(cfg.ClipValue, g))
			}
			gradNorm = math.Max(gradNorm, math.Abs(g))
			raw[i] += cfg.LearningRate * g
		}
		res.Iterations = iter + 1
		if !ok {
			res.Failed = true
			break
		}
		if cfg.GradTol > 0 && gradNorm <= cfg.GradTol {
			res.Converged = true
			break
		}
	}

	constrain()
	res.X = append([]float64(nil), x...)
	return res, nil
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
