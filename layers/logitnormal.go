package layers

import (
	"errors"
	"math"
	"math/rand/v2"
)

// LogitNormalLayer places a logistic-normal variational distribution
// over per-dimension inclusion scales s in (0, 1):
//
//	z_d ~ N(loc_d, σ_d²),  s_d = sigmoid(z_d),  σ_d = softplus(ρ_d)
//
// with a standard normal prior on the logit. The sample is
// reparameterized, so gradients chain through the stored draw.
type LogitNormalLayer struct {
	dimIn int
	seed  uint64
	rng   *rand.Rand

	loc *Parameter // variational means of the logits
	rho *Parameter // unconstrained variational scales

	eps    []float64 // noise of the stored sample
	scales []float64 // stored sample, sigmoid(loc + σ·eps)
	stored bool
}

func newLogitNormalLayer(dimIn int, cfg Config) *LogitNormalLayer {
	l := &LogitNormalLayer{
		dimIn: dimIn,
		seed:  cfg.seed,
		loc:   NewParameter("s_loc", dimIn),
		rho:   NewParameter("s_rho", dimIn),
		eps:   make([]float64, dimIn),
	}
	l.InitParameters(cfg.seed)
	return l
}

// Kind returns LogitNormal.
func (l *LogitNormalLayer) Kind() Kind { return LogitNormal }

// DimIn returns the number of input dimensions.
func (l *LogitNormalLayer) DimIn() int { return l.dimIn }

// InitParameters resets the variational parameters: logit means at zero
// (scales near 1/2) and small initial variational spread.
func (l *LogitNormalLayer) InitParameters(seed uint64) {
	l.seed = seed
	l.rng = rand.New(rand.NewPCG(seed, seed))
	rhoInit := softplusInv(0.1)
	for d := 0; d < l.dimIn; d++ {
		l.loc.Value[d] = 0.01 * l.rng.NormFloat64()
		l.rho.Value[d] = rhoInit
	}
	l.loc.ZeroGrad()
	l.rho.ZeroGrad()
	l.stored = false
	l.scales = nil
}

// SampleVariational draws a reparameterized sample of the scales.
func (l *LogitNormalLayer) SampleVariational(store bool) []float64 {
	scales := make([]float64, l.dimIn)
	eps := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		eps[d] = l.rng.NormFloat64()
		sigma := softplus(l.rho.Value[d])
		scales[d] = sigmoid(l.loc.Value[d] + sigma*eps[d])
	}
	if store {
		copy(l.eps, eps)
		l.scales = scales
		l.stored = true
	}
	return scales
}

// StoredScales returns the stored sample of the scales.
func (l *LogitNormalLayer) StoredScales() ([]float64, error) {
	if !l.stored {
		return nil, errors.New("no stored variational sample; call SampleVariational(true) first")
	}
	return l.scales, nil
}

// MeanScales returns the approximate posterior mean of the scales using
// the probit approximation to the logistic-normal mean.
func (l *LogitNormalLayer) MeanScales() []float64 {
	scales := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.rho.Value[d])
		scales[d] = sigmoid(l.loc.Value[d] / math.Sqrt(1+math.Pi*sigma*sigma/8))
	}
	return scales
}

// FixedPointUpdates is a no-op: the logistic-normal family has no
// auxiliary latent variables.
func (l *LogitNormalLayer) FixedPointUpdates() {}

// KLDivergence returns KL(N(loc, σ²) || N(0, 1)) summed over input
// dimensions, the KL of the variational logits to their prior.
func (l *LogitNormalLayer) KLDivergence() float64 {
	kl := 0.0
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.rho.Value[d])
		loc := l.loc.Value[d]
		kl += 0.5*(sigma*sigma+loc*loc-1) - math.Log(sigma)
	}
	return kl
}

// AccumulateScaleGradients chains dLoss/dScale through the stored
// reparameterized sample into the parameter gradients.
func (l *LogitNormalLayer) AccumulateScaleGradients(dScale []float64) error {
	if !l.stored {
		return errors.New("no stored variational sample to backpropagate through")
	}
	if len(dScale) != l.dimIn {
		return errors.New("scale gradient dimension mismatch")
	}
	for d := 0; d < l.dimIn; d++ {
		s := l.scales[d]
		dz := dScale[d] * s * (1 - s)
		l.loc.Grad[d] += dz
		l.rho.Grad[d] += dz * l.eps[d] * sigmoid(l.rho.Value[d])
	}
	return nil
}

// AccumulateKLGradients adds temperature-weighted KL gradients.
func (l *LogitNormalLayer) AccumulateKLGradients(temperature float64) {
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.rho.Value[d])
		l.loc.Grad[d] += temperature * l.loc.Value[d]
		l.rho.Grad[d] += temperature * (sigma - 1/sigma) * sigmoid(l.rho.Value[d])
	}
}

// Parameters returns the gradient-trained variational parameters.
func (l *LogitNormalLayer) Parameters() []*Parameter {
	return []*Parameter{l.loc, l.rho}
}

// State returns a snapshot of the layer state for checkpointing.
func (l *LogitNormalLayer) State() map[string][]float64 {
	state := map[string][]float64{
		"s_loc": append([]float64(nil), l.loc.Value...),
		"s_rho": append([]float64(nil), l.rho.Value...),
	}
	return state
}

// SetState restores a snapshot produced by State.
func (l *LogitNormalLayer) SetState(state map[string][]float64) error {
	if err := copyState(state, "s_loc", l.loc.Value); err != nil {
		return err
	}
	return copyState(state, "s_rho", l.rho.Value)
}
