// Package models assembles sparse random-feature Bayesian networks
// from the feature map, a variational selection layer, and the
// conjugate output layer, and exposes the training objectives the
// training loop drives: reparameterized negative-ELBO gradients for
// the horseshoe/logit-normal models and score-function gradients for
// the beta model.
package models

import (
	"math"
	"math/rand/v2"

	"bitbucket.org/dtolpin/infergo/dist"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoiseEstimate selects how the noise precision is read off its
// Gamma(α, β) state when the noise is inferred: either the point
// estimate α/β or a draw from the distribution.
type NoiseEstimate int

const (
	// NoiseMean uses the point estimate α/β.
	NoiseMean NoiseEstimate = iota
	// NoiseSample draws the precision from Gamma(α, β).
	NoiseSample
)

// noiseState tracks the Gamma shape/rate state of an inferred noise
// precision, updated once per epoch from the residual sum of squares.
type noiseState struct {
	infer      bool
	alphaPrior float64
	betaPrior  float64
	alpha      float64
	beta       float64
	estimate   NoiseEstimate
	src        rand.Source
}

// reset restores the prior state.
func (ns *noiseState) reset() {
	ns.alpha = ns.alphaPrior
	ns.beta = ns.betaPrior
}

// precision returns the current noise precision; fixed is used when
// the noise is not inferred.
func (ns *noiseState) precision(fixed float64) float64 {
	if !ns.infer {
		return fixed
	}
	if ns.estimate == NoiseSample {
		return distuv.Gamma{Alpha: ns.alpha, Beta: ns.beta, Src: ns.src}.Rand()
	}
	return ns.alpha / ns.beta
}

// update refreshes the Gamma state from the residual sum of squares of
// n observations, tempered by the annealing temperature.
func (ns *noiseState) update(n int, ssr, temperature float64) {
	ns.alpha = ns.alphaPrior + temperature*0.5*float64(n)
	ns.beta = ns.betaPrior + temperature*0.5*ssr
}

// state serializes the Gamma state for checkpoints.
func (ns *noiseState) state() []float64 {
	return []float64{ns.alpha, ns.beta}
}

func (ns *noiseState) setState(v []float64) {
	ns.alpha, ns.beta = v[0], v[1]
}

// gaussianLogProb is the Gaussian log-likelihood of the targets under
// predictions with precision sig2Inv:
//
//	-N/2·log 2π + N/2·log β - β/2·Σ(y-ŷ)²
func gaussianLogProb(y, yPred *mat.VecDense, sig2Inv float64) float64 {
	sigma := 1 / math.Sqrt(sig2Inv)
	logLik := 0.0
	for i := 0; i < y.Len(); i++ {
		logLik += dist.Normal.Logp(yPred.AtVec(i), sigma, y.AtVec(i))
	}
	return logLik
}

// sumSquaredResiduals computes Σ(y-ŷ)².
func sumSquaredResiduals(y, yPred *mat.VecDense) float64 {
	ssr := 0.0
	for i := 0; i < y.Len(); i++ {
		d := y.AtVec(i) - yPred.AtVec(i)
		ssr += d * d
	}
	return ssr
}

// copyStateVec fetches a named state vector of the expected length.
func copyStateVec(state map[string][]float64, name string, n int) ([]float64, bool) {
	v, ok := state[name]
	if !ok || len(v) != n {
		return nil, false
	}
	return append([]float64(nil), v...), true
}

// splitState partitions a flat prefixed state map ("in.loc", "out.mu")
// into per-component maps.
func splitState(state map[string][]float64, prefix string) map[string][]float64 {
	out := make(map[string][]float64)
	for k, v := range state {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out
}
