package layers

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mathext"
)

// HorseshoeLayer places a horseshoe shrinkage prior over per-dimension
// relevance scales. Each local scale s_d and the shared global scale g
// carry the half-Cauchy prior in its inverse-gamma decomposition
//
//	s_d² | ν_d ~ InvGamma(1/2, 1/ν_d),  ν_d ~ InvGamma(1/2, 1/b₀²)
//
// with a log-normal variational family q(log s_d²) = N(μ_d, σ_d²) and
// inverse-gamma variational factors over the auxiliaries. The μ, σ
// parameters are trained by gradient, while the auxiliary rates are
// refreshed by closed-form fixed-point updates: one block of a
// partially collapsed Gibbs scheme rather than a gradient step.
type HorseshoeLayer struct {
	dimIn    int
	b0Local  float64
	b0Global float64
	seed     uint64
	rng      *rand.Rand

	sMu  *Parameter // local log-scale² means
	sRho *Parameter // local unconstrained log-scale² spreads
	gMu  *Parameter // global log-scale² mean (length 1)
	gRho *Parameter // global unconstrained spread (length 1)

	nuB []float64 // auxiliary rates b_ν (shape is fixed at 1)
	xiB float64   // global auxiliary rate b_ξ

	epsLocal  []float64
	epsGlobal float64
	scales    []float64 // stored sample of s_d · g
	stored    bool
}

func newHorseshoeLayer(dimIn int, cfg Config) *HorseshoeLayer {
	l := &HorseshoeLayer{
		dimIn:    dimIn,
		b0Local:  cfg.b0Local,
		b0Global: cfg.b0Global,
		sMu:      NewParameter("s_mu", dimIn),
		sRho:     NewParameter("s_rho", dimIn),
		gMu:      NewParameter("g_mu", 1),
		gRho:     NewParameter("g_rho", 1),
		nuB:      make([]float64, dimIn),
		epsLocal: make([]float64, dimIn),
	}
	l.InitParameters(cfg.seed)
	return l
}

// Kind returns Horseshoe.
func (l *HorseshoeLayer) Kind() Kind { return Horseshoe }

// DimIn returns the number of input dimensions.
func (l *HorseshoeLayer) DimIn() int { return l.dimIn }

// InitParameters resets the variational parameters so the scales start
// near 1 with small spread, and seeds the auxiliary rates with one
// fixed-point pass.
func (l *HorseshoeLayer) InitParameters(seed uint64) {
	l.seed = seed
	l.rng = rand.New(rand.NewPCG(seed, seed))
	rhoInit := softplusInv(0.1)
	for d := 0; d < l.dimIn; d++ {
		l.sMu.Value[d] = 0.01 * l.rng.NormFloat64()
		l.sRho.Value[d] = rhoInit
	}
	l.gMu.Value[0] = 0.01 * l.rng.NormFloat64()
	l.gRho.Value[0] = rhoInit
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}
	l.stored = false
	l.scales = nil
	l.FixedPointUpdates()
}

// invScaleMoment computes E_q[1/s²] = exp(-μ + σ²/2) of the log-normal
// variational factor.
func invScaleMoment(mu, sigma float64) float64 {
	return math.Exp(-mu + 0.5*sigma*sigma)
}

// SampleVariational draws a reparameterized sample of the effective
// per-dimension scales s_d · g.
func (l *HorseshoeLayer) SampleVariational(store bool) []float64 {
	epsG := l.rng.NormFloat64()
	sigmaG := softplus(l.gRho.Value[0])
	g := math.Exp(0.5 * (l.gMu.Value[0] + sigmaG*epsG))

	scales := make([]float64, l.dimIn)
	eps := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		eps[d] = l.rng.NormFloat64()
		sigma := softplus(l.sRho.Value[d])
		scales[d] = math.Exp(0.5*(l.sMu.Value[d]+sigma*eps[d])) * g
	}
	if store {
		copy(l.epsLocal, eps)
		l.epsGlobal = epsG
		l.scales = scales
		l.stored = true
	}
	return scales
}

// StoredScales returns the stored sample of the effective scales.
func (l *HorseshoeLayer) StoredScales() ([]float64, error) {
	if !l.stored {
		return nil, errors.New("no stored variational sample; call SampleVariational(true) first")
	}
	return l.scales, nil
}

// MeanScales returns the variational posterior mean of the effective
// scales, E[s_d]·E[g] of the log-normal factors.
func (l *HorseshoeLayer) MeanScales() []float64 {
	sigmaG := softplus(l.gRho.Value[0])
	meanG := math.Exp(0.5*l.gMu.Value[0] + sigmaG*sigmaG/8)
	scales := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.sRho.Value[d])
		scales[d] = math.Exp(0.5*l.sMu.Value[d]+sigma*sigma/8) * meanG
	}
	return scales
}

// FixedPointUpdates refreshes the auxiliary inverse-gamma rates from
// the current variational parameters:
//
//	b_ν = E[1/s²] + 1/b₀²
//
// The shape parameters are constant (1/2 + 1/2), so the rates are the
// only moving part of the auxiliary block.
func (l *HorseshoeLayer) FixedPointUpdates() {
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.sRho.Value[d])
		l.nuB[d] = invScaleMoment(l.sMu.Value[d], sigma) + 1/(l.b0Local*l.b0Local)
	}
	sigmaG := softplus(l.gRho.Value[0])
	l.xiB = invScaleMoment(l.gMu.Value[0], sigmaG) + 1/(l.b0Global*l.b0Global)
}

// klLogNormalCond is the KL of a log-normal factor LogNormal(μ, σ²) to
// the conditional prior InvGamma(1/2, 1/ν), in expectation over the
// auxiliary factor q(ν) = InvGamma(1, bAux).
func klLogNormalCond(mu, sigma, bAux float64) float64 {
	lgHalf, _ := math.Lgamma(0.5)
	eLogQ := -mu - 0.5*math.Log(2*math.Pi*sigma*sigma) - 0.5
	eLogP := 0.5*(mathext.Digamma(1)-math.Log(bAux)) - lgHalf - 1.5*mu -
		invScaleMoment(mu, sigma)/bAux
	return eLogQ - eLogP
}

// klAux is the KL of the auxiliary factor InvGamma(1, bAux) to its
// prior InvGamma(1/2, 1/b₀²).
func klAux(bAux, b0 float64) float64 {
	lgHalf, _ := math.Lgamma(0.5)
	eLogQ := -math.Log(bAux) + 2*mathext.Digamma(1) - 1
	eLogP := -math.Log(b0) - lgHalf - 1.5*(math.Log(bAux)-mathext.Digamma(1)) -
		1/(b0*b0*bAux)
	return eLogQ - eLogP
}

// KLDivergence assembles the layer KL from the local and global
// log-normal factors and their auxiliaries.
func (l *HorseshoeLayer) KLDivergence() float64 {
	kl := 0.0
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.sRho.Value[d])
		kl += klLogNormalCond(l.sMu.Value[d], sigma, l.nuB[d])
		kl += klAux(l.nuB[d], l.b0Local)
	}
	sigmaG := softplus(l.gRho.Value[0])
	kl += klLogNormalCond(l.gMu.Value[0], sigmaG, l.xiB)
	kl += klAux(l.xiB, l.b0Global)
	return kl
}

// AccumulateScaleGradients chains dLoss/dScale through the stored
// reparameterized sample. Both the local and the global factor receive
// gradient since the effective scale is their product.
func (l *HorseshoeLayer) AccumulateScaleGradients(dScale []float64) error {
	if !l.stored {
		return errors.New("no stored variational sample to backpropagate through")
	}
	if len(dScale) != l.dimIn {
		return errors.New("scale gradient dimension mismatch")
	}
	sgG := sigmoid(l.gRho.Value[0])
	for d := 0; d < l.dimIn; d++ {
		dm := dScale[d] * 0.5 * l.scales[d]
		l.sMu.Grad[d] += dm
		l.sRho.Grad[d] += dm * l.epsLocal[d] * sigmoid(l.sRho.Value[d])
		l.gMu.Grad[0] += dm
		l.gRho.Grad[0] += dm * l.epsGlobal * sgG
	}
	return nil
}

// AccumulateKLGradients adds temperature-weighted gradients of the KL
// with the auxiliary rates held fixed; gradients do not flow through
// the fixed-point block.
func (l *HorseshoeLayer) AccumulateKLGradients(temperature float64) {
	for d := 0; d < l.dimIn; d++ {
		sigma := softplus(l.sRho.Value[d])
		eInv := invScaleMoment(l.sMu.Value[d], sigma)
		dMu := 0.5 - eInv/l.nuB[d]
		dSigma := -1/sigma + sigma*eInv/l.nuB[d]
		l.sMu.Grad[d] += temperature * dMu
		l.sRho.Grad[d] += temperature * dSigma * sigmoid(l.sRho.Value[d])
	}
	sigmaG := softplus(l.gRho.Value[0])
	eInvG := invScaleMoment(l.gMu.Value[0], sigmaG)
	l.gMu.Grad[0] += temperature * (0.5 - eInvG/l.xiB)
	l.gRho.Grad[0] += temperature * (-1/sigmaG + sigmaG*eInvG/l.xiB) * sigmoid(l.gRho.Value[0])
}

// Parameters returns the gradient-trained variational parameters.
func (l *HorseshoeLayer) Parameters() []*Parameter {
	return []*Parameter{l.sMu, l.sRho, l.gMu, l.gRho}
}

// State returns a snapshot of the layer state, including the auxiliary
// rates, for checkpointing.
func (l *HorseshoeLayer) State() map[string][]float64 {
	return map[string][]float64{
		"s_mu":  append([]float64(nil), l.sMu.Value...),
		"s_rho": append([]float64(nil), l.sRho.Value...),
		"g_mu":  append([]float64(nil), l.gMu.Value...),
		"g_rho": append([]float64(nil), l.gRho.Value...),
		"nu_b":  append([]float64(nil), l.nuB...),
		"xi_b":  {l.xiB},
	}
}

// SetState restores a snapshot produced by State.
func (l *HorseshoeLayer) SetState(state map[string][]float64) error {
	if err := copyState(state, "s_mu", l.sMu.Value); err != nil {
		return err
	}
	if err := copyState(state, "s_rho", l.sRho.Value); err != nil {
		return err
	}
	if err := copyState(state, "g_mu", l.gMu.Value); err != nil {
		return err
	}
	if err := copyState(state, "g_rho", l.gRho.Value); err != nil {
		return err
	}
	if err := copyState(state, "nu_b", l.nuB); err != nil {
		return err
	}
	xi := make([]float64, 1)
	if err := copyState(state, "xi_b", xi); err != nil {
		return err
	}
	l.xiB = xi[0]
	return nil
}
