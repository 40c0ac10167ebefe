package layers

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// sampleClamp keeps Beta draws away from the log singularities at 0
// and 1 when evaluating log-densities of the sample.
const sampleClamp = 1e-12

// BetaLayer places a Beta variational family over per-dimension
// inclusion scales s in (0, 1):
//
//	q(s_d) = Beta(a_d, b_d),  a_d = softplus(aRaw_d),  b_d = softplus(bRaw_d)
//
// with a Beta(a₀, b₀) prior. Beta draws are not reparameterizable, so
// the layer is trained with the score-function estimator: the gradient
// of the negative ELBO is assembled from two explicit pieces,
// -logLik·∇log q and temperature·∇KL, computed by LogQGradients and
// KLGradients.
type BetaLayer struct {
	dimIn  int
	priorA float64
	priorB float64
	seed   uint64
	src    rand.Source
	rng    *rand.Rand

	aRaw *Parameter // unconstrained first shape parameters
	bRaw *Parameter // unconstrained second shape parameters

	scales []float64 // stored sample
	stored bool
}

func newBetaLayer(dimIn int, cfg Config) *BetaLayer {
	l := &BetaLayer{
		dimIn:  dimIn,
		priorA: cfg.betaA,
		priorB: cfg.betaB,
		aRaw:   NewParameter("s_a", dimIn),
		bRaw:   NewParameter("s_b", dimIn),
	}
	l.InitParameters(cfg.seed)
	return l
}

// Kind returns Beta.
func (l *BetaLayer) Kind() Kind { return Beta }

// DimIn returns the number of input dimensions.
func (l *BetaLayer) DimIn() int { return l.dimIn }

// InitParameters resets the shape parameters near the prior.
func (l *BetaLayer) InitParameters(seed uint64) {
	l.seed = seed
	l.src = rand.NewPCG(seed, seed)
	l.rng = rand.New(l.src)
	for d := 0; d < l.dimIn; d++ {
		l.aRaw.Value[d] = softplusInv(l.priorA) + 0.01*l.rng.NormFloat64()
		l.bRaw.Value[d] = softplusInv(l.priorB) + 0.01*l.rng.NormFloat64()
	}
	l.aRaw.ZeroGrad()
	l.bRaw.ZeroGrad()
	l.stored = false
	l.scales = nil
}

// shapes returns the constrained shape parameters for dimension d.
func (l *BetaLayer) shapes(d int) (float64, float64) {
	return softplus(l.aRaw.Value[d]), softplus(l.bRaw.Value[d])
}

// SampleVariational draws inclusion scales from the Beta factors.
func (l *BetaLayer) SampleVariational(store bool) []float64 {
	scales := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		s := distuv.Beta{Alpha: a, Beta: b, Src: l.src}.Rand()
		scales[d] = math.Min(math.Max(s, sampleClamp), 1-sampleClamp)
	}
	if store {
		l.scales = scales
		l.stored = true
	}
	return scales
}

// StoredScales returns the stored sample of the scales.
func (l *BetaLayer) StoredScales() ([]float64, error) {
	if !l.stored {
		return nil, errors.New("no stored variational sample; call SampleVariational(true) first")
	}
	return l.scales, nil
}

// MeanScales returns the Beta means a/(a+b).
func (l *BetaLayer) MeanScales() []float64 {
	scales := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		scales[d] = a / (a + b)
	}
	return scales
}

// FixedPointUpdates is a no-op: the Beta family has no auxiliary
// latent variables.
func (l *BetaLayer) FixedPointUpdates() {}

// KLDivergence returns KL(Beta(a,b) || Beta(a₀,b₀)) summed over input
// dimensions.
func (l *BetaLayer) KLDivergence() float64 {
	kl := 0.0
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		kl += betaKL(a, b, l.priorA, l.priorB)
	}
	return kl
}

// trigamma is ψ₁(x) = ζ(2, x), the Hurwitz zeta at s=2, valid for the
// positive shapes the layer produces.
func trigamma(x float64) float64 {
	return mathext.Zeta(2, x)
}

func betaKL(a, b, a0, b0 float64) float64 {
	lgAB, _ := math.Lgamma(a + b)
	lgA, _ := math.Lgamma(a)
	lgB, _ := math.Lgamma(b)
	lgAB0, _ := math.Lgamma(a0 + b0)
	lgA0, _ := math.Lgamma(a0)
	lgB0, _ := math.Lgamma(b0)
	return lgAB - lgA - lgB - lgAB0 + lgA0 + lgB0 +
		(a-a0)*mathext.Digamma(a) + (b-b0)*mathext.Digamma(b) -
		(a+b-a0-b0)*mathext.Digamma(a+b)
}

// LogProbVariational returns log q of the stored sample.
func (l *BetaLayer) LogProbVariational() (float64, error) {
	if !l.stored {
		return 0, errors.New("no stored variational sample")
	}
	logQ := 0.0
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		logQ += distuv.Beta{Alpha: a, Beta: b}.LogProb(l.scales[d])
	}
	return logQ, nil
}

// LogQGradients returns d(log q)/dθ at the stored sample with respect
// to the raw parameters, in Parameters() order. This is the first of
// the two pure gradient functions the score estimator composes.
func (l *BetaLayer) LogQGradients() ([][]float64, error) {
	if !l.stored {
		return nil, errors.New("no stored variational sample")
	}
	da := make([]float64, l.dimIn)
	db := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		s := l.scales[d]
		psiAB := mathext.Digamma(a + b)
		da[d] = (psiAB - mathext.Digamma(a) + math.Log(s)) * sigmoid(l.aRaw.Value[d])
		db[d] = (psiAB - mathext.Digamma(b) + math.Log(1-s)) * sigmoid(l.bRaw.Value[d])
	}
	return [][]float64{da, db}, nil
}

// KLGradients returns dKL/dθ with respect to the raw parameters, in
// Parameters() order. This is the second pure gradient function of the
// score estimator.
func (l *BetaLayer) KLGradients() [][]float64 {
	da := make([]float64, l.dimIn)
	db := make([]float64, l.dimIn)
	for d := 0; d < l.dimIn; d++ {
		a, b := l.shapes(d)
		tgAB := trigamma(a + b)
		excess := a + b - l.priorA - l.priorB
		dKLda := (a-l.priorA)*trigamma(a) - excess*tgAB
		dKLdb := (b-l.priorB)*trigamma(b) - excess*tgAB
		da[d] = dKLda * sigmoid(l.aRaw.Value[d])
		db[d] = dKLdb * sigmoid(l.bRaw.Value[d])
	}
	return [][]float64{da, db}
}

// AccumulateScoreGradients adds the score-function gradient of the
// negative ELBO,
//
//	grad = -logLik·d(log q)/dθ + temperature·dKL/dθ
//
// to the parameter gradient buffers. The two pieces come from separate
// evaluations, mirroring the two independent gradient passes the
// estimator requires.
func (l *BetaLayer) AccumulateScoreGradients(logLik, temperature float64) error {
	gradQ, err := l.LogQGradients()
	if err != nil {
		return err
	}
	gradKL := l.KLGradients()
	params := l.Parameters()
	for i, p := range params {
		for d := range p.Grad {
			p.Grad[d] += -logLik*gradQ[i][d] + temperature*gradKL[i][d]
		}
	}
	return nil
}

// Parameters returns the gradient-trained variational parameters.
func (l *BetaLayer) Parameters() []*Parameter {
	return []*Parameter{l.aRaw, l.bRaw}
}

// State returns a snapshot of the layer state for checkpointing.
func (l *BetaLayer) State() map[string][]float64 {
	return map[string][]float64{
		"s_a": append([]float64(nil), l.aRaw.Value...),
		"s_b": append([]float64(nil), l.bRaw.Value...),
	}
}

// SetState restores a snapshot produced by State.
func (l *BetaLayer) SetState(state map[string][]float64) error {
	if err := copyState(state, "s_a", l.aRaw.Value); err != nil {
		return err
	}
	return copyState(state, "s_b", l.bRaw.Value)
}
