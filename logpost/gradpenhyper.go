package logpost

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/rff"
)

// RffGradPenHyper extends RffGradPen with a free lengthscale ℓ and a
// free output-weight prior variance s, each carrying an inverse-gamma
// log-prior (on ℓ² and on s respectively). The packed parameter vector
// is [w_0 … w_{K-1}, ℓ, s].
//
// Because the hidden features and the penalty matrices depend on ℓ,
// they are recomputed from the cached projection x·Wᵗ on every
// evaluation; only the projection itself is precomputed. This
// recomputation dominates the per-evaluation cost and is mandatory
// whenever ℓ is a free variable.
type RffGradPenHyper struct {
	fm *mat.Dense // W, dimHidden x dimIn
	b  []float64
	a  float64 // activation amplitude sqrt(2/K)
	z  *mat.Dense
	y  *mat.VecDense

	dimIn       int
	dimHidden   int
	noiseSig2   float64
	penalty     Penalty
	scaleGlobal []float64

	lenAlpha, lenBeta float64 // inverse-gamma prior on ℓ²
	sigAlpha, sigBeta float64 // inverse-gamma hyperprior on s

	grad []float64
}

// HyperOption defines a functional option for RffGradPenHyper.
type HyperOption func(*RffGradPenHyper)

// WithHyperNoise sets the observation noise variance σ².
func WithHyperNoise(sig2 float64) HyperOption {
	return func(m *RffGradPenHyper) { m.noiseSig2 = sig2 }
}

// WithHyperPenalty selects the penalty form (L1 or L2).
func WithHyperPenalty(p Penalty) HyperOption {
	return func(m *RffGradPenHyper) { m.penalty = p }
}

// WithHyperScales sets the per-input-dimension penalty scales.
func WithHyperScales(scales []float64) HyperOption {
	return func(m *RffGradPenHyper) { m.scaleGlobal = scales }
}

// WithLengthscalePrior sets the inverse-gamma prior shapes of ℓ².
func WithLengthscalePrior(alpha, beta float64) HyperOption {
	return func(m *RffGradPenHyper) { m.lenAlpha, m.lenBeta = alpha, beta }
}

// WithPriorSig2Hyperprior sets the inverse-gamma hyperprior shapes of
// the output-weight prior variance.
func WithPriorSig2Hyperprior(alpha, beta float64) HyperOption {
	return func(m *RffGradPenHyper) { m.sigAlpha, m.sigBeta = alpha, beta }
}

// NewRffGradPenHyper caches the projection x·Wᵗ of the feature map over
// (x, y) and builds the hyperparameter-aware log-posterior.
func NewRffGradPenHyper(fm *rff.FeatureMap, x *mat.Dense, y *mat.VecDense, options ...HyperOption) (*RffGradPenHyper, error) {
	n, _ := x.Dims()
	if y.Len() != n {
		return nil, fmt.Errorf("target length %d != observation count %d", y.Len(), n)
	}
	z, err := fm.XW(x)
	if err != nil {
		return nil, err
	}
	m := &RffGradPenHyper{
		fm:        fm.Weights(),
		b:         fm.Phases(),
		a:         fm.Amplitude(),
		z:         z,
		y:         y,
		dimIn:     fm.DimIn(),
		dimHidden: fm.DimHidden(),
		noiseSig2: 1.0,
		penalty:   PenaltyL1,
		lenAlpha:  1.0,
		lenBeta:   1.0,
		sigAlpha:  1.0,
		sigBeta:   1.0,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.scaleGlobal == nil {
		m.scaleGlobal = make([]float64, m.dimIn)
		for i := range m.scaleGlobal {
			m.scaleGlobal[i] = 1.0
		}
	}
	if len(m.scaleGlobal) != m.dimIn {
		return nil, fmt.Errorf("got %d penalty scales for %d input dimensions", len(m.scaleGlobal), m.dimIn)
	}
	return m, nil
}

// Dim returns the packed parameter count, dimHidden weights plus the
// lengthscale and the prior variance.
func (m *RffGradPenHyper) Dim() int { return m.dimHidden + 2 }

// Unpack splits a packed parameter vector into its blocks.
func (m *RffGradPenHyper) Unpack(x []float64) (w []float64, lengthscale, priorW2Sig2 float64) {
	return x[:m.dimHidden], x[m.dimHidden], x[m.dimHidden+1]
}

// Observe computes the unnormalized log-posterior at the packed
// parameters, caching the analytic gradient for Gradient. Hidden
// features and penalty terms are derived from the current lengthscale.
func (m *RffGradPenHyper) Observe(x []float64) float64 {
	if len(x) != m.Dim() {
		panic(fmt.Sprintf("parameter length %d != packed dimension %d", len(x), m.Dim()))
	}
	w, ell, sig2 := m.Unpack(x)
	n, k := m.z.Dims()
	grad := make([]float64, m.Dim())
	gradW := grad[:m.dimHidden]
	wVec := mat.NewVecDense(m.dimHidden, w)

	// Phase u = z/ℓ + b and its trigonometric parts.
	sinU := mat.NewDense(n, k, nil)
	cosU := mat.NewDense(n, k, nil)
	h := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			u := m.z.At(i, j)/ell + m.b[j]
			s, c := math.Sincos(u)
			sinU.Set(i, j, s)
			cosU.Set(i, j, c)
			h.Set(i, j, m.a*c)
		}
	}

	// Likelihood -1/(2σ²)·‖y - Hw‖².
	r := mat.NewVecDense(n, nil)
	r.MulVec(h, wVec)
	r.SubVec(m.y, r)
	logProb := -mat.Dot(r, r) / (2 * m.noiseSig2)

	htr := mat.NewVecDense(m.dimHidden, nil)
	htr.MulVec(h.T(), r)
	for i := 0; i < m.dimHidden; i++ {
		gradW[i] += htr.AtVec(i) / m.noiseSig2
	}

	// dH/dℓ = a·sin(u)·z/ℓ², so the likelihood contributes
	// (a/(σ²ℓ²))·rᵗ·((sin(u)⊙z)·w) to the lengthscale gradient.
	sz := mat.NewDense(n, k, nil)
	sz.MulElem(sinU, m.z)
	p := mat.NewVecDense(n, nil)
	p.MulVec(sz, wVec)
	gradEll := m.a / (m.noiseSig2 * ell * ell) * mat.Dot(r, p)

	// Ridge prior -wᵗw/(2s) with s free.
	ww := 0.0
	for i, wi := range w {
		ww += wi * wi
		gradW[i] -= wi / sig2
	}
	logProb -= ww / (2 * sig2)
	gradSig := ww / (2 * sig2 * sig2)

	// Hyperpriors on s and on ℓ².
	logProb += logProbInvGamma(sig2, m.sigAlpha, m.sigBeta)
	gradSig += dLogProbInvGamma(sig2, m.sigAlpha, m.sigBeta)
	logProb += logProbInvGamma(ell*ell, m.lenAlpha, m.lenBeta)
	gradEll += dLogProbInvGamma(ell*ell, m.lenAlpha, m.lenBeta) * 2 * ell

	// Gradient penalties. With J_d[n,k] = -a·W[k,d]/ℓ·sin(u[n,k]) the
	// directional derivative along dimension d is g_d = M·v_d where
	// M = -(a/ℓ)·sin(u) and v_d[k] = W[k,d]·w[k]; the penalty argument
	// is q_d = ‖g_d‖²/n. The lengthscale sensitivity of g_d is
	// (a/ℓ²)·C·v_d with C = cos(u)⊙z/ℓ + sin(u).
	mMat := mat.NewDense(n, k, nil)
	cMat := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			mMat.Set(i, j, -m.a/ell*sinU.At(i, j))
			cMat.Set(i, j, cosU.At(i, j)*m.z.At(i, j)/ell+sinU.At(i, j))
		}
	}
	vd := mat.NewVecDense(m.dimHidden, nil)
	gd := mat.NewVecDense(n, nil)
	dgd := mat.NewVecDense(n, nil)
	mtg := mat.NewVecDense(m.dimHidden, nil)
	for d := 0; d < m.dimIn; d++ {
		for j := 0; j < m.dimHidden; j++ {
			vd.SetVec(j, m.fm.At(j, d)*w[j])
		}
		gd.MulVec(mMat, vd)
		q := mat.Dot(gd, gd) / float64(n)

		// dq/dw and dq/dℓ before the penalty chain rule.
		mtg.MulVec(mMat.T(), gd)
		dgd.MulVec(cMat, vd)
		dqdEll := 2 / float64(n) * m.a / (ell * ell) * mat.Dot(gd, dgd)

		scale := m.scaleGlobal[d]
		var coef float64
		switch m.penalty {
		case PenaltyL1:
			norm := clampSqrt(q)
			logProb -= scale * norm
			coef = scale / (2 * norm)
		case PenaltyL2:
			logProb -= scale * q
			coef = scale
		}
		for j := 0; j < m.dimHidden; j++ {
			gradW[j] -= coef * 2 / float64(n) * m.fm.At(j, d) * mtg.AtVec(j)
		}
		gradEll -= coef * dqdEll
	}

	grad[m.dimHidden] = gradEll
	grad[m.dimHidden+1] = gradSig
	m.grad = grad
	return logProb
}

// Gradient returns the analytic gradient of the last Observe call.
func (m *RffGradPenHyper) Gradient() []float64 {
	return m.grad
}
