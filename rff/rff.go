// Package rff implements random Fourier feature expansions of stationary
// kernels, together with the analytic Jacobians and gradient-penalty
// matrices used by sparse Bayesian regression on top of them.
package rff

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// FeatureMap maps raw inputs to a random cosine feature basis
//
//	h(x) = sqrt(2/K) * cos(x·Wᵗ/ℓ + b)
//
// approximating an RBF kernel with lengthscale ℓ and K hidden units.
// The random weights W are stored unscaled (standard normal) and the
// lengthscale is applied at evaluation time, so the effective weights
// are N(0, 1/ℓ²) per element. A FeatureMap is immutable after
// construction; Resample returns a fresh one instead of mutating.
type FeatureMap struct {
	dimIn       int
	dimHidden   int
	lengthscale float64
	seed        uint64

	w *mat.Dense // dimHidden x dimIn, W ~ N(0, 1)
	b []float64  // phases, b ~ Uniform(0, 2π)
}

// Option defines a functional option for configuring a FeatureMap.
type Option func(*FeatureMap)

// WithLengthscale sets the kernel lengthscale.
func WithLengthscale(lengthscale float64) Option {
	return func(f *FeatureMap) {
		f.lengthscale = lengthscale
	}
}

// WithRandomSeed sets the seed used to sample the random features.
func WithRandomSeed(seed uint64) Option {
	return func(f *FeatureMap) {
		f.seed = seed
	}
}

// New creates a feature map with freshly sampled random weights and phases.
func New(dimIn, dimHidden int, options ...Option) (*FeatureMap, error) {
	if dimIn <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", dimIn)
	}
	if dimHidden <= 0 {
		return nil, fmt.Errorf("hidden dimension must be positive, got %d", dimHidden)
	}

	f := &FeatureMap{
		dimIn:       dimIn,
		dimHidden:   dimHidden,
		lengthscale: 1.0,
		seed:        rand.Uint64(),
	}
	for _, opt := range options {
		opt(f)
	}
	if f.lengthscale <= 0 {
		return nil, fmt.Errorf("lengthscale must be positive, got %f", f.lengthscale)
	}

	rng := rand.New(rand.NewPCG(f.seed, f.seed))
	wData := make([]float64, dimHidden*dimIn)
	for i := range wData {
		wData[i] = rng.NormFloat64()
	}
	f.w = mat.NewDense(dimHidden, dimIn, wData)

	f.b = make([]float64, dimHidden)
	for i := range f.b {
		f.b[i] = rng.Float64() * 2 * math.Pi
	}

	return f, nil
}

// Resample returns a new feature map with the same configuration but
// freshly sampled weights and phases.
func (f *FeatureMap) Resample(seed uint64) (*FeatureMap, error) {
	return New(f.dimIn, f.dimHidden, WithLengthscale(f.lengthscale), WithRandomSeed(seed))
}

// DimIn returns the input dimension.
func (f *FeatureMap) DimIn() int { return f.dimIn }

// DimHidden returns the number of hidden units.
func (f *FeatureMap) DimHidden() int { return f.dimHidden }

// Lengthscale returns the configured kernel lengthscale.
func (f *FeatureMap) Lengthscale() float64 { return f.lengthscale }

// Amplitude returns the activation amplitude sqrt(2/K).
func (f *FeatureMap) Amplitude() float64 {
	return math.Sqrt(2 / float64(f.dimHidden))
}

// Weights returns the raw (unscaled) random weight matrix.
func (f *FeatureMap) Weights() *mat.Dense { return f.w }

// Phases returns the random phase vector.
func (f *FeatureMap) Phases() []float64 { return f.b }

// XW computes the projection x·Wᵗ (n x dimHidden). The product does not
// depend on the lengthscale and can be cached across evaluations with
// different lengthscales.
func (f *FeatureMap) XW(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	if d != f.dimIn {
		return nil, fmt.Errorf("input dimension %d != feature map dimension %d", d, f.dimIn)
	}
	xw := mat.NewDense(n, f.dimHidden, nil)
	xw.Mul(x, f.w.T())
	return xw, nil
}

// ScaledXW computes (x ⊙ s)·Wᵗ where s scales each input dimension.
// Selection layers use the per-dimension scales as relevance weights.
func (f *FeatureMap) ScaledXW(x *mat.Dense, scales []float64) (*mat.Dense, error) {
	n, d := x.Dims()
	if d != f.dimIn {
		return nil, fmt.Errorf("input dimension %d != feature map dimension %d", d, f.dimIn)
	}
	if len(scales) != f.dimIn {
		return nil, fmt.Errorf("scale dimension %d != feature map dimension %d", len(scales), f.dimIn)
	}
	xs := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			xs.Set(i, j, x.At(i, j)*scales[j])
		}
	}
	xw := mat.NewDense(n, f.dimHidden, nil)
	xw.Mul(xs, f.w.T())
	return xw, nil
}

// Phase computes u = x·Wᵗ/ℓ + b from the cached projection.
func (f *FeatureMap) Phase(xw *mat.Dense, lengthscale float64) *mat.Dense {
	n, k := xw.Dims()
	u := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			u.Set(i, j, xw.At(i, j)/lengthscale+f.b[j])
		}
	}
	return u
}

// FeaturesFromPhase computes h = sqrt(2/K)·cos(u).
func (f *FeatureMap) FeaturesFromPhase(u *mat.Dense) *mat.Dense {
	a := f.Amplitude()
	n, k := u.Dims()
	h := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			h.Set(i, j, a*math.Cos(u.At(i, j)))
		}
	}
	return h
}

// Features computes the hidden representation of x at the configured
// lengthscale. The result is deterministic given the sampled W and b.
func (f *FeatureMap) Features(x *mat.Dense) (*mat.Dense, error) {
	xw, err := f.XW(x)
	if err != nil {
		return nil, err
	}
	return f.FeaturesFromPhase(f.Phase(xw, f.lengthscale)), nil
}

// JacobianFromPhase computes the analytic per-dimension Jacobian slices
//
//	J_d[n,k] = -sqrt(2/K) * W[k,d]/ℓ * sin(u[n,k])
//
// of the hidden units with respect to input dimension d. The returned
// slice has one n x K matrix per input dimension.
func (f *FeatureMap) JacobianFromPhase(u *mat.Dense, lengthscale float64) []*mat.Dense {
	a := f.Amplitude()
	n, k := u.Dims()

	sinU := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			sinU.Set(i, j, math.Sin(u.At(i, j)))
		}
	}

	jac := make([]*mat.Dense, f.dimIn)
	for d := 0; d < f.dimIn; d++ {
		jd := mat.NewDense(n, k, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				jd.Set(i, j, -a*f.w.At(j, d)/lengthscale*sinU.At(i, j))
			}
		}
		jac[d] = jd
	}
	return jac
}

// Jacobian computes the analytic Jacobian of the hidden units with
// respect to the inputs at the configured lengthscale.
func (f *FeatureMap) Jacobian(x *mat.Dense) ([]*mat.Dense, error) {
	xw, err := f.XW(x)
	if err != nil {
		return nil, err
	}
	return f.JacobianFromPhase(f.Phase(xw, f.lengthscale), f.lengthscale), nil
}

// PenaltyMatrices computes the per-dimension gradient-penalty matrices
//
//	A_d = (1/n)·J_dᵗ·J_d   (K x K)
//
// from the Jacobian slices. For a weight vector w, wᵗA_dw is the mean
// squared derivative of the output function along input dimension d,
// so penalizing it selects inputs by functional relevance rather than
// raw weight magnitude.
func PenaltyMatrices(jac []*mat.Dense) []*mat.SymDense {
	a := make([]*mat.SymDense, len(jac))
	for d, jd := range jac {
		n, k := jd.Dims()
		prod := mat.NewDense(k, k, nil)
		prod.Mul(jd.T(), jd)
		prod.Scale(1/float64(n), prod)
		ad := mat.NewSymDense(k, nil)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				ad.SetSym(i, j, 0.5*(prod.At(i, j)+prod.At(j, i)))
			}
		}
		a[d] = ad
	}
	return a
}

// GroupMatrices sums per-dimension penalty matrices over index groups,
// producing one group-level matrix per group.
func GroupMatrices(a []*mat.SymDense, groups [][]int) ([]*mat.SymDense, error) {
	out := make([]*mat.SymDense, len(groups))
	for g, group := range groups {
		if len(group) == 0 {
			return nil, fmt.Errorf("group %d is empty", g)
		}
		k := a[0].SymmetricDim()
		sum := mat.NewSymDense(k, nil)
		for _, d := range group {
			if d < 0 || d >= len(a) {
				return nil, fmt.Errorf("group %d references input dimension %d out of range [0,%d)", g, d, len(a))
			}
			sum.AddSym(sum, a[d])
		}
		out[g] = sum
	}
	return out, nil
}
