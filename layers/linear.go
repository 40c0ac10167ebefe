package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// LinearLayer is the linear output layer with a Gaussian conjugate
// posterior over its weights. Given hidden features H and targets y,
// the posterior under the prior w ~ N(0, priorSig2·I) and noise
// precision β is
//
//	Σ = (β·HᵗH + I/priorSig2)⁻¹,  μ = β·Σ·Hᵗy
//
// computed in closed form by FixedPointUpdates. The posterior is only
// valid for the hidden sample it was computed from; callers must
// refresh it before sampling whenever the hidden representation
// changes.
type LinearLayer struct {
	dimIn     int     // hidden units feeding the layer
	priorSig2 float64 // prior variance of the output weights
	sig2Inv   float64 // noise precision β
	seed      uint64
	rng       *rand.Rand

	mu    *mat.VecDense // posterior mean
	cov   *mat.SymDense // posterior covariance
	cholL *mat.TriDense // lower Cholesky factor of cov, for sampling
	fresh bool          // conjugate state computed since last invalidation

	stored *mat.VecDense // stored weight sample
}

// LinearOption defines a functional option for the output layer.
type LinearOption func(*LinearLayer)

// WithPriorSig2 sets the prior variance of the output weights.
func WithPriorSig2(sig2 float64) LinearOption {
	return func(l *LinearLayer) { l.priorSig2 = sig2 }
}

// WithNoisePrecision sets the observation noise precision β.
func WithNoisePrecision(sig2Inv float64) LinearOption {
	return func(l *LinearLayer) { l.sig2Inv = sig2Inv }
}

// WithLinearSeed sets the seed of the layer's sampling RNG.
func WithLinearSeed(seed uint64) LinearOption {
	return func(l *LinearLayer) { l.seed = seed }
}

// NewLinearLayer creates a conjugate output layer over dimIn hidden
// units.
func NewLinearLayer(dimIn int, options ...LinearOption) (*LinearLayer, error) {
	if dimIn <= 0 {
		return nil, fmt.Errorf("hidden dimension must be positive, got %d", dimIn)
	}
	l := &LinearLayer{
		dimIn:     dimIn,
		priorSig2: 1.0,
		sig2Inv:   1.0,
		seed:      1,
		mu:        mat.NewVecDense(dimIn, nil),
		cov:       mat.NewSymDense(dimIn, nil),
		cholL:     mat.NewTriDense(dimIn, mat.Lower, nil),
	}
	for _, opt := range options {
		opt(l)
	}
	if l.priorSig2 <= 0 {
		return nil, fmt.Errorf("prior variance must be positive, got %f", l.priorSig2)
	}
	if l.sig2Inv <= 0 {
		return nil, fmt.Errorf("noise precision must be positive, got %f", l.sig2Inv)
	}
	l.InitParameters(l.seed)
	return l, nil
}

// DimIn returns the number of hidden units feeding the layer.
func (l *LinearLayer) DimIn() int { return l.dimIn }

// SetNoisePrecision updates the noise precision used by subsequent
// conjugate updates (needed when the noise is itself inferred).
func (l *LinearLayer) SetNoisePrecision(sig2Inv float64) {
	l.sig2Inv = sig2Inv
}

// NoisePrecision returns the current noise precision.
func (l *LinearLayer) NoisePrecision() float64 { return l.sig2Inv }

// InitParameters resets the posterior to the prior N(0, priorSig2·I)
// and reseeds the sampling RNG.
func (l *LinearLayer) InitParameters(seed uint64) {
	l.seed = seed
	l.rng = rand.New(rand.NewPCG(seed, seed))
	l.mu.Zero()
	for i := 0; i < l.dimIn; i++ {
		for j := 0; j <= i; j++ {
			if i == j {
				l.cov.SetSym(i, j, l.priorSig2)
				l.cholL.SetTri(i, j, math.Sqrt(l.priorSig2))
			} else {
				l.cov.SetSym(i, j, 0)
				l.cholL.SetTri(i, j, 0)
			}
		}
	}
	l.fresh = true
	l.stored = nil
}

// safeFactorize computes the lower Cholesky factor of a symmetric
// matrix, retrying with adaptive diagonal jitter when the plain
// factorization fails.
func safeFactorize(s *mat.SymDense, dst *mat.TriDense) error {
	var chol mat.Cholesky
	if chol.Factorize(s) {
		chol.LTo(dst)
		return nil
	}

	n := s.SymmetricDim()
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += s.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(s)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if chol.Factorize(jittered) {
		chol.LTo(dst)
		return nil
	}
	return errors.New("cholesky factorization failed even with jitter")
}

// FixedPointUpdates recomputes the conjugate posterior of the output
// weights from the hidden features and targets. The update is a pure
// function of (H, y) and the fixed prior and noise settings, so
// repeating it with identical inputs yields identical posteriors.
func (l *LinearLayer) FixedPointUpdates(h *mat.Dense, y *mat.VecDense) error {
	n, k := h.Dims()
	if k != l.dimIn {
		return fmt.Errorf("hidden dimension %d != layer dimension %d", k, l.dimIn)
	}
	if y.Len() != n {
		return fmt.Errorf("target length %d != observation count %d", y.Len(), n)
	}

	// Posterior precision P = β·HᵗH + I/priorSig2.
	hth := mat.NewDense(k, k, nil)
	hth.Mul(h.T(), h)
	prec := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := l.sig2Inv * 0.5 * (hth.At(i, j) + hth.At(j, i))
			if i == j {
				v += 1 / l.priorSig2
			}
			prec.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(prec) {
		return errors.New("posterior precision is not positive definite")
	}

	// μ = β·P⁻¹·Hᵗy.
	hty := mat.NewVecDense(k, nil)
	hty.MulVec(h.T(), y)
	hty.ScaleVec(l.sig2Inv, hty)
	if err := chol.SolveVecTo(l.mu, hty); err != nil {
		return fmt.Errorf("solving for posterior mean: %w", err)
	}

	// Σ = P⁻¹, factorized again for sampling.
	if err := chol.InverseTo(l.cov); err != nil {
		return fmt.Errorf("inverting posterior precision: %w", err)
	}
	if err := safeFactorize(l.cov, l.cholL); err != nil {
		return err
	}

	l.fresh = true
	return nil
}

// PosteriorMean returns a copy of the posterior mean.
func (l *LinearLayer) PosteriorMean() (*mat.VecDense, error) {
	if !l.fresh {
		return nil, errors.New("conjugate posterior not computed; call FixedPointUpdates first")
	}
	out := mat.NewVecDense(l.dimIn, nil)
	out.CopyVec(l.mu)
	return out, nil
}

// PosteriorCov returns a copy of the posterior covariance.
func (l *LinearLayer) PosteriorCov() (*mat.SymDense, error) {
	if !l.fresh {
		return nil, errors.New("conjugate posterior not computed; call FixedPointUpdates first")
	}
	out := mat.NewSymDense(l.dimIn, nil)
	out.CopySym(l.cov)
	return out, nil
}

// SampleWeights draws w = μ + L·z from the conjugate posterior. With
// store=true the draw is retained for reuse within the step.
func (l *LinearLayer) SampleWeights(store bool) (*mat.VecDense, error) {
	if !l.fresh {
		return nil, errors.New("conjugate posterior not computed; call FixedPointUpdates first")
	}
	z := mat.NewVecDense(l.dimIn, nil)
	for i := 0; i < l.dimIn; i++ {
		z.SetVec(i, l.rng.NormFloat64())
	}
	w := mat.NewVecDense(l.dimIn, nil)
	w.MulVec(l.cholL, z)
	w.AddVec(w, l.mu)
	if store {
		l.stored = w
	}
	return w, nil
}

// StoredWeights returns the most recently stored weight sample.
func (l *LinearLayer) StoredWeights() (*mat.VecDense, error) {
	if l.stored == nil {
		return nil, errors.New("no stored weight sample; call SampleWeights(true) first")
	}
	return l.stored, nil
}

// Forward computes ŷ = H·w for a weight vector w.
func (l *LinearLayer) Forward(h *mat.Dense, w *mat.VecDense) (*mat.VecDense, error) {
	n, k := h.Dims()
	if k != l.dimIn {
		return nil, fmt.Errorf("hidden dimension %d != layer dimension %d", k, l.dimIn)
	}
	if w.Len() != k {
		return nil, fmt.Errorf("weight length %d != layer dimension %d", w.Len(), k)
	}
	out := mat.NewVecDense(n, nil)
	out.MulVec(h, w)
	return out, nil
}

// State returns a snapshot of the conjugate state for checkpointing.
// The Cholesky factor is not serialized; it is recomputed on restore.
func (l *LinearLayer) State() map[string][]float64 {
	muData := append([]float64(nil), l.mu.RawVector().Data...)
	covData := append([]float64(nil), l.cov.RawSymmetric().Data...)
	state := map[string][]float64{
		"w_mu":     muData,
		"w_cov":    covData,
		"sig2_inv": {l.sig2Inv},
	}
	if l.stored != nil {
		state["w_stored"] = append([]float64(nil), l.stored.RawVector().Data...)
	}
	return state
}

// SetState restores a snapshot produced by State.
func (l *LinearLayer) SetState(state map[string][]float64) error {
	if err := copyState(state, "w_mu", l.mu.RawVector().Data); err != nil {
		return err
	}
	if err := copyState(state, "w_cov", l.cov.RawSymmetric().Data); err != nil {
		return err
	}
	sig2Inv := make([]float64, 1)
	if err := copyState(state, "sig2_inv", sig2Inv); err != nil {
		return err
	}
	l.sig2Inv = sig2Inv[0]
	if ws, ok := state["w_stored"]; ok {
		if len(ws) != l.dimIn {
			return fmt.Errorf("state entry %q has length %d, want %d", "w_stored", len(ws), l.dimIn)
		}
		l.stored = mat.NewVecDense(l.dimIn, append([]float64(nil), ws...))
	}
	if err := safeFactorize(l.cov, l.cholL); err != nil {
		return err
	}
	l.fresh = true
	return nil
}
