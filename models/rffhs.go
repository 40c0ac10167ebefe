package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/layers"
	"github.com/n0madic/go-sparse-bnn/rff"
)

// RffHs is a sparse random-feature network with a reparameterizable
// variable-selection layer (horseshoe or logit-normal) scaling the
// inputs and a conjugate Gaussian output layer over the features.
// Selection parameters are trained by gradient descent on the
// temperature-annealed negative ELBO; the output layer and the layer
// auxiliaries are updated in closed form each epoch.
type RffHs struct {
	dimIn     int
	dimHidden int

	fm       *rff.FeatureMap
	layerIn  layers.ReparamLayer
	layerOut *layers.LinearLayer

	sig2Inv float64
	noise   noiseState
}

// NewRffHs creates a sparse random-feature model over dimIn input
// dimensions. The selection layer defaults to the horseshoe family.
func NewRffHs(dimIn int, options ...Option) (*RffHs, error) {
	cfg := defaultConfig(layers.Horseshoe)
	for _, opt := range options {
		opt(&cfg)
	}
	if dimIn <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", dimIn)
	}
	if cfg.sig2Inv <= 0 {
		return nil, fmt.Errorf("noise precision must be positive, got %f", cfg.sig2Inv)
	}

	fm, err := rff.New(dimIn, cfg.dimHidden,
		rff.WithLengthscale(cfg.lengthscale),
		rff.WithRandomSeed(cfg.seed))
	if err != nil {
		return nil, fmt.Errorf("feature map: %w", err)
	}

	layerOpts := append([]layers.LayerOption{layers.WithLayerSeed(cfg.seed + 1)}, cfg.layerOptions...)
	sl, err := layers.New(cfg.kind, dimIn, layerOpts...)
	if err != nil {
		return nil, fmt.Errorf("selection layer: %w", err)
	}
	rl, ok := sl.(layers.ReparamLayer)
	if !ok {
		return nil, fmt.Errorf("layer kind %v does not support reparameterized gradients", cfg.kind)
	}

	layerOut, err := layers.NewLinearLayer(cfg.dimHidden,
		layers.WithPriorSig2(cfg.outPriorSig2),
		layers.WithNoisePrecision(cfg.sig2Inv),
		layers.WithLinearSeed(cfg.seed+2))
	if err != nil {
		return nil, fmt.Errorf("output layer: %w", err)
	}

	m := &RffHs{
		dimIn:     dimIn,
		dimHidden: cfg.dimHidden,
		fm:        fm,
		layerIn:   rl,
		layerOut:  layerOut,
		sig2Inv:   cfg.sig2Inv,
		noise: noiseState{
			infer:      cfg.inferNoise,
			alphaPrior: cfg.noiseAlpha,
			betaPrior:  cfg.noiseBeta,
			estimate:   cfg.noiseEstimate,
			src:        rand.NewPCG(cfg.seed+3, cfg.seed+13),
		},
	}
	m.noise.reset()
	m.InitParameters(cfg.seed)
	return m, nil
}

// DimIn returns the input dimensionality.
func (m *RffHs) DimIn() int { return m.dimIn }

// DimHidden returns the number of random features.
func (m *RffHs) DimHidden() int { return m.dimHidden }

// SelectionLayer returns the input variable-selection layer.
func (m *RffHs) SelectionLayer() layers.SelectionLayer { return m.layerIn }

// OutputLayer returns the conjugate Gaussian output layer.
func (m *RffHs) OutputLayer() *layers.LinearLayer { return m.layerOut }

// FeatureMap returns the random-feature expansion.
func (m *RffHs) FeatureMap() *rff.FeatureMap { return m.fm }

// InitParameters resets all variational parameters, the output layer
// posterior, and the noise state. An initial output weight sample is
// stored so the model can predict before any training step has run.
func (m *RffHs) InitParameters(seed uint64) {
	m.layerIn.InitParameters(seed)
	m.layerOut.InitParameters(seed + 1)
	m.noise.reset()
	m.layerOut.SetNoisePrecision(m.noise.precision(m.sig2Inv))
	m.layerIn.SampleVariational(true)
	if _, err := m.layerOut.SampleWeights(true); err != nil {
		// the prior covariance is SPD, factorization cannot fail here
		panic(fmt.Sprintf("rffhs: init weight sample: %v", err))
	}
}

// phase maps inputs through the scaled feature expansion up to the
// cosine, returning the phase matrix u with H = a·cos(u).
func (m *RffHs) phase(x *mat.Dense, scales []float64) (*mat.Dense, error) {
	zw, err := m.fm.ScaledXW(x, scales)
	if err != nil {
		return nil, err
	}
	return m.fm.Phase(zw, m.fm.Lengthscale()), nil
}

// Parameters returns the gradient-trained parameters: those of the
// selection layer.
func (m *RffHs) Parameters() []*layers.Parameter {
	return m.layerIn.Parameters()
}

// Loss evaluates the temperature-annealed negative ELBO on one fresh
// variational sample. As a side effect it refreshes the output layer
// posterior on the sampled features and stores the drawn scales and
// weights, matching one optimization step's forward pass.
func (m *RffHs) Loss(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error) {
	loss, _, _, _, err := m.forwardLoss(x, y, temperature)
	return loss, err
}

// forwardLoss runs the training forward pass and returns the loss plus
// the intermediates the gradient computation reuses.
func (m *RffHs) forwardLoss(x *mat.Dense, y *mat.VecDense, temperature float64) (loss float64, u *mat.Dense, w, yPred *mat.VecDense, err error) {
	kl := m.layerIn.KLDivergence()
	scales := m.layerIn.SampleVariational(true)

	u, err = m.phase(x, scales)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	h := m.fm.FeaturesFromPhase(u)

	m.layerOut.SetNoisePrecision(m.noise.precision(m.sig2Inv))
	if err = m.layerOut.FixedPointUpdates(h, y); err != nil {
		return 0, nil, nil, nil, fmt.Errorf("output layer update: %w", err)
	}
	w, err = m.layerOut.SampleWeights(true)
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("output weight sample: %w", err)
	}
	yPred, err = m.layerOut.Forward(h, w)
	if err != nil {
		return 0, nil, nil, nil, err
	}

	logLik := gaussianLogProb(y, yPred, m.layerOut.NoisePrecision())
	return -logLik + temperature*kl, u, w, yPred, nil
}

// ComputeLossGradients runs one forward pass and accumulates
// dLoss/dParams into the selection layer's gradient buffers, chaining
// the likelihood through the stored scale sample and adding the
// tempered KL gradient. The output layer posterior is held fixed
// within the step. Returns the loss value of the pass.
func (m *RffHs) ComputeLossGradients(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}

	loss, u, w, yPred, err := m.forwardLoss(x, y, temperature)
	if err != nil {
		return 0, err
	}

	n, _ := x.Dims()
	beta := m.layerOut.NoisePrecision()
	amp := m.fm.Amplitude()
	ell := m.fm.Lengthscale()

	// dLoss/ds_d = (a·β/ℓ)·Σ_n r_n·x_nd·Σ_k w_k·sin(u_nk)·W_kd
	// with r = y - ŷ, from H_nk = a·cos(x_n·s ∘ W_k/ℓ + b_k).
	sw := mat.NewDense(n, m.dimHidden, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < m.dimHidden; k++ {
			sw.Set(i, k, math.Sin(u.At(i, k))*w.AtVec(k))
		}
	}
	var proj mat.Dense
	proj.Mul(sw, m.fm.Weights()) // n×D

	dScale := make([]float64, m.dimIn)
	coef := amp * beta / ell
	for d := 0; d < m.dimIn; d++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += (y.AtVec(i) - yPred.AtVec(i)) * x.At(i, d) * proj.At(i, d)
		}
		dScale[d] = coef * sum
	}

	if err := m.layerIn.AccumulateScaleGradients(dScale); err != nil {
		return 0, err
	}
	m.layerIn.AccumulateKLGradients(temperature)
	return loss, nil
}

// FixedPointUpdates applies the closed-form per-epoch updates: the
// selection layer auxiliaries and, when enabled, the Gamma state of
// the noise precision from the residuals of a fresh forward pass.
func (m *RffHs) FixedPointUpdates(x *mat.Dense, y *mat.VecDense, temperature float64) error {
	m.layerIn.FixedPointUpdates()
	if !m.noise.infer || temperature <= 0 {
		return nil
	}

	scales := m.layerIn.SampleVariational(false)
	u, err := m.phase(x, scales)
	if err != nil {
		return err
	}
	h := m.fm.FeaturesFromPhase(u)
	w, err := m.layerOut.SampleWeights(false)
	if err != nil {
		return fmt.Errorf("noise update weight sample: %w", err)
	}
	yPred, err := m.layerOut.Forward(h, w)
	if err != nil {
		return err
	}

	n, _ := x.Dims()
	m.noise.update(n, sumSquaredResiduals(y, yPred), temperature)
	m.layerOut.SetNoisePrecision(m.noise.precision(m.sig2Inv))
	return nil
}

// ReinitParameters tries nReinit random restarts and keeps the one
// with the lowest un-tempered loss on (x, y).
func (m *RffHs) ReinitParameters(x *mat.Dense, y *mat.VecDense, seed uint64, nReinit int) (float64, error) {
	if nReinit < 1 {
		return 0, fmt.Errorf("number of restarts must be positive, got %d", nReinit)
	}
	bestLoss := math.Inf(1)
	var bestState map[string][]float64
	for i := 0; i < nReinit; i++ {
		m.InitParameters(seed + uint64(i))
		loss, err := m.Loss(x, y, 1.0)
		if err != nil {
			return 0, fmt.Errorf("restart %d: %w", i, err)
		}
		if loss < bestLoss {
			bestLoss = loss
			bestState = m.State()
		}
	}
	if err := m.SetState(bestState); err != nil {
		return 0, err
	}
	return bestLoss, nil
}

// Predict returns the posterior predictive mean at xTest using the
// variational mean scales and the posterior mean output weights.
func (m *RffHs) Predict(xTest *mat.Dense) (*mat.VecDense, error) {
	u, err := m.phase(xTest, m.layerIn.MeanScales())
	if err != nil {
		return nil, err
	}
	h := m.fm.FeaturesFromPhase(u)
	w, err := m.layerOut.PosteriorMean()
	if err != nil {
		return nil, err
	}
	return m.layerOut.Forward(h, w)
}

// SamplePosteriorPredictive draws one function sample at xTest: fresh
// scales from the variational posterior, the conjugate output
// posterior refit to (xTrain, yTrain) under those scales, and a weight
// draw from it.
func (m *RffHs) SamplePosteriorPredictive(xTest, xTrain *mat.Dense, yTrain *mat.VecDense) (*mat.VecDense, error) {
	scales := m.layerIn.SampleVariational(false)

	uTrain, err := m.phase(xTrain, scales)
	if err != nil {
		return nil, err
	}
	if err := m.layerOut.FixedPointUpdates(m.fm.FeaturesFromPhase(uTrain), yTrain); err != nil {
		return nil, fmt.Errorf("predictive refit: %w", err)
	}
	w, err := m.layerOut.SampleWeights(false)
	if err != nil {
		return nil, fmt.Errorf("predictive weight sample: %w", err)
	}

	uTest, err := m.phase(xTest, scales)
	if err != nil {
		return nil, err
	}
	return m.layerOut.Forward(m.fm.FeaturesFromPhase(uTest), w)
}

// State exports the model state for checkpointing.
func (m *RffHs) State() map[string][]float64 {
	out := make(map[string][]float64)
	for k, v := range m.layerIn.State() {
		out["in."+k] = v
	}
	for k, v := range m.layerOut.State() {
		out["out."+k] = v
	}
	out["noise"] = m.noise.state()
	return out
}

// SetState restores a state produced by State.
func (m *RffHs) SetState(state map[string][]float64) error {
	if err := m.layerIn.SetState(splitState(state, "in.")); err != nil {
		return fmt.Errorf("selection layer state: %w", err)
	}
	if err := m.layerOut.SetState(splitState(state, "out.")); err != nil {
		return fmt.Errorf("output layer state: %w", err)
	}
	ns, ok := copyStateVec(state, "noise", 2)
	if !ok {
		return fmt.Errorf("missing or malformed noise state")
	}
	m.noise.setState(ns)
	return nil
}
