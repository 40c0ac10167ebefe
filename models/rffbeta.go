package models

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/layers"
	"github.com/n0madic/go-sparse-bnn/optim"
	"github.com/n0madic/go-sparse-bnn/rff"
)

// RffBeta is a sparse random-feature network whose input scales follow
// a Beta variational family. Beta draws are not reparameterizable, so
// the selection parameters are trained with score-function gradients
// of the annealed negative ELBO; score-gradient variance is tamed by a
// gradient norm ceiling. The output layer is the same conjugate
// Gaussian layer as in RffHs, refit once per epoch rather than per
// gradient step.
type RffBeta struct {
	dimIn     int
	dimHidden int

	fm       *rff.FeatureMap
	layerIn  layers.ScoreLayer
	layerOut *layers.LinearLayer

	sig2Inv  float64
	gradClip float64
	noise    noiseState
}

// NewRffBeta creates a Beta-selection sparse random-feature model over
// dimIn input dimensions.
func NewRffBeta(dimIn int, options ...Option) (*RffBeta, error) {
	cfg := defaultConfig(layers.Beta)
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
	scl, ok := sl.(layers.ScoreLayer)
	if !ok {
		return nil, fmt.Errorf("layer kind %v does not support score-function gradients", cfg.kind)
	}

	layerOut, err := layers.NewLinearLayer(cfg.dimHidden,
		layers.WithPriorSig2(cfg.outPriorSig2),
		layers.WithNoisePrecision(cfg.sig2Inv),
		layers.WithLinearSeed(cfg.seed+2))
	if err != nil {
		return nil, fmt.Errorf("output layer: %w", err)
	}

	m := &RffBeta{
		dimIn:     dimIn,
		dimHidden: cfg.dimHidden,
		fm:        fm,
		layerIn:   scl,
		layerOut:  layerOut,
		sig2Inv:   cfg.sig2Inv,
		gradClip:  cfg.gradClip,
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
func (m *RffBeta) DimIn() int { return m.dimIn }

// DimHidden returns the number of random features.
func (m *RffBeta) DimHidden() int { return m.dimHidden }

// SelectionLayer returns the input variable-selection layer.
func (m *RffBeta) SelectionLayer() layers.SelectionLayer { return m.layerIn }

// OutputLayer returns the conjugate Gaussian output layer.
func (m *RffBeta) OutputLayer() *layers.LinearLayer { return m.layerOut }

// FeatureMap returns the random-feature expansion.
func (m *RffBeta) FeatureMap() *rff.FeatureMap { return m.fm }

// InitParameters resets all parameters and stores initial scale and
// weight samples so loss evaluation works before the first epoch.
func (m *RffBeta) InitParameters(seed uint64) {
	m.layerIn.InitParameters(seed)
	m.layerOut.InitParameters(seed + 1)
	m.noise.reset()
	m.layerOut.SetNoisePrecision(m.noise.precision(m.sig2Inv))
	m.layerIn.SampleVariational(true)
	if _, err := m.layerOut.SampleWeights(true); err != nil {
		panic(fmt.Sprintf("rffbeta: init weight sample: %v", err))
	}
}

func (m *RffBeta) features(x *mat.Dense, scales []float64) (*mat.Dense, error) {
	zw, err := m.fm.ScaledXW(x, scales)
	if err != nil {
		return nil, err
	}
	return m.fm.FeaturesFromPhase(m.fm.Phase(zw, m.fm.Lengthscale())), nil
}

// Parameters returns the gradient-trained parameters: those of the
// selection layer.
func (m *RffBeta) Parameters() []*layers.Parameter {
	return m.layerIn.Parameters()
}

// Loss evaluates the annealed negative ELBO on a fresh stored scale
// sample against the stored output weights.
func (m *RffBeta) Loss(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error) {
	loss, _, err := m.sampleLoss(x, y, temperature)
	return loss, err
}

// sampleLoss draws and stores a scale sample, evaluates the loss with
// the stored output weights, and returns the log-likelihood alongside.
func (m *RffBeta) sampleLoss(x *mat.Dense, y *mat.VecDense, temperature float64) (loss, logLik float64, err error) {
	kl := m.layerIn.KLDivergence()
	scales := m.layerIn.SampleVariational(true)

	h, err := m.features(x, scales)
	if err != nil {
		return 0, 0, err
	}
	w, err := m.layerOut.StoredWeights()
	if err != nil {
		return 0, 0, fmt.Errorf("stored output weights: %w", err)
	}
	yPred, err := m.layerOut.Forward(h, w)
	if err != nil {
		return 0, 0, err
	}

	logLik = gaussianLogProb(y, yPred, m.noise.precision(m.sig2Inv))
	return -logLik + temperature*kl, logLik, nil
}

// ComputeLossGradients draws one scale sample and accumulates the
// score-function gradient -logLik·∇log q + temperature·∇KL into the
// selection layer's gradient buffers, then clips the gradient norm.
// Returns the loss value of the sample.
func (m *RffBeta) ComputeLossGradients(x *mat.Dense, y *mat.VecDense, temperature float64) (float64, error) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}

	loss, logLik, err := m.sampleLoss(x, y, temperature)
	if err != nil {
		return 0, err
	}
	if err := m.layerIn.AccumulateScoreGradients(logLik, temperature); err != nil {
		return 0, err
	}
	if m.gradClip > 0 {
		optim.ClipGradNorm(m.Parameters(), m.gradClip)
	}
	return loss, nil
}

// FixedPointUpdates refits the conjugate output posterior on features
// built from a fresh scale sample, stores a new weight draw for the
// next epoch's loss evaluations, and updates the noise state when the
// noise precision is inferred.
func (m *RffBeta) FixedPointUpdates(x *mat.Dense, y *mat.VecDense, temperature float64) error {
	m.layerIn.FixedPointUpdates()

	scales := m.layerIn.SampleVariational(false)
	h, err := m.features(x, scales)
	if err != nil {
		return err
	}
	m.layerOut.SetNoisePrecision(m.noise.precision(m.sig2Inv))
	if err := m.layerOut.FixedPointUpdates(h, y); err != nil {
		return fmt.Errorf("output layer update: %w", err)
	}
	w, err := m.layerOut.SampleWeights(true)
	if err != nil {
		return fmt.Errorf("output weight sample: %w", err)
	}

	if !m.noise.infer || temperature <= 0 {
		return nil
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
func (m *RffBeta) ReinitParameters(x *mat.Dense, y *mat.VecDense, seed uint64, nReinit int) (float64, error) {
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
func (m *RffBeta) Predict(xTest *mat.Dense) (*mat.VecDense, error) {
	h, err := m.features(xTest, m.layerIn.MeanScales())
	if err != nil {
		return nil, err
	}
	w, err := m.layerOut.PosteriorMean()
	if err != nil {
		return nil, err
	}
	return m.layerOut.Forward(h, w)
}

// SamplePosteriorPredictive draws one function sample at xTest under a
// fresh scale draw, refitting the output posterior to (xTrain, yTrain)
// first.
func (m *RffBeta) SamplePosteriorPredictive(xTest, xTrain *mat.Dense, yTrain *mat.VecDense) (*mat.VecDense, error) {
	scales := m.layerIn.SampleVariational(false)

	hTrain, err := m.features(xTrain, scales)
	if err != nil {
		return nil, err
	}
	if err := m.layerOut.FixedPointUpdates(hTrain, yTrain); err != nil {
		return nil, fmt.Errorf("predictive refit: %w", err)
	}
	w, err := m.layerOut.SampleWeights(false)
	if err != nil {
		return nil, fmt.Errorf("predictive weight sample: %w", err)
	}

	hTest, err := m.features(xTest, scales)
	if err != nil {
		return nil, err
	}
	return m.layerOut.Forward(hTest, w)
}

// State exports the model state for checkpointing.
func (m *RffBeta) State() map[string][]float64 {
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
func (m *RffBeta) SetState(state map[string][]float64) error {
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
