package models

import "github.com/n0madic/go-sparse-bnn/layers"

// config collects the settings shared by the model constructors.
type config struct {
	dimHidden     int
	lengthscale   float64
	sig2Inv       float64
	outPriorSig2  float64
	kind          layers.Kind
	layerOptions  []layers.LayerOption
	inferNoise    bool
	noiseAlpha    float64
	noiseBeta     float64
	noiseEstimate NoiseEstimate
	gradClip      float64
	seed          uint64
}

func defaultConfig(kind layers.Kind) config {
	return config{
		dimHidden:    50,
		lengthscale:  1.0,
		sig2Inv:      1.0,
		outPriorSig2: 1.0,
		kind:         kind,
		noiseAlpha:   1.0,
		noiseBeta:    1.0,
		gradClip:     100.0,
		seed:         1,
	}
}

// Option defines a functional option for model construction.
type Option func(*config)

// WithDimHidden sets the number of random features.
func WithDimHidden(dimHidden int) Option {
	return func(c *config) { c.dimHidden = dimHidden }
}

// WithLengthscale sets the kernel lengthscale of the feature map.
func WithLengthscale(lengthscale float64) Option {
	return func(c *config) { c.lengthscale = lengthscale }
}

// WithNoisePrecision sets a fixed observation noise precision 1/σ².
func WithNoisePrecision(sig2Inv float64) Option {
	return func(c *config) { c.sig2Inv = sig2Inv }
}

// WithOutputPriorSig2 sets the prior variance of the output weights.
func WithOutputPriorSig2(sig2 float64) Option {
	return func(c *config) { c.outPriorSig2 = sig2 }
}

// WithLayerKind selects the variational family of the selection layer.
func WithLayerKind(kind layers.Kind) Option {
	return func(c *config) { c.kind = kind }
}

// WithLayerOptions forwards options to the selection layer constructor.
func WithLayerOptions(options ...layers.LayerOption) Option {
	return func(c *config) { c.layerOptions = append(c.layerOptions, options...) }
}

// WithNoiseInference enables inference of the noise precision under a
// Gamma(alpha, beta) prior, updated by the per-epoch fixed-point pass.
func WithNoiseInference(alpha, beta float64) Option {
	return func(c *config) {
		c.inferNoise = true
		c.noiseAlpha = alpha
		c.noiseBeta = beta
	}
}

// WithNoiseEstimate selects how an inferred noise precision is read
// off its Gamma state.
func WithNoiseEstimate(estimate NoiseEstimate) Option {
	return func(c *config) { c.noiseEstimate = estimate }
}

// WithGradClip sets the gradient norm ceiling applied after each
// score-function gradient accumulation. Zero disables clipping.
func WithGradClip(maxNorm float64) Option {
	return func(c *config) { c.gradClip = maxNorm }
}

// WithSeed sets the base seed of the model's random sources.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}
