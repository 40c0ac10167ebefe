// Package layers implements the variational variable-selection layers
// (logit-normal, horseshoe, beta) and the conjugate Gaussian output
// layer of sparse random-feature Bayesian networks.
//
// Selection layers hold per-input-dimension variational parameters over
// relevance scales. Within one training step a layer first draws and
// stores a sample of the scales, the model then forwards using the
// stored sample, and finally closed-form fixed-point updates refresh
// any auxiliary latent variables. Gradients never flow through the
// fixed-point updates.
package layers

import (
	"fmt"
	"math"
)

// Kind identifies a variational selection layer family. The set of
// supported kinds is closed; adding a family means extending the enum
// and the New factory.
type Kind int

const (
	// LogitNormal places a logistic-normal variational family over
	// inclusion scales in (0, 1). Reparameterizable.
	LogitNormal Kind = iota
	// Horseshoe places a log-normal variational family over local and
	// global shrinkage scales with inverse-gamma auxiliaries.
	// Reparameterizable.
	Horseshoe
	// Beta places a Beta variational family over inclusion scales.
	// Not reparameterizable; trained with score-function gradients.
	Beta
)

// String returns the registry name of the layer kind.
func (k Kind) String() string {
	switch k {
	case LogitNormal:
		return "logit-normal"
	case Horseshoe:
		return "horseshoe"
	case Beta:
		return "beta"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a registry name to a layer kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "logit-normal":
		return LogitNormal, nil
	case "horseshoe":
		return Horseshoe, nil
	case "beta":
		return Beta, nil
	default:
		return 0, fmt.Errorf("unknown layer kind %q", name)
	}
}

// Parameter is a named flat parameter vector with its gradient buffer.
// Optimizers mutate Value in place; gradient producers accumulate into
// Grad between ZeroGrad calls.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// NewParameter allocates a parameter of length n.
func NewParameter(name string, n int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// SelectionLayer is the capability set required of a variational
// variable-selection layer.
type SelectionLayer interface {
	Kind() Kind
	DimIn() int

	// InitParameters resets the variational parameters and auxiliary
	// state to their initial values using the given seed.
	InitParameters(seed uint64)

	// SampleVariational draws per-dimension relevance scales from the
	// variational family. With store=true the sample is retained so the
	// forward pass and the gradient computation of one training step
	// see the same draw.
	SampleVariational(store bool) []float64

	// StoredScales returns the most recently stored sample.
	StoredScales() ([]float64, error)

	// MeanScales returns the variational posterior mean scales.
	MeanScales() []float64

	// FixedPointUpdates applies the closed-form coordinate updates of
	// the layer's auxiliary latent variables. A no-op for layers
	// without auxiliaries.
	FixedPointUpdates()

	// KLDivergence returns the KL term of the layer's variational
	// family to its prior, including any auxiliary terms.
	KLDivergence() float64

	Parameters() []*Parameter
	State() map[string][]float64
	SetState(state map[string][]float64) error
}

// ReparamLayer is a selection layer whose stored sample is a
// differentiable transform of its parameters, so likelihood gradients
// can be chained through the scales.
type ReparamLayer interface {
	SelectionLayer

	// AccumulateScaleGradients adds dLoss/dParams to the parameter
	// gradient buffers given dLoss/dScale for the stored sample.
	AccumulateScaleGradients(dScale []float64) error

	// AccumulateKLGradients adds temperature * dKL/dParams to the
	// parameter gradient buffers.
	AccumulateKLGradients(temperature float64)
}

// ScoreLayer is a selection layer with a non-reparameterizable
// variational family, trained with score-function gradients.
type ScoreLayer interface {
	SelectionLayer

	// LogProbVariational returns log q of the stored sample under the
	// current variational parameters.
	LogProbVariational() (float64, error)

	// AccumulateScoreGradients adds the score-function gradient of the
	// negative ELBO, -logLik*dlogq/dθ + temperature*dKL/dθ, to the
	// parameter gradient buffers.
	AccumulateScoreGradients(logLik, temperature float64) error
}

// Config collects the prior settings shared by the layer constructors.
type Config struct {
	seed     uint64
	betaA    float64 // Beta prior shape a0
	betaB    float64 // Beta prior shape b0
	b0Local  float64 // horseshoe local half-Cauchy scale
	b0Global float64 // horseshoe global half-Cauchy scale
}

// LayerOption defines a functional option for layer construction.
type LayerOption func(*Config)

// WithLayerSeed sets the seed of the layer's sampling RNG.
func WithLayerSeed(seed uint64) LayerOption {
	return func(c *Config) { c.seed = seed }
}

// WithBetaPrior sets the Beta prior shapes of the beta layer.
func WithBetaPrior(a0, b0 float64) LayerOption {
	return func(c *Config) { c.betaA, c.betaB = a0, b0 }
}

// WithHorseshoeScales sets the local and global half-Cauchy scales of
// the horseshoe prior.
func WithHorseshoeScales(local, global float64) LayerOption {
	return func(c *Config) { c.b0Local, c.b0Global = local, global }
}

// New constructs a selection layer of the given kind over dimIn input
// dimensions. It is the factory behind the closed layer registry.
func New(kind Kind, dimIn int, options ...LayerOption) (SelectionLayer, error) {
	if dimIn <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", dimIn)
	}
	cfg := Config{
		seed:     1,
		betaA:    1.0,
		betaB:    1.0,
		b0Local:  1.0,
		b0Global: 1.0,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	switch kind {
	case LogitNormal:
		return newLogitNormalLayer(dimIn, cfg), nil
	case Horseshoe:
		return newHorseshoeLayer(dimIn, cfg), nil
	case Beta:
		return newBetaLayer(dimIn, cfg), nil
	default:
		return nil, fmt.Errorf("unknown layer kind %v", kind)
	}
}

// softplus computes log(1+exp(x)) without overflow.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// softplusInv is the inverse of softplus for positive y.
func softplusInv(y float64) float64 {
	if y > 30 {
		return y
	}
	return math.Log(math.Expm1(y))
}

// sigmoid is the logistic function, also the derivative of softplus.
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func copyState(state map[string][]float64, name string, dst []float64) error {
	src, ok := state[name]
	if !ok {
		return fmt.Errorf("missing state entry %q", name)
	}
	if len(src) != len(dst) {
		return fmt.Errorf("state entry %q has length %d, want %d", name, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
