package logpost

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/rff"
)

// RffGradPen is random-feature regression with gradient-norm penalties
// at a fixed lengthscale. Hidden features and the per-dimension penalty
// matrices A_d are precomputed from the feature map once at
// construction; the log-posterior over the output weights w is
//
//	-1/(2σ²)·‖y - Hw‖² - wᵗw/(2s) - Σ_d c_d·pen(wᵗA_dw) - Σ_g c_g·√(wᵗA_gw)
//
// where pen is either sqrt (L1, grouped lasso on the function gradient)
// or identity (L2), c_d are per-dimension scales, and A_g sums A_d over
// configured groups of input dimensions.
type RffGradPen struct {
	h *mat.Dense
	y *mat.VecDense

	dimHidden   int
	noiseSig2   float64
	priorW2Sig2 float64
	penalty     Penalty
	scaleGlobal []float64
	scaleGroups []float64
	aDims       []*mat.SymDense
	aGroups     []*mat.SymDense

	grad []float64
}

// GradPenOption defines a functional option for RffGradPen.
type GradPenOption func(*gradPenConfig)

type gradPenConfig struct {
	noiseSig2   float64
	priorW2Sig2 float64
	penalty     Penalty
	scaleGlobal []float64
	groups      [][]int
	scaleGroups []float64
}

// WithGradPenNoise sets the observation noise variance σ².
func WithGradPenNoise(sig2 float64) GradPenOption {
	return func(c *gradPenConfig) { c.noiseSig2 = sig2 }
}

// WithGradPenPriorSig2 sets the ridge prior variance of the output
// weights.
func WithGradPenPriorSig2(sig2 float64) GradPenOption {
	return func(c *gradPenConfig) { c.priorW2Sig2 = sig2 }
}

// WithGradPenPenalty selects the penalty form (L1 or L2).
func WithGradPenPenalty(p Penalty) GradPenOption {
	return func(c *gradPenConfig) { c.penalty = p }
}

// WithGradPenScales sets the per-input-dimension penalty scales.
func WithGradPenScales(scales []float64) GradPenOption {
	return func(c *gradPenConfig) { c.scaleGlobal = scales }
}

// WithGradPenGroups sets index groups of input dimensions and their
// group-level penalty scales.
func WithGradPenGroups(groups [][]int, scales []float64) GradPenOption {
	return func(c *gradPenConfig) {
		c.groups = groups
		c.scaleGroups = scales
	}
}

// NewRffGradPen precomputes the hidden features and penalty matrices of
// the feature map over (x, y) and builds the log-posterior.
func NewRffGradPen(fm *rff.FeatureMap, x *mat.Dense, y *mat.VecDense, options ...GradPenOption) (*RffGradPen, error) {
	n, _ := x.Dims()
	if y.Len() != n {
		return nil, fmt.Errorf("target length %d != observation count %d", y.Len(), n)
	}
	cfg := gradPenConfig{
		noiseSig2:   1.0,
		priorW2Sig2: 1.0,
		penalty:     PenaltyL1,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.scaleGlobal == nil {
		cfg.scaleGlobal = make([]float64, fm.DimIn())
		for i := range cfg.scaleGlobal {
			cfg.scaleGlobal[i] = 1.0
		}
	}
	if len(cfg.scaleGlobal) != fm.DimIn() {
		return nil, fmt.Errorf("got %d penalty scales for %d input dimensions", len(cfg.scaleGlobal), fm.DimIn())
	}
	if len(cfg.groups) != len(cfg.scaleGroups) {
		return nil, fmt.Errorf("got %d groups but %d group scales", len(cfg.groups), len(cfg.scaleGroups))
	}

	h, err := fm.Features(x)
	if err != nil {
		return nil, err
	}
	jac, err := fm.Jacobian(x)
	if err != nil {
		return nil, err
	}
	aDims := rff.PenaltyMatrices(jac)
	var aGroups []*mat.SymDense
	if len(cfg.groups) > 0 {
		aGroups, err = rff.GroupMatrices(aDims, cfg.groups)
		if err != nil {
			return nil, err
		}
	}

	return &RffGradPen{
		h:           h,
		y:           y,
		dimHidden:   fm.DimHidden(),
		noiseSig2:   cfg.noiseSig2,
		priorW2Sig2: cfg.priorW2Sig2,
		penalty:     cfg.penalty,
		scaleGlobal: cfg.scaleGlobal,
		scaleGroups: cfg.scaleGroups,
		aDims:       aDims,
		aGroups:     aGroups,
	}, nil
}

// DimHidden returns the number of output weights (the parameter count).
func (m *RffGradPen) DimHidden() int { return m.dimHidden }

// Observe computes the unnormalized log-posterior at the output weight
// vector w, caching the analytic gradient for Gradient.
func (m *RffGradPen) Observe(w []float64) float64 {
	if len(w) != m.dimHidden {
		panic(fmt.Sprintf("parameter length %d != hidden dimension %d", len(w), m.dimHidden))
	}
	n, _ := m.h.Dims()
	grad := make([]float64, m.dimHidden)

	// Residual r = y - Hw; likelihood -1/(2σ²)·rᵗr.
	wVec := mat.NewVecDense(m.dimHidden, w)
	r := mat.NewVecDense(n, nil)
	r.MulVec(m.h, wVec)
	r.SubVec(m.y, r)
	logProb := -mat.Dot(r, r) / (2 * m.noiseSig2)

	htr := mat.NewVecDense(m.dimHidden, nil)
	htr.MulVec(m.h.T(), r)
	for i := 0; i < m.dimHidden; i++ {
		grad[i] += htr.AtVec(i) / m.noiseSig2
	}

	// Ridge prior -wᵗw/(2s).
	for i, wi := range w {
		logProb -= wi * wi / (2 * m.priorW2Sig2)
		grad[i] -= wi / m.priorW2Sig2
	}

	// Per-dimension gradient penalties.
	aw := mat.NewVecDense(m.dimHidden, nil)
	for d, a := range m.aDims {
		aw.MulVec(a, wVec)
		q := mat.Dot(wVec, aw)
		scale := m.scaleGlobal[d]
		switch m.penalty {
		case PenaltyL1:
			norm := clampSqrt(q)
			logProb -= scale * norm
			for i := 0; i < m.dimHidden; i++ {
				grad[i] -= scale * aw.AtVec(i) / norm
			}
		case PenaltyL2:
			logProb -= scale * q
			for i := 0; i < m.dimHidden; i++ {
				grad[i] -= 2 * scale * aw.AtVec(i)
			}
		}
	}

	// Group-level penalties are always the L1 form.
	for g, a := range m.aGroups {
		aw.MulVec(a, wVec)
		q := mat.Dot(wVec, aw)
		norm := clampSqrt(q)
		logProb -= m.scaleGroups[g] * norm
		for i := 0; i < m.dimHidden; i++ {
			grad[i] -= m.scaleGroups[g] * aw.AtVec(i) / norm
		}
	}

	m.grad = grad
	return logProb
}

// Gradient returns the analytic gradient of the last Observe call.
func (m *RffGradPen) Gradient() []float64 {
	return m.grad
}
