package logpost

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sparse-bnn/rff"
)

// observer is the evaluation surface shared by all log-posteriors here.
type observer interface {
	Observe(x []float64) float64
	Gradient() []float64
}

// checkGradient compares the analytic gradient at x against central
// finite differences of Observe.
func checkGradient(t *testing.T, m observer, x []float64, eps, tol float64) {
	t.Helper()
	m.Observe(x)
	grad := append([]float64(nil), m.Gradient()...)

	numeric := make([]float64, len(x))
	fd.Gradient(numeric, func(v []float64) float64 { return m.Observe(v) }, x,
		&fd.Settings{Formula: fd.Central, Step: eps})

	for i := range x {
		if math.Abs(grad[i]-numeric[i]) > tol*math.Max(1, math.Abs(numeric[i])) {
			t.Errorf("gradient[%d] = %v, finite difference %v", i, grad[i], numeric[i])
		}
	}
}

func syntheticData(n, d int, seed uint64) (*mat.Dense, *mat.VecDense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	x := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, x.At(i, 0)-0.5*x.At(i, 1)+0.1*rng.NormFloat64())
	}
	return x, y
}

func TestParsePenalty(t *testing.T) {
	tests := []struct {
		input   string
		want    Penalty
		wantErr bool
	}{
		{input: "l1", want: PenaltyL1},
		{input: "l2", want: PenaltyL2},
		{input: "l3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePenalty(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePenalty(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParsePenalty(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if err == nil && got.String() != tt.input {
			t.Errorf("Penalty.String() = %q, want %q", got.String(), tt.input)
		}
	}
}

func TestInvGammaLogProb(t *testing.T) {
	// InvGamma(1, 1) at x=1: -(1+1)·log 1 - 1 - [lgamma(1) - 0] = -1.
	if got := logProbInvGamma(1, 1, 1); math.Abs(got-(-1)) > 1e-12 {
		t.Errorf("logProbInvGamma(1,1,1) = %v, want -1", got)
	}

	// Derivative against finite differences.
	const eps = 1e-6
	for _, x := range []float64{0.3, 1.0, 2.7} {
		fd := (logProbInvGamma(x+eps, 2, 3) - logProbInvGamma(x-eps, 2, 3)) / (2 * eps)
		got := dLogProbInvGamma(x, 2, 3)
		if math.Abs(got-fd) > 1e-5 {
			t.Errorf("dLogProbInvGamma(%v) = %v, finite difference %v", x, got, fd)
		}
	}

	// Non-positive support propagates as non-finite.
	if got := logProbInvGamma(0, 1, 1); !math.IsInf(got, 0) && !math.IsNaN(got) {
		t.Errorf("logProbInvGamma(0,1,1) = %v, want non-finite", got)
	}
}

func TestBayesLinearLassoGradient(t *testing.T) {
	x, y := syntheticData(20, 4, 1)
	m, err := NewBayesLinearLasso(x, y,
		WithLassoNoise(0.5),
		WithLassoPriorSig2(2.0),
		WithLassoScaleGlobal(0.7),
	)
	if err != nil {
		t.Fatalf("NewBayesLinearLasso() error = %v", err)
	}
	if m.DimIn() != 4 {
		t.Errorf("DimIn() = %d, want 4", m.DimIn())
	}

	// Keep weights away from the |w| kink at zero.
	w := []float64{0.8, -1.2, 0.4, -0.6}
	checkGradient(t, m, w, 1e-6, 1e-5)
}

func TestBayesLinearLassoGroups(t *testing.T) {
	x, y := syntheticData(15, 4, 2)
	m, err := NewBayesLinearLasso(x, y,
		WithLassoGroups([][]int{{0, 1}, {2, 3}}, []float64{0.5, 1.5}),
	)
	if err != nil {
		t.Fatalf("NewBayesLinearLasso() error = %v", err)
	}
	w := []float64{0.9, -0.7, 1.1, 0.5}
	checkGradient(t, m, w, 1e-6, 1e-5)

	// The group penalty must lower the log-posterior relative to the
	// ungrouped model at the same weights.
	plain, err := NewBayesLinearLasso(x, y)
	if err != nil {
		t.Fatalf("NewBayesLinearLasso() error = %v", err)
	}
	if m.Observe(w) >= plain.Observe(w) {
		t.Errorf("grouped log-posterior %v should be below ungrouped %v", m.Observe(w), plain.Observe(w))
	}

	if _, err := NewBayesLinearLasso(x, y,
		WithLassoGroups([][]int{{0, 9}}, []float64{1})); err == nil {
		t.Errorf("NewBayesLinearLasso() with out-of-range group index should return error")
	}
	if _, err := NewBayesLinearLasso(x, y,
		WithLassoGroups([][]int{{0}}, []float64{1, 2})); err == nil {
		t.Errorf("NewBayesLinearLasso() with mismatched group scales should return error")
	}
}

func TestRffGradPenGradient(t *testing.T) {
	x, y := syntheticData(25, 3, 3)
	fm, err := rff.New(3, 10, rff.WithRandomSeed(42))
	if err != nil {
		t.Fatalf("rff.New() error = %v", err)
	}

	for _, penalty := range []Penalty{PenaltyL1, PenaltyL2} {
		t.Run(penalty.String(), func(t *testing.T) {
			m, err := NewRffGradPen(fm, x, y,
				WithGradPenNoise(0.8),
				WithGradPenPriorSig2(1.5),
				WithGradPenPenalty(penalty),
				WithGradPenScales([]float64{0.5, 1.0, 2.0}),
			)
			if err != nil {
				t.Fatalf("NewRffGradPen() error = %v", err)
			}
			if m.DimHidden() != 10 {
				t.Errorf("DimHidden() = %d, want 10", m.DimHidden())
			}

			rng := rand.New(rand.NewPCG(4, 4))
			w := make([]float64, 10)
			for i := range w {
				w[i] = rng.NormFloat64()
			}
			checkGradient(t, m, w, 1e-6, 1e-4)
		})
	}
}

func TestRffGradPenGroupsGradient(t *testing.T) {
	x, y := syntheticData(20, 4, 5)
	fm, err := rff.New(4, 8, rff.WithRandomSeed(42))
	if err != nil {
		t.Fatalf("rff.New() error = %v", err)
	}
	m, err := NewRffGradPen(fm, x, y,
		WithGradPenGroups([][]int{{0, 1}, {2, 3}}, []float64{0.4, 0.9}),
	)
	if err != nil {
		t.Fatalf("NewRffGradPen() error = %v", err)
	}

	rng := rand.New(rand.NewPCG(6, 6))
	w := make([]float64, 8)
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	checkGradient(t, m, w, 1e-6, 1e-4)
}

func TestRffGradPenHyperGradient(t *testing.T) {
	x, y := syntheticData(15, 3, 7)
	fm, err := rff.New(3, 6, rff.WithRandomSeed(42))
	if err != nil {
		t.Fatalf("rff.New() error = %v", err)
	}

	for _, penalty := range []Penalty{PenaltyL1, PenaltyL2} {
		t.Run(penalty.String(), func(t *testing.T) {
			m, err := NewRffGradPenHyper(fm, x, y,
				WithHyperNoise(0.6),
				WithHyperPenalty(penalty),
				WithHyperScales([]float64{1.0, 0.5, 1.5}),
				WithLengthscalePrior(1.0, 1.0),
				WithPriorSig2Hyperprior(1.0, 1.0),
			)
			if err != nil {
				t.Fatalf("NewRffGradPenHyper() error = %v", err)
			}
			if m.Dim() != 8 {
				t.Errorf("Dim() = %d, want 8", m.Dim())
			}

			rng := rand.New(rand.NewPCG(8, 8))
			params := make([]float64, m.Dim())
			for i := 0; i < 6; i++ {
				params[i] = rng.NormFloat64()
			}
			params[6] = 1.3 // lengthscale
			params[7] = 0.9 // output prior variance
			checkGradient(t, m, params, 1e-6, 1e-4)

			w, ell, sig2 := m.Unpack(params)
			if len(w) != 6 || ell != 1.3 || sig2 != 0.9 {
				t.Errorf("Unpack() = (%d, %v, %v), want (6, 1.3, 0.9)", len(w), ell, sig2)
			}
		})
	}
}

func TestClampSqrt(t *testing.T) {
	if got := clampSqrt(4.0); got != 2.0 {
		t.Errorf("clampSqrt(4) = %v, want 2", got)
	}
	if got := clampSqrt(0); got != math.Sqrt(sqrtClamp) {
		t.Errorf("clampSqrt(0) = %v, want %v", got, math.Sqrt(sqrtClamp))
	}
	if got := clampSqrt(-1); got != math.Sqrt(sqrtClamp) {
		t.Errorf("clampSqrt(-1) = %v, want %v", got, math.Sqrt(sqrtClamp))
	}
}
