package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomFeatures(n, k int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, seed))
	h := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			h.Set(i, j, rng.NormFloat64())
		}
	}
	return h
}

func TestNewLinearLayer(t *testing.T) {
	tests := []struct {
		name    string
		dimIn   int
		options []LinearOption
		wantErr bool
	}{
		{
			name:  "valid basic config",
			dimIn: 10,
		},
		{
			name:  "valid with options",
			dimIn: 5,
			options: []LinearOption{
				WithPriorSig2(2.0),
				WithNoisePrecision(0.5),
				WithLinearSeed(42),
			},
		},
		{
			name:    "zero dimension",
			dimIn:   0,
			wantErr: true,
		},
		{
			name:    "negative prior variance",
			dimIn:   5,
			options: []LinearOption{WithPriorSig2(-1)},
			wantErr: true,
		},
		{
			name:    "zero noise precision",
			dimIn:   5,
			options: []LinearOption{WithNoisePrecision(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLinearLayer(tt.dimIn, tt.options...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLinearLayer() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if l.DimIn() != tt.dimIn {
				t.Errorf("DimIn() = %v, want %v", l.DimIn(), tt.dimIn)
			}

			// The prior posterior is N(0, priorSig2·I).
			mu, err := l.PosteriorMean()
			if err != nil {
				t.Fatalf("PosteriorMean() error = %v", err)
			}
			for i := 0; i < tt.dimIn; i++ {
				if mu.AtVec(i) != 0 {
					t.Errorf("prior mean[%d] = %v, want 0", i, mu.AtVec(i))
				}
			}
			cov, err := l.PosteriorCov()
			if err != nil {
				t.Fatalf("PosteriorCov() error = %v", err)
			}
			if math.Abs(cov.At(0, 0)-l.priorSig2) > 1e-15 {
				t.Errorf("prior cov[0,0] = %v, want %v", cov.At(0, 0), l.priorSig2)
			}
		})
	}
}

func TestConjugatePosteriorRecovery(t *testing.T) {
	const (
		n = 200
		k = 4
	)
	l, err := NewLinearLayer(k, WithNoisePrecision(100.0), WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}

	h := randomFeatures(n, k, 1)
	wTrue := mat.NewVecDense(k, []float64{1.5, -2.0, 0.5, 3.0})
	y := mat.NewVecDense(n, nil)
	y.MulVec(h, wTrue)

	if err := l.FixedPointUpdates(h, y); err != nil {
		t.Fatalf("FixedPointUpdates() error = %v", err)
	}

	mu, err := l.PosteriorMean()
	if err != nil {
		t.Fatalf("PosteriorMean() error = %v", err)
	}
	for i := 0; i < k; i++ {
		if math.Abs(mu.AtVec(i)-wTrue.AtVec(i)) > 0.05 {
			t.Errorf("posterior mean[%d] = %v, want ~%v", i, mu.AtVec(i), wTrue.AtVec(i))
		}
	}

	// With noise-free targets and high precision, the posterior
	// concentrates: samples stay close to the mean.
	for rep := 0; rep < 5; rep++ {
		w, err := l.SampleWeights(false)
		if err != nil {
			t.Fatalf("SampleWeights() error = %v", err)
		}
		for i := 0; i < k; i++ {
			if math.Abs(w.AtVec(i)-wTrue.AtVec(i)) > 0.5 {
				t.Errorf("sampled weight[%d] = %v, want near %v", i, w.AtVec(i), wTrue.AtVec(i))
			}
		}
	}
}

func TestFixedPointIdempotence(t *testing.T) {
	const (
		n = 30
		k = 5
	)
	l, err := NewLinearLayer(k, WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}
	h := randomFeatures(n, k, 2)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, math.Sin(float64(i)))
	}

	if err := l.FixedPointUpdates(h, y); err != nil {
		t.Fatalf("FixedPointUpdates() error = %v", err)
	}
	mu1, _ := l.PosteriorMean()
	cov1, _ := l.PosteriorCov()

	if err := l.FixedPointUpdates(h, y); err != nil {
		t.Fatalf("FixedPointUpdates() error = %v", err)
	}
	mu2, _ := l.PosteriorMean()
	cov2, _ := l.PosteriorCov()

	if !mat.EqualApprox(mu1, mu2, 1e-14) {
		t.Errorf("posterior mean changed on repeated update with identical inputs")
	}
	if !mat.EqualApprox(cov1, cov2, 1e-14) {
		t.Errorf("posterior covariance changed on repeated update with identical inputs")
	}
}

func TestFixedPointDimensionChecks(t *testing.T) {
	l, err := NewLinearLayer(4, WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}
	h := randomFeatures(10, 3, 1)
	y := mat.NewVecDense(10, nil)
	if err := l.FixedPointUpdates(h, y); err == nil {
		t.Errorf("FixedPointUpdates() with wrong feature dimension should return error")
	}
	h = randomFeatures(10, 4, 1)
	yShort := mat.NewVecDense(7, nil)
	if err := l.FixedPointUpdates(h, yShort); err == nil {
		t.Errorf("FixedPointUpdates() with mismatched target length should return error")
	}
}

func TestStoredWeights(t *testing.T) {
	l, err := NewLinearLayer(3, WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}

	if _, err := l.StoredWeights(); err == nil {
		t.Errorf("StoredWeights() before sampling should return error")
	}

	w, err := l.SampleWeights(true)
	if err != nil {
		t.Fatalf("SampleWeights() error = %v", err)
	}
	stored, err := l.StoredWeights()
	if err != nil {
		t.Fatalf("StoredWeights() error = %v", err)
	}
	if !mat.EqualApprox(w, stored, 0) {
		t.Errorf("StoredWeights() != last stored sample")
	}

	// store=false must not overwrite the stored draw
	l.SampleWeights(false)
	again, err := l.StoredWeights()
	if err != nil {
		t.Fatalf("StoredWeights() error = %v", err)
	}
	if !mat.EqualApprox(w, again, 0) {
		t.Errorf("store=false overwrote stored weight sample")
	}
}

func TestCholeskyFactorMatchesCovariance(t *testing.T) {
	const (
		n = 40
		k = 4
	)
	l, err := NewLinearLayer(k, WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}
	h := randomFeatures(n, k, 3)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, float64(i%5)-2)
	}
	if err := l.FixedPointUpdates(h, y); err != nil {
		t.Fatalf("FixedPointUpdates() error = %v", err)
	}

	var llt mat.Dense
	llt.Mul(l.cholL, l.cholL.T())
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if math.Abs(llt.At(i, j)-l.cov.At(i, j)) > 1e-10 {
				t.Errorf("L·Lᵗ[%d,%d] = %v, cov = %v", i, j, llt.At(i, j), l.cov.At(i, j))
			}
		}
	}
}

func TestSafeFactorizeJitter(t *testing.T) {
	// Rank-deficient v·vᵗ fails the plain factorization but succeeds
	// once the adaptive jitter kicks in.
	v := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	s := mat.NewSymDense(4, nil)
	s.SymOuterK(1, v)

	dst := mat.NewTriDense(4, mat.Lower, nil)
	if err := safeFactorize(s, dst); err != nil {
		t.Fatalf("safeFactorize() error = %v", err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j <= i; j++ {
			if math.IsInf(dst.At(i, j), 0) || math.IsNaN(dst.At(i, j)) {
				t.Errorf("jittered factor [%d,%d] = %v, want finite", i, j, dst.At(i, j))
			}
		}
	}
}

func TestLinearStateRoundTrip(t *testing.T) {
	const (
		n = 25
		k = 3
	)
	l, err := NewLinearLayer(k, WithNoisePrecision(2.0), WithLinearSeed(42))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}
	h := randomFeatures(n, k, 4)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, math.Cos(float64(i) / 3))
	}
	if err := l.FixedPointUpdates(h, y); err != nil {
		t.Fatalf("FixedPointUpdates() error = %v", err)
	}
	if _, err := l.SampleWeights(true); err != nil {
		t.Fatalf("SampleWeights() error = %v", err)
	}

	state := l.State()
	restored, err := NewLinearLayer(k, WithLinearSeed(9))
	if err != nil {
		t.Fatalf("NewLinearLayer() error = %v", err)
	}
	if err := restored.SetState(state); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	if restored.NoisePrecision() != l.NoisePrecision() {
		t.Errorf("noise precision after restore = %v, want %v", restored.NoisePrecision(), l.NoisePrecision())
	}
	muOrig, _ := l.PosteriorMean()
	muRest, err := restored.PosteriorMean()
	if err != nil {
		t.Fatalf("PosteriorMean() after restore error = %v", err)
	}
	if !mat.EqualApprox(muOrig, muRest, 1e-12) {
		t.Errorf("posterior mean not preserved by state round trip")
	}
	wOrig, _ := l.StoredWeights()
	wRest, err := restored.StoredWeights()
	if err != nil {
		t.Fatalf("StoredWeights() after restore error = %v", err)
	}
	if !mat.EqualApprox(wOrig, wRest, 1e-12) {
		t.Errorf("stored weight sample not preserved by state round trip")
	}
}
