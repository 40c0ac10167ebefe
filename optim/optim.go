// Package optim provides gradient optimizers over named parameter
// vectors, with snapshots that round-trip through training checkpoints.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/n0madic/go-sparse-bnn/layers"
)

// Optimizer updates parameters in place from their accumulated
// gradients.
type Optimizer interface {
	// Step applies one update to every parameter.
	Step(params []*layers.Parameter)

	// ZeroGrad clears all gradient buffers.
	ZeroGrad(params []*layers.Parameter)

	// State returns a serializable snapshot of the optimizer state.
	State() State

	// SetState restores a snapshot produced by State.
	SetState(state State) error
}

// State is the gob-encodable optimizer snapshot stored in checkpoints.
type State struct {
	Kind    string
	Step    int
	Scalars map[string]float64
	Vectors map[string][]float64
}

// ClipGradNorm rescales all gradients so their joint L2 norm does not
// exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(params []*layers.Parameter, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		total += floats.Dot(p.Grad, p.Grad)
	}
	norm := math.Sqrt(total)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	LR float64
}

// NewSGD creates an SGD optimizer with the given learning rate.
func NewSGD(lr float64) *SGD {
	return &SGD{LR: lr}
}

// Step applies params -= lr * grad.
func (s *SGD) Step(params []*layers.Parameter) {
	for _, p := range params {
		for i := range p.Value {
			p.Value[i] -= s.LR * p.Grad[i]
		}
	}
}

// ZeroGrad clears all gradient buffers.
func (s *SGD) ZeroGrad(params []*layers.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// State returns the SGD snapshot.
func (s *SGD) State() State {
	return State{
		Kind:    "sgd",
		Scalars: map[string]float64{"lr": s.LR},
	}
}

// SetState restores an SGD snapshot.
func (s *SGD) SetState(state State) error {
	if state.Kind != "sgd" {
		return fmt.Errorf("optimizer state kind %q != %q", state.Kind, "sgd")
	}
	if lr, ok := state.Scalars["lr"]; ok {
		s.LR = lr
	}
	return nil
}

// Adam is the Adam optimizer with bias correction. Moment buffers are
// keyed by parameter name, so the optimizer state survives checkpoint
// round-trips as long as parameter names are stable.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

// NewAdam creates an Adam optimizer with the usual defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

// Step applies one Adam update to every parameter.
func (a *Adam) Step(params []*layers.Parameter) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			a.v[p.Name] = v
		}
		for i := range p.Value {
			g := p.Grad[i]
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Value[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
		}
	}
}

// ZeroGrad clears all gradient buffers.
func (a *Adam) ZeroGrad(params []*layers.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// State returns the Adam snapshot including moment buffers.
func (a *Adam) State() State {
	vectors := make(map[string][]float64, 2*len(a.m))
	for name, m := range a.m {
		vectors["m:"+name] = append([]float64(nil), m...)
	}
	for name, v := range a.v {
		vectors["v:"+name] = append([]float64(nil), v...)
	}
	return State{
		Kind: "adam",
		Step: a.step,
		Scalars: map[string]float64{
			"lr":    a.LR,
			"beta1": a.Beta1,
			"beta2": a.Beta2,
			"eps":   a.Eps,
		},
		Vectors: vectors,
	}
}

// SetState restores an Adam snapshot.
func (a *Adam) SetState(state State) error {
	if state.Kind != "adam" {
		return fmt.Errorf("optimizer state kind %q != %q", state.Kind, "adam")
	}
	a.step = state.Step
	if lr, ok := state.Scalars["lr"]; ok {
		a.LR = lr
	}
	if b1, ok := state.Scalars["beta1"]; ok {
		a.Beta1 = b1
	}
	if b2, ok := state.Scalars["beta2"]; ok {
		a.Beta2 = b2
	}
	if eps, ok := state.Scalars["eps"]; ok {
		a.Eps = eps
	}
	a.m = make(map[string][]float64)
	a.v = make(map[string][]float64)
	for name, vec := range state.Vectors {
		switch {
		case len(name) > 2 && name[:2] == "m:":
			a.m[name[2:]] = append([]float64(nil), vec...)
		case len(name) > 2 && name[:2] == "v:":
			a.v[name[2:]] = append([]float64(nil), vec...)
		}
	}
	return nil
}
