// Package logpost builds closed-form unnormalized log-posterior
// densities over the continuous parameters of sparse random-feature
// regression models: Gaussian likelihoods, Gaussian/Laplace weight
// priors, grouped gradient-norm penalties, and inverse-gamma
// hyperpriors.
//
// Every model implements the infergo model contract, Observe over a
// packed parameter vector, and supplies its gradient analytically
// through the GradModel interface; no general autodiff is involved.
// Numerical singularities (log of a non-positive value, division by
// zero variance) propagate as non-finite results rather than being
// masked.
package logpost

import (
	"fmt"
	"math"
)

// Penalty selects the functional form of the gradient-norm penalty.
type Penalty int

const (
	// PenaltyL1 is the grouped-lasso form scale·sqrt(wᵗAw).
	PenaltyL1 Penalty = iota
	// PenaltyL2 is the ridge form scale·wᵗAw.
	PenaltyL2
)

// String returns the config name of the penalty type.
func (p Penalty) String() string {
	switch p {
	case PenaltyL1:
		return "l1"
	case PenaltyL2:
		return "l2"
	default:
		return fmt.Sprintf("Penalty(%d)", int(p))
	}
}

// ParsePenalty maps a config name to a penalty type.
func ParsePenalty(name string) (Penalty, error) {
	switch name {
	case "l1":
		return PenaltyL1, nil
	case "l2":
		return PenaltyL2, nil
	default:
		return 0, fmt.Errorf("unknown penalty type %q", name)
	}
}

// sqrtClamp keeps the L1 penalty's sqrt argument away from its
// non-differentiable point at zero. The original formulation leaves
// this unguarded; the clamp makes the gradient defined everywhere at
// the cost of a vanishing bias near w = 0.
const sqrtClamp = 1e-12

// clampSqrt returns sqrt(max(q, sqrtClamp)).
func clampSqrt(q float64) float64 {
	return math.Sqrt(math.Max(q, sqrtClamp))
}

// logProbInvGamma is the inverse-gamma log-density
//
//	-(1+α)·log x - β/x - [lgamma(α) - α·log β]
//
// Non-positive x yields -Inf or NaN, which propagates to the caller.
func logProbInvGamma(x, alpha, beta float64) float64 {
	lg, _ := math.Lgamma(alpha)
	return -(1+alpha)*math.Log(x) - beta/x - (lg - alpha*math.Log(beta))
}

// dLogProbInvGamma is the derivative of logProbInvGamma in x.
func dLogProbInvGamma(x, alpha, beta float64) float64 {
	return -(1+alpha)/x + beta/(x*x)
}
