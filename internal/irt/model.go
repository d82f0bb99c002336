package irt

import "math"

// maxLogit bounds a(θ-b) before exponentiation. exp(±35) stays well inside
// float64 range and the logistic is already saturated to ~1e-15 there.
const maxLogit = 35.0

// Params are the 3PL item parameters.
type Params struct {
	A float64 `json:"a" yaml:"a"` // discrimination
	B float64 `json:"b" yaml:"b"` // difficulty
	C float64 `json:"c" yaml:"c"` // guessing floor
}

func logit(p Params, theta float64) float64 {
	x := p.A * (theta - p.B)
	if x > maxLogit {
		return maxLogit
	}
	if x < -maxLogit {
		return -maxLogit
	}
	return x
}

// Probability returns P(correct | θ) under the three-parameter logistic model.
func Probability(p Params, theta float64) float64 {
	x := logit(p, theta)
	return p.C + (1-p.C)/(1+math.Exp(-x))
}

// Derivative returns dP/dθ.
func Derivative(p Params, theta float64) float64 {
	x := logit(p, theta)
	l := 1 / (1 + math.Exp(-x))
	return p.A * (1 - p.C) * l * (1 - l)
}

// Information returns the Fisher information of one item at θ:
//
//	I(θ) = a²(1-c) / ((c + e^{a(θ-b)}) (1 + e^{-a(θ-b)})²)
func Information(p Params, theta float64) float64 {
	if p.A <= 0 || p.C >= 1 {
		return 0
	}
	x := logit(p, theta)
	ex := math.Exp(x)
	enx := math.Exp(-x)
	denom := (p.C + ex) * (1 + enx) * (1 + enx)
	if denom <= 0 || math.IsInf(denom, 0) {
		return 0
	}
	return p.A * p.A * (1 - p.C) / denom
}

// TestInformation sums item information over every parameter set.
func TestInformation(items []Params, theta float64) float64 {
	var total float64
	for _, p := range items {
		total += Information(p, theta)
	}
	return total
}

// logLikelihood returns log P(pattern | θ) for the responses.
func logLikelihood(responses []Response, theta float64) float64 {
	var ll float64
	for _, r := range responses {
		p := clampProb(Probability(r.Params, theta))
		if r.Correct {
			ll += math.Log(p)
		} else {
			ll += math.Log(1 - p)
		}
	}
	return ll
}

// score returns the first derivative of the log-likelihood with respect to θ.
// For 3PL this reduces to Σ a(u-P)(P-c) / (P(1-c)).
func score(responses []Response, theta float64) float64 {
	var s float64
	for _, r := range responses {
		p := clampProb(Probability(r.Params, theta))
		if r.Params.C >= 1 {
			continue
		}
		u := 0.0
		if r.Correct {
			u = 1
		}
		s += r.Params.A * (u - p) * (p - r.Params.C) / (p * (1 - r.Params.C))
	}
	return s
}

func clampProb(p float64) float64 {
	const eps = 1e-12
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
