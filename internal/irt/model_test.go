package irt

import (
	"math"
	"testing"
)

var sampleItems = []Params{
	{A: 1.0, B: 0.0, C: 0.2},
	{A: 1.5, B: 1.0, C: 0.1},
	{A: 0.8, B: -1.0, C: 0.25},
	{A: 2.5, B: 3.5, C: 0.0},
	{A: 0.2, B: -4.0, C: 0.35},
}

func TestProbabilityBoundedAndMonotone(t *testing.T) {
	for _, p := range sampleItems {
		prev := -1.0
		for theta := -6.0; theta <= 6.0; theta += 0.25 {
			got := Probability(p, theta)
			if got < 0 || got > 1 {
				t.Fatalf("Probability(%+v, %.2f) = %f, want within [0,1]", p, theta, got)
			}
			if got < prev {
				t.Fatalf("Probability(%+v) decreased at θ=%.2f: %f < %f", p, theta, got, prev)
			}
			prev = got
		}
	}
}

func TestProbabilityFloorAndCenter(t *testing.T) {
	p := Params{A: 1.2, B: 0.5, C: 0.2}

	// At θ=b the logistic term is one half.
	got := Probability(p, 0.5)
	if math.Abs(got-0.6) > 1e-12 {
		t.Errorf("Probability at θ=b = %f, want 0.6", got)
	}

	// Far below difficulty the guessing floor dominates.
	got = Probability(p, -40)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("Probability at θ=-40 = %f, want ~0.2", got)
	}
}

func TestInformationMatchesDerivativeForm(t *testing.T) {
	for _, p := range sampleItems {
		for theta := -3.0; theta <= 3.0; theta += 0.5 {
			prob := Probability(p, theta)
			d := Derivative(p, theta)
			want := d * d / (prob * (1 - prob))
			got := Information(p, theta)
			if math.Abs(got-want) > 1e-9*math.Max(1, want) {
				t.Errorf("Information(%+v, %.1f) = %g, want %g", p, theta, got, want)
			}
		}
	}
}

func TestInformationKnownValues(t *testing.T) {
	tests := []struct {
		p     Params
		theta float64
		want  float64
	}{
		{Params{A: 1.0, B: 0.0, C: 0.2}, 0, 1.0 / 6.0},
		{Params{A: 1.0, B: 0.0, C: 0.0}, 0, 0.25},
		{Params{A: 2.0, B: 1.0, C: 0.0}, 1, 1.0},
	}
	for _, tt := range tests {
		got := Information(tt.p, tt.theta)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Information(%+v, %.1f) = %f, want %f", tt.p, tt.theta, got, tt.want)
		}
	}
}

func TestInformationExtremesAreFinite(t *testing.T) {
	for _, p := range sampleItems {
		for _, theta := range []float64{-1000, -50, 50, 1000} {
			got := Information(p, theta)
			if math.IsNaN(got) || math.IsInf(got, 0) || got < 0 {
				t.Errorf("Information(%+v, %.0f) = %f, want finite and non-negative", p, theta, got)
			}
		}
	}

	if got := Information(Params{A: 0, B: 0, C: 0.2}, 0); got != 0 {
		t.Errorf("Information with a=0 = %f, want 0", got)
	}
}

func TestTestInformationSums(t *testing.T) {
	var want float64
	for _, p := range sampleItems {
		want += Information(p, 0.3)
	}
	got := TestInformation(sampleItems, 0.3)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("TestInformation = %f, want %f", got, want)
	}
}

func TestScaledScore(t *testing.T) {
	tests := []struct {
		theta float64
		want  int
	}{
		{0, 50},
		{1, 63},
		{-1, 38},
		{4, 100},
		{-4, 0},
		{9, 100},
		{-9, 0},
	}
	for _, tt := range tests {
		if got := ScaledScore(tt.theta); got != tt.want {
			t.Errorf("ScaledScore(%.1f) = %d, want %d", tt.theta, got, tt.want)
		}
	}

	if got := ThetaFromScore(75); got != 2 {
		t.Errorf("ThetaFromScore(75) = %f, want 2", got)
	}
	if got := ScaledError(0.4); math.Abs(got-5) > 1e-12 {
		t.Errorf("ScaledError(0.4) = %f, want 5", got)
	}
}
