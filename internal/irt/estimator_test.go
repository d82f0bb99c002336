package irt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T, mutate func(*Config)) *Estimator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	est, err := NewEstimator(cfg)
	require.NoError(t, err)
	return est
}

func ladder(correct ...bool) []Response {
	bs := []float64{-2, -1, 0, 1, 2, -1.5, -0.5, 0.5, 1.5}
	out := make([]Response, len(correct))
	for i, c := range correct {
		out[i] = Response{Params: Params{A: 1.2, B: bs[i%len(bs)], C: 0}, Correct: c}
	}
	return out
}

func TestEstimateNoResponsesReturnsPrior(t *testing.T) {
	est := newTestEstimator(t, nil)

	got := est.Estimate(0.4, nil)

	assert.Equal(t, 0.4, got.Theta)
	assert.Equal(t, 1.0, got.StandardError)
	assert.False(t, got.Converged)
	assert.Equal(t, OutcomePrior, got.Outcome)
	assert.Equal(t, MethodMLE, got.Method)
}

func TestEstimateNoResponsesClampsPrior(t *testing.T) {
	est := newTestEstimator(t, nil)
	got := est.Estimate(12, nil)
	assert.Equal(t, 4.0, got.Theta)
}

func TestMLEConvergesOnMixedPattern(t *testing.T) {
	est := newTestEstimator(t, nil)
	responses := ladder(true, true, true, false, false)

	got := est.Estimate(0, responses)

	require.True(t, got.Converged, "fallback reason: %s", got.FallbackReason)
	assert.Equal(t, MethodMLE, got.Method)
	assert.Equal(t, OutcomeConverged, got.Outcome)
	assert.Greater(t, got.Theta, -1.0)
	assert.Less(t, got.Theta, 2.0)

	// The score vanishes at the maximum.
	assert.InDelta(t, 0, score(responses, got.Theta), 1e-3)

	info := TestInformation(paramsOf(responses), got.Theta)
	assert.InDelta(t, 1/math.Sqrt(info), got.StandardError, 1e-12)
}

func TestMLEIsSymmetric(t *testing.T) {
	est := newTestEstimator(t, nil)
	up := est.Estimate(0, ladder(true, true, true, false, false))

	mirrored := []Response{
		{Params: Params{A: 1.2, B: 2}, Correct: false},
		{Params: Params{A: 1.2, B: 1}, Correct: false},
		{Params: Params{A: 1.2, B: 0}, Correct: false},
		{Params: Params{A: 1.2, B: -1}, Correct: true},
		{Params: Params{A: 1.2, B: -2}, Correct: true},
	}
	down := est.Estimate(0, mirrored)

	require.True(t, up.Converged)
	require.True(t, down.Converged)
	assert.InDelta(t, up.Theta, -down.Theta, 1e-3)
}

func TestAllCorrectFallsBackToEAP(t *testing.T) {
	est := newTestEstimator(t, nil)

	got := est.Estimate(0, ladder(true, true, true, true))

	assert.False(t, got.Converged)
	assert.Equal(t, OutcomeFallback, got.Outcome)
	assert.Equal(t, MethodEAP, got.Method)
	assert.Equal(t, ReasonNoInteriorMaximum, got.FallbackReason)
	require.NotNil(t, got.BoundaryTheta)
	assert.Equal(t, 4.0, *got.BoundaryTheta)
	assert.Greater(t, got.Theta, 0.0)
	assert.LessOrEqual(t, got.Theta, 4.0)
	assert.False(t, math.IsInf(got.Theta, 0))
	assert.Greater(t, got.StandardError, 0.0)
}

func TestAllIncorrectFallsBackToEAP(t *testing.T) {
	est := newTestEstimator(t, nil)

	got := est.Estimate(0, ladder(false, false, false))

	assert.Equal(t, OutcomeFallback, got.Outcome)
	require.NotNil(t, got.BoundaryTheta)
	assert.Equal(t, -4.0, *got.BoundaryTheta)
	assert.Less(t, got.Theta, 0.0)
	assert.GreaterOrEqual(t, got.Theta, -4.0)
}

func TestSingleResponseDoesNotDivideByZero(t *testing.T) {
	est := newTestEstimator(t, nil)

	for _, correct := range []bool{true, false} {
		got := est.Estimate(0, []Response{{Params: Params{A: 1, B: 0, C: 0.2}, Correct: correct}})
		assert.False(t, math.IsNaN(got.Theta))
		assert.False(t, math.IsNaN(got.StandardError))
		assert.False(t, math.IsInf(got.StandardError, 0))
	}
}

func TestVanishingInformationFallsBack(t *testing.T) {
	est := newTestEstimator(t, nil)
	flat := Params{A: 1e-9, B: 0, C: 0.3}

	got := est.Estimate(0, []Response{
		{Params: flat, Correct: true},
		{Params: flat, Correct: false},
	})

	assert.Equal(t, OutcomeFallback, got.Outcome)
	assert.Equal(t, ReasonVanishingInformation, got.FallbackReason)
	assert.False(t, math.IsInf(got.StandardError, 0))
	// A flat likelihood leaves the posterior at the prior.
	assert.InDelta(t, 0, got.Theta, 1e-3)
	assert.InDelta(t, 1, got.StandardError, 0.05)
}

func TestInsufficientResponsesUsesEAP(t *testing.T) {
	est := newTestEstimator(t, func(c *Config) { c.MinResponsesForMLE = 3 })

	got := est.Estimate(0, ladder(true, false))

	assert.Equal(t, OutcomeFallback, got.Outcome)
	assert.Equal(t, ReasonInsufficientResponses, got.FallbackReason)
	assert.Nil(t, got.BoundaryTheta)
}

func TestEAPAlwaysFiniteAndBounded(t *testing.T) {
	est := newTestEstimator(t, func(c *Config) { c.Method = MethodEAP })
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(40)
		responses := make([]Response, n)
		for i := range responses {
			responses[i] = Response{
				Params: Params{
					A: 0.2 + rng.Float64()*2.3,
					B: -4 + rng.Float64()*8,
					C: rng.Float64() * 0.35,
				},
				Correct: rng.Intn(2) == 0,
			}
		}
		// Force the extreme patterns periodically.
		if trial%10 == 0 {
			for i := range responses {
				responses[i].Correct = trial%20 == 0
			}
		}

		got := est.Estimate(0, responses)
		require.Equal(t, OutcomeConverged, got.Outcome)
		require.True(t, got.Converged)
		require.False(t, math.IsNaN(got.Theta) || math.IsInf(got.Theta, 0), "trial %d", trial)
		require.GreaterOrEqual(t, got.Theta, -4.0)
		require.LessOrEqual(t, got.Theta, 4.0)
		require.GreaterOrEqual(t, got.StandardError, 0.0)
		require.False(t, math.IsInf(got.StandardError, 0))
	}
}

func TestEAPShrinksTowardPrior(t *testing.T) {
	est := newTestEstimator(t, func(c *Config) { c.Method = MethodEAP })
	mle := newTestEstimator(t, nil)
	responses := ladder(true, true, true, true, false)

	e := est.Estimate(0, responses)
	m := mle.Estimate(0, responses)

	require.True(t, m.Converged)
	assert.Less(t, math.Abs(e.Theta), math.Abs(m.Theta))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown method", func(c *Config) { c.Method = "map" }},
		{"inverted bounds", func(c *Config) { c.ThetaMin, c.ThetaMax = 4, -4 }},
		{"no iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"no tolerance", func(c *Config) { c.Tolerance = 0 }},
		{"single quadrature point", func(c *Config) { c.QuadraturePoints = 1 }},
		{"zero prior sd", func(c *Config) { c.PriorSD = 0 }},
		{"zero max se", func(c *Config) { c.MaxStandardError = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewEstimator(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEstimatorConfig)
		})
	}

	require.NoError(t, DefaultConfig().Validate())
}
