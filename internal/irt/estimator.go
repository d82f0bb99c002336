package irt

import (
	"errors"
	"fmt"
	"math"
)

// Method selects the ability estimation procedure.
type Method string

const (
	MethodMLE Method = "mle"
	MethodEAP Method = "eap"
)

// Outcome tags how an Estimate was produced.
type Outcome string

const (
	// OutcomeConverged means the configured method produced the estimate.
	OutcomeConverged Outcome = "converged"
	// OutcomeFallback means MLE could not be used and EAP was substituted.
	OutcomeFallback Outcome = "fallback"
	// OutcomePrior means there were no responses; the starting value is returned.
	OutcomePrior Outcome = "prior"
)

// Fallback reasons recorded on an Estimate when MLE is replaced by EAP.
const (
	ReasonInsufficientResponses = "insufficient_responses"
	ReasonNoInteriorMaximum     = "no_interior_maximum"
	ReasonBoundary              = "boundary"
	ReasonVanishingInformation  = "vanishing_information"
	ReasonMaxIterations         = "max_iterations"
)

// infoFloor is the smallest test information treated as usable.
const infoFloor = 1e-10

// maxStep damps a single Fisher-scoring update.
const maxStep = 1.0

var ErrInvalidEstimatorConfig = errors.New("invalid estimator config")

// Response is one scored answer together with the item's parameters.
type Response struct {
	Params  Params
	Correct bool
}

// Estimate is a point estimate of ability with its uncertainty.
type Estimate struct {
	Theta         float64 `json:"theta"`
	StandardError float64 `json:"standard_error"`
	Method        Method  `json:"method"`
	Converged     bool    `json:"converged"`
	Iterations    int     `json:"iterations"`
	Outcome       Outcome `json:"outcome"`

	// FallbackReason is set when Outcome is OutcomeFallback.
	FallbackReason string `json:"fallback_reason,omitempty"`
	// BoundaryTheta holds the clamped MLE value when the likelihood
	// had no interior maximum.
	BoundaryTheta *float64 `json:"boundary_theta,omitempty"`
}

// Config holds estimator settings. Start from DefaultConfig.
type Config struct {
	Method             Method  `yaml:"method" json:"method"`
	ThetaMin           float64 `yaml:"theta_min" json:"theta_min"`
	ThetaMax           float64 `yaml:"theta_max" json:"theta_max"`
	MaxIterations      int     `yaml:"max_iterations" json:"max_iterations"`
	Tolerance          float64 `yaml:"tolerance" json:"tolerance"`
	QuadraturePoints   int     `yaml:"quadrature_points" json:"quadrature_points"`
	PriorMean          float64 `yaml:"prior_mean" json:"prior_mean"`
	PriorSD            float64 `yaml:"prior_sd" json:"prior_sd"`
	MinResponsesForMLE int     `yaml:"min_responses_for_mle" json:"min_responses_for_mle"`
	StartingSE         float64 `yaml:"starting_se" json:"starting_se"`
	MaxStandardError   float64 `yaml:"max_standard_error" json:"max_standard_error"`
}

// DefaultConfig returns MLE with EAP fallback over [-4, 4] and a standard normal prior.
func DefaultConfig() Config {
	return Config{
		Method:             MethodMLE,
		ThetaMin:           -4,
		ThetaMax:           4,
		MaxIterations:      50,
		Tolerance:          1e-4,
		QuadraturePoints:   61,
		PriorMean:          0,
		PriorSD:            1,
		MinResponsesForMLE: 1,
		StartingSE:         1.0,
		MaxStandardError:   10.0,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Method != MethodMLE && c.Method != MethodEAP:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidEstimatorConfig, c.Method)
	case c.ThetaMin >= c.ThetaMax:
		return fmt.Errorf("%w: theta_min %.2f must be below theta_max %.2f", ErrInvalidEstimatorConfig, c.ThetaMin, c.ThetaMax)
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max_iterations must be positive", ErrInvalidEstimatorConfig)
	case c.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance must be positive", ErrInvalidEstimatorConfig)
	case c.QuadraturePoints < 2:
		return fmt.Errorf("%w: quadrature_points must be at least 2", ErrInvalidEstimatorConfig)
	case c.PriorSD <= 0:
		return fmt.Errorf("%w: prior_sd must be positive", ErrInvalidEstimatorConfig)
	case c.StartingSE < 0 || c.MaxStandardError <= 0:
		return fmt.Errorf("%w: standard error bounds must be positive", ErrInvalidEstimatorConfig)
	}
	return nil
}

// Estimator computes ability estimates. It holds only the precomputed
// quadrature grid and is safe for concurrent use.
type Estimator struct {
	cfg      Config
	grid     []float64
	logPrior []float64
}

// NewEstimator validates cfg and precomputes the EAP grid.
func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grid := make([]float64, cfg.QuadraturePoints)
	logPrior := make([]float64, cfg.QuadraturePoints)
	step := (cfg.ThetaMax - cfg.ThetaMin) / float64(cfg.QuadraturePoints-1)
	for i := range grid {
		g := cfg.ThetaMin + float64(i)*step
		z := (g - cfg.PriorMean) / cfg.PriorSD
		grid[i] = g
		logPrior[i] = -0.5 * z * z
	}
	return &Estimator{cfg: cfg, grid: grid, logPrior: logPrior}, nil
}

// Config returns the estimator's configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate computes the ability estimate for the response pattern. priorTheta
// is the previous estimate (or the starting value) and seeds the MLE iteration.
func (e *Estimator) Estimate(priorTheta float64, responses []Response) Estimate {
	if len(responses) == 0 {
		return Estimate{
			Theta:         e.clampTheta(priorTheta),
			StandardError: e.cfg.StartingSE,
			Method:        e.cfg.Method,
			Converged:     false,
			Outcome:       OutcomePrior,
		}
	}

	if e.cfg.Method == MethodEAP {
		est := e.eap(responses)
		est.Converged = true
		est.Outcome = OutcomeConverged
		return est
	}

	if len(responses) < e.cfg.MinResponsesForMLE {
		return e.fallback(responses, ReasonInsufficientResponses, nil)
	}

	// A constant pattern drives the likelihood monotonically to a bound.
	if allCorrect, allIncorrect := constantPattern(responses); allCorrect || allIncorrect {
		bound := e.cfg.ThetaMin
		if allCorrect {
			bound = e.cfg.ThetaMax
		}
		return e.fallback(responses, ReasonNoInteriorMaximum, &bound)
	}

	theta, iterations, reason, boundary := e.mle(priorTheta, responses)
	if reason != "" {
		var b *float64
		if boundary {
			b = &theta
		}
		return e.fallback(responses, reason, b)
	}

	params := paramsOf(responses)
	return Estimate{
		Theta:         theta,
		StandardError: e.standardError(TestInformation(params, theta)),
		Method:        MethodMLE,
		Converged:     true,
		Iterations:    iterations,
		Outcome:       OutcomeConverged,
	}
}

// mle runs Fisher scoring from start. A non-empty reason means it did not
// find an interior maximum.
func (e *Estimator) mle(start float64, responses []Response) (theta float64, iterations int, reason string, boundary bool) {
	params := paramsOf(responses)
	theta = e.clampTheta(start)

	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		info := TestInformation(params, theta)
		if info < infoFloor {
			return theta, iter, ReasonVanishingInformation, false
		}

		step := score(responses, theta) / info
		step = math.Max(-maxStep, math.Min(maxStep, step))
		next := theta + step

		if next <= e.cfg.ThetaMin || next >= e.cfg.ThetaMax {
			next = e.clampTheta(next)
			s := score(responses, next)
			if (next == e.cfg.ThetaMax && s > 0) || (next == e.cfg.ThetaMin && s < 0) {
				return next, iter, ReasonBoundary, true
			}
		}

		if math.Abs(next-theta) < e.cfg.Tolerance {
			return next, iter, "", false
		}
		theta = next
	}
	return theta, e.cfg.MaxIterations, ReasonMaxIterations, false
}

func (e *Estimator) fallback(responses []Response, reason string, boundary *float64) Estimate {
	est := e.eap(responses)
	est.Converged = false
	est.Outcome = OutcomeFallback
	est.FallbackReason = reason
	est.BoundaryTheta = boundary
	return est
}

// eap integrates θ against prior × likelihood on the fixed grid. The
// posterior is normalised in log space so long patterns cannot underflow.
func (e *Estimator) eap(responses []Response) Estimate {
	logPost := make([]float64, len(e.grid))
	maxLog := math.Inf(-1)
	for i, g := range e.grid {
		lp := e.logPrior[i] + logLikelihood(responses, g)
		logPost[i] = lp
		if lp > maxLog {
			maxLog = lp
		}
	}

	var sum, mean float64
	for i, g := range e.grid {
		w := math.Exp(logPost[i] - maxLog)
		logPost[i] = w
		sum += w
		mean += g * w
	}
	mean /= sum

	var variance float64
	for i, g := range e.grid {
		d := g - mean
		variance += d * d * logPost[i]
	}
	variance /= sum

	se := math.Sqrt(variance)
	if math.IsNaN(se) || math.IsInf(se, 0) {
		se = e.cfg.MaxStandardError
	}

	return Estimate{
		Theta:         mean,
		StandardError: math.Min(se, e.cfg.MaxStandardError),
		Method:        MethodEAP,
		Iterations:    len(e.grid),
	}
}

func (e *Estimator) standardError(info float64) float64 {
	if info < infoFloor {
		return e.cfg.MaxStandardError
	}
	se := 1 / math.Sqrt(info)
	if math.IsNaN(se) || se > e.cfg.MaxStandardError {
		return e.cfg.MaxStandardError
	}
	return se
}

func (e *Estimator) clampTheta(theta float64) float64 {
	if math.IsNaN(theta) {
		return e.cfg.PriorMean
	}
	return math.Max(e.cfg.ThetaMin, math.Min(e.cfg.ThetaMax, theta))
}

func constantPattern(responses []Response) (allCorrect, allIncorrect bool) {
	allCorrect, allIncorrect = true, true
	for _, r := range responses {
		if r.Correct {
			allIncorrect = false
		} else {
			allCorrect = false
		}
	}
	return allCorrect, allIncorrect
}

func paramsOf(responses []Response) []Params {
	params := make([]Params, len(responses))
	for i, r := range responses {
		params[i] = r.Params
	}
	return params
}
