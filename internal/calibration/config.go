package calibration

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
)

var (
	ErrInvalidConfig = errors.New("invalid calibration config")
	ErrRunNotFound   = errors.New("calibration run not found")
	ErrRunInProgress = errors.New("calibration run already in progress")
	ErrRunNotActive  = errors.New("calibration run is not active")
)

// ConfigError rejects a calibration request before any simulation starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid calibration config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Distribution kinds for simulated abilities.
const (
	DistNormal  = "normal"
	DistUniform = "uniform"
)

// ThetaDistribution is the ability distribution of simulated examinees.
type ThetaDistribution struct {
	Kind string  `yaml:"kind" json:"kind"`
	Mean float64 `yaml:"mean" json:"mean"`
	SD   float64 `yaml:"sd" json:"sd"`
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
}

func (d ThetaDistribution) sample(r *rand.Rand) float64 {
	if d.Kind == DistUniform {
		return d.Min + (d.Max-d.Min)*r.Float64()
	}
	return d.Mean + d.SD*r.NormFloat64()
}

func (d ThetaDistribution) validate() error {
	switch d.Kind {
	case DistNormal:
		if !(d.SD > 0) {
			return &ConfigError{Field: "theta_dist.sd", Reason: "must be positive"}
		}
	case DistUniform:
		if !(d.Min < d.Max) {
			return &ConfigError{Field: "theta_dist", Reason: "min must be below max"}
		}
	default:
		return &ConfigError{Field: "theta_dist.kind", Reason: fmt.Sprintf("must be %q or %q, got %q", DistNormal, DistUniform, d.Kind)}
	}
	return nil
}

// InitialK selects the starting exposure parameter for every item.
type InitialK string

const (
	InitialOne      InitialK = "one"
	InitialMidpoint InitialK = "midpoint"
	InitialCurrent  InitialK = "current"
)

// Config describes one calibration run.
type Config struct {
	TargetRate float64           `yaml:"target_rate" json:"target_rate"`
	Examinees  int               `yaml:"examinees" json:"examinees"`
	TestLength int               `yaml:"test_length" json:"test_length"`
	Iterations int               `yaml:"iterations" json:"iterations"`
	Tolerance  float64           `yaml:"tolerance" json:"tolerance"`
	ThetaDist  ThetaDistribution `yaml:"theta_dist" json:"theta_dist"`
	KFloor     float64           `yaml:"k_floor" json:"k_floor"`
	KCeil      float64           `yaml:"k_ceil" json:"k_ceil"`
	InitialK   InitialK          `yaml:"initial_k" json:"initial_k"`

	// Seed makes a run reproducible. Workers bounds simulation goroutines;
	// zero means one per CPU.
	Seed    uint64 `yaml:"seed" json:"seed"`
	Workers int    `yaml:"workers" json:"workers"`
}

func DefaultConfig() Config {
	return Config{
		TargetRate: 0.2,
		Examinees:  1000,
		TestLength: 20,
		Iterations: 20,
		Tolerance:  0.01,
		ThetaDist:  ThetaDistribution{Kind: DistNormal, Mean: 0, SD: 1, Min: -3, Max: 3},
		KFloor:     0,
		KCeil:      1,
		InitialK:   InitialOne,
		Seed:       1,
	}
}

// Validate returns a *ConfigError for the first unusable field.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.TargetRate) || c.TargetRate <= 0:
		return &ConfigError{Field: "target_rate", Reason: "must be positive"}
	case c.TargetRate > 1:
		return &ConfigError{Field: "target_rate", Reason: "must not exceed 1.0"}
	case c.Examinees <= 0:
		return &ConfigError{Field: "examinees", Reason: "must be positive"}
	case c.TestLength <= 0:
		return &ConfigError{Field: "test_length", Reason: "must be positive"}
	case c.Iterations <= 0:
		return &ConfigError{Field: "iterations", Reason: "must be positive"}
	case math.IsNaN(c.Tolerance) || c.Tolerance < 0:
		return &ConfigError{Field: "tolerance", Reason: "must not be negative"}
	case !(c.KFloor >= 0 && c.KFloor <= 1):
		return &ConfigError{Field: "k_floor", Reason: "must be within [0, 1]"}
	case !(c.KCeil >= 0 && c.KCeil <= 1):
		return &ConfigError{Field: "k_ceil", Reason: "must be within [0, 1]"}
	case c.KFloor > c.KCeil:
		return &ConfigError{Field: "k_floor", Reason: "must not exceed k_ceil"}
	case c.Workers < 0:
		return &ConfigError{Field: "workers", Reason: "must not be negative"}
	}
	switch c.InitialK {
	case "", InitialOne, InitialMidpoint, InitialCurrent:
	default:
		return &ConfigError{Field: "initial_k", Reason: fmt.Sprintf("unknown mode %q", c.InitialK)}
	}
	return c.ThetaDist.validate()
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) clamp(k float64) float64 {
	return math.Min(c.KCeil, math.Max(c.KFloor, k))
}

// startK returns the initial exposure parameter for an item whose current
// value is current.
func (c Config) startK(current float64) float64 {
	switch c.InitialK {
	case InitialMidpoint:
		return (c.KFloor + c.KCeil) / 2
	case InitialCurrent:
		return c.clamp(current)
	default:
		return c.clamp(1.0)
	}
}
