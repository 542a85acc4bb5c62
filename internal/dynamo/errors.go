package dynamo

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error produced by the engine wraps exactly one of these.
var (
	// ErrConfiguration indicates an invalid option, missing declaration or
	// misuse of a component lifecycle.
	ErrConfiguration = errors.New("dynamo: configuration error")

	// ErrDimension indicates a vector whose shape does not match its declaration.
	ErrDimension = errors.New("dynamo: dimension mismatch")

	// ErrInfeasible indicates that no point satisfies the hard constraints.
	ErrInfeasible = errors.New("dynamo: problem infeasible")

	// ErrConvergence indicates the NLP solver exhausted its iteration or time budget.
	ErrConvergence = errors.New("dynamo: solver did not converge")

	// ErrIntegration indicates the IVP integrator failed to meet its tolerances.
	ErrIntegration = errors.New("dynamo: integration failed")
)

// Kind classifies an error by the sentinel it wraps.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindDimension
	KindInfeasible
	KindConvergence
	KindIntegration
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDimension:
		return "dimension"
	case KindInfeasible:
		return "infeasible"
	case KindConvergence:
		return "convergence"
	case KindIntegration:
		return "integration"
	default:
		return "unknown"
	}
}

// KindOf reports which sentinel err wraps.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrDimension):
		return KindDimension
	case errors.Is(err, ErrInfeasible):
		return KindInfeasible
	case errors.Is(err, ErrConvergence):
		return KindConvergence
	case errors.Is(err, ErrIntegration):
		return KindIntegration
	default:
		return KindUnknown
	}
}

// Configf returns a configuration error with a formatted reason.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Dimensionf returns a dimension error with a formatted reason.
func Dimensionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDimension, fmt.Sprintf(format, args...))
}

// CheckLen returns a dimension error when len(v) != want.
func CheckLen(what string, v []float64, want int) error {
	if len(v) != want {
		return Dimensionf("%s has length %d, expected %d", what, len(v), want)
	}
	return nil
}

// StepError wraps an error with closed-loop context.
type StepError struct {
	Step      int
	Time      float64
	Component string
	Wrapped   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (t=%.4f) %s [%s]: %v", e.Step, e.Time, e.Component, KindOf(e.Wrapped), e.Wrapped)
}

func (e *StepError) Unwrap() error {
	return e.Wrapped
}

// Kind returns the taxonomy kind of the wrapped error.
func (e *StepError) Kind() Kind {
	return KindOf(e.Wrapped)
}
