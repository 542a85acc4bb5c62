// Package estimator turns plant measurements into the state estimate handed
// to the optimizer.
package estimator

import (
	"github.com/san-kum/dynmpc/internal/dynamo"
)

// Estimator produces a state estimate from the latest measurement.
type Estimator interface {
	MakeStep(y dynamo.State) (dynamo.State, error)
}

// InputObserver is implemented by estimators that need the control applied
// during the interval that produced the next measurement.
type InputObserver interface {
	ObserveInput(u dynamo.Control)
}

// StateFeedback assumes the full state is measured and returns it unchanged.
type StateFeedback struct {
	nx int
}

func NewStateFeedback(nx int) *StateFeedback {
	return &StateFeedback{nx: nx}
}

func (s *StateFeedback) MakeStep(y dynamo.State) (dynamo.State, error) {
	if err := dynamo.CheckLen("state feedback measurement", y, s.nx); err != nil {
		return nil, err
	}
	return y.Clone(), nil
}
