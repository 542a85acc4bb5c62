package metrics

import (
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// TrackingError is the root mean square deviation of one state element
// from its target.
type TrackingError struct {
	name    string
	index   int
	target  float64
	sumSq   float64
	samples int
}

func NewTrackingError(name string, index int, target float64) *TrackingError {
	return &TrackingError{
		name:   "tracking_error/" + name,
		index:  index,
		target: target,
	}
}

func (e *TrackingError) Name() string { return e.name }

func (e *TrackingError) Observe(x dynamo.State, u dynamo.Control, t float64) {
	if e.index >= len(x) {
		return
	}
	d := x[e.index] - e.target
	e.sumSq += d * d
	e.samples++
}

func (e *TrackingError) Value() float64 {
	if e.samples == 0 {
		return 0
	}
	return math.Sqrt(e.sumSq / float64(e.samples))
}

func (e *TrackingError) Reset() {
	e.sumSq = 0
	e.samples = 0
}
