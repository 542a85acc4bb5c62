package metrics

import (
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// BoundSatisfaction is the fraction of observed states inside the box
// [lower, upper]. Infinite entries leave a side open.
type BoundSatisfaction struct {
	name       string
	lower      []float64
	upper      []float64
	violations int
	samples    int
}

func NewBoundSatisfaction(lower, upper []float64) *BoundSatisfaction {
	return &BoundSatisfaction{
		name:  "bound_satisfaction",
		lower: lower,
		upper: upper,
	}
}

func (s *BoundSatisfaction) Name() string {
	return s.name
}

func (s *BoundSatisfaction) Observe(x dynamo.State, u dynamo.Control, t float64) {
	s.samples++
	for i, val := range x {
		if val < s.lower[i] || val > s.upper[i] || math.IsNaN(val) {
			s.violations++
			break
		}
	}
}

func (s *BoundSatisfaction) Value() float64 {
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *BoundSatisfaction) Violations() int { return s.violations }

func (s *BoundSatisfaction) Reset() {
	s.violations = 0
	s.samples = 0
}
