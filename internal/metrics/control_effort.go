package metrics

import (
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// ControlEffort is the mean over steps of sum_i |u_i| / scale_i. A nil
// scale means unit scaling.
type ControlEffort struct {
	name    string
	scale   []float64
	sum     float64
	samples int
}

func NewControlEffort(scale []float64) *ControlEffort {
	return &ControlEffort{
		name:  "control_effort",
		scale: scale,
	}
}

func (c *ControlEffort) Name() string {
	return c.name
}

func (c *ControlEffort) Observe(x dynamo.State, u dynamo.Control, t float64) {
	for i, val := range u {
		if c.scale != nil {
			val /= c.scale[i]
		}
		c.sum += math.Abs(val)
	}
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	c.sum = 0
	c.samples = 0
}

// ControlMoves is the mean squared scaled change of the control between
// consecutive steps.
type ControlMoves struct {
	scale   []float64
	prev    dynamo.Control
	sum     float64
	samples int
}

func NewControlMoves(scale []float64) *ControlMoves {
	return &ControlMoves{scale: scale}
}

func (c *ControlMoves) Name() string { return "control_moves" }

func (c *ControlMoves) Observe(x dynamo.State, u dynamo.Control, t float64) {
	if c.prev != nil {
		for i := range u {
			d := u[i] - c.prev[i]
			if c.scale != nil {
				d /= c.scale[i]
			}
			c.sum += d * d
		}
		c.samples++
	}
	c.prev = u.Clone()
}

func (c *ControlMoves) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlMoves) Reset() {
	c.prev = nil
	c.sum = 0
	c.samples = 0
}
