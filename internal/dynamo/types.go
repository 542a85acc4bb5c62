package dynamo

import (
	"math"
)

type State []float64

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	return IsFinite(s)
}

// MaxAbsDiff returns the infinity norm of s - other over the shared prefix.
func (s State) MaxAbsDiff(other State) float64 {
	m := 0.0
	for i := range s {
		if i >= len(other) {
			break
		}
		m = math.Max(m, math.Abs(s[i]-other[i]))
	}
	return m
}

type Control []float64

func (c Control) Clone() Control {
	if c == nil {
		return nil
	}
	out := make(Control, len(c))
	copy(out, c)
	return out
}

// IsFinite reports whether v contains neither NaN nor Inf.
func IsFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// System is an ODE right-hand side with fixed parameters.
type System interface {
	Derive(x State, u Control, t float64) State
	StateDim() int
	ControlDim() int
}

// SystemFunc adapts a closure to [System].
type SystemFunc struct {
	F  func(x State, u Control, t float64) State
	NX int
	NU int
}

func (s SystemFunc) Derive(x State, u Control, t float64) State { return s.F(x, u, t) }
func (s SystemFunc) StateDim() int                              { return s.NX }
func (s SystemFunc) ControlDim() int                            { return s.NU }

// Integrator advances x from t0 to t1 with u held constant.
type Integrator interface {
	Integrate(dyn System, x State, u Control, t0, t1 float64) (State, error)
}

type Metric interface {
	Name() string
	Observe(x State, u Control, t float64)
	Value() float64
	Reset()
}

type Observer interface {
	OnStep(x State, u Control, t float64)
}
