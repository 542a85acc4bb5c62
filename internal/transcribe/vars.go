package transcribe

import "math"

// Vars allocates decision variables and records their bounds and initial
// values in decision units.
type Vars struct {
	Lower []float64
	Upper []float64
	Init  []float64
}

// Add allocates n variables. Nil slices default to unbounded and zero.
func (v *Vars) Add(n int, lower, upper, init []float64) []int {
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		idx[i] = len(v.Lower)
		lo, up, x := math.Inf(-1), math.Inf(1), 0.0
		if lower != nil {
			lo = lower[i]
		}
		if upper != nil {
			up = upper[i]
		}
		if init != nil {
			x = init[i]
		}
		v.Lower = append(v.Lower, lo)
		v.Upper = append(v.Upper, up)
		v.Init = append(v.Init, x)
	}
	return idx
}

// Len returns the number of allocated variables.
func (v *Vars) Len() int { return len(v.Lower) }

// Scaled divides physical values by their scale factors.
func Scaled(phys, scale []float64) []float64 {
	out := make([]float64, len(phys))
	for i := range phys {
		out[i] = phys[i] / scale[i]
	}
	return out
}
