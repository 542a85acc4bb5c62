package transcribe

import (
	"fmt"

	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
)

// Interval is one prediction interval discretized with collocation.
//
// Element e starts at Start (e = 0) or Starts[e-1] and has collocation
// states Points[e][0..d-1] at tau_1..tau_d. The state reached at the end of
// the last element is End.
type Interval struct {
	Scheme     *colloc.Scheme
	Length     float64
	Start      []int
	End        []int
	Starts     [][]int
	Points     [][][]int
	StateScale []float64
	// Binding maps the non-state slots (inputs, parameters, tvp).
	Binding Binding
}

// AllocInterval reserves the interior element starts and collocation states
// of one interval. They share the state bounds and initial guess.
func AllocInterval(v *Vars, s *colloc.Scheme, nx int, lower, upper, init []float64) (starts [][]int, points [][][]int) {
	starts = make([][]int, s.Elements-1)
	points = make([][][]int, s.Elements)
	for e := 0; e < s.Elements; e++ {
		if e > 0 {
			starts[e-1] = v.Add(nx, lower, upper, init)
		}
		points[e] = make([][]int, s.Degree)
		for j := range points[e] {
			points[e][j] = v.Add(nx, lower, upper, init)
		}
	}
	return starts, points
}

func (iv *Interval) elementStates(e int) [][]int {
	states := make([][]int, iv.Scheme.Degree+1)
	if e == 0 {
		states[0] = iv.Start
	} else {
		states[0] = iv.Starts[e-1]
	}
	copy(states[1:], iv.Points[e])
	return states
}

// Blocks returns the collocation and continuity constraints of the interval.
//
// For every point r: sum_j C[j][r] z_j - (h/s) f(s z_r, ...) = 0, the
// physical collocation equation divided by the state scale. For every
// element: sum_j D[j] z_j - z_next = 0.
func (iv *Interval) Blocks(name string, rhs []*model.Func) ([]nlp.Block, error) {
	s := iv.Scheme
	nx := len(iv.Start)
	if len(rhs) != nx || len(iv.End) != nx || len(iv.StateScale) != nx {
		return nil, dynamo.Dimensionf("interval %s: %d rhs, %d start, %d end, %d scales", name, len(rhs), nx, len(iv.End), len(iv.StateScale))
	}
	if len(iv.Points) != s.Elements || len(iv.Starts) != s.Elements-1 {
		return nil, dynamo.Dimensionf("interval %s: allocation does not match %d elements", name, s.Elements)
	}
	h := iv.Length / float64(s.Elements)

	var blocks []nlp.Block
	for e := 0; e < s.Elements; e++ {
		states := iv.elementStates(e)
		for r := 1; r <= s.Degree; r++ {
			b := iv.Binding.With(model.State, states[r], iv.StateScale)
			rows := make([]Row, nx)
			for i := 0; i < nx; i++ {
				lin := make([]Linear, 0, s.Degree+1)
				for j := 0; j <= s.Degree; j++ {
					lin = append(lin, Linear{Var: states[j][i], Coef: s.C[j][r]})
				}
				rows[i] = Row{F: rhs[i], Coef: -h / iv.StateScale[i], Linear: lin}
			}
			blk, err := b.Block(fmt.Sprintf("%s/colloc[%d,%d]", name, e, r), rows)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, blk)
		}

		next := iv.End
		if e < s.Elements-1 {
			next = iv.Starts[e]
		}
		rows := make([]Row, nx)
		for i := 0; i < nx; i++ {
			lin := make([]Linear, 0, s.Degree+2)
			for j := 0; j <= s.Degree; j++ {
				if s.D[j] != 0 {
					lin = append(lin, Linear{Var: states[j][i], Coef: s.D[j]})
				}
			}
			lin = append(lin, Linear{Var: next[i], Coef: -1})
			rows[i] = Row{Linear: lin}
		}
		blk, err := iv.Binding.Block(fmt.Sprintf("%s/continuity[%d]", name, e), rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}
