// Package nlp describes sparse nonlinear programs
//
//	min  sum_i cost_i(x)
//	s.t. lower_b <= block_b(x) <= upper_b
//	     lower <= x <= upper
//
// and solves them with pluggable backends. Costs and constraint blocks only
// see the decision variables listed in their Vars, so a transcription with
// thousands of variables is assembled from small dense pieces.
package nlp

import (
	"context"
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// Cost is one additive objective term over x[Vars].
type Cost struct {
	Vars  []int
	Value func(x []float64) float64
	// Grad writes len(Vars) partial derivatives into g.
	Grad func(x, g []float64)
	// Hess writes the dense len(Vars)^2 Hessian, row major. Nil for linear terms.
	Hess func(x, h []float64)
}

// Block is a group of constraint rows over x[Vars].
type Block struct {
	Name  string
	Vars  []int
	Lower []float64
	Upper []float64
	Eval  func(x, c []float64)
	// Jac writes rows*len(Vars) entries, row major.
	Jac func(x, jac []float64)
	// Hess writes sum_r lambda[r] * Hessian(c_r), dense and row major. Nil
	// for linear blocks.
	Hess func(x, lambda, h []float64)
}

func (b *Block) Rows() int { return len(b.Lower) }

type Problem struct {
	N      int
	Lower  []float64
	Upper  []float64
	Costs  []Cost
	Blocks []Block
}

// Rows returns the total number of constraint rows.
func (p *Problem) Rows() int {
	m := 0
	for i := range p.Blocks {
		m += p.Blocks[i].Rows()
	}
	return m
}

// Validate checks dimensions and index ranges.
func (p *Problem) Validate() error {
	if p.N <= 0 {
		return dynamo.Configf("nlp: problem has %d variables", p.N)
	}
	if err := dynamo.CheckLen("nlp lower bounds", p.Lower, p.N); err != nil {
		return err
	}
	if err := dynamo.CheckLen("nlp upper bounds", p.Upper, p.N); err != nil {
		return err
	}
	for i := 0; i < p.N; i++ {
		if p.Lower[i] > p.Upper[i] {
			return dynamo.Configf("nlp: variable %d has lower bound %g above upper bound %g", i, p.Lower[i], p.Upper[i])
		}
	}
	for i := range p.Costs {
		c := &p.Costs[i]
		if c.Value == nil || c.Grad == nil {
			return dynamo.Configf("nlp: cost %d lacks value or gradient", i)
		}
		if err := checkVars(p.N, c.Vars); err != nil {
			return err
		}
	}
	for i := range p.Blocks {
		b := &p.Blocks[i]
		if b.Eval == nil || b.Jac == nil {
			return dynamo.Configf("nlp: block %q lacks eval or jacobian", b.Name)
		}
		if len(b.Vars) == 0 {
			return dynamo.Configf("nlp: block %q has no variables", b.Name)
		}
		if len(b.Upper) != len(b.Lower) {
			return dynamo.Dimensionf("nlp: block %q has %d lower and %d upper bounds", b.Name, len(b.Lower), len(b.Upper))
		}
		if err := checkVars(p.N, b.Vars); err != nil {
			return err
		}
	}
	return nil
}

func checkVars(n int, vars []int) error {
	seen := make(map[int]bool, len(vars))
	for _, v := range vars {
		if v < 0 || v >= n {
			return dynamo.Dimensionf("nlp: variable index %d out of range [0, %d)", v, n)
		}
		if seen[v] {
			return dynamo.Configf("nlp: variable %d listed twice in one term", v)
		}
		seen[v] = true
	}
	return nil
}

// Result is the outcome of a successful solve.
type Result struct {
	X           []float64
	Multipliers []float64
	Objective   float64
	Violation   float64
	Iterations  int
}

// Solver is the black-box NLP service.
type Solver interface {
	Solve(ctx context.Context, p *Problem, x0 []float64) (*Result, error)
}

// workspace caches per-term scratch buffers so evaluations do not allocate.
type workspace struct {
	p        *Problem
	rowStart []int
	m        int

	costX, costG, costH   [][]float64
	blockX, blockC, blockJ [][]float64
	blockL, blockH         [][]float64
}

func newWorkspace(p *Problem) *workspace {
	w := &workspace{p: p, rowStart: make([]int, len(p.Blocks)+1)}
	for i := range p.Blocks {
		w.rowStart[i+1] = w.rowStart[i] + p.Blocks[i].Rows()
	}
	w.m = w.rowStart[len(p.Blocks)]

	w.costX = make([][]float64, len(p.Costs))
	w.costG = make([][]float64, len(p.Costs))
	w.costH = make([][]float64, len(p.Costs))
	for i := range p.Costs {
		n := len(p.Costs[i].Vars)
		w.costX[i] = make([]float64, n)
		w.costG[i] = make([]float64, n)
		w.costH[i] = make([]float64, n*n)
	}
	w.blockX = make([][]float64, len(p.Blocks))
	w.blockC = make([][]float64, len(p.Blocks))
	w.blockJ = make([][]float64, len(p.Blocks))
	w.blockL = make([][]float64, len(p.Blocks))
	w.blockH = make([][]float64, len(p.Blocks))
	for i := range p.Blocks {
		n, r := len(p.Blocks[i].Vars), p.Blocks[i].Rows()
		w.blockX[i] = make([]float64, n)
		w.blockC[i] = make([]float64, r)
		w.blockJ[i] = make([]float64, r*n)
		w.blockL[i] = make([]float64, r)
		w.blockH[i] = make([]float64, n*n)
	}
	return w
}

func gather(dst []float64, x []float64, vars []int) {
	for k, v := range vars {
		dst[k] = x[v]
	}
}

const minChunk = 16

// objective returns the total cost at x.
func (w *workspace) objective(x []float64) float64 {
	vals := make([]float64, len(w.p.Costs))
	dynamo.ParallelFor(len(w.p.Costs), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			c := &w.p.Costs[i]
			gather(w.costX[i], x, c.Vars)
			vals[i] = c.Value(w.costX[i])
		}
	})
	f := 0.0
	for _, v := range vals {
		f += v
	}
	return f
}

// gradient writes the dense objective gradient into g.
func (w *workspace) gradient(x, g []float64) {
	dynamo.ParallelFor(len(w.p.Costs), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			c := &w.p.Costs[i]
			gather(w.costX[i], x, c.Vars)
			c.Grad(w.costX[i], w.costG[i])
		}
	})
	for i := range g {
		g[i] = 0
	}
	for i := range w.p.Costs {
		for k, v := range w.p.Costs[i].Vars {
			g[v] += w.costG[i][k]
		}
	}
}

// constraints writes all row values into c.
func (w *workspace) constraints(x, c []float64) {
	dynamo.ParallelFor(len(w.p.Blocks), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			b := &w.p.Blocks[i]
			gather(w.blockX[i], x, b.Vars)
			b.Eval(w.blockX[i], c[w.rowStart[i]:w.rowStart[i+1]])
		}
	})
}

// jacobians refreshes the dense per-block Jacobians at x.
func (w *workspace) jacobians(x []float64) {
	dynamo.ParallelFor(len(w.p.Blocks), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			b := &w.p.Blocks[i]
			gather(w.blockX[i], x, b.Vars)
			b.Jac(w.blockX[i], w.blockJ[i])
		}
	})
}

// jacTVec accumulates J^T v into out, using the Jacobians from the last
// call to jacobians.
func (w *workspace) jacTVec(v, out []float64) {
	for i := range w.p.Blocks {
		b := &w.p.Blocks[i]
		n := len(b.Vars)
		for r := 0; r < b.Rows(); r++ {
			vr := v[w.rowStart[i]+r]
			if vr == 0 {
				continue
			}
			row := w.blockJ[i][r*n : (r+1)*n]
			for k, col := range b.Vars {
				out[col] += vr * row[k]
			}
		}
	}
}

// rowLower and rowUpper return the stacked row bounds.
func (w *workspace) rowBounds() (lo, up []float64) {
	lo = make([]float64, w.m)
	up = make([]float64, w.m)
	for i := range w.p.Blocks {
		copy(lo[w.rowStart[i]:], w.p.Blocks[i].Lower)
		copy(up[w.rowStart[i]:], w.p.Blocks[i].Upper)
	}
	return lo, up
}

// violation is the l1 norm of row bound violations.
func violation(c, lo, up []float64) float64 {
	v := 0.0
	for i := range c {
		if c[i] < lo[i] {
			v += lo[i] - c[i]
		} else if c[i] > up[i] {
			v += c[i] - up[i]
		}
	}
	return v
}

// maxViolation is the infinity norm of row bound violations.
func maxViolation(c, lo, up []float64) float64 {
	v := 0.0
	for i := range c {
		v = math.Max(v, math.Max(lo[i]-c[i], c[i]-up[i]))
	}
	return v
}

func clamp(x0, lo, up []float64) []float64 {
	x := make([]float64, len(lo))
	for i := range x {
		v := 0.0
		if i < len(x0) {
			v = x0[i]
		}
		x[i] = math.Min(math.Max(v, lo[i]), up[i])
	}
	return x
}
