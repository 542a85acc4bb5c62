package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/bartolsthoorn/gohighs/highs"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// SQP is a line-search sequential quadratic programming solver. Each
// iteration solves an elastic convex QP with HiGHS: constraint rows are
// relaxed by non-negative slacks priced at the merit penalty, so the
// subproblem is always feasible and its solution is a descent direction for
// the l1 merit function f + mu*||violation||_1. The step is confined to a
// box of half-width Radius that grows after full steps and shrinks after
// backtracking.
type SQP struct {
	MaxIter        int
	Tol            float64
	ConstraintTol  float64
	MaxTime        time.Duration
	Regularization float64
	// Radius is the initial trust box half-width in decision units.
	Radius float64
	Logger *slog.Logger
}

const (
	initialPenalty = 10.0
	maxPenalty     = 1e9
	armijo         = 1e-4
	maxBacktracks  = 40
	elasticDiag    = 1e-8

	initialRadius = 10.0
	minRadius     = 1e-10
	maxRadius     = 1e6

	// qpAttempts counts subproblem solves per iteration. Each retry adds
	// curvature and shrinks the box; the last one drops the Hessian.
	qpAttempts  = 4
	retryFactor = 100.0
)

func NewSQP() *SQP {
	return &SQP{
		MaxIter:        100,
		Tol:            1e-6,
		ConstraintTol:  1e-6,
		Regularization: 1e-6,
		Radius:         initialRadius,
		Logger:         slog.Default().With(slog.String("component", "sqp")),
	}
}

func (s *SQP) Solve(ctx context.Context, p *Problem, x0 []float64) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := newWorkspace(p)
	pat := newHessPattern(p, w.m)
	rowLo, rowUp := w.rowBounds()

	x := clamp(x0, p.Lower, p.Upper)
	y := make([]float64, w.m)
	ynew := make([]float64, w.m)
	g := make([]float64, p.N)
	c := make([]float64, w.m)
	ct := make([]float64, w.m)
	xt := make([]float64, p.N)
	mu := initialPenalty
	radius := s.Radius
	if !(radius > 0) {
		radius = initialRadius
	}

	f := w.objective(x)
	w.constraints(x, c)

	for it := 1; it <= s.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := s.MaxTime - time.Since(start)
		if s.MaxTime > 0 && remaining <= 0 {
			return nil, fmt.Errorf("%w: time budget %v exhausted after %d iterations", dynamo.ErrConvergence, s.MaxTime, it-1)
		}

		w.gradient(x, g)
		w.jacobians(x)
		hv := pat.assemble(w, x, y, s.Regularization)

		sub := subproblem{mu: mu, radius: radius, elastic: elasticDiag}
		sol, err := s.solveQP(w, pat, hv, x, g, c, rowLo, rowUp, &sub, remaining, logger)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		radius = sub.radius

		d := sol.ColValues[:p.N]
		elastic := 0.0
		for _, v := range sol.ColValues[p.N:] {
			elastic += math.Max(v, 0)
		}
		stepNorm := 0.0
		for _, v := range d {
			stepNorm = math.Max(stepNorm, math.Abs(v))
		}
		boxed := stepNorm >= 0.9*radius
		viol := violation(c, rowLo, rowUp)
		maxViol := maxViolation(c, rowLo, rowUp)
		for i := range ynew {
			ynew[i] = 0
		}
		if len(sol.RowDuals) == w.m {
			copy(ynew, sol.RowDuals)
		}

		logger.Debug("sqp iteration",
			slog.Int("iter", it),
			slog.Float64("objective", f),
			slog.Float64("violation", maxViol),
			slog.Float64("step", stepNorm),
			slog.Float64("radius", radius),
			slog.Float64("penalty", mu),
		)

		if stepNorm <= s.Tol && !boxed {
			if maxViol <= s.ConstraintTol {
				copy(y, ynew)
				return s.result(x, y, f, maxViol, it), nil
			}
			if mu >= maxPenalty {
				return nil, fmt.Errorf("%w: stationary point violates constraints by %.3g", dynamo.ErrInfeasible, maxViol)
			}
			mu = math.Min(10*mu, maxPenalty)
			continue
		}

		// Directional derivative of the merit function along d.
		gd := 0.0
		for i, v := range d {
			gd += g[i] * v
		}
		D := math.Min(gd-mu*(viol-elastic), 0)
		phi0 := f + mu*viol

		alpha := 1.0
		accepted := false
		var ft, vt float64
		for ls := 0; ls < maxBacktracks; ls++ {
			for i := range xt {
				xt[i] = math.Min(math.Max(x[i]+alpha*d[i], p.Lower[i]), p.Upper[i])
			}
			ft = w.objective(xt)
			w.constraints(xt, ct)
			vt = violation(ct, rowLo, rowUp)
			if math.IsNaN(ft) || math.IsNaN(vt) {
				alpha *= 0.5
				continue
			}
			if ft+mu*vt <= phi0+armijo*alpha*D || (ft <= f && vt <= viol) {
				accepted = true
				break
			}
			alpha *= 0.5
		}
		if !accepted {
			if maxViol <= s.ConstraintTol && alpha*stepNorm <= s.Tol {
				return s.result(x, ynew, f, maxViol, it), nil
			}
			if stepNorm/4 >= minRadius {
				radius = stepNorm / 4
				logger.Debug("sqp line search failed, shrinking trust box", slog.Int("iter", it), slog.Float64("radius", radius))
				continue
			}
			return nil, fmt.Errorf("%w: line search failed at iteration %d (violation %.3g)", dynamo.ErrConvergence, it, maxViol)
		}

		copy(x, xt)
		copy(c, ct)
		f = ft
		for i := range y {
			y[i] += alpha * (ynew[i] - y[i])
		}
		switch {
		case alpha == 1 && boxed:
			radius = math.Min(2*radius, maxRadius)
		case alpha < 1:
			radius = math.Max(math.Min(radius, 2*alpha*stepNorm), minRadius)
		}

		ymax := 0.0
		for _, v := range ynew {
			ymax = math.Max(ymax, math.Abs(v))
		}
		if elastic > 1e-8*(1+viol) {
			mu = math.Min(10*mu, maxPenalty)
		} else if 1.1*ymax > mu {
			mu = math.Min(1.1*ymax, maxPenalty)
		}

		if alpha*stepNorm <= s.Tol && !boxed && maxViolation(c, rowLo, rowUp) <= s.ConstraintTol {
			return s.result(x, y, f, maxViolation(c, rowLo, rowUp), it), nil
		}
	}
	return nil, fmt.Errorf("%w: %d iterations without convergence", dynamo.ErrConvergence, s.MaxIter)
}

func (s *SQP) result(x, y []float64, f, viol float64, it int) *Result {
	return &Result{
		X:           append([]float64(nil), x...),
		Multipliers: append([]float64(nil), y...),
		Objective:   f,
		Violation:   viol,
		Iterations:  it,
	}
}

// subproblem holds the knobs of one elastic QP: the merit penalty, the
// trust box half-width, extra diagonal curvature on the step and slack
// columns, and whether the Hessian is dropped altogether.
type subproblem struct {
	mu      float64
	radius  float64
	extra   float64
	elastic float64
	linear  bool
}

// solveQP solves the elastic subproblem, retrying with more curvature and a
// smaller box when HiGHS fails or reports a status without a usable
// solution. The final attempt is a linear program. sub.radius holds the box
// of the accepted attempt on return.
func (s *SQP) solveQP(w *workspace, pat *hessPattern, hv, x, g, c, rowLo, rowUp []float64, sub *subproblem, remaining time.Duration, logger *slog.Logger) (*highs.Solution, error) {
	infeasible := false
	var last string
	for attempt := 1; attempt <= qpAttempts; attempt++ {
		sub.linear = attempt == qpAttempts
		qp := s.buildQP(w, pat, hv, x, g, c, rowLo, rowUp, sub)
		opts := []highs.SolveOption{highs.WithOutput(false)}
		if s.MaxTime > 0 {
			opts = append(opts, highs.WithTimeLimit(remaining.Seconds()))
		}
		sol, err := qp.Solve(opts...)
		switch {
		case err != nil:
			last = err.Error()
		case sol.IsTimeLimit():
			return nil, fmt.Errorf("%w: time budget %v exhausted in qp subproblem", dynamo.ErrConvergence, s.MaxTime)
		case sol.IsOptimal() || acceptable(qp, sol, s.ConstraintTol):
			return sol, nil
		default:
			infeasible = infeasible || sol.IsInfeasible()
			last = "status " + sol.Status.String()
		}
		logger.Debug("qp subproblem retry",
			slog.Int("attempt", attempt),
			slog.String("reason", last),
			slog.Float64("radius", sub.radius),
		)
		sub.extra = math.Max(retryFactor*sub.extra, retryFactor*s.Regularization)
		sub.elastic *= retryFactor
		sub.radius = math.Max(sub.radius/4, minRadius)
	}
	if infeasible {
		return nil, fmt.Errorf("%w: qp subproblem infeasible after %d attempts (%s)", dynamo.ErrInfeasible, qpAttempts, last)
	}
	return nil, fmt.Errorf("%w: qp subproblem failed after %d attempts (%s)", dynamo.ErrConvergence, qpAttempts, last)
}

// acceptable reports whether sol carries a point of the elastic subproblem
// qp that satisfies every row and column bound within tol and improves on
// the zero step, whatever status HiGHS reported. Points of an unbounded or
// infeasible model are never accepted.
func acceptable(qp *highs.Model, sol *highs.Solution, tol float64) bool {
	if sol == nil || sol.IsUnbounded() || sol.IsInfeasible() {
		return false
	}
	ncol, nrow := len(qp.ColLower), len(qp.RowLower)
	if len(sol.ColValues) != ncol || ncol < 2*nrow {
		return false
	}
	for j, v := range sol.ColValues {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if v < qp.ColLower[j]-tol || v > qp.ColUpper[j]+tol {
			return false
		}
	}
	rows := make([]float64, nrow)
	for _, nz := range qp.ConstMatrix {
		rows[nz.Row] += nz.Val * sol.ColValues[nz.Col]
	}
	for r, v := range rows {
		if v < qp.RowLower[r]-tol || v > qp.RowUpper[r]+tol {
			return false
		}
	}

	// Zero step with the smallest slacks that satisfy every row.
	n := ncol - 2*nrow
	zero := make([]float64, ncol)
	for r := 0; r < nrow; r++ {
		if lo := qp.RowLower[r]; lo > 0 && !math.IsInf(lo, 1) {
			zero[n+2*r] = lo
		}
		if up := qp.RowUpper[r]; up < 0 && !math.IsInf(up, -1) {
			zero[n+2*r+1] = -up
		}
	}
	base := qpObjective(qp, zero)
	return qpObjective(qp, sol.ColValues) < base-1e-12*(1+math.Abs(base))
}

func qpObjective(qp *highs.Model, v []float64) float64 {
	obj := 0.0
	for j, c := range qp.ColCosts {
		obj += c * v[j]
	}
	for _, nz := range qp.Hessian {
		if nz.Row == nz.Col {
			obj += 0.5 * nz.Val * v[nz.Row] * v[nz.Col]
		} else {
			obj += nz.Val * v[nz.Row] * v[nz.Col]
		}
	}
	return obj
}

// buildQP assembles the elastic subproblem in the step d. Columns are
// [d (N) | p_0, n_0, p_1, n_1, ...] with one pair of elastic slacks per row.
func (s *SQP) buildQP(w *workspace, pat *hessPattern, hv, x, g, c, rowLo, rowUp []float64, sub *subproblem) *highs.Model {
	p := w.p
	ncol := p.N + 2*w.m
	qp := &highs.Model{
		ColCosts: make([]float64, ncol),
		ColLower: make([]float64, ncol),
		ColUpper: make([]float64, ncol),
		RowLower: make([]float64, w.m),
		RowUpper: make([]float64, w.m),
	}
	copy(qp.ColCosts, g)
	for i := 0; i < p.N; i++ {
		qp.ColLower[i] = math.Max(p.Lower[i]-x[i], -sub.radius)
		qp.ColUpper[i] = math.Min(p.Upper[i]-x[i], sub.radius)
		// x sits on or past a bound; the box must still contain d = 0.
		if qp.ColLower[i] > 0 {
			qp.ColLower[i] = 0
		}
		if qp.ColUpper[i] < 0 {
			qp.ColUpper[i] = 0
		}
	}
	for k := p.N; k < ncol; k++ {
		qp.ColCosts[k] = sub.mu
	}
	for r := 0; r < w.m; r++ {
		qp.RowLower[r] = rowLo[r] - c[r]
		qp.RowUpper[r] = rowUp[r] - c[r]
	}

	nnz := 2 * w.m
	for i := range p.Blocks {
		nnz += len(w.blockJ[i])
	}
	qp.ConstMatrix = make([]highs.Nonzero, 0, nnz)
	for i := range p.Blocks {
		b := &p.Blocks[i]
		n := len(b.Vars)
		for r := 0; r < b.Rows(); r++ {
			row := w.rowStart[i] + r
			for k, col := range b.Vars {
				qp.ConstMatrix = append(qp.ConstMatrix, highs.Nonzero{Row: row, Col: col, Val: w.blockJ[i][r*n+k]})
			}
			qp.ConstMatrix = append(qp.ConstMatrix,
				highs.Nonzero{Row: row, Col: p.N + 2*row, Val: 1},
				highs.Nonzero{Row: row, Col: p.N + 2*row + 1, Val: -1},
			)
		}
	}

	// A slack never needs to exceed the row gap plus the largest change of
	// J*d over the box, so every column is bounded.
	reach := make([]float64, w.m)
	for _, nz := range qp.ConstMatrix {
		if nz.Col < p.N {
			reach[nz.Row] += math.Abs(nz.Val) * math.Max(-qp.ColLower[nz.Col], qp.ColUpper[nz.Col])
		}
	}
	for r := 0; r < w.m; r++ {
		gap := 0.0
		if !math.IsInf(qp.RowLower[r], 0) {
			gap = math.Abs(qp.RowLower[r])
		}
		if !math.IsInf(qp.RowUpper[r], 0) {
			gap = math.Max(gap, math.Abs(qp.RowUpper[r]))
		}
		ub := gap + reach[r] + 1
		qp.ColUpper[p.N+2*r] = ub
		qp.ColUpper[p.N+2*r+1] = ub
	}

	if sub.linear {
		return qp
	}
	qp.Hessian = make([]highs.Nonzero, 0, len(hv)+2*w.m)
	for e, v := range hv {
		if pat.rows[e] == pat.cols[e] {
			v += sub.extra
		}
		qp.Hessian = append(qp.Hessian, highs.Nonzero{Row: pat.rows[e], Col: pat.cols[e], Val: v})
	}
	for k := p.N; k < ncol; k++ {
		qp.Hessian = append(qp.Hessian, highs.Nonzero{Row: k, Col: k, Val: sub.elastic})
	}
	return qp
}

// hessPattern is the union of all local Hessian sparsity patterns in upper
// triangular global coordinates, with every diagonal present.
type hessPattern struct {
	rows, cols []int
	costMap    [][]int
	blockMap   [][]int
}

func newHessPattern(p *Problem, m int) *hessPattern {
	keys := make(map[[2]int]struct{})
	for i := 0; i < p.N; i++ {
		keys[[2]int{i, i}] = struct{}{}
	}
	addVars := func(vars []int) {
		for _, a := range vars {
			for _, b := range vars {
				if a <= b {
					keys[[2]int{a, b}] = struct{}{}
				}
			}
		}
	}
	for i := range p.Costs {
		if p.Costs[i].Hess != nil {
			addVars(p.Costs[i].Vars)
		}
	}
	for i := range p.Blocks {
		if p.Blocks[i].Hess != nil {
			addVars(p.Blocks[i].Vars)
		}
	}

	sorted := make([][2]int, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})
	pat := &hessPattern{rows: make([]int, len(sorted)), cols: make([]int, len(sorted))}
	index := make(map[[2]int]int, len(sorted))
	for e, k := range sorted {
		pat.rows[e], pat.cols[e] = k[0], k[1]
		index[k] = e
	}

	localMap := func(vars []int) []int {
		n := len(vars)
		out := make([]int, n*n)
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				out[a*n+b] = -1
				if vars[a] <= vars[b] {
					out[a*n+b] = index[[2]int{vars[a], vars[b]}]
				}
			}
		}
		return out
	}
	pat.costMap = make([][]int, len(p.Costs))
	for i := range p.Costs {
		if p.Costs[i].Hess != nil {
			pat.costMap[i] = localMap(p.Costs[i].Vars)
		}
	}
	pat.blockMap = make([][]int, len(p.Blocks))
	for i := range p.Blocks {
		if p.Blocks[i].Hess != nil {
			pat.blockMap[i] = localMap(p.Blocks[i].Vars)
		}
	}
	return pat
}

// assemble evaluates every local Hessian of the Lagrangian f - y'c at x,
// projects each onto the PSD cone and sums them into pattern order.
func (pat *hessPattern) assemble(w *workspace, x, y []float64, reg float64) []float64 {
	p := w.p
	dynamo.ParallelFor(len(p.Costs), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			c := &p.Costs[i]
			if c.Hess == nil {
				continue
			}
			gather(w.costX[i], x, c.Vars)
			c.Hess(w.costX[i], w.costH[i])
			projectPSD(w.costH[i], len(c.Vars))
		}
	})
	dynamo.ParallelFor(len(p.Blocks), minChunk, func(s, e int) {
		for i := s; i < e; i++ {
			b := &p.Blocks[i]
			if b.Hess == nil {
				continue
			}
			lam := w.blockL[i]
			for r := range lam {
				lam[r] = -y[w.rowStart[i]+r]
			}
			gather(w.blockX[i], x, b.Vars)
			b.Hess(w.blockX[i], lam, w.blockH[i])
			projectPSD(w.blockH[i], len(b.Vars))
		}
	})

	hv := make([]float64, len(pat.rows))
	for e := range hv {
		if pat.rows[e] == pat.cols[e] {
			hv[e] = reg
		}
	}
	for i := range p.Costs {
		if m := pat.costMap[i]; m != nil {
			for k, e := range m {
				if e >= 0 {
					hv[e] += w.costH[i][k]
				}
			}
		}
	}
	for i := range p.Blocks {
		if m := pat.blockMap[i]; m != nil {
			for k, e := range m {
				if e >= 0 {
					hv[e] += w.blockH[i][k]
				}
			}
		}
	}
	return hv
}

// projectPSD replaces the symmetric n x n matrix h by its nearest positive
// semidefinite matrix in the Frobenius norm.
func projectPSD(h []float64, n int) {
	if n == 1 {
		h[0] = math.Max(h[0], 0)
		return
	}
	allZero := true
	for _, v := range h {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(h[i*n+j]+h[j*n+i]))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		for i := range h {
			h[i] = 0
		}
		return
	}
	vals := es.Values(nil)
	negative := false
	for _, v := range vals {
		if v < 0 {
			negative = true
			break
		}
	}
	if !negative {
		return
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s := 0.0
			for k, v := range vals {
				if v > 0 {
					s += v * vecs.At(i, k) * vecs.At(j, k)
				}
			}
			h[i*n+j] = s
		}
	}
}
