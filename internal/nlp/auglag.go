package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// AugLag is a Powell-Hestenes-Rockafellar augmented Lagrangian method.
// Constraint rows and variable bounds are both moved into the penalty and
// each subproblem is minimized with L-BFGS.
type AugLag struct {
	MaxOuter      int
	InnerIter     int
	Tol           float64
	ConstraintTol float64
	MaxTime       time.Duration
	Logger        *slog.Logger
}

const maxRho = 1e12

func NewAugLag() *AugLag {
	return &AugLag{
		MaxOuter:      50,
		InnerIter:     500,
		Tol:           1e-8,
		ConstraintTol: 1e-6,
		Logger:        slog.Default().With(slog.String("component", "auglag")),
	}
}

type alState struct {
	w            *workspace
	rowLo, rowUp []float64
	lamRow       []float64
	lamLo, lamUp []float64
	rho          float64
	c, v         []float64
}

// phrDeriv returns the derivative of the penalty of one row with respect to
// its value. It is also the updated multiplier of that row.
func phrDeriv(val, lo, up, lam, rho float64) float64 {
	if lo == up {
		return lam + rho*(val-lo)
	}
	d := 0.0
	if !math.IsInf(up, 1) {
		d += math.Max(0, math.Max(lam, 0)+rho*(val-up))
	}
	if !math.IsInf(lo, -1) {
		d -= math.Max(0, math.Max(-lam, 0)+rho*(lo-val))
	}
	return d
}

func phrValue(val, lo, up, lam, rho float64) float64 {
	if lo == up {
		h := val - lo
		return lam*h + 0.5*rho*h*h
	}
	s := 0.0
	// Two-sided rows share one signed multiplier: positive for the upper side.
	if !math.IsInf(up, 1) {
		l := math.Max(lam, 0)
		t := math.Max(0, l+rho*(val-up))
		s += (t*t - l*l) / (2 * rho)
	}
	if !math.IsInf(lo, -1) {
		l := math.Max(-lam, 0)
		t := math.Max(0, l+rho*(lo-val))
		s += (t*t - l*l) / (2 * rho)
	}
	return s
}

func (st *alState) lagrangian(x []float64) float64 {
	p := st.w.p
	f := st.w.objective(x)
	st.w.constraints(x, st.c)
	for r := range st.c {
		f += phrValue(st.c[r], st.rowLo[r], st.rowUp[r], st.lamRow[r], st.rho)
	}
	for i := range x {
		f += phrValue(x[i], p.Lower[i], p.Upper[i], st.lamLo[i], st.rho)
	}
	return f
}

func (st *alState) gradient(grad, x []float64) {
	p := st.w.p
	st.w.gradient(x, grad)
	st.w.constraints(x, st.c)
	st.w.jacobians(x)
	for r := range st.c {
		st.v[r] = phrDeriv(st.c[r], st.rowLo[r], st.rowUp[r], st.lamRow[r], st.rho)
	}
	st.w.jacTVec(st.v, grad)
	for i := range x {
		grad[i] += phrDeriv(x[i], p.Lower[i], p.Upper[i], st.lamLo[i], st.rho)
	}
}

func (st *alState) updateMultipliers(x []float64) {
	p := st.w.p
	st.w.constraints(x, st.c)
	for r := range st.c {
		st.lamRow[r] = phrDeriv(st.c[r], st.rowLo[r], st.rowUp[r], st.lamRow[r], st.rho)
	}
	for i := range x {
		st.lamLo[i] = phrDeriv(x[i], p.Lower[i], p.Upper[i], st.lamLo[i], st.rho)
	}
}

func (st *alState) violation(x []float64) float64 {
	p := st.w.p
	st.w.constraints(x, st.c)
	v := maxViolation(st.c, st.rowLo, st.rowUp)
	return math.Max(v, maxViolation(x, p.Lower, p.Upper))
}

func (a *AugLag) Solve(ctx context.Context, p *Problem, x0 []float64) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := newWorkspace(p)
	st := &alState{
		w:      w,
		lamRow: make([]float64, w.m),
		lamLo:  make([]float64, p.N),
		rho:    10,
		c:      make([]float64, w.m),
		v:      make([]float64, w.m),
	}
	st.rowLo, st.rowUp = w.rowBounds()

	x := clamp(x0, p.Lower, p.Upper)
	viol := st.violation(x)

	for outer := 1; outer <= a.MaxOuter; outer++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		settings := &optimize.Settings{
			GradientThreshold: a.Tol,
			MajorIterations:   a.InnerIter,
			Converger:         &optimize.FunctionConverge{Absolute: 1e-14, Relative: 1e-14, Iterations: 20},
		}
		if a.MaxTime > 0 {
			remaining := a.MaxTime - time.Since(start)
			if remaining <= 0 {
				return nil, fmt.Errorf("%w: time budget %v exhausted after %d outer iterations", dynamo.ErrConvergence, a.MaxTime, outer-1)
			}
			settings.Runtime = remaining
		}
		res, err := optimize.Minimize(optimize.Problem{Func: st.lagrangian, Grad: st.gradient}, x, settings, &optimize.LBFGS{})
		if res == nil {
			return nil, fmt.Errorf("%w: inner minimization: %v", dynamo.ErrConvergence, err)
		}
		copy(x, res.X)

		newViol := st.violation(x)
		st.updateMultipliers(x)
		logger.Debug("auglag outer iteration",
			slog.Int("outer", outer),
			slog.Float64("violation", newViol),
			slog.Float64("rho", st.rho),
			slog.String("inner_status", res.Status.String()),
		)

		if newViol <= a.ConstraintTol {
			xb := clamp(x, p.Lower, p.Upper)
			return &Result{
				X:           xb,
				Multipliers: append([]float64(nil), st.lamRow...),
				Objective:   w.objective(xb),
				Violation:   newViol,
				Iterations:  outer,
			}, nil
		}
		if newViol > 0.25*viol {
			if st.rho >= maxRho {
				return nil, fmt.Errorf("%w: violation %.3g persists at maximum penalty", dynamo.ErrInfeasible, newViol)
			}
			st.rho = math.Min(10*st.rho, maxRho)
		}
		viol = newViol
	}
	return nil, fmt.Errorf("%w: %d outer iterations without convergence", dynamo.ErrConvergence, a.MaxOuter)
}
