// Package mpc implements robust multi-stage nonlinear model predictive
// control.
//
// The prediction is a scenario tree: every node owns a state, every inner
// node owns one control shared by all of its children, and every edge is
// discretized with orthogonal collocation under the child's parameter
// realization. The resulting NLP is built once by Setup and re-solved by
// MakeStep with the root state pinned to the current estimate.
package mpc

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/data"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
	"github.com/san-kum/dynmpc/internal/transcribe"
)

// TVPFunc returns the time-varying parameters at time t.
type TVPFunc func(t float64) []float64

type Optimizer struct {
	model  *model.Model
	solver nlp.Solver
	base   *slog.Logger
	logger *slog.Logger
	phase  phase

	settings    Settings
	hasSettings bool
	lterm       sym.Expr
	mterm       sym.Expr
	hasObj      bool
	rterm       map[string]float64
	bounds      []constraint.Bound
	scaling     []constraint.Scaling
	nlcons      []constraint.Spec
	uncertainty scenario.Realizations
	tvpFn       TVPFunc
	xGuess      []float64
	uGuess      []float64

	tree      *scenario.Tree
	cons      *constraint.Set
	problem   *nlp.Problem
	nodeX     [][]int
	nodeU     [][]int
	states    [][]int
	slacks    []int
	initGuess []float64
	stages    [][]transcribe.Binding
	tvpRows   [][]float64
	uPrev     []float64
	last      []float64
	t         float64

	solution *Solution
}

type Option func(*Optimizer)

// WithSolver replaces the default SQP backend.
func WithSolver(s nlp.Solver) Option {
	return func(o *Optimizer) { o.solver = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.base = l }
}

// New creates an unconfigured optimizer for a finalized model.
func New(m *model.Model, opts ...Option) (*Optimizer, error) {
	if m == nil || !m.Finalized() {
		return nil, dynamo.Configf("optimizer needs a finalized model")
	}
	o := &Optimizer{model: m, base: slog.Default(), rterm: map[string]float64{}}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.base.With(slog.String("component", "optimizer"))
	if o.solver == nil {
		sqp := nlp.NewSQP()
		sqp.Logger = o.base.With(slog.String("component", "sqp"))
		o.solver = sqp
	}
	return o, nil
}

func (o *Optimizer) checkOpen(op string) error {
	if o.phase >= built {
		return dynamo.Configf("%s after setup", op)
	}
	return nil
}

func (o *Optimizer) advance() {
	if o.hasSettings && o.hasObj {
		o.phase = configured
	}
}

func (o *Optimizer) SetParam(s Settings) error {
	if err := o.checkOpen("SetParam"); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	o.settings = s
	o.hasSettings = true
	o.advance()
	return nil
}

// SetObjective sets the stage cost lterm(x, u, p, tvp) and the terminal
// cost mterm(x, p, tvp). Either may be nil, not both.
func (o *Optimizer) SetObjective(lterm, mterm sym.Expr) error {
	if err := o.checkOpen("SetObjective"); err != nil {
		return err
	}
	if lterm == nil && mterm == nil {
		return dynamo.Configf("objective needs a stage or a terminal cost")
	}
	o.lterm, o.mterm = lterm, mterm
	o.hasObj = true
	o.advance()
	return nil
}

// SetRTerm sets the move penalty per input name. The weight applies to
// every element of a vector input.
func (o *Optimizer) SetRTerm(weights map[string]float64) error {
	if err := o.checkOpen("SetRTerm"); err != nil {
		return err
	}
	for name, w := range weights {
		if _, ok := o.model.Lookup(model.Input, name); !ok {
			return dynamo.Configf("rterm for undeclared input %q", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return dynamo.Configf("rterm weight of %q must be finite and non-negative, got %g", name, w)
		}
		o.rterm[name] = w
	}
	return nil
}

func (o *Optimizer) SetBounds(b ...constraint.Bound) error {
	if err := o.checkOpen("SetBounds"); err != nil {
		return err
	}
	o.bounds = append(o.bounds, b...)
	return nil
}

func (o *Optimizer) SetScaling(s ...constraint.Scaling) error {
	if err := o.checkOpen("SetScaling"); err != nil {
		return err
	}
	o.scaling = append(o.scaling, s...)
	return nil
}

func (o *Optimizer) SetNLCons(s ...constraint.Spec) error {
	if err := o.checkOpen("SetNLCons"); err != nil {
		return err
	}
	o.nlcons = append(o.nlcons, s...)
	return nil
}

// SetUncertaintyValues sets the realization set of every uncertain
// parameter. Parameters must be scalar.
func (o *Optimizer) SetUncertaintyValues(r scenario.Realizations) error {
	if err := o.checkOpen("SetUncertaintyValues"); err != nil {
		return err
	}
	for name, values := range r {
		v, ok := o.model.Lookup(model.Param, name)
		if !ok {
			return dynamo.Configf("realization set for undeclared parameter %q", name)
		}
		if v.Shape != 1 {
			return dynamo.Dimensionf("uncertain parameter %q has shape %d, realization sets are scalar", name, v.Shape)
		}
		if !dynamo.IsFinite(values) {
			return dynamo.Configf("realization set of %q is not finite", name)
		}
	}
	o.uncertainty = make(scenario.Realizations, len(r))
	for name, values := range r {
		o.uncertainty[name] = append([]float64(nil), values...)
	}
	return nil
}

func (o *Optimizer) SetTVPFunc(fn TVPFunc) error {
	if err := o.checkOpen("SetTVPFunc"); err != nil {
		return err
	}
	o.tvpFn = fn
	return nil
}

// SetInitialGuess seeds the first solve. A nil x seeds every predicted
// state with the first x0 handed to MakeStep; u is also the control the
// first move penalty refers to.
func (o *Optimizer) SetInitialGuess(x, u []float64) error {
	if err := o.checkOpen("SetInitialGuess"); err != nil {
		return err
	}
	if x != nil {
		if err := dynamo.CheckLen("initial state guess", x, o.model.Dim(model.State)); err != nil {
			return err
		}
		o.xGuess = append([]float64(nil), x...)
	}
	if u != nil {
		if err := dynamo.CheckLen("initial input guess", u, o.model.Dim(model.Input)); err != nil {
			return err
		}
		o.uGuess = append([]float64(nil), u...)
	}
	return nil
}

// SetTime sets the time of the next MakeStep.
func (o *Optimizer) SetTime(t float64) { o.t = t }

func (o *Optimizer) Time() float64 { return o.t }

// Phase reports the lifecycle state.
func (o *Optimizer) Phase() string { return o.phase.String() }

// Tree returns the scenario tree built by Setup.
func (o *Optimizer) Tree() *scenario.Tree { return o.tree }

// Constraints returns the compiled bounds built by Setup.
func (o *Optimizer) Constraints() *constraint.Set { return o.cons }

// Solution returns the stored solution of the last successful MakeStep, or
// nil when full solutions are not stored.
func (o *Optimizer) Solution() *Solution { return o.solution }

// NumVars returns the size of the decision vector.
func (o *Optimizer) NumVars() int {
	if o.problem == nil {
		return 0
	}
	return o.problem.N
}

// MakeStep pins the tree root to x0, solves the NLP and returns the first
// control. A failed solve leaves the optimizer unchanged.
func (o *Optimizer) MakeStep(ctx context.Context, x0 []float64) ([]float64, error) {
	if o.phase < built {
		return nil, dynamo.Configf("MakeStep before Setup (optimizer is %s)", o.phase)
	}
	if err := dynamo.CheckLen("optimizer initial state", x0, o.model.Dim(model.State)); err != nil {
		return nil, err
	}
	if !dynamo.IsFinite(x0) {
		return nil, fmt.Errorf("%w: initial state %v is not finite", dynamo.ErrInfeasible, x0)
	}
	if err := o.cons.CheckState(x0); err != nil {
		return nil, err
	}
	if err := o.loadTVP(); err != nil {
		return nil, err
	}

	xs := transcribe.Scaled(x0, o.cons.StateScale)
	for i, v := range o.nodeX[0] {
		o.problem.Lower[v], o.problem.Upper[v] = xs[i], xs[i]
	}

	start := time.Now()
	res, err := o.solver.Solve(ctx, o.problem, o.startPoint(xs))
	if err != nil {
		o.logger.Warn("solve failed", slog.Float64("t", o.t), slog.Any("err", err))
		return nil, fmt.Errorf("optimizer at t=%g: %w", o.t, err)
	}

	o.last = append(o.last[:0], res.X...)
	u := make([]float64, len(o.nodeU[0]))
	for i, v := range o.nodeU[0] {
		u[i] = res.X[v] * o.cons.InputScale[i]
	}
	if o.settings.StoreFullSolution {
		o.solution = o.collect(res)
	}
	o.logger.Debug("solved",
		slog.Float64("t", o.t),
		slog.Int("iterations", res.Iterations),
		slog.Float64("objective", res.Objective),
		slog.Duration("elapsed", time.Since(start)),
	)

	copy(o.uPrev, u)
	o.t += o.settings.TStep
	o.phase = ready
	return u, nil
}

func (o *Optimizer) loadTVP() error {
	n := o.model.Dim(model.TVP)
	for k := range o.tvpRows {
		if n == 0 {
			continue
		}
		t := o.t + float64(k)*o.settings.TStep
		row := o.tvpFn(t)
		if err := dynamo.CheckLen(fmt.Sprintf("tvp snapshot at t=%g", t), row, n); err != nil {
			return err
		}
		o.tvpRows[k] = append(o.tvpRows[k][:0], row...)
		for _, b := range o.stages[k] {
			b.SetData(model.TVP, row)
		}
	}
	return nil
}

func (o *Optimizer) startPoint(xs []float64) []float64 {
	if !o.settings.ColdStart && o.last != nil {
		init := append([]float64(nil), o.last...)
		for i, v := range o.nodeX[0] {
			init[v] = xs[i]
		}
		return init
	}
	init := append([]float64(nil), o.initGuess...)
	if o.xGuess == nil {
		for _, group := range o.states {
			for i, v := range group {
				init[v] = xs[i]
			}
		}
	}
	for i, v := range o.nodeX[0] {
		init[v] = xs[i]
	}
	return init
}

// Solution is the full tree solution of one MakeStep.
type Solution struct {
	Time       float64
	Objective  float64
	Violation  float64
	Iterations int
	Nodes      []data.Prediction
	// Slacks holds the soft constraint slack values in allocation order.
	Slacks []float64
}

func (o *Optimizer) collect(res *nlp.Result) *Solution {
	sol := &Solution{
		Time:       o.t,
		Objective:  res.Objective,
		Violation:  res.Violation,
		Iterations: res.Iterations,
		Nodes:      make([]data.Prediction, len(o.tree.Nodes)),
	}
	for id, n := range o.tree.Nodes {
		pred := data.Prediction{Node: id, Stage: n.Stage, Parent: n.Parent, Combination: n.Combination}
		pred.X = o.unscale(res.X, o.nodeX[id], o.cons.StateScale)
		uNode := id
		if o.nodeU[id] == nil {
			uNode = n.Parent
		}
		if uNode >= 0 {
			u := o.unscale(res.X, o.nodeU[uNode], o.cons.InputScale)
			if o.nodeU[id] != nil {
				pred.U = u
			}
			if aux, err := o.model.Aux(pred.X, u, o.tree.Values(id), o.tvpRows[n.Stage]); err == nil {
				pred.Aux = aux
			}
		}
		sol.Nodes[id] = pred
	}
	for _, v := range o.slacks {
		sol.Slacks = append(sol.Slacks, res.X[v])
	}
	return sol
}

func (o *Optimizer) unscale(x []float64, idx []int, scale []float64) []float64 {
	out := make([]float64, len(idx))
	for i, v := range idx {
		out[i] = x[v] * scale[i]
	}
	return out
}
