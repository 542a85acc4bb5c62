package estimator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
	"github.com/san-kum/dynmpc/internal/transcribe"
)

// MHEConfig configures a moving horizon estimator. Weight vectors are
// diagonals; nil means unit weights.
type MHEConfig struct {
	NHorizon    int           `yaml:"n_horizon" json:"n_horizon"`
	TStep       float64       `yaml:"t_step" json:"t_step"`
	Collocation colloc.Config `yaml:"collocation" json:"collocation"`
	// EstimateParams names the scalar parameters estimated along with the
	// state. The others are read from the parameter function.
	EstimateParams []string  `yaml:"estimate_params" json:"estimate_params"`
	PX             []float64 `yaml:"p_x" json:"p_x"`
	PP             []float64 `yaml:"p_p" json:"p_p"`
	PV             []float64 `yaml:"p_v" json:"p_v"`
	X0             []float64 `yaml:"x0" json:"x0"`
	P0             []float64 `yaml:"p0" json:"p0"`
	StateLower     []float64 `yaml:"state_lower" json:"state_lower"`
	StateUpper     []float64 `yaml:"state_upper" json:"state_upper"`
}

func DefaultMHEConfig() MHEConfig {
	return MHEConfig{
		NHorizon:    10,
		Collocation: colloc.Config{Degree: 3, Elements: 2, Family: colloc.Radau},
	}
}

// MHE estimates the current state, and optionally some parameters, by
// fitting the model to the last NHorizon measurements. Deviation of the
// window start from the arrival reference is penalized by PX and PP, and
// measurement residuals by PV.
type MHE struct {
	model  *model.Model
	cfg    MHEConfig
	solver nlp.Solver
	logger *slog.Logger
	scheme *colloc.Scheme
	rhs    []*model.Func
	meas   []*model.Func
	pSlots []int

	paramFn func(t float64) []float64
	tvpFn   func(t float64) []float64

	windows map[int]*window
	hist    []sample
	pending dynamo.Control
	t       float64

	xArr []float64
	pArr []float64
	traj [][]float64
	pHat []float64
}

type sample struct {
	u, y, p, tvp []float64
}

// window is the NLP of one window length. Its data bindings and
// measurement rows are rewritten before every solve.
type window struct {
	problem  *nlp.Problem
	nodes    [][]int
	params   []int
	points   [][][]int
	noise    [][]int
	data     []transcribe.Binding
	measData []transcribe.Binding
	measLo   [][]float64
	measUp   [][]float64
}

type Option func(*MHE)

func WithSolver(s nlp.Solver) Option {
	return func(e *MHE) { e.solver = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *MHE) { e.logger = l }
}

func NewMHE(m *model.Model, cfg MHEConfig, opts ...Option) (*MHE, error) {
	if m == nil || !m.Finalized() {
		return nil, dynamo.Configf("mhe needs a finalized model")
	}
	e := &MHE{model: m, cfg: cfg, windows: make(map[int]*window)}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "mhe"))
	if e.solver == nil {
		sqp := nlp.NewSQP()
		sqp.Logger = e.logger
		e.solver = sqp
	}
	if err := e.validate(); err != nil {
		return nil, err
	}

	var err error
	if e.scheme, err = colloc.New(cfg.Collocation); err != nil {
		return nil, err
	}
	if e.rhs, err = m.CompileVec(m.RHSExprs(), model.State, model.Param); err != nil {
		return nil, err
	}
	if e.meas, err = m.CompileVec(m.MeasExprs(), model.State, model.Param); err != nil {
		return nil, err
	}
	e.xArr = append([]float64(nil), cfg.X0...)
	e.pArr = append([]float64(nil), cfg.P0...)
	e.pHat = append([]float64(nil), cfg.P0...)
	return e, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func (e *MHE) validate() error {
	m := e.model
	c := &e.cfg
	nx := m.Dim(model.State)
	if c.NHorizon < 1 {
		return dynamo.Configf("mhe n_horizon must be positive, got %d", c.NHorizon)
	}
	if !(c.TStep > 0) {
		return dynamo.Configf("mhe t_step must be positive, got %g", c.TStep)
	}
	seen := make(map[string]bool)
	for _, name := range c.EstimateParams {
		v, ok := m.Lookup(model.Param, name)
		if !ok {
			return dynamo.Configf("mhe estimates undeclared parameter %q", name)
		}
		if v.Shape != 1 {
			return dynamo.Dimensionf("mhe parameter %q has shape %d, only scalars are estimated", name, v.Shape)
		}
		if seen[name] {
			return dynamo.Configf("mhe parameter %q listed twice", name)
		}
		seen[name] = true
		e.pSlots = append(e.pSlots, v.Offset)
	}
	np := len(e.pSlots)
	if c.PX == nil {
		c.PX = ones(nx)
	}
	if c.PP == nil {
		c.PP = ones(np)
	}
	if c.PV == nil {
		c.PV = ones(m.MeasDim())
	}
	checks := []struct {
		what string
		v    []float64
		n    int
	}{
		{"mhe p_x", c.PX, nx},
		{"mhe p_p", c.PP, np},
		{"mhe p_v", c.PV, m.MeasDim()},
		{"mhe x0", c.X0, nx},
		{"mhe p0", c.P0, np},
	}
	for _, ch := range checks {
		if err := dynamo.CheckLen(ch.what, ch.v, ch.n); err != nil {
			return err
		}
		if !dynamo.IsFinite(ch.v) {
			return dynamo.Configf("%s is not finite", ch.what)
		}
	}
	for _, w := range [][]float64{c.PX, c.PP, c.PV} {
		for _, v := range w {
			if v < 0 {
				return dynamo.Configf("mhe weights must be non-negative, got %g", v)
			}
		}
	}
	for _, b := range [][]float64{c.StateLower, c.StateUpper} {
		if b != nil {
			if err := dynamo.CheckLen("mhe state bound", b, nx); err != nil {
				return err
			}
		}
	}
	if c.StateLower != nil && c.StateUpper != nil {
		for i := range c.StateLower {
			if c.StateLower[i] > c.StateUpper[i] {
				return dynamo.Configf("mhe state bound %d: lower %g above upper %g", i, c.StateLower[i], c.StateUpper[i])
			}
		}
	}
	return nil
}

// SetParamFunc supplies the parameters that are not estimated.
func (e *MHE) SetParamFunc(fn func(t float64) []float64) { e.paramFn = fn }

func (e *MHE) SetTVPFunc(fn func(t float64) []float64) { e.tvpFn = fn }

// SetTime sets the start time of the next measurement interval.
func (e *MHE) SetTime(t float64) { e.t = t }

// ObserveInput records the control applied over the current interval.
func (e *MHE) ObserveInput(u dynamo.Control) {
	e.pending = append(dynamo.Control(nil), u...)
}

// Params returns the current estimate of the estimated parameters.
func (e *MHE) Params() []float64 {
	return append([]float64(nil), e.pHat...)
}

// MakeStep appends the measurement y, taken at the end of the current
// interval, and returns the estimate of the state at that time.
func (e *MHE) MakeStep(y dynamo.State) (dynamo.State, error) {
	m := e.model
	if err := dynamo.CheckLen("mhe measurement", y, m.MeasDim()); err != nil {
		return nil, err
	}
	if !y.IsValid() {
		return nil, fmt.Errorf("%w: measurement %v is not finite", dynamo.ErrInfeasible, []float64(y))
	}
	u := e.pending
	if u == nil && m.Dim(model.Input) > 0 {
		return nil, dynamo.Configf("mhe received a measurement without the applied input")
	}
	if err := dynamo.CheckLen("mhe input", u, m.Dim(model.Input)); err != nil {
		return nil, err
	}
	p, err := e.snapshot(e.paramFn, model.Param, len(e.pSlots) < m.Dim(model.Param))
	if err != nil {
		return nil, err
	}
	tvp, err := e.snapshot(e.tvpFn, model.TVP, m.Dim(model.TVP) > 0)
	if err != nil {
		return nil, err
	}

	hist := append(e.hist[:len(e.hist):len(e.hist)], sample{u: u, y: append([]float64(nil), y...), p: p, tvp: tvp})
	xArr, pArr := e.xArr, e.pArr
	shifted := false
	if len(hist) > e.cfg.NHorizon {
		hist = hist[1:]
		shifted = true
		if e.traj != nil {
			e.xArr = append([]float64(nil), e.traj[1]...)
			e.pArr = append([]float64(nil), e.pHat...)
		}
	}

	w, err := e.window(len(hist))
	if err != nil {
		return nil, err
	}
	for k, s := range hist {
		for _, b := range []transcribe.Binding{w.data[k], w.measData[k]} {
			b.SetData(model.Input, s.u)
			b.SetData(model.Param, s.p)
			b.SetData(model.TVP, s.tvp)
		}
		copy(w.measLo[k], s.y)
		copy(w.measUp[k], s.y)
	}

	res, err := e.solver.Solve(context.Background(), w.problem, e.startPoint(w, shifted))
	if err != nil {
		e.xArr, e.pArr = xArr, pArr
		e.logger.Warn("estimation failed", slog.Float64("t", e.t), slog.Any("err", err))
		return nil, fmt.Errorf("mhe at t=%g: %w", e.t, err)
	}

	e.hist = hist
	e.traj = make([][]float64, len(w.nodes))
	for k, idx := range w.nodes {
		e.traj[k] = pick(res.X, idx)
	}
	e.pHat = pick(res.X, w.params)
	e.pending = nil
	e.t += e.cfg.TStep
	e.logger.Debug("estimated",
		slog.Float64("t", e.t),
		slog.Int("window", len(hist)),
		slog.Int("iterations", res.Iterations),
		slog.Float64("objective", res.Objective),
	)
	return dynamo.State(e.traj[len(e.traj)-1]).Clone(), nil
}

func pick(x []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, v := range idx {
		out[i] = x[v]
	}
	return out
}

func (e *MHE) snapshot(fn func(float64) []float64, t model.VarType, required bool) ([]float64, error) {
	n := e.model.Dim(t)
	if fn == nil {
		if required {
			return nil, dynamo.Configf("mhe needs a %s function", t)
		}
		return make([]float64, n), nil
	}
	v := fn(e.t)
	if err := dynamo.CheckLen(fmt.Sprintf("mhe %s snapshot at t=%g", t, e.t), v, n); err != nil {
		return nil, err
	}
	return append([]float64(nil), v...), nil
}

// startPoint seeds the window nodes from the previous estimate, shifted by
// one interval when the window moved. Collocation states start at the
// state of their interval's first node.
func (e *MHE) startPoint(w *window, shifted bool) []float64 {
	init := make([]float64, w.problem.N)
	guess := func(k int) []float64 {
		if e.traj == nil {
			return e.xArr
		}
		if shifted {
			k++
		}
		if k >= len(e.traj) {
			k = len(e.traj) - 1
		}
		return e.traj[k]
	}
	for k, idx := range w.nodes {
		g := guess(k)
		for i, v := range idx {
			init[v] = g[i]
		}
	}
	for k, groups := range w.points {
		g := guess(k)
		for _, idx := range groups {
			for i, v := range idx {
				init[v] = g[i]
			}
		}
	}
	for i, v := range w.params {
		init[v] = e.pHat[i]
	}
	return init
}

func (e *MHE) window(n int) (*window, error) {
	if w, ok := e.windows[n]; ok {
		return w, nil
	}
	m := e.model
	nx, ny := m.Dim(model.State), m.MeasDim()
	scale := ones(nx)
	lo, up := e.cfg.StateLower, e.cfg.StateUpper

	var vars transcribe.Vars
	w := &window{}
	for k := 0; k <= n; k++ {
		w.nodes = append(w.nodes, vars.Add(nx, lo, up, nil))
	}
	w.params = vars.Add(len(e.pSlots), nil, nil, nil)

	withParams := func(b transcribe.Binding) transcribe.Binding {
		for i, off := range e.pSlots {
			b = b.WithVar(model.Param, off, w.params[i])
		}
		return b
	}

	var blocks []nlp.Block
	var costs []nlp.Cost
	for k := 0; k < n; k++ {
		data := transcribe.NewBinding(m)
		starts, points := transcribe.AllocInterval(&vars, e.scheme, nx, lo, up, nil)
		iv := transcribe.Interval{
			Scheme:     e.scheme,
			Length:     e.cfg.TStep,
			Start:      w.nodes[k],
			End:        w.nodes[k+1],
			Starts:     starts,
			Points:     points,
			StateScale: scale,
			Binding:    withParams(data),
		}
		bl, err := iv.Blocks(fmt.Sprintf("mhe[%d]", k), e.rhs)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, bl...)
		groups := append([][]int(nil), starts...)
		for _, el := range points {
			groups = append(groups, el...)
		}
		w.points = append(w.points, groups)
		w.data = append(w.data, data)

		measData := transcribe.NewBinding(m)
		noise := vars.Add(ny, nil, nil, nil)
		rows := make([]transcribe.Row, ny)
		for i, f := range e.meas {
			rows[i] = transcribe.Row{F: f, Coef: 1, Linear: []transcribe.Linear{{Var: noise[i], Coef: -1}}}
		}
		blk, err := withParams(measData).With(model.State, w.nodes[k+1], nil).Block(fmt.Sprintf("mhe[%d]/meas", k), rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
		w.measData = append(w.measData, measData)
		w.measLo = append(w.measLo, blk.Lower)
		w.measUp = append(w.measUp, blk.Upper)
		w.noise = append(w.noise, noise)
		costs = append(costs, transcribe.QuadraticCost(noise, ones(ny), e.cfg.PV, func(int) float64 { return 0 }))
	}
	costs = append(costs, transcribe.QuadraticCost(w.nodes[0], scale, e.cfg.PX, func(i int) float64 { return e.xArr[i] }))
	if len(w.params) > 0 {
		costs = append(costs, transcribe.QuadraticCost(w.params, ones(len(w.params)), e.cfg.PP, func(i int) float64 { return e.pArr[i] }))
	}

	w.problem = &nlp.Problem{
		N:      vars.Len(),
		Lower:  vars.Lower,
		Upper:  vars.Upper,
		Costs:  costs,
		Blocks: blocks,
	}
	if err := w.problem.Validate(); err != nil {
		return nil, err
	}
	e.windows[n] = w
	e.logger.Debug("window built", slog.Int("length", n), slog.Int("variables", w.problem.N))
	return w, nil
}

var _ InputObserver = (*MHE)(nil)
