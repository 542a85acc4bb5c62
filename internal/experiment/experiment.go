// Package experiment wires a run configuration into an optimizer, a plant
// simulator, an estimator and a closed-loop driver.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/san-kum/dynmpc/internal/closedloop"
	"github.com/san-kum/dynmpc/internal/config"
	"github.com/san-kum/dynmpc/internal/data"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/estimator"
	"github.com/san-kum/dynmpc/internal/models"
	"github.com/san-kum/dynmpc/internal/mpc"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sim"
)

type Experiment struct {
	cfg       *config.Config
	registry  *Registry
	logger    *slog.Logger
	observers []dynamo.Observer

	problem   *models.Problem
	tStep     float64
	x0        []float64
	optimizer *mpc.Optimizer
	simulator *sim.Simulator
	estimator estimator.Estimator
	log       *data.Log
	driver    *closedloop.Driver
}

// Result is the outcome of a run. Report and Log are set even when the run
// stopped early.
type Result struct {
	Report     *closedloop.Report
	Log        *data.Log
	Robustness *Robustness
}

// Robustness is the replay of the applied controls on one plant per
// realization combination of the scenario tree.
type Robustness struct {
	Params       []string
	Combinations [][]float64
	// MaxViolation[i] is the largest hard state bound violation along the
	// replay of combination i.
	MaxViolation []float64
}

// Satisfied reports whether every replay kept the hard state bounds within tol.
func (r *Robustness) Satisfied(tol float64) bool {
	for _, v := range r.MaxViolation {
		if v > tol {
			return false
		}
	}
	return true
}

// Worst is the largest violation over all replays.
func (r *Robustness) Worst() float64 {
	w := 0.0
	for _, v := range r.MaxViolation {
		w = math.Max(w, v)
	}
	return w
}

type Option func(*Experiment)

func WithLogger(l *slog.Logger) Option {
	return func(e *Experiment) { e.logger = l }
}

func WithObservers(o ...dynamo.Observer) Option {
	return func(e *Experiment) { e.observers = append(e.observers, o...) }
}

func New(cfg *config.Config, opts ...Option) *Experiment {
	e := &Experiment{cfg: cfg, registry: NewRegistry(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Setup builds every component. Configuration and dimension errors surface
// here, before any step runs.
func (e *Experiment) Setup() error {
	cfg := e.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	build, err := models.Get(cfg.Model)
	if err != nil {
		return err
	}
	p, err := build()
	if err != nil {
		return fmt.Errorf("build model %s: %w", cfg.Model, err)
	}
	e.problem = p
	e.tStep = p.TStep
	if cfg.TStep > 0 {
		e.tStep = cfg.TStep
	}
	e.x0 = initialState(p, cfg)

	if err := e.setupOptimizer(); err != nil {
		return err
	}

	simCfg := cfg.Simulator
	simCfg.TStep = e.tStep
	if e.simulator, err = sim.New(p.Model, simCfg, sim.WithLogger(e.logger)); err != nil {
		return err
	}
	plant := append([]float64(nil), p.PlantParams...)
	e.simulator.SetParamFunc(func(float64) []float64 { return plant })
	e.simulator.SetTVPFunc(p.TVP)
	if err := e.simulator.SetInitialState(e.x0); err != nil {
		return err
	}

	if e.estimator, err = e.registry.GetEstimator(cfg.Estimator, p, cfg, e.tStep, e.logger); err != nil {
		return err
	}

	e.log = data.NewLog(data.NewSchema(p.Model))
	opts := []closedloop.Option{
		closedloop.WithAux(e.simulator.Aux),
		closedloop.WithMetrics(e.registry.DefaultMetrics(p, e.optimizer.Constraints())...),
		closedloop.WithObservers(e.observers...),
		closedloop.WithLogger(e.logger),
	}
	if cfg.MPC.StoreFullSolution {
		opt := e.optimizer
		opts = append(opts, closedloop.WithPredictions(func() []data.Prediction {
			if s := opt.Solution(); s != nil {
				return s.Nodes
			}
			return nil
		}))
	}
	e.driver = closedloop.New(e.optimizer, e.simulator, e.estimator, e.log, opts...)
	return nil
}

func (e *Experiment) setupOptimizer() error {
	cfg, p := e.cfg, e.problem
	solver, err := e.registry.GetSolver(cfg.Solver, cfg.NLP, e.logger)
	if err != nil {
		return err
	}
	opt, err := mpc.New(p.Model, mpc.WithSolver(solver), mpc.WithLogger(e.logger))
	if err != nil {
		return err
	}

	settings := cfg.MPC
	settings.TStep = e.tStep
	rterm := make(map[string]float64, len(p.RTerm)+len(cfg.RTerm))
	for k, v := range p.RTerm {
		rterm[k] = v
	}
	for k, v := range cfg.RTerm {
		rterm[k] = v
	}
	uncertainty := make(scenario.Realizations, len(p.Uncertainty))
	for k, v := range p.Uncertainty {
		uncertainty[k] = v
	}
	for k, v := range cfg.Uncertainty {
		uncertainty[k] = v
	}
	bounds, err := cfg.ApplyBounds(p.Bounds)
	if err != nil {
		return err
	}
	scaling, err := cfg.ApplyScaling(p.Scaling)
	if err != nil {
		return err
	}
	nlcons, err := cfg.ApplyConstraints(p.NLCons)
	if err != nil {
		return err
	}

	steps := []func() error{
		func() error { return opt.SetParam(settings) },
		func() error { return opt.SetObjective(p.LTerm, p.MTerm) },
		func() error { return opt.SetRTerm(rterm) },
		func() error { return opt.SetBounds(bounds...) },
		func() error { return opt.SetScaling(scaling...) },
		func() error { return opt.SetNLCons(nlcons...) },
		func() error { return opt.SetUncertaintyValues(uncertainty) },
		func() error { return opt.SetInitialGuess(e.x0, p.U0) },
	}
	if p.TVP != nil {
		steps = append(steps, func() error { return opt.SetTVPFunc(mpc.TVPFunc(p.TVP)) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if err := opt.Setup(); err != nil {
		return err
	}
	e.optimizer = opt
	return nil
}

// Run executes the closed loop. Setup is called first when needed.
func (e *Experiment) Run(ctx context.Context) (*Result, error) {
	if e.driver == nil {
		if err := e.Setup(); err != nil {
			return nil, err
		}
	}
	report, err := e.driver.Run(ctx, e.x0, closedloop.Config{
		Steps:  e.cfg.Steps,
		TStep:  e.tStep,
		Policy: e.cfg.Policy,
	})
	res := &Result{Report: report, Log: e.log}
	if err != nil {
		return res, err
	}
	if e.cfg.EnsembleCheck {
		if res.Robustness, err = e.checkRobustness(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// checkRobustness replays the logged controls from the initial state on a
// plant for every parameter combination of the scenario tree.
func (e *Experiment) checkRobustness(ctx context.Context) (*Robustness, error) {
	tree := e.optimizer.Tree()
	entries := e.log.Entries()
	inputs := make([][]float64, len(entries))
	for k, en := range entries {
		inputs[k] = en.Input
	}
	simCfg := e.cfg.Simulator
	simCfg.TStep = e.tStep
	runs, err := sim.NewEnsemble(e.problem.Model, simCfg, e.problem.TVP).Run(ctx, e.x0, 0, inputs, tree.Combinations)
	if err != nil {
		return nil, fmt.Errorf("ensemble replay: %w", err)
	}
	cons := e.optimizer.Constraints()
	rob := &Robustness{Params: tree.Params, Combinations: tree.Combinations, MaxViolation: make([]float64, len(runs))}
	for i, states := range runs {
		for _, x := range states {
			if v := boundViolation(x, cons.StateLower, cons.StateUpper); v > rob.MaxViolation[i] {
				rob.MaxViolation[i] = v
			}
		}
	}
	return rob, nil
}

func (e *Experiment) Problem() *models.Problem { return e.problem }

func (e *Experiment) Optimizer() *mpc.Optimizer { return e.optimizer }

func (e *Experiment) Log() *data.Log { return e.log }

func (e *Experiment) TStep() float64 { return e.tStep }
