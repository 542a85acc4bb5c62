package experiment

import (
	"log/slog"
	"math"
	"slices"
	"sort"

	"github.com/san-kum/dynmpc/internal/config"
	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/estimator"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/models"
	"github.com/san-kum/dynmpc/internal/metrics"
	"github.com/san-kum/dynmpc/internal/nlp"
)

type estimatorFactory func(p *models.Problem, cfg *config.Config, tStep float64, logger *slog.Logger) (estimator.Estimator, error)

type Registry struct {
	solvers    map[string]func(config.NLPConfig, *slog.Logger) nlp.Solver
	estimators map[string]estimatorFactory
}

func NewRegistry() *Registry {
	r := &Registry{
		solvers:    make(map[string]func(config.NLPConfig, *slog.Logger) nlp.Solver),
		estimators: make(map[string]estimatorFactory),
	}

	r.solvers["sqp"] = func(c config.NLPConfig, l *slog.Logger) nlp.Solver {
		s := nlp.NewSQP()
		if c.MaxIter > 0 {
			s.MaxIter = c.MaxIter
		}
		s.MaxTime = c.Timeout
		s.Logger = l.With(slog.String("component", "sqp"))
		return s
	}
	r.solvers["auglag"] = func(c config.NLPConfig, l *slog.Logger) nlp.Solver {
		s := nlp.NewAugLag()
		if c.MaxIter > 0 {
			s.MaxOuter = c.MaxIter
		}
		s.MaxTime = c.Timeout
		s.Logger = l.With(slog.String("component", "auglag"))
		return s
	}

	r.estimators["state_feedback"] = func(p *models.Problem, _ *config.Config, _ float64, _ *slog.Logger) (estimator.Estimator, error) {
		m := p.Model
		if !slices.Equal(m.MeasNames(), m.Names(model.State)) {
			return nil, dynamo.Configf("model %s measures %v, state feedback needs the full state", p.Name, m.MeasNames())
		}
		return estimator.NewStateFeedback(m.Dim(model.State)), nil
	}
	r.estimators["mhe"] = func(p *models.Problem, cfg *config.Config, tStep float64, l *slog.Logger) (estimator.Estimator, error) {
		mc := cfg.MHE
		mc.TStep = tStep
		if mc.X0 == nil {
			mc.X0 = initialState(p, cfg)
		}
		nominal := nominalParams(p, cfg)
		if mc.P0 == nil && len(mc.EstimateParams) > 0 {
			for _, name := range mc.EstimateParams {
				v, ok := p.Model.Lookup(model.Param, name)
				if !ok {
					return nil, dynamo.Configf("mhe estimates undeclared parameter %q", name)
				}
				mc.P0 = append(mc.P0, nominal[v.Offset])
			}
		}
		mhe, err := estimator.NewMHE(p.Model, mc, estimator.WithSolver(r.solvers[cfg.Solver](cfg.NLP, l)), estimator.WithLogger(l))
		if err != nil {
			return nil, err
		}
		mhe.SetParamFunc(func(float64) []float64 { return nominal })
		mhe.SetTVPFunc(p.TVP)
		return mhe, nil
	}

	return r
}

func (r *Registry) GetSolver(name string, c config.NLPConfig, l *slog.Logger) (nlp.Solver, error) {
	fn, ok := r.solvers[name]
	if !ok {
		return nil, dynamo.Configf("unknown solver: %s", name)
	}
	return fn(c, l), nil
}

func (r *Registry) GetEstimator(name string, p *models.Problem, cfg *config.Config, tStep float64, l *slog.Logger) (estimator.Estimator, error) {
	fn, ok := r.estimators[name]
	if !ok {
		return nil, dynamo.Configf("unknown estimator: %s", name)
	}
	return fn(p, cfg, tStep, l)
}

func (r *Registry) ListModels() []string { return models.Names() }

func (r *Registry) ListSolvers() []string { return keys(r.solvers) }

func (r *Registry) ListEstimators() []string { return keys(r.estimators) }

func keys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultMetrics observes effort and moves in scaled input units, hard
// state bound satisfaction and, when the problem names one, tracking of its
// reference state.
func (r *Registry) DefaultMetrics(p *models.Problem, cons *constraint.Set) []dynamo.Metric {
	ms := []dynamo.Metric{
		metrics.NewControlEffort(cons.InputScale),
		metrics.NewControlMoves(cons.InputScale),
		metrics.NewBoundSatisfaction(cons.StateLower, cons.StateUpper),
	}
	if idx, target, ok := p.ReferenceIndex(); ok {
		ms = append(ms, metrics.NewTrackingError(p.Reference.State, idx, target))
	}
	return ms
}

// nominalParams is the first realization of every uncertain parameter, or
// the plant value for parameters without a realization set.
func nominalParams(p *models.Problem, cfg *config.Config) []float64 {
	out := append([]float64(nil), p.PlantParams...)
	for _, v := range p.Model.Variables(model.Param) {
		set := cfg.Uncertainty[v.Name]
		if set == nil {
			set = p.Uncertainty[v.Name]
		}
		if len(set) > 0 && v.Shape == 1 {
			out[v.Offset] = set[0]
		}
	}
	return out
}

func initialState(p *models.Problem, cfg *config.Config) []float64 {
	if cfg.InitState != nil {
		return append([]float64(nil), cfg.InitState...)
	}
	return append([]float64(nil), p.X0...)
}

// boundViolation is the largest amount by which x leaves [lower, upper].
func boundViolation(x, lower, upper []float64) float64 {
	v := 0.0
	for i := range x {
		v = math.Max(v, math.Max(lower[i]-x[i], x[i]-upper[i]))
	}
	return v
}
