// Package sim integrates a symbolic model one sampling interval at a time.
package sim

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
)

var discard = slog.New(slog.DiscardHandler)

type Simulator struct {
	model  *model.Model
	cfg    Config
	integ  dynamo.Integrator
	logger *slog.Logger

	paramFn ParamFunc
	tvpFn   ParamFunc

	x   dynamo.State
	env []float64
	p   []float64
	tvp []float64
}

type Option func(*Simulator)

func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// New creates a simulator for a finalized model.
func New(m *model.Model, cfg Config, opts ...Option) (*Simulator, error) {
	if m == nil || !m.Finalized() {
		return nil, dynamo.Configf("simulator needs a finalized model")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	integ, err := cfg.integrator()
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		model:  m,
		cfg:    cfg,
		integ:  integ,
		logger: slog.Default(),
		env:    make([]float64, m.EnvDim()),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "simulator"))
	return s, nil
}

// SetParamFunc sets the source of the realized uncertain parameters. A
// model with parameters cannot step without one.
func (s *Simulator) SetParamFunc(fn ParamFunc) { s.paramFn = fn }

// SetTVPFunc sets the source of the time-varying parameters.
func (s *Simulator) SetTVPFunc(fn ParamFunc) { s.tvpFn = fn }

func (s *Simulator) SetInitialState(x0 []float64) error {
	if err := dynamo.CheckLen("simulator initial state", x0, s.model.Dim(model.State)); err != nil {
		return err
	}
	if !dynamo.IsFinite(x0) {
		return dynamo.Configf("simulator initial state %v is not finite", x0)
	}
	s.x = dynamo.State(x0).Clone()
	return nil
}

// State returns a copy of the current plant state.
func (s *Simulator) State() dynamo.State { return s.x.Clone() }

func (s *Simulator) TStep() float64 { return s.cfg.TStep }

func (s *Simulator) snapshot(fn ParamFunc, t float64, vt model.VarType) ([]float64, error) {
	n := s.model.Dim(vt)
	if fn == nil {
		if n > 0 {
			return nil, dynamo.Configf("model declares %s values but the simulator has no %s function", vt, vt)
		}
		return nil, nil
	}
	v := fn(t)
	if err := dynamo.CheckLen(fmt.Sprintf("%s snapshot at t=%g", vt, t), v, n); err != nil {
		return nil, err
	}
	return append([]float64(nil), v...), nil
}

// MakeStep applies u from tNow to tNow+TStep and returns the measurement of
// the new state.
func (s *Simulator) MakeStep(u []float64, tNow float64) ([]float64, error) {
	if s.x == nil {
		return nil, dynamo.Configf("simulator has no initial state")
	}
	if err := dynamo.CheckLen("simulator input", u, s.model.Dim(model.Input)); err != nil {
		return nil, err
	}
	var err error
	if s.p, err = s.snapshot(s.paramFn, tNow, model.Param); err != nil {
		return nil, err
	}
	if s.tvp, err = s.snapshot(s.tvpFn, tNow, model.TVP); err != nil {
		return nil, err
	}

	x, err := s.integ.Integrate(s, s.x, dynamo.Control(u), tNow, tNow+s.cfg.TStep)
	if err != nil {
		s.logger.Warn("integration failed", slog.Float64("t", tNow), slog.Any("err", err))
		return nil, err
	}
	s.x = x
	s.logger.Debug("step", slog.Float64("t", tNow), slog.Any("x", []float64(x)))
	return s.model.Meas(x, u, s.p, s.tvp)
}

// Aux evaluates the auxiliary expressions with the snapshots taken at t.
func (s *Simulator) Aux(x, u []float64, t float64) ([]float64, error) {
	p, err := s.snapshot(s.paramFn, t, model.Param)
	if err != nil {
		return nil, err
	}
	tvp, err := s.snapshot(s.tvpFn, t, model.TVP)
	if err != nil {
		return nil, err
	}
	return s.model.Aux(x, u, p, tvp)
}

// Derive implements [dynamo.System] with the snapshots of the current step.
func (s *Simulator) Derive(x dynamo.State, u dynamo.Control, _ float64) dynamo.State {
	out := make(dynamo.State, len(x))
	if err := s.model.FillEnv(s.env, x, u, s.p, s.tvp); err != nil {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	s.model.RHSEnv(s.env, out)
	return out
}

func (s *Simulator) StateDim() int   { return s.model.Dim(model.State) }
func (s *Simulator) ControlDim() int { return s.model.Dim(model.Input) }
