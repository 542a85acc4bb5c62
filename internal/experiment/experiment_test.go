package experiment

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"reflect"
	"testing"

	"github.com/san-kum/dynmpc/internal/config"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
)

var discard = slog.New(slog.DiscardHandler)

func preset(t *testing.T, m, name string, steps int) *config.Config {
	t.Helper()
	cfg := config.GetPreset(m, name)
	if cfg == nil {
		t.Fatalf("missing preset %s/%s", m, name)
	}
	cfg.Steps = steps
	return cfg
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := r.ListSolvers(); !reflect.DeepEqual(got, []string{"auglag", "sqp"}) {
		t.Errorf("solvers %v", got)
	}
	if got := r.ListEstimators(); !reflect.DeepEqual(got, []string{"mhe", "state_feedback"}) {
		t.Errorf("estimators %v", got)
	}
	if len(r.ListModels()) != 3 {
		t.Errorf("models %v", r.ListModels())
	}
	if _, err := r.GetSolver("ipopt", config.NLPConfig{}, nil); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("unknown solver: %v", err)
	}
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		want   error
	}{
		{"unknown model", func(c *config.Config) { c.Model = "boiler" }, dynamo.ErrConfiguration},
		{"partial measurement with state feedback", func(c *config.Config) {
			c.Model = "spring_mass"
			c.Estimator = "state_feedback"
		}, dynamo.ErrConfiguration},
		{"empty realization set", func(c *config.Config) {
			c.Uncertainty = map[string][]float64{"alpha": {}}
		}, dynamo.ErrConfiguration},
		{"short init state", func(c *config.Config) { c.InitState = []float64{1} }, dynamo.ErrDimension},
		{"init state outside bounds", func(c *config.Config) {
			c.Bounds = []config.BoundConfig{{Type: "state", Name: "C_a", Lower: []float64{0.1}, Upper: []float64{0.5}}}
		}, nil},
		{"bad bound shape", func(c *config.Config) {
			c.Bounds = []config.BoundConfig{{Type: "input", Name: "F", Lower: []float64{5, 5}, Upper: []float64{100, 100}}}
		}, dynamo.ErrDimension},
		{"n_robust above horizon", func(c *config.Config) { c.MPC.NRobust = 30 }, dynamo.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := preset(t, "cstr", "robust", 1)
			tt.modify(cfg)
			err := New(cfg, WithLogger(discard)).Setup()
			if tt.want == nil {
				if err != nil {
					t.Errorf("setup should succeed, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInitialStateOutsideBoundsFailsFirstStep(t *testing.T) {
	cfg := preset(t, "cstr", "nominal", 2)
	cfg.Bounds = []config.BoundConfig{{Type: "state", Name: "C_a", Lower: []float64{0.1}, Upper: []float64{0.5}}}
	res, err := New(cfg, WithLogger(discard)).Run(context.Background())
	if !errors.Is(err, dynamo.ErrInfeasible) {
		t.Fatalf("expected infeasibility, got %v", err)
	}
	var stepErr *dynamo.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != 0 || stepErr.Component != "optimizer" {
		t.Errorf("failure report %v", err)
	}
	if res.Log.Len() != 0 {
		t.Errorf("log has %d entries", res.Log.Len())
	}
}

func TestPendulumRun(t *testing.T) {
	cfg := preset(t, "pendulum", "stabilize", 4)
	cfg.EnsembleCheck = true
	res, err := New(cfg, WithLogger(discard)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.Steps != 4 || res.Log.Len() != 4 {
		t.Fatalf("ran %d steps, logged %d", res.Report.Steps, res.Log.Len())
	}
	if _, ok := res.Report.Metrics["tracking_error/theta"]; !ok {
		t.Errorf("metrics %v", res.Report.Metrics)
	}
	torque, err := res.Log.Series(model.Input, "torque")
	if err != nil {
		t.Fatal(err)
	}
	for k, u := range torque {
		if u[0] < -5-1e-6 || u[0] > 5+1e-6 {
			t.Errorf("step %d: torque %g outside bounds", k, u[0])
		}
	}
	rob := res.Robustness
	if rob == nil || len(rob.Combinations) != 3 || len(rob.MaxViolation) != 3 {
		t.Fatalf("robustness %+v", rob)
	}
	if !reflect.DeepEqual(rob.Params, []string{"damping"}) {
		t.Errorf("params %v", rob.Params)
	}
}

func TestDeterministicRuns(t *testing.T) {
	run := func() *Result {
		res, err := New(preset(t, "pendulum", "stabilize", 3), WithLogger(discard)).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a.Log.Entries(), b.Log.Entries()) {
		t.Error("identical runs produced different logs")
	}
}

func TestSpringMassWithMHE(t *testing.T) {
	cfg := preset(t, "spring_mass", "track", 5)
	res, err := New(cfg, WithLogger(discard)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < res.Log.Len(); k++ {
		e, _ := res.Log.At(k)
		if len(e.Measurement) != 1 || len(e.Estimate) != 2 {
			t.Fatalf("step %d: measurement %v estimate %v", k, e.Measurement, e.Estimate)
		}
		if math.Abs(e.Estimate[0]-e.Measurement[0]) > 1e-2 {
			t.Errorf("step %d: position estimate %g far from measurement %g", k, e.Estimate[0], e.Measurement[0])
		}
	}
}

func TestCSTREndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("closed-loop reactor run")
	}
	cfg := preset(t, "cstr", "robust", 50)
	exp := New(cfg, WithLogger(discard))
	res, err := exp.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cons := exp.Optimizer().Constraints()
	for _, e := range res.Log.Entries() {
		for i, v := range e.Estimate {
			if v < cons.StateLower[i]-1e-6 || v > cons.StateUpper[i]+1e-6 {
				t.Errorf("step %d: state %d = %g outside [%g, %g]", e.Step, i, v, cons.StateLower[i], cons.StateUpper[i])
			}
		}
		for i, v := range e.Input {
			if v < cons.InputLower[i]-1e-6 || v > cons.InputUpper[i]+1e-6 {
				t.Errorf("step %d: input %d = %g outside [%g, %g]", e.Step, i, v, cons.InputLower[i], cons.InputUpper[i])
			}
		}
		if len(e.Predictions) != len(exp.Optimizer().Tree().Nodes) {
			t.Fatalf("step %d: %d predictions", e.Step, len(e.Predictions))
		}
	}
	cb, err := res.Log.Series(model.State, "C_b")
	if err != nil {
		t.Fatal(err)
	}
	first := math.Abs(cb[0][0] - 0.6)
	last := math.Abs(cb[len(cb)-1][0] - 0.6)
	if last > first || last > 0.05 {
		t.Errorf("C_b went from %g to %g, target 0.6", cb[0][0], cb[len(cb)-1][0])
	}
}

func TestScalingOverrideKeepsFirstControl(t *testing.T) {
	firstInput := func(cfg *config.Config) []float64 {
		t.Helper()
		res, err := New(cfg, WithLogger(discard)).Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		e, err := res.Log.At(0)
		if err != nil {
			t.Fatal(err)
		}
		return e.Input
	}

	base := firstInput(preset(t, "cstr", "nominal", 1))
	cfg := preset(t, "cstr", "nominal", 1)
	cfg.Scaling = []config.ScalingConfig{{Type: "state", Name: "T_R", Factor: 50}}
	scaled := firstInput(cfg)

	if len(base) != len(scaled) {
		t.Fatalf("inputs %v and %v", base, scaled)
	}
	for i := range base {
		if math.Abs(base[i]-scaled[i]) > 1e-3*(1+math.Abs(base[i])) {
			t.Errorf("input %d: %g with default scaling, %g with T_R scaled by 50", i, base[i], scaled[i])
		}
	}
}

func TestRobustnessSummary(t *testing.T) {
	r := &Robustness{MaxViolation: []float64{0, 0.02, 0.005}}
	if got := r.Worst(); got != 0.02 {
		t.Errorf("Worst() = %v, want 0.02", got)
	}
	if r.Satisfied(0.01) {
		t.Error("expected violation above 0.01")
	}
	if !r.Satisfied(0.05) {
		t.Error("expected violations within 0.05")
	}
}
