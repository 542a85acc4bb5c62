package mpc

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
)

// integratorModel: dx/dt = u - k*x
func integratorModel(t *testing.T) (*model.Model, sym.Expr, sym.Expr) {
	t.Helper()
	m := model.New()
	x := m.MustDeclare(model.State, "x", 1)[0]
	u := m.MustDeclare(model.Input, "u", 1)[0]
	k := m.MustDeclare(model.Param, "k", 1)[0]
	if err := m.SetRHS("x", sym.Sub(u, sym.Mul(k, x))); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetExpression("double", sym.Mul(sym.C(2), x)); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	return m, x, u
}

func settings(n, robust int) Settings {
	return Settings{
		NHorizon:          n,
		NRobust:           robust,
		TStep:             0.5,
		Collocation:       colloc.Config{Degree: 2, Elements: 1, Family: colloc.Radau},
		StoreFullSolution: true,
	}
}

type setup struct {
	settings Settings
	k        []float64
	scaling  []constraint.Scaling
	bounds   []constraint.Bound
	nlcons   func(x sym.Expr) []constraint.Spec
	control  float64
}

func newOptimizer(t *testing.T, s setup) *Optimizer {
	t.Helper()
	m, x, u := integratorModel(t)
	o, err := New(m)
	if err != nil {
		t.Fatal(err)
	}
	lterm := sym.Add(sym.Sq(sym.Sub(x, sym.C(1))), sym.Mul(sym.C(s.control), sym.Sq(u)))
	if err := o.SetParam(s.settings); err != nil {
		t.Fatal(err)
	}
	if err := o.SetObjective(lterm, sym.Sq(sym.Sub(x, sym.C(1)))); err != nil {
		t.Fatal(err)
	}
	if s.k == nil {
		s.k = []float64{0}
	}
	if err := o.SetUncertaintyValues(scenario.Realizations{"k": s.k}); err != nil {
		t.Fatal(err)
	}
	if err := o.SetBounds(s.bounds...); err != nil {
		t.Fatal(err)
	}
	if err := o.SetScaling(s.scaling...); err != nil {
		t.Fatal(err)
	}
	if s.nlcons != nil {
		if err := o.SetNLCons(s.nlcons(x)...); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.Setup(); err != nil {
		t.Fatal(err)
	}
	return o
}

func bound(t model.VarType, name string, lo, up float64) constraint.Bound {
	return constraint.Bound{Type: t, Name: name, Lower: []float64{lo}, Upper: []float64{up}}
}

func TestLifecycle(t *testing.T) {
	m, x, _ := integratorModel(t)
	o, err := New(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.MakeStep(context.Background(), []float64{0}); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("MakeStep before Setup: %v", err)
	}
	if err := o.Setup(); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("Setup while unconfigured: %v", err)
	}
	if o.Phase() != "unconfigured" {
		t.Errorf("phase %s", o.Phase())
	}
	if err := o.SetParam(settings(3, 0)); err != nil {
		t.Fatal(err)
	}
	if err := o.SetObjective(sym.Sq(x), nil); err != nil {
		t.Fatal(err)
	}
	if o.Phase() != "configured" {
		t.Errorf("phase %s", o.Phase())
	}
	if err := o.SetUncertaintyValues(scenario.Realizations{"k": {1}}); err != nil {
		t.Fatal(err)
	}
	if err := o.Setup(); err != nil {
		t.Fatal(err)
	}
	if o.Phase() != "built" {
		t.Errorf("phase %s", o.Phase())
	}
	if err := o.SetBounds(bound(model.State, "x", 0, 1)); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("setter after Setup: %v", err)
	}
	if err := o.Setup(); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("second Setup: %v", err)
	}
	if _, err := o.MakeStep(context.Background(), []float64{0, 1}); !errors.Is(err, dynamo.ErrDimension) {
		t.Errorf("wrong x0 shape: %v", err)
	}
	if _, err := o.MakeStep(context.Background(), []float64{0.5}); err != nil {
		t.Fatal(err)
	}
	if o.Phase() != "ready" || o.Time() != 0.5 {
		t.Errorf("phase %s at t=%g", o.Phase(), o.Time())
	}
}

func TestConfigurationErrors(t *testing.T) {
	m, x, _ := integratorModel(t)
	o, _ := New(m)

	bad := settings(3, 4)
	if err := o.SetParam(bad); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("n_robust > n_horizon: %v", err)
	}
	bad = settings(3, 1)
	bad.TStep = 0
	if err := o.SetParam(bad); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("zero t_step: %v", err)
	}
	if err := o.SetObjective(nil, nil); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("empty objective: %v", err)
	}
	if err := o.SetRTerm(map[string]float64{"v": 1}); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("unknown rterm input: %v", err)
	}
	if err := o.SetUncertaintyValues(scenario.Realizations{"q": {1}}); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("unknown parameter: %v", err)
	}

	if err := o.SetParam(settings(3, 1)); err != nil {
		t.Fatal(err)
	}
	if err := o.SetObjective(sym.Sq(x), nil); err != nil {
		t.Fatal(err)
	}
	if err := o.Setup(); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("missing realization set: %v", err)
	}
}

func TestVectorParameterRejected(t *testing.T) {
	m := model.New()
	x := m.MustDeclare(model.State, "x", 1)[0]
	p := m.MustDeclare(model.Param, "p", 2)
	if err := m.SetRHS("x", sym.Mul(p[0], p[1], x)); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	o, _ := New(m)
	if err := o.SetUncertaintyValues(scenario.Realizations{"p": {1, 2}}); !errors.Is(err, dynamo.ErrDimension) {
		t.Errorf("vector parameter: %v", err)
	}
}

func TestControlWithinBounds(t *testing.T) {
	o := newOptimizer(t, setup{
		settings: settings(5, 0),
		bounds:   []constraint.Bound{bound(model.Input, "u", -0.5, 0.5)},
	})
	x := []float64{0}
	for step := 0; step < 4; step++ {
		u, err := o.MakeStep(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		if u[0] < -0.5-1e-6 || u[0] > 0.5+1e-6 {
			t.Fatalf("step %d: control %g outside [-0.5, 0.5]", step, u[0])
		}
		x[0] += 0.5 * u[0]
	}
}

func TestScalingKeepsOptimum(t *testing.T) {
	plain := newOptimizer(t, setup{settings: settings(4, 0), control: 0.1})
	scaled := newOptimizer(t, setup{
		settings: settings(4, 0),
		control:  0.1,
		scaling: []constraint.Scaling{
			{Type: model.State, Name: "x", Factor: 10},
			{Type: model.Input, Name: "u", Factor: 4},
		},
	})
	x := []float64{0.2}
	for step := 0; step < 3; step++ {
		u1, err := plain.MakeStep(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		u2, err := scaled.MakeStep(context.Background(), x)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(u1[0]-u2[0]) > 1e-4 {
			t.Fatalf("step %d: %g unscaled vs %g scaled", step, u1[0], u2[0])
		}
		x[0] += 0.5 * u1[0]
	}
}

func TestSoftAndHardConstraints(t *testing.T) {
	o := newOptimizer(t, setup{
		settings: settings(4, 0),
		bounds: []constraint.Bound{
			bound(model.State, "x", -10, 0.6),
			bound(model.Input, "u", -1, 1),
		},
		nlcons: func(x sym.Expr) []constraint.Spec {
			return []constraint.Spec{{Name: "soft_cap", Expr: x, Side: constraint.Upper, Bound: 0.3, Kind: constraint.Soft{Weight: 0.1}}}
		},
	})
	if _, err := o.MakeStep(context.Background(), []float64{0}); err != nil {
		t.Fatal(err)
	}
	sol := o.Solution()
	if sol == nil {
		t.Fatal("solution not stored")
	}
	if len(sol.Slacks) != len(sol.Nodes)-1 {
		t.Fatalf("expected one slack per non-root node, got %d for %d nodes", len(sol.Slacks), len(sol.Nodes))
	}
	used := false
	for i, n := range sol.Nodes[1:] {
		s := sol.Slacks[i]
		if s < -1e-9 {
			t.Errorf("node %d: negative slack %g", n.Node, s)
		}
		if n.X[0] > 0.3+s+1e-6 {
			t.Errorf("node %d: x=%g exceeds soft bound beyond slack %g", n.Node, n.X[0], s)
		}
		if n.X[0] > 0.6+1e-6 {
			t.Errorf("node %d: x=%g violates the hard bound", n.Node, n.X[0])
		}
		if s > 1e-3 {
			used = true
		}
	}
	if !used {
		t.Error("cheap soft constraint should be violated")
	}
}

func TestRobustTree(t *testing.T) {
	o := newOptimizer(t, setup{settings: settings(3, 1), k: []float64{1, 2}})
	if _, err := o.MakeStep(context.Background(), []float64{1}); err != nil {
		t.Fatal(err)
	}
	tree := o.Tree()
	if len(tree.Nodes) != 7 || len(tree.Leaves()) != 2 {
		t.Fatalf("tree has %d nodes and %d leaves", len(tree.Nodes), len(tree.Leaves()))
	}
	sol := o.Solution()
	stage1 := tree.Stages[1]
	a, b := sol.Nodes[stage1[0]], sol.Nodes[stage1[1]]
	if a.Combination == b.Combination {
		t.Fatal("first stage children should carry different realizations")
	}
	if math.Abs(a.X[0]-b.X[0]) < 1e-3 {
		t.Errorf("different decay rates should predict different states, got %g and %g", a.X[0], b.X[0])
	}
	for _, leaf := range tree.Leaves() {
		path := tree.Path(leaf)
		if sol.Nodes[leaf].Combination != sol.Nodes[path[1]].Combination {
			t.Errorf("leaf %d re-branched", leaf)
		}
		if sol.Nodes[leaf].U != nil {
			t.Errorf("leaf %d owns a control", leaf)
		}
	}
	if root := sol.Nodes[0]; len(root.Aux) != 1 || math.Abs(root.Aux[0]-2) > 1e-9 {
		t.Errorf("root aux %v", root.Aux)
	}
}

func TestInfeasible(t *testing.T) {
	o := newOptimizer(t, setup{
		settings: settings(2, 0),
		bounds: []constraint.Bound{
			bound(model.State, "x", -1, 1),
			bound(model.Input, "u", -0.1, 0.1),
		},
		nlcons: func(x sym.Expr) []constraint.Spec {
			return []constraint.Spec{{Name: "floor", Expr: x, Side: constraint.Lower, Bound: 0.5}}
		},
	})
	if _, err := o.MakeStep(context.Background(), []float64{2}); !errors.Is(err, dynamo.ErrInfeasible) {
		t.Errorf("x0 outside hard bounds: %v", err)
	}
	if _, err := o.MakeStep(context.Background(), []float64{0}); !errors.Is(err, dynamo.ErrInfeasible) {
		t.Errorf("unreachable constraint: %v", err)
	}
	if o.Time() != 0 {
		t.Errorf("failed steps must not advance time, t=%g", o.Time())
	}
}

func TestDeterministic(t *testing.T) {
	run := func() [][]float64 {
		o := newOptimizer(t, setup{
			settings: settings(4, 1),
			k:        []float64{0.5, 1, 1.5},
			bounds:   []constraint.Bound{bound(model.Input, "u", -2, 2)},
			control:  0.01,
		})
		var out [][]float64
		x := []float64{0}
		for step := 0; step < 3; step++ {
			u, err := o.MakeStep(context.Background(), x)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, u)
			x[0] += 0.5 * (u[0] - 0.5*x[0])
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i][0] != b[i][0] {
			t.Fatalf("step %d: %v != %v", i, a[i], b[i])
		}
	}
}
