package model

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/sym"
)

// tank: dh/dt = (q - k*sqrt(h)) / a with uncertain k and a time-varying area a.
func newTank(t *testing.T) (*Model, sym.Vec, sym.Vec) {
	t.Helper()
	m := New()
	h := m.MustDeclare(State, "h", 1)
	q := m.MustDeclare(Input, "q", 1)
	k := m.MustDeclare(Param, "k", 1)
	a := m.MustDeclare(TVP, "a", 1)
	if err := m.SetRHS("h", sym.Div(sym.Sub(q[0], sym.Mul(k[0], sym.Sqrt(h[0]))), a[0])); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SetExpression("outflow", sym.Mul(k[0], sym.Sqrt(h[0]))); err != nil {
		t.Fatal(err)
	}
	return m, h, q
}

func TestDeclareErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func(m *Model) error
		want error
	}{
		{"zero shape", func(m *Model) error { _, err := m.Declare(State, "x", 0); return err }, dynamo.ErrConfiguration},
		{"duplicate", func(m *Model) error {
			m.MustDeclare(Input, "u", 1)
			_, err := m.Declare(Input, "u", 2)
			return err
		}, dynamo.ErrConfiguration},
		{"aux via declare", func(m *Model) error { _, err := m.Declare(Aux, "a", 1); return err }, dynamo.ErrConfiguration},
		{"rhs undeclared", func(m *Model) error { return m.SetRHS("nope", sym.C(1)) }, dynamo.ErrConfiguration},
		{"rhs shape", func(m *Model) error {
			m.MustDeclare(State, "x", 2)
			return m.SetRHS("x", sym.C(1))
		}, dynamo.ErrDimension},
		{"foreign symbol", func(m *Model) error {
			other := New()
			y := other.MustDeclare(State, "y", 1)
			m.MustDeclare(State, "x", 1)
			return m.SetRHS("x", y[0])
		}, dynamo.ErrConfiguration},
		{"missing rhs", func(m *Model) error {
			m.MustDeclare(State, "x", 1)
			return m.Finalize()
		}, dynamo.ErrConfiguration},
		{"no states", func(m *Model) error { return m.Finalize() }, dynamo.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(New())
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeclareAfterFinalize(t *testing.T) {
	m, _, _ := newTank(t)
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Declare(Input, "late", 1); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if err := m.SetRHS("h", sym.C(0)); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRegistryOffsets(t *testing.T) {
	m := New()
	m.MustDeclare(State, "a", 2)
	m.MustDeclare(State, "b", 1)
	m.MustDeclare(Input, "u", 1)
	m.MustDeclare(TVP, "r", 1)
	for _, name := range []string{"a", "b"} {
		v, _ := m.Syms(State, name)
		exprs := make([]sym.Expr, len(v))
		for i := range exprs {
			exprs[i] = sym.C(0)
		}
		if err := m.SetRHS(name, exprs...); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}

	b, ok := m.Lookup(State, "b")
	if !ok || b.Offset != 2 || b.Shape != 1 {
		t.Errorf("unexpected registry entry %+v", b)
	}
	if m.Base(Input) != 3 || m.Base(Param) != 4 || m.Base(TVP) != 4 || m.EnvDim() != 5 {
		t.Errorf("unexpected layout: u=%d p=%d tvp=%d env=%d", m.Base(Input), m.Base(Param), m.Base(TVP), m.EnvDim())
	}
	names := m.Names(State)
	if len(names) != 3 || names[0] != "a[0]" || names[2] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestEvaluators(t *testing.T) {
	m, _, _ := newTank(t)
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}

	dx, err := m.RHS([]float64{4}, []float64{3}, []float64{0.5}, []float64{2})
	if err != nil {
		t.Fatal(err)
	}
	if want := (3 - 0.5*2) / 2.0; math.Abs(dx[0]-want) > 1e-12 {
		t.Errorf("rhs = %v, want %v", dx[0], want)
	}

	aux, err := m.Aux([]float64{4}, []float64{3}, []float64{0.5}, []float64{2})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(aux[0]-1) > 1e-12 {
		t.Errorf("aux = %v", aux)
	}

	y, err := m.Meas([]float64{4}, []float64{3}, []float64{0.5}, []float64{2})
	if err != nil || len(y) != 1 || y[0] != 4 {
		t.Errorf("default measurement should be the state, got %v %v", y, err)
	}

	if _, err := m.RHS([]float64{4, 1}, []float64{3}, []float64{0.5}, []float64{2}); !errors.Is(err, dynamo.ErrDimension) {
		t.Errorf("expected dimension error, got %v", err)
	}
}

func TestCompileDerivatives(t *testing.T) {
	m, h, q := newTank(t)
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	// h^2 * q + exp(q)
	e := sym.Add(sym.Mul(sym.Sq(h[0]), q[0]), sym.Exp(q[0]))
	f, err := m.Compile(e, State, Input)
	if err != nil {
		t.Fatal(err)
	}
	if !f.DependsOn(State) || !f.DependsOn(Input) || f.DependsOn(Param) {
		t.Error("unexpected dependency flags")
	}
	env, _ := m.Env([]float64{2}, []float64{0.5}, []float64{1}, []float64{1})

	if len(f.Slots) != 2 || f.Slots[0] != 0 || f.Slots[1] != 1 {
		t.Fatalf("unexpected slots %v", f.Slots)
	}
	if g := f.Grad[0](env); math.Abs(g-2*2*0.5) > 1e-12 {
		t.Errorf("d/dh = %v", g)
	}
	if g := f.Grad[1](env); math.Abs(g-(4+math.Exp(0.5))) > 1e-12 {
		t.Errorf("d/dq = %v", g)
	}

	hess := map[[2]int]float64{}
	for _, he := range f.Hess {
		hess[[2]int{he.I, he.J}] = he.Eval(env)
	}
	want := map[[2]int]float64{{0, 0}: 2 * 0.5, {1, 0}: 2 * 2, {1, 1}: math.Exp(0.5)}
	for k, w := range want {
		if math.Abs(hess[k]-w) > 1e-12 {
			t.Errorf("hess%v = %v, want %v", k, hess[k], w)
		}
	}
}

func TestExprReference(t *testing.T) {
	m, _, _ := newTank(t)
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{"h", "q", "outflow", "a", "k"} {
		if _, err := m.Expr(ref); err != nil {
			t.Errorf("%s: %v", ref, err)
		}
	}
	if _, err := m.Expr("missing"); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := m.Expr("h[3]"); !errors.Is(err, dynamo.ErrDimension) {
		t.Errorf("expected dimension error, got %v", err)
	}
}
