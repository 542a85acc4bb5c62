package sym

import (
	"fmt"
	"math"
	"testing"
)

func slots(vars ...*Var) SlotFunc {
	return func(v *Var) (int, error) {
		for i, w := range vars {
			if w == v {
				return i, nil
			}
		}
		return 0, fmt.Errorf("unknown symbol %s", v)
	}
}

func eval(t *testing.T, e Expr, env []float64, vars ...*Var) float64 {
	t.Helper()
	f, err := Compile(e, slots(vars...))
	if err != nil {
		t.Fatalf("compile %s: %v", e, err)
	}
	return f(env)
}

func TestConstantFolding(t *testing.T) {
	x := NewVar("x", 0, 0)

	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{"add zero", Add(x, C(0)), "x"},
		{"mul one", Mul(C(1), x), "x"},
		{"mul zero", Mul(C(0), x), "0"},
		{"fold add", Add(C(2), C(3)), "5"},
		{"pow one", Pow(x, 1), "x"},
		{"pow zero", Pow(x, 0), "1"},
		{"exp const", Exp(C(0)), "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.expr.String(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	x := NewVar("x", 0, 0)
	y := NewVar("y", 0, 1)
	env := []float64{1.5, -0.7}

	tests := []struct {
		name string
		expr Expr
		want float64
	}{
		{"poly", Add(Mul(C(3), Sq(x)), Mul(x, y), C(-2)), 3*1.5*1.5 + 1.5*-0.7 - 2},
		{"div", Div(x, y), 1.5 / -0.7},
		{"exp", Exp(Mul(C(-2), x)), math.Exp(-3)},
		{"log sqrt", Add(Log(x), Sqrt(x)), math.Log(1.5) + math.Sqrt(1.5)},
		{"trig", Mul(Sin(x), Cos(y)), math.Sin(1.5) * math.Cos(-0.7)},
		{"tanh", Tanh(y), math.Tanh(-0.7)},
		{"cube", Pow(y, 3), -0.7 * -0.7 * -0.7},
		{"general pow", Pow(x, 1.7), math.Pow(1.5, 1.7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval(t, tt.expr, env, x, y)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiffMatchesFiniteDifferences(t *testing.T) {
	x := NewVar("x", 0, 0)
	y := NewVar("y", 0, 1)

	exprs := []Expr{
		Mul(x, Exp(Div(C(-2), Add(y, C(3))))),
		Sub(Mul(Sq(x), y), Div(C(4), x)),
		Add(Sin(Mul(x, y)), Cos(x), Log(Add(Sq(y), C(1)))),
		Mul(Tanh(x), Sqrt(Add(Sq(x), Sq(y)))),
	}
	env := []float64{0.8, 1.3}
	const h = 1e-6

	for i, e := range exprs {
		for _, v := range []*Var{x, y} {
			d := eval(t, Diff(e, v), env, x, y)

			plus := append([]float64(nil), env...)
			minus := append([]float64(nil), env...)
			plus[v.Index] += h
			minus[v.Index] -= h
			fd := (eval(t, e, plus, x, y) - eval(t, e, minus, x, y)) / (2 * h)

			if math.Abs(d-fd) > 1e-6*(1+math.Abs(fd)) {
				t.Errorf("expr %d d/d%s: symbolic %v, finite difference %v", i, v, d, fd)
			}
		}
	}
}

func TestDiffOfIndependentIsZero(t *testing.T) {
	x := NewVar("x", 0, 0)
	y := NewVar("y", 0, 1)
	if d := Diff(Mul(Exp(x), Sq(x)), y); !IsZero(d) {
		t.Errorf("expected zero derivative, got %s", d)
	}
}

func TestVars(t *testing.T) {
	a := NewVar("a", 1, 0)
	b := NewVar("b", 0, 2)
	c := NewVar("c", 0, 1)
	vars := Vars(Add(Mul(a, b), c, Exp(b)))
	if len(vars) != 3 {
		t.Fatalf("expected 3 vars, got %d", len(vars))
	}
	if vars[0] != c || vars[1] != b || vars[2] != a {
		t.Errorf("unexpected order: %v", vars)
	}
}

func TestCompileUnknownSymbol(t *testing.T) {
	x := NewVar("x", 0, 0)
	y := NewVar("y", 0, 1)
	if _, err := Compile(Add(x, y), slots(x)); err == nil {
		t.Error("expected error for unresolved symbol")
	}
}

func BenchmarkCompiledEval(b *testing.B) {
	x := NewVar("x", 0, 0)
	y := NewVar("y", 0, 1)
	e := Add(Mul(C(1.287e12), Exp(Div(C(-9758.3), Add(x, C(273.15))))), Mul(Sq(y), x))
	f, _ := Compile(e, slots(x, y))
	env := []float64{130, 0.5}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f(env)
	}
}
