package constraint

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/sym"
	"github.com/san-kum/dynmpc/internal/transcribe"
)

func testModel(t *testing.T) *model.Model {
	t.Helper()
	m := model.New()
	x := m.MustDeclare(model.State, "x", 2)
	u := m.MustDeclare(model.Input, "u", 1)
	m.MustDeclare(model.Param, "k", 1)
	if err := m.SetRHS("x", x[1], sym.Sub(u[0], x[0])); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCompileBounds(t *testing.T) {
	m := testModel(t)
	s, err := Compile(m,
		[]Bound{
			{Type: model.State, Name: "x", Lower: []float64{0, -1}, Upper: []float64{10, 1}},
			{Type: model.Input, Name: "u", Upper: []float64{4}},
		},
		[]Scaling{{Type: model.State, Name: "x", Factor: 2}},
		nil)
	if err != nil {
		t.Fatal(err)
	}
	lo, up := s.ScaledStateBounds()
	if lo[0] != 0 || lo[1] != -0.5 || up[0] != 5 || up[1] != 0.5 {
		t.Errorf("scaled state bounds %v %v", lo, up)
	}
	if !math.IsInf(s.InputLower[0], -1) || s.InputUpper[0] != 4 {
		t.Errorf("input bounds %v %v", s.InputLower, s.InputUpper)
	}
	if s.InputScale[0] != 1 {
		t.Errorf("input scale defaulted to %g", s.InputScale[0])
	}

	if err := s.CheckState([]float64{5, 0}); err != nil {
		t.Errorf("CheckState inside box: %v", err)
	}
	if err := s.CheckState([]float64{11, 0}); !errors.Is(err, dynamo.ErrInfeasible) {
		t.Errorf("CheckState outside box: %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	m := testModel(t)
	x, _ := m.Syms(model.State, "x")
	k, _ := m.Syms(model.Param, "k")

	tests := []struct {
		name    string
		bounds  []Bound
		scaling []Scaling
		specs   []Spec
		want    error
	}{
		{"unknown variable", []Bound{{Type: model.State, Name: "y", Upper: []float64{1}}}, nil, nil, dynamo.ErrConfiguration},
		{"bound on param", []Bound{{Type: model.Param, Name: "k", Upper: []float64{1}}}, nil, nil, dynamo.ErrConfiguration},
		{"wrong length", []Bound{{Type: model.State, Name: "x", Upper: []float64{1}}}, nil, nil, dynamo.ErrDimension},
		{"crossed", []Bound{{Type: model.Input, Name: "u", Lower: []float64{2}, Upper: []float64{1}}}, nil, nil, dynamo.ErrConfiguration},
		{"zero scale", nil, []Scaling{{Type: model.Input, Name: "u", Factor: 0}}, nil, dynamo.ErrConfiguration},
		{"param only", nil, nil, []Spec{{Name: "c", Expr: k[0], Bound: 1}}, dynamo.ErrConfiguration},
		{"duplicate", nil, nil, []Spec{{Name: "c", Expr: x[0], Bound: 1}, {Name: "c", Expr: x[1], Bound: 1}}, dynamo.ErrConfiguration},
		{"bad penalty", nil, nil, []Spec{{Name: "c", Expr: x[0], Bound: 1, Kind: Soft{Weight: -1}}}, dynamo.ErrConfiguration},
		{"infinite bound", nil, nil, []Spec{{Name: "c", Expr: x[0], Bound: math.Inf(1)}}, dynamo.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(m, tt.bounds, tt.scaling, tt.specs)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEmit(t *testing.T) {
	m := testModel(t)
	x, _ := m.Syms(model.State, "x")
	u, _ := m.Syms(model.Input, "u")
	s, err := Compile(m, nil, nil, []Spec{
		{Name: "pos", Expr: sym.Sq(x[0]), Side: Upper, Bound: 4, Kind: Soft{Weight: 100}},
		{Name: "effort", Expr: sym.Mul(u[0], x[1]), Side: Lower, Bound: -1},
	})
	if err != nil {
		t.Fatal(err)
	}

	var vars transcribe.Vars
	xi := vars.Add(2, nil, nil, nil)
	ui := vars.Add(1, nil, nil, nil)
	b := transcribe.NewBinding(m).With(model.State, xi, nil).With(model.Input, ui, nil)

	root, err := s.Emit(Site{Name: "root", Binding: b, Root: true}, &vars)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Blocks) != 1 || root.Blocks[0].Rows() != 1 || len(root.Slacks) != 0 {
		t.Fatalf("root should only carry the input-dependent row, got %+v", root)
	}

	out, err := s.Emit(Site{Name: "n1", Binding: b}, &vars)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Blocks) != 1 || out.Blocks[0].Rows() != 2 {
		t.Fatalf("expected one block with two rows, got %+v", out.Blocks)
	}
	if len(out.Slacks) != 1 || out.Slacks[0] != 3 || vars.Len() != 4 {
		t.Fatalf("slack allocation: %v, %d vars", out.Slacks, vars.Len())
	}
	if vars.Lower[3] != 0 || !math.IsInf(vars.Upper[3], 1) {
		t.Errorf("slack bounds [%g, %g]", vars.Lower[3], vars.Upper[3])
	}

	blk := out.Blocks[0]
	if blk.Upper[0] != 4 || !math.IsInf(blk.Lower[0], -1) || blk.Lower[1] != -1 {
		t.Errorf("row bounds %v %v", blk.Lower, blk.Upper)
	}

	// local variable order follows the environment: x0, x1, u, then the slack
	full := []float64{3, 0.5, 2, 1.5}
	local := make([]float64, len(blk.Vars))
	for i, v := range blk.Vars {
		local[i] = full[v]
	}
	c := make([]float64, 2)
	blk.Eval(local, c)
	if c[0] != 9-1.5 || c[1] != 1 {
		t.Errorf("row values %v", c)
	}

	cost := out.Costs[0]
	if got := cost.Value([]float64{1.5}); got != 150 {
		t.Errorf("slack cost %g", got)
	}
}
