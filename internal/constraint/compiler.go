// Package constraint compiles variable bounds and nonlinear constraint
// specifications into NLP rows.
//
// Bounds on states and inputs become box bounds of the decision variables.
// Nonlinear specifications become one row per tree node: hard ones as plain
// inequalities, soft ones with a non-negative slack whose weighted value is
// added to the objective.
package constraint

import (
	"fmt"
	"math"
	"strings"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
	"github.com/san-kum/dynmpc/internal/sym"
	"github.com/san-kum/dynmpc/internal/transcribe"
)

type Side int

const (
	Upper Side = iota
	Lower
)

func (s Side) String() string {
	if s == Lower {
		return "lower"
	}
	return "upper"
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "upper", "ub", "max":
		return Upper, nil
	case "lower", "lb", "min":
		return Lower, nil
	}
	return 0, dynamo.Configf("unknown constraint side %q", s)
}

// Kind is either [Hard] or [Soft].
type Kind interface {
	isKind()
}

type Hard struct{}

// Soft constraints may be violated at a linear cost of Weight per unit.
type Soft struct {
	Weight float64
}

func (Hard) isKind() {}
func (Soft) isKind() {}

// Bound restricts each element of a state or input. Nil slices leave that
// side unbounded.
type Bound struct {
	Type  model.VarType
	Name  string
	Lower []float64
	Upper []float64
}

// Scaling divides a state or input by Factor in the decision vector.
type Scaling struct {
	Type   model.VarType
	Name   string
	Factor float64
}

// Spec is a nonlinear constraint expr <= Bound (Upper) or expr >= Bound
// (Lower).
type Spec struct {
	Name  string
	Expr  sym.Expr
	Side  Side
	Bound float64
	Kind  Kind
}

type rule struct {
	Spec
	fn             *model.Func
	inputDependent bool
}

// Set is the compiled form of all bounds, scalings and specifications.
type Set struct {
	StateLower, StateUpper []float64
	InputLower, InputUpper []float64
	StateScale, InputScale []float64
	rules                  []rule
}

// Compile validates and compiles constraints against a finalized model.
func Compile(m *model.Model, bounds []Bound, scaling []Scaling, specs []Spec) (*Set, error) {
	nx, nu := m.Dim(model.State), m.Dim(model.Input)
	s := &Set{
		StateLower: fill(nx, math.Inf(-1)),
		StateUpper: fill(nx, math.Inf(1)),
		InputLower: fill(nu, math.Inf(-1)),
		InputUpper: fill(nu, math.Inf(1)),
		StateScale: fill(nx, 1),
		InputScale: fill(nu, 1),
	}

	for _, b := range bounds {
		lo, up, err := s.boxFor(b.Type)
		if err != nil {
			return nil, err
		}
		v, ok := m.Lookup(b.Type, b.Name)
		if !ok {
			return nil, dynamo.Configf("bound on undeclared %s %q", b.Type, b.Name)
		}
		if b.Lower != nil {
			if err := dynamo.CheckLen(fmt.Sprintf("lower bound of %q", b.Name), b.Lower, v.Shape); err != nil {
				return nil, err
			}
			copy(lo[v.Offset:], b.Lower)
		}
		if b.Upper != nil {
			if err := dynamo.CheckLen(fmt.Sprintf("upper bound of %q", b.Name), b.Upper, v.Shape); err != nil {
				return nil, err
			}
			copy(up[v.Offset:], b.Upper)
		}
		for i := v.Offset; i < v.Offset+v.Shape; i++ {
			if lo[i] > up[i] {
				return nil, dynamo.Configf("%s %q element %d has lower bound %g above upper bound %g", b.Type, b.Name, i-v.Offset, lo[i], up[i])
			}
		}
	}

	for _, sc := range scaling {
		var dst []float64
		switch sc.Type {
		case model.State:
			dst = s.StateScale
		case model.Input:
			dst = s.InputScale
		default:
			return nil, dynamo.Configf("scaling applies to states and inputs, not %s %q", sc.Type, sc.Name)
		}
		if !(sc.Factor > 0) || math.IsInf(sc.Factor, 0) {
			return nil, dynamo.Configf("scaling factor of %q must be positive and finite, got %g", sc.Name, sc.Factor)
		}
		v, ok := m.Lookup(sc.Type, sc.Name)
		if !ok {
			return nil, dynamo.Configf("scaling of undeclared %s %q", sc.Type, sc.Name)
		}
		for i := v.Offset; i < v.Offset+v.Shape; i++ {
			dst[i] = sc.Factor
		}
	}

	names := make(map[string]bool, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			return nil, dynamo.Configf("nonlinear constraint without a name")
		}
		if names[sp.Name] {
			return nil, dynamo.Configf("nonlinear constraint %q declared twice", sp.Name)
		}
		names[sp.Name] = true
		if sp.Expr == nil {
			return nil, dynamo.Configf("nonlinear constraint %q has no expression", sp.Name)
		}
		if math.IsNaN(sp.Bound) || math.IsInf(sp.Bound, 0) {
			return nil, dynamo.Configf("nonlinear constraint %q needs a finite bound", sp.Name)
		}
		switch k := sp.Kind.(type) {
		case nil:
			sp.Kind = Hard{}
		case Soft:
			if !(k.Weight > 0) {
				return nil, dynamo.Configf("soft constraint %q needs a positive penalty, got %g", sp.Name, k.Weight)
			}
		}
		fn, err := m.Compile(sp.Expr, model.State, model.Input)
		if err != nil {
			return nil, fmt.Errorf("nonlinear constraint %q: %w", sp.Name, err)
		}
		if !fn.DependsOn(model.State) && !fn.DependsOn(model.Input) {
			return nil, dynamo.Configf("nonlinear constraint %q depends on neither states nor inputs", sp.Name)
		}
		s.rules = append(s.rules, rule{Spec: sp, fn: fn, inputDependent: fn.DependsOn(model.Input)})
	}
	return s, nil
}

func (s *Set) boxFor(t model.VarType) (lo, up []float64, err error) {
	switch t {
	case model.State:
		return s.StateLower, s.StateUpper, nil
	case model.Input:
		return s.InputLower, s.InputUpper, nil
	}
	return nil, nil, dynamo.Configf("bounds apply to states and inputs, not %s; use a nonlinear constraint", t)
}

// Len returns the number of nonlinear specifications.
func (s *Set) Len() int { return len(s.rules) }

// ScaledStateBounds returns the state box in decision units.
func (s *Set) ScaledStateBounds() (lo, up []float64) {
	return transcribe.Scaled(s.StateLower, s.StateScale), transcribe.Scaled(s.StateUpper, s.StateScale)
}

// ScaledInputBounds returns the input box in decision units.
func (s *Set) ScaledInputBounds() (lo, up []float64) {
	return transcribe.Scaled(s.InputLower, s.InputScale), transcribe.Scaled(s.InputUpper, s.InputScale)
}

// CheckState reports an infeasibility error when x lies outside the hard
// state bounds.
func (s *Set) CheckState(x []float64) error {
	for i, v := range x {
		if v < s.StateLower[i] || v > s.StateUpper[i] {
			return fmt.Errorf("%w: state element %d = %g outside hard bounds [%g, %g]", dynamo.ErrInfeasible, i, v, s.StateLower[i], s.StateUpper[i])
		}
	}
	return nil
}

// Site is the place a set of rows is emitted for: a binding whose state and
// input slots refer to one tree node. Root sites skip specifications that
// only involve states.
type Site struct {
	Name    string
	Binding transcribe.Binding
	Root    bool
}

// Emitted holds the NLP pieces produced for one site.
type Emitted struct {
	Blocks []nlp.Block
	Costs  []nlp.Cost
	Slacks []int
}

// Emit expands every nonlinear specification at site. Slack variables are
// allocated from vars.
func (s *Set) Emit(site Site, vars *transcribe.Vars) (Emitted, error) {
	var out Emitted
	var rows []transcribe.Row
	for _, r := range s.rules {
		if site.Root && !r.inputDependent {
			continue
		}
		row := transcribe.Row{F: r.fn, Coef: 1, Lower: math.Inf(-1), Upper: math.Inf(1)}
		if r.Side == Upper {
			row.Upper = r.Bound
		} else {
			row.Lower = r.Bound
		}
		if soft, ok := r.Kind.(Soft); ok {
			slack := vars.Add(1, []float64{0}, []float64{math.Inf(1)}, []float64{0})[0]
			coef := -1.0
			if r.Side == Lower {
				coef = 1
			}
			row.Linear = []transcribe.Linear{{Var: slack, Coef: coef}}
			out.Slacks = append(out.Slacks, slack)
			out.Costs = append(out.Costs, transcribe.LinearCost(transcribe.Linear{Var: slack, Coef: soft.Weight}))
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return out, nil
	}
	blk, err := site.Binding.Block(site.Name+"/nl", rows)
	if err != nil {
		return Emitted{}, err
	}
	out.Blocks = append(out.Blocks, blk)
	return out, nil
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
