// Package models builds the symbolic plant models shipped with dynmpc
// together with a default control problem for each.
package models

import (
	"sort"

	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
)

// Reference names a state element whose distance to Target is tracked by
// the closed-loop metrics.
type Reference struct {
	State  string
	Index  int
	Target float64
}

// Problem bundles a finalized model with everything the optimizer and the
// simulator need for a default run.
type Problem struct {
	Name  string
	Model *model.Model

	LTerm sym.Expr
	MTerm sym.Expr
	// RTerm penalizes control moves per input name.
	RTerm map[string]float64

	Bounds      []constraint.Bound
	Scaling     []constraint.Scaling
	NLCons      []constraint.Spec
	Uncertainty scenario.Realizations

	X0 []float64
	U0 []float64
	// PlantParams are the true parameter values of the simulated plant in
	// declaration order.
	PlantParams []float64
	TVP         func(t float64) []float64
	TStep       float64
	Reference   *Reference
}

// Builder creates a fresh problem. Every call returns an independent model.
type Builder func() (*Problem, error)

var registry = map[string]Builder{
	"cstr":        CSTR,
	"spring_mass": SpringMass,
	"pendulum":    Pendulum,
}

// Get looks up a builder by name.
func Get(name string) (Builder, error) {
	b, ok := registry[name]
	if !ok {
		return nil, dynamo.Configf("unknown model %q", name)
	}
	return b, nil
}

// Names lists the registered models in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReferenceIndex returns the flat state index and target of the tracked
// state. ok is false when the problem tracks nothing.
func (p *Problem) ReferenceIndex() (idx int, target float64, ok bool) {
	if p.Reference == nil {
		return 0, 0, false
	}
	v, found := p.Model.Lookup(model.State, p.Reference.State)
	if !found || p.Reference.Index >= v.Shape {
		return 0, 0, false
	}
	return v.Offset + p.Reference.Index, p.Reference.Target, true
}

func scalar(t model.VarType, name string, lower, upper float64) constraint.Bound {
	return constraint.Bound{Type: t, Name: name, Lower: []float64{lower}, Upper: []float64{upper}}
}
