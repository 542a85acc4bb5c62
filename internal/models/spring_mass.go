package models

import (
	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
)

const (
	DefaultMass      = 1.0
	DefaultStiffness = 10.0
	DefaultDamping   = 0.5
	SpringTarget     = 1.0
)

// SpringMass builds a damped oscillator driven by a force input. Only the
// position is measured; the stiffness is uncertain and the position
// setpoint is a time-varying parameter.
func SpringMass() (*Problem, error) {
	m := model.New()
	pos := m.MustDeclare(model.State, "pos", 1)[0]
	vel := m.MustDeclare(model.State, "vel", 1)[0]
	force := m.MustDeclare(model.Input, "force", 1)[0]
	k := m.MustDeclare(model.Param, "k", 1)[0]
	ref := m.MustDeclare(model.TVP, "ref", 1)[0]

	acc := sym.Div(sym.Add(force, sym.Neg(sym.Mul(k, pos)), sym.Mul(sym.C(-DefaultDamping), vel)), sym.C(DefaultMass))
	if err := m.SetRHS("pos", vel); err != nil {
		return nil, err
	}
	if err := m.SetRHS("vel", acc); err != nil {
		return nil, err
	}
	energy := sym.Add(sym.Mul(sym.C(0.5*DefaultMass), sym.Sq(vel)), sym.Mul(sym.C(0.5), k, sym.Sq(pos)))
	if _, err := m.SetExpression("energy", energy); err != nil {
		return nil, err
	}
	if err := m.SetMeas("pos", pos); err != nil {
		return nil, err
	}
	if err := m.Finalize(); err != nil {
		return nil, err
	}

	lterm := sym.Add(sym.Sq(sym.Sub(pos, ref)), sym.Mul(sym.C(0.1), sym.Sq(vel)))
	return &Problem{
		Name:  "spring_mass",
		Model: m,
		LTerm: lterm,
		MTerm: sym.Mul(sym.C(10), sym.Sq(sym.Sub(pos, ref))),
		RTerm: map[string]float64{"force": 0.01},
		Bounds: []constraint.Bound{
			scalar(model.State, "pos", -3, 3),
			scalar(model.Input, "force", -20, 20),
		},
		NLCons: []constraint.Spec{
			{Name: "vel_max", Expr: sym.Sq(vel), Side: constraint.Upper, Bound: 9, Kind: constraint.Soft{Weight: 10}},
		},
		Uncertainty: scenario.Realizations{"k": {DefaultStiffness, 1.2 * DefaultStiffness, 0.8 * DefaultStiffness}},
		X0:          []float64{0, 0},
		U0:          []float64{0},
		PlantParams: []float64{DefaultStiffness},
		TVP:         func(float64) []float64 { return []float64{SpringTarget} },
		TStep:       0.1,
		Reference:   &Reference{State: "pos", Target: SpringTarget},
	}, nil
}
