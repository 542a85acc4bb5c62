package models

import (
	"math"

	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
)

const (
	PendulumMass    = 1.0
	PendulumLength  = 1.0
	PendulumGravity = 9.81
	PendulumDamping = 0.1
)

// Pendulum builds a torque-driven pendulum with uncertain damping that is
// brought back to the hanging position under a hard speed limit.
func Pendulum() (*Problem, error) {
	m := model.New()
	theta := m.MustDeclare(model.State, "theta", 1)[0]
	omega := m.MustDeclare(model.State, "omega", 1)[0]
	torque := m.MustDeclare(model.Input, "torque", 1)[0]
	b := m.MustDeclare(model.Param, "damping", 1)[0]

	inertia := PendulumMass * PendulumLength * PendulumLength
	alpha := sym.Div(sym.Add(
		sym.Neg(sym.Mul(b, omega)),
		sym.Mul(sym.C(-PendulumMass*PendulumGravity*PendulumLength), sym.Sin(theta)),
		torque,
	), sym.C(inertia))
	if err := m.SetRHS("theta", omega); err != nil {
		return nil, err
	}
	if err := m.SetRHS("omega", alpha); err != nil {
		return nil, err
	}
	energy := sym.Add(
		sym.Mul(sym.C(0.5*inertia), sym.Sq(omega)),
		sym.Mul(sym.C(PendulumMass*PendulumGravity*PendulumLength), sym.Sub(sym.C(1), sym.Cos(theta))),
	)
	if _, err := m.SetExpression("energy", energy); err != nil {
		return nil, err
	}
	if err := m.Finalize(); err != nil {
		return nil, err
	}

	return &Problem{
		Name:  "pendulum",
		Model: m,
		LTerm: sym.Add(sym.Sq(theta), sym.Mul(sym.C(0.1), sym.Sq(omega))),
		MTerm: sym.Mul(sym.C(5), sym.Add(sym.Sq(theta), sym.Sq(omega))),
		RTerm: map[string]float64{"torque": 0.05},
		Bounds: []constraint.Bound{
			scalar(model.State, "theta", -math.Pi, math.Pi),
			scalar(model.Input, "torque", -5, 5),
		},
		NLCons: []constraint.Spec{
			{Name: "omega_max", Expr: sym.Sq(omega), Side: constraint.Upper, Bound: 16, Kind: constraint.Hard{}},
		},
		Uncertainty: scenario.Realizations{"damping": {PendulumDamping, 2 * PendulumDamping, 0.5 * PendulumDamping}},
		X0:          []float64{1.0, 0},
		U0:          []float64{0},
		PlantParams: []float64{PendulumDamping},
		TStep:       0.05,
		Reference:   &Reference{State: "theta", Target: 0},
	}, nil
}
