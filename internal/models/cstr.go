package models

import (
	"math"

	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/sym"
)

// Reaction and jacket constants of the continuously stirred tank reactor
// with the series reaction A -> B -> C and the side reaction 2A -> D.
const (
	K0AB = 1.287e12
	K0BC = 1.287e12
	K0AD = 9.043e9
	EAAB = 9758.3
	EABC = 9758.3
	EAAD = 8560.0
	HRAB = 4.2
	HRBC = -11.0
	HRAD = -41.85
	Rou  = 0.9342
	Cp   = 3.01
	CpK  = 2.0
	AR   = 0.215
	VR   = 10.01
	MK   = 5.0
	TIn  = 130.0
	KW   = 4032.0
	CA0  = 5.1

	CBTarget = 0.6
)

// CSTR builds the reactor with uncertain activation energy factor alpha and
// rate factor beta and the robust concentration tracking problem.
func CSTR() (*Problem, error) {
	m := model.New()
	ca := m.MustDeclare(model.State, "C_a", 1)[0]
	cb := m.MustDeclare(model.State, "C_b", 1)[0]
	tr := m.MustDeclare(model.State, "T_R", 1)[0]
	tk := m.MustDeclare(model.State, "T_K", 1)[0]
	f := m.MustDeclare(model.Input, "F", 1)[0]
	qdot := m.MustDeclare(model.Input, "Q_dot", 1)[0]
	alpha := m.MustDeclare(model.Param, "alpha", 1)[0]
	beta := m.MustDeclare(model.Param, "beta", 1)[0]

	tdif, err := m.SetExpression("T_dif", sym.Sub(tr, tk))
	if err != nil {
		return nil, err
	}
	kelvin := sym.Add(tr, sym.C(273.15))
	k1 := sym.Mul(beta, sym.C(K0AB), sym.Exp(sym.Div(sym.C(-EAAB), kelvin)))
	k2 := sym.Mul(sym.C(K0BC), sym.Exp(sym.Div(sym.C(-EABC), kelvin)))
	k3 := sym.Mul(sym.C(K0AD), sym.Exp(sym.Div(sym.Mul(sym.C(-EAAD), alpha), kelvin)))

	dca := sym.Sub(sym.Sub(sym.Mul(f, sym.Sub(sym.C(CA0), ca)), sym.Mul(k1, ca)), sym.Mul(k3, sym.Sq(ca)))
	dcb := sym.Add(sym.Mul(sym.Neg(f), cb), sym.Mul(k1, ca), sym.Neg(sym.Mul(k2, cb)))
	heat := sym.Add(sym.Mul(k1, ca, sym.C(HRAB)), sym.Mul(k2, cb, sym.C(HRBC)), sym.Mul(k3, sym.Sq(ca), sym.C(HRAD)))
	dtr := sym.Add(
		sym.Div(heat, sym.C(-Rou*Cp)),
		sym.Mul(f, sym.Sub(sym.C(TIn), tr)),
		sym.Div(sym.Mul(sym.C(KW*AR), sym.Neg(tdif[0])), sym.C(Rou*Cp*VR)),
	)
	dtk := sym.Div(sym.Add(qdot, sym.Mul(sym.C(KW*AR), tdif[0])), sym.C(MK*CpK))

	for _, rhs := range []struct {
		name string
		e    sym.Expr
	}{{"C_a", dca}, {"C_b", dcb}, {"T_R", dtr}, {"T_K", dtk}} {
		if err := m.SetRHS(rhs.name, rhs.e); err != nil {
			return nil, err
		}
	}
	if err := m.Finalize(); err != nil {
		return nil, err
	}

	cost := sym.Sq(sym.Sub(cb, sym.C(CBTarget)))
	inf := math.Inf(1)
	return &Problem{
		Name:  "cstr",
		Model: m,
		LTerm: cost,
		MTerm: cost,
		// 0.1 and 1e-3 on the scaled inputs
		RTerm: map[string]float64{"F": 0.1 / (100 * 100), "Q_dot": 1e-3 / (2000 * 2000)},
		Bounds: []constraint.Bound{
			scalar(model.State, "C_a", 0.1, 2),
			scalar(model.State, "C_b", 0.1, 2),
			scalar(model.State, "T_R", 50, inf),
			scalar(model.State, "T_K", 50, 140),
			scalar(model.Input, "F", 5, 100),
			scalar(model.Input, "Q_dot", -8500, 0),
		},
		Scaling: []constraint.Scaling{
			{Type: model.State, Name: "T_R", Factor: 100},
			{Type: model.State, Name: "T_K", Factor: 100},
			{Type: model.Input, Name: "Q_dot", Factor: 2000},
			{Type: model.Input, Name: "F", Factor: 100},
		},
		NLCons: []constraint.Spec{
			{Name: "T_R_max", Expr: tr, Side: constraint.Upper, Bound: 140, Kind: constraint.Soft{Weight: 1e2}},
		},
		Uncertainty: scenario.Realizations{
			"alpha": {1, 1.05, 0.95},
			"beta":  {1, 1.1, 0.9},
		},
		X0:          []float64{0.8, 0.5, 134.14, 130.0},
		U0:          []float64{18.83, -4495.7},
		PlantParams: []float64{1, 1},
		TStep:       0.005,
		Reference:   &Reference{State: "C_b", Target: CBTarget},
	}, nil
}
