package model

import (
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/sym"
)

// Env packs x, u, p and tvp into an evaluation environment after checking
// their shapes.
func (m *Model) Env(x, u, p, tvp []float64) ([]float64, error) {
	env := make([]float64, m.EnvDim())
	if err := m.FillEnv(env, x, u, p, tvp); err != nil {
		return nil, err
	}
	return env, nil
}

// FillEnv writes x, u, p and tvp into env.
func (m *Model) FillEnv(env, x, u, p, tvp []float64) error {
	parts := [numEnvTypes][]float64{x, u, p, tvp}
	for t := State; t <= TVP; t++ {
		if err := dynamo.CheckLen(t.String(), parts[t], m.size[t]); err != nil {
			return err
		}
		copy(env[m.base(t):], parts[t])
	}
	return nil
}

func (m *Model) evalAll(fs []sym.Eval, x, u, p, tvp []float64) ([]float64, error) {
	if !m.finalized {
		return nil, dynamo.Configf("model not finalized")
	}
	env, err := m.Env(x, u, p, tvp)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(fs))
	for i, f := range fs {
		out[i] = f(env)
	}
	return out, nil
}

// RHS evaluates dx/dt.
func (m *Model) RHS(x, u, p, tvp []float64) ([]float64, error) {
	return m.evalAll(m.rhsEval, x, u, p, tvp)
}

// RHSEnv evaluates dx/dt over a prepared environment into out.
func (m *Model) RHSEnv(env, out []float64) {
	for i, f := range m.rhsEval {
		out[i] = f(env)
	}
}

// Aux evaluates the auxiliary expressions.
func (m *Model) Aux(x, u, p, tvp []float64) ([]float64, error) {
	return m.evalAll(m.auxEval, x, u, p, tvp)
}

// Meas evaluates the measurement vector.
func (m *Model) Meas(x, u, p, tvp []float64) ([]float64, error) {
	return m.evalAll(m.measEval, x, u, p, tvp)
}

// HessEntry is one structurally nonzero second derivative, I >= J.
type HessEntry struct {
	I, J int
	Eval sym.Eval
}

// Func is a compiled scalar expression with exact first and second
// derivatives with respect to selected variable types.
type Func struct {
	Expr  sym.Expr
	Value sym.Eval
	// AllSlots lists every environment index the expression reads.
	AllSlots []int
	// Slots are the environment indices the derivatives refer to.
	Slots []int
	Types []VarType
	Grad  []sym.Eval
	Hess  []HessEntry

	depends [numEnvTypes]bool
}

// DependsOn reports whether the expression references variables of type t.
func (f *Func) DependsOn(t VarType) bool {
	if t < State || t > TVP {
		return false
	}
	return f.depends[t]
}

// Compile builds a [Func] for e, differentiating with respect to every
// referenced variable whose type is in wrt.
func (m *Model) Compile(e sym.Expr, wrt ...VarType) (*Func, error) {
	if !m.finalized {
		return nil, dynamo.Configf("compile before Finalize")
	}
	if e == nil {
		return nil, dynamo.Configf("nil expression")
	}
	value, err := sym.Compile(e, m.slot)
	if err != nil {
		return nil, dynamo.Configf("%v", err)
	}
	f := &Func{Expr: e, Value: value}

	diff := make(map[VarType]bool, len(wrt))
	for _, t := range wrt {
		diff[t] = true
	}
	var vars []*sym.Var
	for _, v := range sym.Vars(e) {
		t := VarType(v.Group)
		slot, _ := m.slot(v)
		f.AllSlots = append(f.AllSlots, slot)
		f.depends[t] = true
		if diff[t] {
			vars = append(vars, v)
		}
	}

	first := make([]sym.Expr, len(vars))
	for i, v := range vars {
		slot, _ := m.slot(v)
		first[i] = sym.Diff(e, v)
		g, err := sym.Compile(first[i], m.slot)
		if err != nil {
			return nil, dynamo.Configf("%v", err)
		}
		f.Slots = append(f.Slots, slot)
		f.Types = append(f.Types, VarType(v.Group))
		f.Grad = append(f.Grad, g)
	}
	for i := range vars {
		if sym.IsZero(first[i]) {
			continue
		}
		for j := 0; j <= i; j++ {
			d2 := sym.Diff(first[i], vars[j])
			if sym.IsZero(d2) {
				continue
			}
			h, err := sym.Compile(d2, m.slot)
			if err != nil {
				return nil, dynamo.Configf("%v", err)
			}
			f.Hess = append(f.Hess, HessEntry{I: i, J: j, Eval: h})
		}
	}
	return f, nil
}

// CompileVec compiles every element of exprs.
func (m *Model) CompileVec(exprs sym.Vec, wrt ...VarType) ([]*Func, error) {
	out := make([]*Func, len(exprs))
	for i, e := range exprs {
		f, err := m.Compile(e, wrt...)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
