// Package model holds the symbolic description of a dynamic system: its
// declared variables, the state right-hand side, auxiliary expressions and
// measurements.
//
// A Model is mutable until [Model.Finalize] and read-only afterwards; every
// other component only consumes finalized models. Numerical evaluation goes
// through an environment vector laid out as [x | u | p | tvp].
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/sym"
)

type VarType int

const (
	State VarType = iota
	Input
	Param
	TVP
	Aux
)

const numEnvTypes = 4

func (t VarType) String() string {
	switch t {
	case State:
		return "state"
	case Input:
		return "input"
	case Param:
		return "param"
	case TVP:
		return "tvp"
	case Aux:
		return "aux"
	default:
		return "unknown"
	}
}

// ParseVarType accepts the names produced by String plus the short forms
// x, u, p and z.
func ParseVarType(s string) (VarType, error) {
	switch strings.ToLower(s) {
	case "state", "x", "_x":
		return State, nil
	case "input", "u", "_u":
		return Input, nil
	case "param", "p", "_p":
		return Param, nil
	case "tvp", "_tvp":
		return TVP, nil
	case "aux", "_aux":
		return Aux, nil
	}
	return 0, dynamo.Configf("unknown variable type %q", s)
}

// Variable describes one registry entry.
type Variable struct {
	Type   VarType
	Name   string
	Shape  int
	Offset int
}

// ElementName returns the name of element i, "name" for scalars and
// "name[i]" otherwise.
func (v Variable) ElementName(i int) string {
	if v.Shape == 1 {
		return v.Name
	}
	return v.Name + "[" + strconv.Itoa(i) + "]"
}

type entry struct {
	Variable
	syms  []*sym.Var
	exprs sym.Vec
}

type Model struct {
	vars   [Aux + 1][]*entry
	byName [Aux + 1]map[string]*entry
	size   [Aux + 1]int
	symAt  [numEnvTypes][]*sym.Var

	rhs       map[string]sym.Vec
	meas      []*entry
	measSize  int
	finalized bool

	rhsEval  []sym.Eval
	auxEval  []sym.Eval
	measEval []sym.Eval
}

func New() *Model {
	m := &Model{rhs: make(map[string]sym.Vec)}
	for i := range m.byName {
		m.byName[i] = make(map[string]*entry)
	}
	return m
}

func (m *Model) checkOpen(op string) error {
	if m.finalized {
		return dynamo.Configf("%s after Finalize", op)
	}
	return nil
}

// Declare registers a variable and returns its element symbols.
func (m *Model) Declare(t VarType, name string, shape int) (sym.Vec, error) {
	if err := m.checkOpen("Declare"); err != nil {
		return nil, err
	}
	if t == Aux {
		return nil, dynamo.Configf("auxiliary %q must be registered with SetExpression", name)
	}
	if t < State || t > TVP {
		return nil, dynamo.Configf("invalid variable type %d", t)
	}
	if name == "" {
		return nil, dynamo.Configf("empty %s name", t)
	}
	if shape < 1 {
		return nil, dynamo.Configf("%s %q has shape %d, must be at least 1", t, name, shape)
	}
	if _, dup := m.byName[t][name]; dup {
		return nil, dynamo.Configf("%s %q declared twice", t, name)
	}

	e := &entry{Variable: Variable{Type: t, Name: name, Shape: shape, Offset: m.size[t]}}
	out := make(sym.Vec, shape)
	for i := 0; i < shape; i++ {
		v := sym.NewVar(e.ElementName(i), int(t), e.Offset+i)
		e.syms = append(e.syms, v)
		m.symAt[t] = append(m.symAt[t], v)
		out[i] = v
	}
	m.size[t] += shape
	m.vars[t] = append(m.vars[t], e)
	m.byName[t][name] = e
	return out, nil
}

// MustDeclare is Declare for model builders whose declarations are static.
func (m *Model) MustDeclare(t VarType, name string, shape int) sym.Vec {
	v, err := m.Declare(t, name, shape)
	if err != nil {
		panic(err)
	}
	return v
}

// SetRHS assigns the time derivative of a declared state.
func (m *Model) SetRHS(state string, exprs ...sym.Expr) error {
	if err := m.checkOpen("SetRHS"); err != nil {
		return err
	}
	e, ok := m.byName[State][state]
	if !ok {
		return dynamo.Configf("rhs for undeclared state %q", state)
	}
	if _, dup := m.rhs[state]; dup {
		return dynamo.Configf("rhs for state %q set twice", state)
	}
	if len(exprs) != e.Shape {
		return dynamo.Dimensionf("rhs for state %q has %d elements, state shape is %d", state, len(exprs), e.Shape)
	}
	if err := m.checkExprs(exprs); err != nil {
		return fmt.Errorf("rhs %q: %w", state, err)
	}
	m.rhs[state] = append(sym.Vec(nil), exprs...)
	return nil
}

// SetExpression registers an auxiliary expression and returns it.
func (m *Model) SetExpression(name string, exprs ...sym.Expr) (sym.Vec, error) {
	if err := m.checkOpen("SetExpression"); err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return nil, dynamo.Dimensionf("auxiliary %q has no elements", name)
	}
	if _, dup := m.byName[Aux][name]; dup {
		return nil, dynamo.Configf("auxiliary %q declared twice", name)
	}
	if err := m.checkExprs(exprs); err != nil {
		return nil, fmt.Errorf("auxiliary %q: %w", name, err)
	}
	e := &entry{
		Variable: Variable{Type: Aux, Name: name, Shape: len(exprs), Offset: m.size[Aux]},
		exprs:    append(sym.Vec(nil), exprs...),
	}
	m.size[Aux] += e.Shape
	m.vars[Aux] = append(m.vars[Aux], e)
	m.byName[Aux][name] = e
	return e.exprs, nil
}

// SetMeas registers a measured quantity. Without measurements the
// measurement vector is the full state.
func (m *Model) SetMeas(name string, exprs ...sym.Expr) error {
	if err := m.checkOpen("SetMeas"); err != nil {
		return err
	}
	if len(exprs) == 0 {
		return dynamo.Dimensionf("measurement %q has no elements", name)
	}
	for _, e := range m.meas {
		if e.Name == name {
			return dynamo.Configf("measurement %q declared twice", name)
		}
	}
	if err := m.checkExprs(exprs); err != nil {
		return fmt.Errorf("measurement %q: %w", name, err)
	}
	m.meas = append(m.meas, &entry{
		Variable: Variable{Name: name, Shape: len(exprs), Offset: m.measSize},
		exprs:    append(sym.Vec(nil), exprs...),
	})
	m.measSize += len(exprs)
	return nil
}

// Finalize validates the model and compiles its evaluators.
func (m *Model) Finalize() error {
	if m.finalized {
		return dynamo.Configf("model finalized twice")
	}
	if m.size[State] == 0 {
		return dynamo.Configf("model declares no states")
	}
	for _, e := range m.vars[State] {
		if _, ok := m.rhs[e.Name]; !ok {
			return dynamo.Configf("state %q has no rhs", e.Name)
		}
	}

	var err error
	if m.rhsEval, err = m.compileVec(m.rhsExprs()); err != nil {
		return err
	}
	if m.auxEval, err = m.compileVec(m.AuxExprs()); err != nil {
		return err
	}
	if m.measEval, err = m.compileVec(m.MeasExprs()); err != nil {
		return err
	}
	m.finalized = true
	return nil
}

func (m *Model) Finalized() bool { return m.finalized }

func (m *Model) checkExprs(exprs []sym.Expr) error {
	for _, e := range exprs {
		if e == nil {
			return dynamo.Configf("nil expression")
		}
	}
	for _, v := range sym.Vars(exprs...) {
		if _, err := m.slot(v); err != nil {
			return err
		}
	}
	return nil
}

// slot returns the environment index of v.
func (m *Model) slot(v *sym.Var) (int, error) {
	g := v.Group
	if g < 0 || g >= numEnvTypes || v.Index < 0 || v.Index >= len(m.symAt[g]) || m.symAt[g][v.Index] != v {
		return 0, dynamo.Configf("symbol %s is not declared in this model", v.Name)
	}
	return m.base(VarType(g)) + v.Index, nil
}

func (m *Model) base(t VarType) int {
	b := 0
	for i := State; i < t; i++ {
		b += m.size[i]
	}
	return b
}

func (m *Model) compileVec(exprs sym.Vec) ([]sym.Eval, error) {
	out := make([]sym.Eval, len(exprs))
	for i, e := range exprs {
		f, err := sym.Compile(e, m.slot)
		if err != nil {
			return nil, dynamo.Configf("%v", err)
		}
		out[i] = f
	}
	return out, nil
}

func (m *Model) rhsExprs() sym.Vec {
	out := make(sym.Vec, 0, m.size[State])
	for _, e := range m.vars[State] {
		out = append(out, m.rhs[e.Name]...)
	}
	return out
}

// RHSExprs returns the stacked right-hand side in state order.
func (m *Model) RHSExprs() sym.Vec { return m.rhsExprs() }

// AuxExprs returns the stacked auxiliary expressions.
func (m *Model) AuxExprs() sym.Vec {
	out := make(sym.Vec, 0, m.size[Aux])
	for _, e := range m.vars[Aux] {
		out = append(out, e.exprs...)
	}
	return out
}

// MeasExprs returns the stacked measurement expressions, or the state
// symbols when none were declared.
func (m *Model) MeasExprs() sym.Vec {
	if len(m.meas) == 0 {
		out := make(sym.Vec, len(m.symAt[State]))
		for i, v := range m.symAt[State] {
			out[i] = v
		}
		return out
	}
	out := make(sym.Vec, 0, m.measSize)
	for _, e := range m.meas {
		out = append(out, e.exprs...)
	}
	return out
}

// Dim returns the flattened size of a variable type.
func (m *Model) Dim(t VarType) int {
	if t < State || t > Aux {
		return 0
	}
	return m.size[t]
}

// MeasDim returns the length of the measurement vector.
func (m *Model) MeasDim() int {
	if len(m.meas) == 0 {
		return m.size[State]
	}
	return m.measSize
}

// EnvDim returns the length of the evaluation environment.
func (m *Model) EnvDim() int { return m.base(Aux) }

// Base returns the environment offset of the first element of type t.
func (m *Model) Base(t VarType) int { return m.base(t) }

// Variables lists the registry entries of a type in declaration order.
func (m *Model) Variables(t VarType) []Variable {
	if t < State || t > Aux {
		return nil
	}
	out := make([]Variable, len(m.vars[t]))
	for i, e := range m.vars[t] {
		out[i] = e.Variable
	}
	return out
}

// Lookup resolves (type, name) in the registry.
func (m *Model) Lookup(t VarType, name string) (Variable, bool) {
	if t < State || t > Aux {
		return Variable{}, false
	}
	e, ok := m.byName[t][name]
	if !ok {
		return Variable{}, false
	}
	return e.Variable, true
}

// Syms returns the symbols of a declared variable, or the expressions of an
// auxiliary one.
func (m *Model) Syms(t VarType, name string) (sym.Vec, error) {
	if t < State || t > Aux {
		return nil, dynamo.Configf("invalid variable type %d", t)
	}
	e, ok := m.byName[t][name]
	if !ok {
		return nil, dynamo.Configf("%s %q not declared", t, name)
	}
	if t == Aux {
		return append(sym.Vec(nil), e.exprs...), nil
	}
	out := make(sym.Vec, len(e.syms))
	for i, v := range e.syms {
		out[i] = v
	}
	return out, nil
}

// Expr resolves "name" or "name[i]" to a scalar expression, searching
// states, inputs, auxiliaries, time-varying and uncertain parameters.
func (m *Model) Expr(ref string) (sym.Expr, error) {
	name, idx := ref, 0
	if i := strings.IndexByte(ref, '['); i > 0 && strings.HasSuffix(ref, "]") {
		n, err := strconv.Atoi(ref[i+1 : len(ref)-1])
		if err != nil {
			return nil, dynamo.Configf("bad element reference %q", ref)
		}
		name, idx = ref[:i], n
	}
	for _, t := range []VarType{State, Input, Aux, TVP, Param} {
		if _, ok := m.byName[t][name]; !ok {
			continue
		}
		v, err := m.Syms(t, name)
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(v) {
			return nil, dynamo.Dimensionf("element %d of %q out of range", idx, name)
		}
		return v[idx], nil
	}
	return nil, dynamo.Configf("unknown variable %q", ref)
}

// Names returns flattened element names of a type.
func (m *Model) Names(t VarType) []string {
	var out []string
	for _, v := range m.Variables(t) {
		for i := 0; i < v.Shape; i++ {
			out = append(out, v.ElementName(i))
		}
	}
	return out
}

// MeasNames returns flattened measurement element names.
func (m *Model) MeasNames() []string {
	if len(m.meas) == 0 {
		return m.Names(State)
	}
	var out []string
	for _, e := range m.meas {
		for i := 0; i < e.Shape; i++ {
			out = append(out, e.ElementName(i))
		}
	}
	return out
}
