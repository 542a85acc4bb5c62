// Package sym is a small symbolic math kernel over float64 constants.
//
// Expressions are immutable trees built with the constructor functions
// ([Add], [Mul], [Pow], [Exp], ...). Constructors fold constants and drop
// neutral elements so derivatives stay compact. [Diff] differentiates
// symbolically and [Compile] turns an expression into a closure over a flat
// environment vector, which is what numerical code evaluates in hot loops.
package sym

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Expr is a node of an expression tree.
type Expr interface {
	String() string
	// Diff returns the partial derivative with respect to v.
	Diff(v *Var) Expr
	exprType() string
	children() []Expr
	compile(slot SlotFunc) (Eval, error)
}

// Eval evaluates a compiled expression over an environment vector.
type Eval func(env []float64) float64

// SlotFunc maps a variable to its position in the environment vector.
type SlotFunc func(v *Var) (int, error)

// Vec is an ordered list of expressions.
type Vec []Expr

// ============================================================
// Num
// ============================================================

type Num struct{ val float64 }

// C returns a constant expression.
func C(v float64) *Num { return &Num{val: v} }

var (
	zero = C(0)
	one  = C(1)
)

func (n *Num) Value() float64     { return n.val }
func (n *Num) Diff(*Var) Expr     { return zero }
func (n *Num) exprType() string   { return "num" }
func (n *Num) children() []Expr   { return nil }
func (n *Num) String() string     { return strconv.FormatFloat(n.val, 'g', -1, 64) }
func (n *Num) compile(SlotFunc) (Eval, error) {
	v := n.val
	return func([]float64) float64 { return v }, nil
}

func isConst(e Expr, v float64) bool {
	n, ok := e.(*Num)
	return ok && n.val == v
}

// ============================================================
// Var
// ============================================================

// Var is a scalar symbol. Group and Index identify it inside the owner's
// registry; identity is the pointer.
type Var struct {
	Name  string
	Group int
	Index int
}

// NewVar creates a symbol.
func NewVar(name string, group, index int) *Var {
	return &Var{Name: name, Group: group, Index: index}
}

func (v *Var) String() string   { return v.Name }
func (v *Var) exprType() string { return "var" }
func (v *Var) children() []Expr { return nil }

func (v *Var) Diff(w *Var) Expr {
	if v == w {
		return one
	}
	return zero
}

func (v *Var) compile(slot SlotFunc) (Eval, error) {
	idx, err := slot(v)
	if err != nil {
		return nil, err
	}
	return func(env []float64) float64 { return env[idx] }, nil
}

// ============================================================
// Add
// ============================================================

type add struct{ terms []Expr }

// Add returns the sum of its arguments.
func Add(terms ...Expr) Expr {
	flat := make([]Expr, 0, len(terms))
	c := 0.0
	for _, t := range terms {
		switch tt := t.(type) {
		case *Num:
			c += tt.val
		case *add:
			for _, inner := range tt.terms {
				if n, ok := inner.(*Num); ok {
					c += n.val
				} else {
					flat = append(flat, inner)
				}
			}
		default:
			flat = append(flat, t)
		}
	}
	if c != 0 {
		flat = append(flat, C(c))
	}
	switch len(flat) {
	case 0:
		return zero
	case 1:
		return flat[0]
	}
	return &add{terms: flat}
}

func (a *add) exprType() string { return "add" }
func (a *add) children() []Expr { return a.terms }

func (a *add) String() string {
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " + ") + ")"
}

func (a *add) Diff(v *Var) Expr {
	d := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		d[i] = t.Diff(v)
	}
	return Add(d...)
}

func (a *add) compile(slot SlotFunc) (Eval, error) {
	fs, err := compileAll(a.terms, slot)
	if err != nil {
		return nil, err
	}
	if len(fs) == 2 {
		f0, f1 := fs[0], fs[1]
		return func(env []float64) float64 { return f0(env) + f1(env) }, nil
	}
	return func(env []float64) float64 {
		s := 0.0
		for _, f := range fs {
			s += f(env)
		}
		return s
	}, nil
}

// Sub returns a - b.
func Sub(a, b Expr) Expr { return Add(a, Neg(b)) }

// Neg returns -a.
func Neg(a Expr) Expr { return Mul(C(-1), a) }

// ============================================================
// Mul
// ============================================================

type mul struct{ factors []Expr }

// Mul returns the product of its arguments.
func Mul(factors ...Expr) Expr {
	flat := make([]Expr, 0, len(factors))
	c := 1.0
	for _, f := range factors {
		switch ff := f.(type) {
		case *Num:
			c *= ff.val
		case *mul:
			for _, inner := range ff.factors {
				if n, ok := inner.(*Num); ok {
					c *= n.val
				} else {
					flat = append(flat, inner)
				}
			}
		default:
			flat = append(flat, f)
		}
	}
	if c == 0 {
		return zero
	}
	if c != 1 {
		flat = append([]Expr{C(c)}, flat...)
	}
	switch len(flat) {
	case 0:
		return C(c)
	case 1:
		return flat[0]
	}
	return &mul{factors: flat}
}

func (m *mul) exprType() string { return "mul" }
func (m *mul) children() []Expr { return m.factors }

func (m *mul) String() string {
	parts := make([]string, len(m.factors))
	for i, f := range m.factors {
		parts[i] = f.String()
	}
	return strings.Join(parts, "*")
}

func (m *mul) Diff(v *Var) Expr {
	terms := make([]Expr, 0, len(m.factors))
	for i, f := range m.factors {
		df := f.Diff(v)
		if isConst(df, 0) {
			continue
		}
		prod := make([]Expr, 0, len(m.factors))
		prod = append(prod, df)
		for j, g := range m.factors {
			if j != i {
				prod = append(prod, g)
			}
		}
		terms = append(terms, Mul(prod...))
	}
	return Add(terms...)
}

func (m *mul) compile(slot SlotFunc) (Eval, error) {
	fs, err := compileAll(m.factors, slot)
	if err != nil {
		return nil, err
	}
	if len(fs) == 2 {
		f0, f1 := fs[0], fs[1]
		return func(env []float64) float64 { return f0(env) * f1(env) }, nil
	}
	return func(env []float64) float64 {
		p := 1.0
		for _, f := range fs {
			p *= f(env)
		}
		return p
	}, nil
}

// Div returns a / b.
func Div(a, b Expr) Expr { return Mul(a, Pow(b, -1)) }

// Sq returns a².
func Sq(a Expr) Expr { return Pow(a, 2) }

// ============================================================
// Pow
// ============================================================

type pow struct {
	base Expr
	exp  float64
}

// Pow returns base^exp for a constant exponent.
func Pow(base Expr, exp float64) Expr {
	switch {
	case exp == 0:
		return one
	case exp == 1:
		return base
	}
	if n, ok := base.(*Num); ok {
		return C(math.Pow(n.val, exp))
	}
	if p, ok := base.(*pow); ok && exp == math.Trunc(exp) {
		return Pow(p.base, p.exp*exp)
	}
	return &pow{base: base, exp: exp}
}

func (p *pow) exprType() string { return "pow" }
func (p *pow) children() []Expr { return []Expr{p.base} }

func (p *pow) String() string {
	return fmt.Sprintf("%s^%s", p.base, strconv.FormatFloat(p.exp, 'g', -1, 64))
}

func (p *pow) Diff(v *Var) Expr {
	db := p.base.Diff(v)
	if isConst(db, 0) {
		return zero
	}
	return Mul(C(p.exp), Pow(p.base, p.exp-1), db)
}

func (p *pow) compile(slot SlotFunc) (Eval, error) {
	f, err := p.base.compile(slot)
	if err != nil {
		return nil, err
	}
	switch p.exp {
	case 2:
		return func(env []float64) float64 { x := f(env); return x * x }, nil
	case 3:
		return func(env []float64) float64 { x := f(env); return x * x * x }, nil
	case -1:
		return func(env []float64) float64 { return 1 / f(env) }, nil
	case -2:
		return func(env []float64) float64 { x := f(env); return 1 / (x * x) }, nil
	case 0.5:
		return func(env []float64) float64 { return math.Sqrt(f(env)) }, nil
	}
	e := p.exp
	return func(env []float64) float64 { return math.Pow(f(env), e) }, nil
}

// Sqrt returns a^(1/2).
func Sqrt(a Expr) Expr { return Pow(a, 0.5) }

// ============================================================
// Function applications
// ============================================================

type fn struct {
	name string
	arg  Expr
}

func apply(name string, arg Expr, eval func(float64) float64) Expr {
	if n, ok := arg.(*Num); ok {
		return C(eval(n.val))
	}
	return &fn{name: name, arg: arg}
}

func Exp(a Expr) Expr  { return apply("exp", a, math.Exp) }
func Log(a Expr) Expr  { return apply("log", a, math.Log) }
func Sin(a Expr) Expr  { return apply("sin", a, math.Sin) }
func Cos(a Expr) Expr  { return apply("cos", a, math.Cos) }
func Tanh(a Expr) Expr { return apply("tanh", a, math.Tanh) }

func (f *fn) exprType() string { return f.name }
func (f *fn) children() []Expr { return []Expr{f.arg} }
func (f *fn) String() string   { return f.name + "(" + f.arg.String() + ")" }

func (f *fn) Diff(v *Var) Expr {
	da := f.arg.Diff(v)
	if isConst(da, 0) {
		return zero
	}
	var outer Expr
	switch f.name {
	case "exp":
		outer = f
	case "log":
		outer = Pow(f.arg, -1)
	case "sin":
		outer = Cos(f.arg)
	case "cos":
		outer = Neg(Sin(f.arg))
	case "tanh":
		outer = Sub(one, Sq(f))
	default:
		panic("sym: no derivative rule for " + f.name)
	}
	return Mul(outer, da)
}

func (f *fn) compile(slot SlotFunc) (Eval, error) {
	a, err := f.arg.compile(slot)
	if err != nil {
		return nil, err
	}
	var g func(float64) float64
	switch f.name {
	case "exp":
		g = math.Exp
	case "log":
		g = math.Log
	case "sin":
		g = math.Sin
	case "cos":
		g = math.Cos
	case "tanh":
		g = math.Tanh
	default:
		return nil, fmt.Errorf("sym: cannot compile %s", f.name)
	}
	return func(env []float64) float64 { return g(a(env)) }, nil
}

// ============================================================
// Traversal and compilation
// ============================================================

// Diff returns de/dv.
func Diff(e Expr, v *Var) Expr { return e.Diff(v) }

// Vars returns the distinct symbols of e sorted by group and index.
func Vars(exprs ...Expr) []*Var {
	seen := make(map[*Var]struct{})
	var out []*Var
	var walk func(Expr)
	walk = func(e Expr) {
		if v, ok := e.(*Var); ok {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
			return
		}
		for _, c := range e.children() {
			walk(c)
		}
	}
	for _, e := range exprs {
		if e != nil {
			walk(e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// IsZero reports whether e is the constant 0.
func IsZero(e Expr) bool { return isConst(e, 0) }

// Compile turns e into a closure. slot resolves every symbol in e.
func Compile(e Expr, slot SlotFunc) (Eval, error) {
	if e == nil {
		return nil, fmt.Errorf("sym: nil expression")
	}
	return e.compile(slot)
}

func compileAll(es []Expr, slot SlotFunc) ([]Eval, error) {
	fs := make([]Eval, len(es))
	for i, e := range es {
		f, err := e.compile(slot)
		if err != nil {
			return nil, err
		}
		fs[i] = f
	}
	return fs, nil
}
