// Package transcribe turns compiled model functions into NLP costs and
// constraint blocks. A [Binding] says, for every slot of the model
// environment [x | u | p | tvp], whether it is a scaled decision variable or
// a fixed data value.
package transcribe

import (
	"math"
	"sort"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
	"github.com/san-kum/dynmpc/internal/sym"
)

// Binding maps environment slots to decision variables. Data is shared by
// copies of a binding so one write updates every term built from it.
type Binding struct {
	model *model.Model
	Index []int
	Scale []float64
	Data  []float64
}

func NewBinding(m *model.Model) Binding {
	n := m.EnvDim()
	b := Binding{model: m, Index: make([]int, n), Scale: make([]float64, n), Data: make([]float64, n)}
	for i := range b.Index {
		b.Index[i] = -1
		b.Scale[i] = 1
	}
	return b
}

// With returns a copy in which the slots of type t are the decision
// variables idx with the given scale. A nil scale means unit scaling.
func (b Binding) With(t model.VarType, idx []int, scale []float64) Binding {
	out := Binding{
		model: b.model,
		Index: append([]int(nil), b.Index...),
		Scale: append([]float64(nil), b.Scale...),
		Data:  b.Data,
	}
	base := b.model.Base(t)
	for i, v := range idx {
		out.Index[base+i] = v
		if scale != nil {
			out.Scale[base+i] = scale[i]
		} else {
			out.Scale[base+i] = 1
		}
	}
	return out
}

// WithVar returns a copy in which element offset of type t is the unscaled
// decision variable v. The other slots of t keep their binding.
func (b Binding) WithVar(t model.VarType, offset, v int) Binding {
	out := Binding{
		model: b.model,
		Index: append([]int(nil), b.Index...),
		Scale: append([]float64(nil), b.Scale...),
		Data:  b.Data,
	}
	out.Index[b.model.Base(t)+offset] = v
	out.Scale[b.model.Base(t)+offset] = 1
	return out
}

// SetData writes physical values for the slots of type t.
func (b Binding) SetData(t model.VarType, values []float64) {
	copy(b.Data[b.model.Base(t):b.model.Base(t)+b.model.Dim(t)], values)
}

// Linear is a term coef * x[Var] in decision units.
type Linear struct {
	Var  int
	Coef float64
}

// Row is one constraint row: Coef * F(env) + sum(Linear) in [Lower, Upper].
type Row struct {
	F      *model.Func
	Coef   float64
	Linear []Linear
	Lower  float64
	Upper  float64
}

type gradRef struct {
	eval sym.Eval
	k    int
}

type hessRef struct {
	eval sym.Eval
	a, b int
}

type compiledRow struct {
	f     sym.Eval
	coef  float64
	grad  []gradRef
	hess  []hessRef
	lin   []Linear // Var holds the local position
	hasFn bool
}

// evaluator owns the local variable order and scratch environment of one
// cost or block. It must not be shared between terms.
type evaluator struct {
	b         Binding
	vars      []int
	slots     []int // env slot of local var k, -1 for purely linear vars
	scale     []float64
	dataSlots []int
	env       []float64
}

func (b Binding) newEvaluator(fs []*model.Func, extra []int) (*evaluator, map[int]int, error) {
	e := &evaluator{b: b, env: make([]float64, len(b.Index))}
	local := make(map[int]int)

	var slots []int
	seen := make(map[int]bool)
	for _, f := range fs {
		if f == nil {
			continue
		}
		diff := make(map[int]bool, len(f.Slots))
		for _, s := range f.Slots {
			diff[s] = true
		}
		for _, s := range f.AllSlots {
			if b.Index[s] < 0 {
				continue
			}
			if !diff[s] {
				return nil, nil, dynamo.Configf("expression %s reads decision slot %d without a derivative", f.Expr, s)
			}
			if !seen[s] {
				seen[s] = true
				slots = append(slots, s)
			}
		}
	}
	sort.Ints(slots)
	for _, s := range slots {
		v := b.Index[s]
		if _, dup := local[v]; dup {
			return nil, nil, dynamo.Configf("decision variable %d bound to two environment slots", v)
		}
		local[v] = len(e.vars)
		e.vars = append(e.vars, v)
		e.slots = append(e.slots, s)
		e.scale = append(e.scale, b.Scale[s])
	}
	for _, v := range extra {
		if _, ok := local[v]; ok {
			continue
		}
		local[v] = len(e.vars)
		e.vars = append(e.vars, v)
		e.slots = append(e.slots, -1)
		e.scale = append(e.scale, 1)
	}
	for s, idx := range b.Index {
		if idx < 0 {
			e.dataSlots = append(e.dataSlots, s)
		}
	}
	return e, local, nil
}

func (e *evaluator) load(x []float64) {
	for _, s := range e.dataSlots {
		e.env[s] = e.b.Data[s]
	}
	for k, s := range e.slots {
		if s >= 0 {
			e.env[s] = e.scale[k] * x[k]
		}
	}
}

// localIndex returns the local position of env slot s, or -1.
func (e *evaluator) localIndex(s int) int {
	for k, es := range e.slots {
		if es == s {
			return k
		}
	}
	return -1
}

func (e *evaluator) compileRow(f *model.Func, coef float64, lin []Linear, local map[int]int) compiledRow {
	cr := compiledRow{coef: coef}
	if f != nil {
		cr.f = f.Value
		cr.hasFn = true
		pos := make([]int, len(f.Slots))
		for i, s := range f.Slots {
			pos[i] = -1
			if e.b.Index[s] >= 0 {
				pos[i] = e.localIndex(s)
			}
			if pos[i] >= 0 {
				cr.grad = append(cr.grad, gradRef{eval: f.Grad[i], k: pos[i]})
			}
		}
		for _, h := range f.Hess {
			a, b := pos[h.I], pos[h.J]
			if a >= 0 && b >= 0 {
				cr.hess = append(cr.hess, hessRef{eval: h.Eval, a: a, b: b})
			}
		}
	}
	for _, l := range lin {
		cr.lin = append(cr.lin, Linear{Var: local[l.Var], Coef: l.Coef})
	}
	return cr
}

// Cost builds weight * f as an objective term.
func (b Binding) Cost(f *model.Func, weight float64) (nlp.Cost, error) {
	e, local, err := b.newEvaluator([]*model.Func{f}, nil)
	if err != nil {
		return nlp.Cost{}, err
	}
	row := e.compileRow(f, weight, nil, local)
	n := len(e.vars)

	c := nlp.Cost{
		Vars: e.vars,
		Value: func(x []float64) float64 {
			e.load(x)
			return row.coef * row.f(e.env)
		},
		Grad: func(x, g []float64) {
			e.load(x)
			for k := range g {
				g[k] = 0
			}
			for _, gr := range row.grad {
				g[gr.k] += row.coef * gr.eval(e.env) * e.scale[gr.k]
			}
		},
	}
	if len(row.hess) > 0 {
		c.Hess = func(x, h []float64) {
			e.load(x)
			for k := range h {
				h[k] = 0
			}
			for _, hr := range row.hess {
				v := row.coef * hr.eval(e.env) * e.scale[hr.a] * e.scale[hr.b]
				h[hr.a*n+hr.b] += v
				if hr.a != hr.b {
					h[hr.b*n+hr.a] += v
				}
			}
		}
	}
	return c, nil
}

// LinearCost builds sum(coef * x[var]).
func LinearCost(terms ...Linear) nlp.Cost {
	vars := make([]int, len(terms))
	coefs := make([]float64, len(terms))
	for i, t := range terms {
		vars[i], coefs[i] = t.Var, t.Coef
	}
	return nlp.Cost{
		Vars: vars,
		Value: func(x []float64) float64 {
			s := 0.0
			for i, c := range coefs {
				s += c * x[i]
			}
			return s
		},
		Grad: func(x, g []float64) { copy(g, coefs) },
	}
}

// QuadraticCost builds sum_i w_i * (scale_i * x[vars_i] - ref_i)^2 where ref
// is read at evaluation time.
func QuadraticCost(vars []int, scale, weight []float64, ref func(i int) float64) nlp.Cost {
	n := len(vars)
	return nlp.Cost{
		Vars: append([]int(nil), vars...),
		Value: func(x []float64) float64 {
			s := 0.0
			for i := 0; i < n; i++ {
				d := scale[i]*x[i] - ref(i)
				s += weight[i] * d * d
			}
			return s
		},
		Grad: func(x, g []float64) {
			for i := 0; i < n; i++ {
				g[i] = 2 * weight[i] * scale[i] * (scale[i]*x[i] - ref(i))
			}
		},
		Hess: func(x, h []float64) {
			for k := range h {
				h[k] = 0
			}
			for i := 0; i < n; i++ {
				h[i*n+i] = 2 * weight[i] * scale[i] * scale[i]
			}
		},
	}
}

// Block builds a constraint block from rows sharing this binding.
func (b Binding) Block(name string, rows []Row) (nlp.Block, error) {
	fs := make([]*model.Func, len(rows))
	var extra []int
	for i, r := range rows {
		fs[i] = r.F
		for _, l := range r.Linear {
			extra = append(extra, l.Var)
		}
	}
	e, local, err := b.newEvaluator(fs, extra)
	if err != nil {
		return nlp.Block{}, err
	}
	if len(e.vars) == 0 {
		return nlp.Block{}, dynamo.Configf("constraint block %q does not depend on any decision variable", name)
	}

	compiled := make([]compiledRow, len(rows))
	lower := make([]float64, len(rows))
	upper := make([]float64, len(rows))
	nonlinear := false
	anyFn := false
	for i, r := range rows {
		compiled[i] = e.compileRow(r.F, r.Coef, r.Linear, local)
		lower[i], upper[i] = r.Lower, r.Upper
		if lower[i] > upper[i] || math.IsNaN(lower[i]) || math.IsNaN(upper[i]) {
			return nlp.Block{}, dynamo.Configf("constraint %q row %d has bounds [%g, %g]", name, i, lower[i], upper[i])
		}
		if len(compiled[i].hess) > 0 {
			nonlinear = true
		}
		if compiled[i].hasFn {
			anyFn = true
		}
	}
	n := len(e.vars)

	blk := nlp.Block{
		Name:  name,
		Vars:  e.vars,
		Lower: lower,
		Upper: upper,
		Eval: func(x, c []float64) {
			if anyFn {
				e.load(x)
			}
			for r, cr := range compiled {
				v := 0.0
				if cr.hasFn {
					v = cr.coef * cr.f(e.env)
				}
				for _, l := range cr.lin {
					v += l.Coef * x[l.Var]
				}
				c[r] = v
			}
		},
		Jac: func(x, jac []float64) {
			if anyFn {
				e.load(x)
			}
			for k := range jac {
				jac[k] = 0
			}
			for r, cr := range compiled {
				row := jac[r*n : (r+1)*n]
				for _, g := range cr.grad {
					row[g.k] += cr.coef * g.eval(e.env) * e.scale[g.k]
				}
				for _, l := range cr.lin {
					row[l.Var] += l.Coef
				}
			}
		},
	}
	if nonlinear {
		blk.Hess = func(x, lam, h []float64) {
			e.load(x)
			for k := range h {
				h[k] = 0
			}
			for r, cr := range compiled {
				if lam[r] == 0 {
					continue
				}
				for _, hr := range cr.hess {
					v := lam[r] * cr.coef * hr.eval(e.env) * e.scale[hr.a] * e.scale[hr.b]
					h[hr.a*n+hr.b] += v
					if hr.a != hr.b {
						h[hr.b*n+hr.a] += v
					}
				}
			}
		}
	}
	return blk, nil
}
