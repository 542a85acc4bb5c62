package mpc

import (
	"fmt"
	"log/slog"

	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/nlp"
	"github.com/san-kum/dynmpc/internal/scenario"
	"github.com/san-kum/dynmpc/internal/transcribe"
)

// Setup builds the scenario tree and the NLP. Afterwards every setter fails.
func (o *Optimizer) Setup() error {
	if o.phase >= built {
		return dynamo.Configf("Setup called twice")
	}
	if o.phase != configured {
		return dynamo.Configf("Setup needs SetParam and SetObjective first")
	}
	m := o.model
	s := o.settings

	var params []string
	for _, v := range m.Variables(model.Param) {
		if v.Shape != 1 {
			return dynamo.Dimensionf("uncertain parameter %q has shape %d, realization sets are scalar", v.Name, v.Shape)
		}
		params = append(params, v.Name)
	}
	if m.Dim(model.TVP) > 0 && o.tvpFn == nil {
		return dynamo.Configf("model declares time-varying parameters but no tvp function is set")
	}

	tree, err := scenario.Build(params, o.uncertainty, s.NHorizon, s.NRobust)
	if err != nil {
		return err
	}
	cons, err := constraint.Compile(m, o.bounds, o.scaling, o.nlcons)
	if err != nil {
		return err
	}
	scheme, err := colloc.New(s.Collocation)
	if err != nil {
		return err
	}
	rhs, err := m.CompileVec(m.RHSExprs(), model.State, model.Input)
	if err != nil {
		return err
	}
	var lterm, mterm *model.Func
	if o.lterm != nil {
		if lterm, err = m.Compile(o.lterm, model.State, model.Input); err != nil {
			return fmt.Errorf("stage cost: %w", err)
		}
	}
	if o.mterm != nil {
		if mterm, err = m.Compile(o.mterm, model.State); err != nil {
			return fmt.Errorf("terminal cost: %w", err)
		}
		if mterm.DependsOn(model.Input) {
			return dynamo.Configf("terminal cost must not depend on inputs")
		}
	}

	b := &builder{
		o:        o,
		tree:     tree,
		cons:     cons,
		scheme:   scheme,
		bindings: make(map[[2]int]transcribe.Binding),
		stages:   make([][]transcribe.Binding, s.NHorizon+1),
	}
	if err := b.build(rhs, lterm, mterm); err != nil {
		return err
	}

	o.tree = tree
	o.cons = cons
	o.problem = &nlp.Problem{
		N:      b.vars.Len(),
		Lower:  b.vars.Lower,
		Upper:  b.vars.Upper,
		Costs:  b.costs,
		Blocks: b.blocks,
	}
	if err := o.problem.Validate(); err != nil {
		return err
	}
	o.initGuess = b.vars.Init
	o.nodeX, o.nodeU = b.nodeX, b.nodeU
	o.states = b.states
	o.slacks = b.slacks
	o.stages = b.stages
	o.tvpRows = make([][]float64, s.NHorizon+1)
	o.phase = built

	o.logger.Info("setup complete",
		slog.Int("nodes", len(tree.Nodes)),
		slog.Int("scenarios", len(tree.Leaves())),
		slog.Int("variables", o.problem.N),
		slog.Int("constraints", o.problem.Rows()),
	)
	return nil
}

type builder struct {
	o      *Optimizer
	tree   *scenario.Tree
	cons   *constraint.Set
	scheme *colloc.Scheme

	vars   transcribe.Vars
	nodeX  [][]int
	nodeU  [][]int
	states [][]int
	slacks []int
	costs  []nlp.Cost
	blocks []nlp.Block

	bindings map[[2]int]transcribe.Binding
	stages   [][]transcribe.Binding
}

// binding returns the data binding of one parameter combination at one
// stage. Bindings of a stage receive that stage's tvp row before each solve.
func (b *builder) binding(comb, stage int) transcribe.Binding {
	key := [2]int{comb, stage}
	if bd, ok := b.bindings[key]; ok {
		return bd
	}
	bd := transcribe.NewBinding(b.o.model)
	bd.SetData(model.Param, b.tree.Combinations[comb])
	b.bindings[key] = bd
	b.stages[stage] = append(b.stages[stage], bd)
	return bd
}

func (b *builder) build(rhs []*model.Func, lterm, mterm *model.Func) error {
	o := b.o
	m := o.model
	nx, nu := m.Dim(model.State), m.Dim(model.Input)
	xScale, uScale := b.cons.StateScale, b.cons.InputScale
	xlo, xup := b.cons.ScaledStateBounds()
	ulo, uup := b.cons.ScaledInputBounds()

	var xinit, uinit []float64
	if o.xGuess != nil {
		xinit = transcribe.Scaled(o.xGuess, xScale)
	}
	o.uPrev = make([]float64, nu)
	if o.uGuess != nil {
		uinit = transcribe.Scaled(o.uGuess, uScale)
		copy(o.uPrev, o.uGuess)
	}

	nodes := b.tree.Nodes
	b.nodeX = make([][]int, len(nodes))
	b.nodeU = make([][]int, len(nodes))
	for id := range nodes {
		b.nodeX[id] = b.vars.Add(nx, xlo, xup, xinit)
		b.states = append(b.states, b.nodeX[id])
		if !b.tree.IsLeaf(id) {
			b.nodeU[id] = b.vars.Add(nu, ulo, uup, uinit)
		}
	}

	for id, n := range nodes {
		if n.Parent < 0 {
			continue
		}
		parent := nodes[n.Parent]
		starts, points := transcribe.AllocInterval(&b.vars, b.scheme, nx, xlo, xup, xinit)
		b.states = append(b.states, starts...)
		for _, el := range points {
			b.states = append(b.states, el...)
		}
		iv := transcribe.Interval{
			Scheme:     b.scheme,
			Length:     o.settings.TStep,
			Start:      b.nodeX[n.Parent],
			End:        b.nodeX[id],
			Starts:     starts,
			Points:     points,
			StateScale: xScale,
			Binding:    b.binding(n.Combination, parent.Stage).With(model.Input, b.nodeU[n.Parent], uScale),
		}
		blocks, err := iv.Blocks(fmt.Sprintf("edge[%d]", id), rhs)
		if err != nil {
			return err
		}
		b.blocks = append(b.blocks, blocks...)
	}

	rw := o.rtermWeights()
	for id, n := range nodes {
		node := b.binding(n.Combination, n.Stage).With(model.State, b.nodeX[id], xScale)
		site := fmt.Sprintf("node[%d]", id)

		if b.tree.IsLeaf(id) {
			if mterm != nil {
				c, err := node.Cost(mterm, 1)
				if err != nil {
					return fmt.Errorf("terminal cost at %s: %w", site, err)
				}
				b.costs = append(b.costs, c)
			}
		} else {
			own := node.With(model.Input, b.nodeU[id], uScale)
			if lterm != nil {
				c, err := own.Cost(lterm, 1)
				if err != nil {
					return fmt.Errorf("stage cost at %s: %w", site, err)
				}
				b.costs = append(b.costs, c)
			}
			if c, ok := b.moveCost(id, n.Parent, rw); ok {
				b.costs = append(b.costs, c)
			}
			if id == 0 {
				if err := b.emit(constraint.Site{Name: site, Binding: own, Root: true}); err != nil {
					return err
				}
			}
		}
		if n.Parent >= 0 {
			applied := node.With(model.Input, b.nodeU[n.Parent], uScale)
			if err := b.emit(constraint.Site{Name: site, Binding: applied}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) emit(site constraint.Site) error {
	em, err := b.cons.Emit(site, &b.vars)
	if err != nil {
		return err
	}
	b.blocks = append(b.blocks, em.Blocks...)
	b.costs = append(b.costs, em.Costs...)
	b.slacks = append(b.slacks, em.Slacks...)
	return nil
}

func (o *Optimizer) rtermWeights() []float64 {
	w := make([]float64, o.model.Dim(model.Input))
	for name, weight := range o.rterm {
		v, _ := o.model.Lookup(model.Input, name)
		for i := v.Offset; i < v.Offset+v.Shape; i++ {
			w[i] = weight
		}
	}
	return w
}

// moveCost penalizes the change of the node's control against its parent's
// control, or against the previously applied control at the root.
func (b *builder) moveCost(id, parent int, w []float64) (nlp.Cost, bool) {
	var sel []int
	for i, wi := range w {
		if wi > 0 {
			sel = append(sel, i)
		}
	}
	if len(sel) == 0 {
		return nlp.Cost{}, false
	}
	scale := b.cons.InputScale
	cur := make([]int, len(sel))
	sc := make([]float64, len(sel))
	ws := make([]float64, len(sel))
	for k, i := range sel {
		cur[k] = b.nodeU[id][i]
		sc[k] = scale[i]
		ws[k] = w[i]
	}
	if parent < 0 {
		opt := b.o
		return transcribe.QuadraticCost(cur, sc, ws, func(k int) float64 { return opt.uPrev[sel[k]] }), true
	}
	prev := make([]int, len(sel))
	for k, i := range sel {
		prev[k] = b.nodeU[parent][i]
	}
	return differenceCost(cur, prev, sc, ws), true
}

// differenceCost is sum_k w_k * (s_k*x[a_k] - s_k*x[b_k])^2.
func differenceCost(a, b []int, scale, weight []float64) nlp.Cost {
	n := len(a)
	vars := append(append([]int(nil), a...), b...)
	return nlp.Cost{
		Vars: vars,
		Value: func(x []float64) float64 {
			s := 0.0
			for k := 0; k < n; k++ {
				d := scale[k] * (x[k] - x[n+k])
				s += weight[k] * d * d
			}
			return s
		},
		Grad: func(x, g []float64) {
			for k := 0; k < n; k++ {
				v := 2 * weight[k] * scale[k] * scale[k] * (x[k] - x[n+k])
				g[k] = v
				g[n+k] = -v
			}
		},
		Hess: func(x, h []float64) {
			for i := range h {
				h[i] = 0
			}
			m := 2 * n
			for k := 0; k < n; k++ {
				v := 2 * weight[k] * scale[k] * scale[k]
				h[k*m+k] = v
				h[(n+k)*m+n+k] = v
				h[k*m+n+k] = -v
				h[(n+k)*m+k] = -v
			}
		},
	}
}
