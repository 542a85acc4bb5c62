// Package scenario builds the multi-stage scenario tree used by robust MPC.
//
// Every combination of uncertain parameter realizations spawns one child per
// node for the first n_robust stages. Beyond the robust horizon each node has
// exactly one child which inherits its parent's realization; the tree does
// not branch again.
package scenario

import (
	"sort"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// MaxNodes bounds the size of a tree.
const MaxNodes = 1_000_000

// Realizations maps an uncertain parameter name to its finite value set.
// The first value of each set is the nominal one.
type Realizations map[string][]float64

// Node is one vertex of the tree. The root has Parent -1.
type Node struct {
	ID          int
	Stage       int
	Parent      int
	Children    []int
	Combination int
}

// Tree is the scenario tree over NHorizon stages that branches on every
// parameter combination at each of the first NRobust stages.
type Tree struct {
	NHorizon int
	NRobust  int
	Params   []string
	// Combinations[j] holds one value per parameter, in Params order.
	Combinations [][]float64
	Nodes        []Node
	Stages       [][]int
}

// Build constructs the tree for the given declaration-ordered parameters.
func Build(params []string, r Realizations, nHorizon, nRobust int) (*Tree, error) {
	if nHorizon <= 0 {
		return nil, dynamo.Configf("n_horizon must be positive, got %d", nHorizon)
	}
	if nRobust < 0 {
		return nil, dynamo.Configf("n_robust must be non-negative, got %d", nRobust)
	}
	if nRobust > nHorizon {
		return nil, dynamo.Configf("n_robust %d exceeds n_horizon %d", nRobust, nHorizon)
	}

	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p] = true
		set, ok := r[p]
		if !ok {
			return nil, dynamo.Configf("no realization set for uncertain parameter %q", p)
		}
		if len(set) == 0 {
			return nil, dynamo.Configf("empty realization set for uncertain parameter %q", p)
		}
	}
	var unknown []string
	for name := range r {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, dynamo.Configf("realization set for undeclared parameter %q", unknown[0])
	}

	combos := combinations(params, r)
	b := len(combos)

	total, width := 1, 1
	for k := 1; k <= nHorizon; k++ {
		if k <= nRobust {
			width *= b
		}
		total += width
		if width > MaxNodes || total > MaxNodes {
			return nil, dynamo.Configf("scenario tree exceeds %d nodes (branching %d, n_robust %d)", MaxNodes, b, nRobust)
		}
	}

	t := &Tree{
		NHorizon:     nHorizon,
		NRobust:      nRobust,
		Params:       append([]string(nil), params...),
		Combinations: combos,
		Nodes:        make([]Node, 0, total),
		Stages:       make([][]int, nHorizon+1),
	}
	t.Nodes = append(t.Nodes, Node{ID: 0, Stage: 0, Parent: -1})
	t.Stages[0] = []int{0}

	for k := 1; k <= nHorizon; k++ {
		for _, pid := range t.Stages[k-1] {
			if k <= nRobust {
				for j := 0; j < b; j++ {
					t.addChild(pid, j)
				}
			} else {
				t.addChild(pid, t.Nodes[pid].Combination)
			}
		}
	}
	return t, nil
}

func (t *Tree) addChild(parent, combination int) {
	id := len(t.Nodes)
	stage := t.Nodes[parent].Stage + 1
	t.Nodes = append(t.Nodes, Node{ID: id, Stage: stage, Parent: parent, Combination: combination})
	t.Nodes[parent].Children = append(t.Nodes[parent].Children, id)
	t.Stages[stage] = append(t.Stages[stage], id)
}

// combinations enumerates the Cartesian product with the first parameter
// varying slowest.
func combinations(params []string, r Realizations) [][]float64 {
	out := [][]float64{{}}
	for _, p := range params {
		next := make([][]float64, 0, len(out)*len(r[p]))
		for _, prefix := range out {
			for _, v := range r[p] {
				c := make([]float64, len(prefix), len(prefix)+1)
				copy(c, prefix)
				next = append(next, append(c, v))
			}
		}
		out = next
	}
	return out
}

// Branching returns the number of children of a branching node.
func (t *Tree) Branching() int { return len(t.Combinations) }

// Values returns the parameter realization carried by a node.
func (t *Tree) Values(node int) []float64 {
	return t.Combinations[t.Nodes[node].Combination]
}

// Leaves returns the stage n_horizon nodes.
func (t *Tree) Leaves() []int { return t.Stages[t.NHorizon] }

// IsLeaf reports whether node has no children.
func (t *Tree) IsLeaf(node int) bool { return len(t.Nodes[node].Children) == 0 }

// Path returns the node ids from the root to node.
func (t *Tree) Path(node int) []int {
	path := make([]int, t.Nodes[node].Stage+1)
	for id := node; id >= 0; id = t.Nodes[id].Parent {
		path[t.Nodes[id].Stage] = id
	}
	return path
}
