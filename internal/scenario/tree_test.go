package scenario_test

import (
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/scenario"
)

var _ = Describe("Build", func() {
	cstr := scenario.Realizations{
		"alpha": {1.0, 1.05, 0.95},
		"beta":  {1.0, 1.1, 0.9},
	}
	params := []string{"alpha", "beta"}

	It("grows as b^min(k, n_robust) per stage", func() {
		for _, nRobust := range []int{0, 1, 2} {
			tree, err := scenario.Build(params, cstr, 5, nRobust)
			Expect(err).NotTo(HaveOccurred())
			Expect(tree.Branching()).To(Equal(9))
			for k := 0; k <= 5; k++ {
				want := int(math.Pow(9, float64(min(k, nRobust))))
				Expect(tree.Stages[k]).To(HaveLen(want), "stage %d n_robust %d", k, nRobust)
			}
		}
	})

	It("degenerates to a single path without robust stages", func() {
		tree, err := scenario.Build(params, cstr, 20, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Nodes).To(HaveLen(21))
		for _, n := range tree.Nodes {
			Expect(n.Combination).To(Equal(0))
			Expect(len(n.Children)).To(BeNumerically("<=", 1))
		}
		Expect(tree.Values(20)).To(Equal([]float64{1.0, 1.0}))
	})

	It("enumerates combinations with the first parameter varying slowest", func() {
		tree, err := scenario.Build(params, cstr, 2, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Combinations[0]).To(Equal([]float64{1.0, 1.0}))
		Expect(tree.Combinations[1]).To(Equal([]float64{1.0, 1.1}))
		Expect(tree.Combinations[3]).To(Equal([]float64{1.05, 1.0}))
		Expect(tree.Combinations[8]).To(Equal([]float64{0.95, 0.9}))
	})

	It("inherits the parent realization after the robust horizon", func() {
		tree, err := scenario.Build(params, cstr, 4, 1)
		Expect(err).NotTo(HaveOccurred())
		for _, id := range tree.Stages[1] {
			Expect(tree.Nodes[id].Combination).To(Equal(id - 1))
		}
		for _, leaf := range tree.Leaves() {
			path := tree.Path(leaf)
			Expect(path).To(HaveLen(5))
			Expect(path[0]).To(Equal(0))
			want := tree.Nodes[path[1]].Combination
			for _, id := range path[1:] {
				Expect(tree.Nodes[id].Combination).To(Equal(want))
			}
		}
	})

	It("links every non-root node to a parent one stage earlier", func() {
		tree, err := scenario.Build(params, cstr, 3, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Nodes[0].Parent).To(Equal(-1))
		for _, n := range tree.Nodes[1:] {
			Expect(tree.Nodes[n.Parent].Stage).To(Equal(n.Stage - 1))
			Expect(tree.Nodes[n.Parent].Children).To(ContainElement(n.ID))
		}
		for _, leaf := range tree.Leaves() {
			Expect(tree.IsLeaf(leaf)).To(BeTrue())
		}
		for k := 0; k < 3; k++ {
			for _, id := range tree.Stages[k] {
				Expect(tree.IsLeaf(id)).To(BeFalse(), "stage %d node %d", k, id)
			}
		}
	})

	It("builds a single combination without uncertain parameters", func() {
		tree, err := scenario.Build(nil, nil, 3, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Branching()).To(Equal(1))
		Expect(tree.Nodes).To(HaveLen(4))
		Expect(tree.Values(3)).To(BeEmpty())
	})

	DescribeTable("rejects invalid configurations",
		func(params []string, r scenario.Realizations, nHorizon, nRobust int) {
			_, err := scenario.Build(params, r, nHorizon, nRobust)
			Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue(), "got %v", err)
		},
		Entry("zero horizon", params, cstr, 0, 0),
		Entry("negative robust horizon", params, cstr, 5, -1),
		Entry("robust beyond horizon", params, cstr, 2, 3),
		Entry("missing set", params, scenario.Realizations{"alpha": {1}}, 5, 1),
		Entry("empty set", []string{"alpha"}, scenario.Realizations{"alpha": {}}, 5, 1),
		Entry("undeclared parameter", []string{"alpha"}, cstr, 5, 1),
		Entry("too many nodes", params, cstr, 10, 10),
	)
})
