package flowgraph

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Dump renders the flowgraph as an indented tree: one branch per block
// in CFG order, incoming edges as children with their weight ranges.
func (g *Graph) Dump() string {
	tree := treeprint.NewWithRoot("flowgraph")
	for _, b := range g.Blocks {
		label := b.String()
		if b.HasProfileWeight {
			label += " (profiled)"
		}
		if b.HasFlag(FlagRunRarely) {
			label += " (rarely)"
		}
		branch := tree.AddBranch(label)
		for _, e := range b.Preds {
			branch.AddNode(fmt.Sprintf("pred BB%02d %s", e.Src().Num, formatRange(e)))
		}
		if succs := b.Succs(); len(succs) > 0 {
			for _, s := range succs {
				branch.AddNode(fmt.Sprintf("succ BB%02d", s.Num))
			}
		}
	}
	return tree.String()
}

func formatRange(e *Edge) string {
	if e.WeightMax() == MaxWeight {
		if e.WeightMin() == ZeroWeight {
			return "[unknown]"
		}
		return fmt.Sprintf("[%g..max]", e.WeightMin())
	}
	if e.Exact() {
		return fmt.Sprintf("[%g]", e.WeightMin())
	}
	return fmt.Sprintf("[%g..%g]", e.WeightMin(), e.WeightMax())
}
