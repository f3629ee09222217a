package flowgraph

// Graph owns the blocks of one method in CFG order. Blocks[0] is the
// method entry.
type Graph struct {
	Blocks []*Block

	nextTemp int
}

func New() *Graph {
	return &Graph{}
}

// NewBlock appends a block in CFG order.
func (g *Graph) NewBlock(kind JumpKind, ilOffset uint32) *Block {
	b := &Block{
		Num:      len(g.Blocks) + 1,
		ILOffset: ilOffset,
		Kind:     kind,
	}
	g.Blocks = append(g.Blocks, b)
	return b
}

func (g *Graph) First() *Block {
	if len(g.Blocks) == 0 {
		return nil
	}
	return g.Blocks[0]
}

// ComputePreds rebuilds every block's incoming edge list from the
// structural successor links. Existing edge ranges are discarded.
func (g *Graph) ComputePreds() {
	for _, b := range g.Blocks {
		b.Preds = nil
	}
	for _, b := range g.Blocks {
		for _, succ := range b.Succs() {
			succ.Preds = append(succ.Preds, newEdge(b))
		}
	}
}

// AddEdge records a single incoming edge src -> dst with an unknown range.
func (g *Graph) AddEdge(src, dst *Block) *Edge {
	e := newEdge(src)
	dst.Preds = append(dst.Preds, e)
	return e
}

// PredForBlock finds the edge src -> dst, or nil if there is none.
func PredForBlock(dst, src *Block) *Edge {
	for _, e := range dst.Preds {
		if e.src == src {
			return e
		}
	}
	return nil
}

// FirstIsScratch reports whether the entry is a synthesized scratch block.
func (g *Graph) FirstIsScratch() bool {
	first := g.First()
	return first != nil && first.HasFlag(FlagScratch)
}

// EnsureFirstIsScratch materializes an internal scratch block ahead of
// the method entry, so instrumentation can prepend statements without
// disturbing IL-mapped blocks. Idempotent.
func (g *Graph) EnsureFirstIsScratch() *Block {
	if g.FirstIsScratch() {
		return g.First()
	}
	oldFirst := g.First()
	scratch := &Block{
		Num:   len(g.Blocks) + 1,
		Kind:  Fallthrough,
		Flags: FlagInternal | FlagScratch | FlagImported,
		Next:  oldFirst,
	}
	g.Blocks = append([]*Block{scratch}, g.Blocks...)
	if oldFirst != nil {
		oldFirst.Preds = append(oldFirst.Preds, newEdge(scratch))
	}
	return scratch
}

// GrabTemp allocates a fresh local slot. The reason string only feeds
// trace output.
func (g *Graph) GrabTemp(reason string) int {
	n := g.nextTemp
	g.nextTemp++
	_ = reason
	return n
}
