package pgo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/flowprof/config"
	"github.com/colorfulnotion/flowprof/flowgraph"
)

func newTestCompilation(t *testing.T, g *flowgraph.Graph) *Compilation {
	t.Helper()
	c := NewCompilation(g, "test!Method", config.Default())
	c.Optimizing = true
	c.UsingProfileWeights = true
	return c
}

func requireEdgeRangesOrdered(t *testing.T, g *flowgraph.Graph) {
	t.Helper()
	for _, b := range g.Blocks {
		for _, e := range b.Preds {
			require.LessOrEqual(t, e.WeightMin(), e.WeightMax(),
				"edge BB%02d->BB%02d", e.Src().Num, b.Num)
		}
	}
}

func requireRunRarelyInLockstep(t *testing.T, g *flowgraph.Graph) {
	t.Helper()
	for _, b := range g.Blocks {
		if b.Weight == 0 {
			require.True(t, b.HasFlag(flowgraph.FlagRunRarely), "BB%02d weight 0 without run-rarely", b.Num)
		} else {
			require.False(t, b.HasFlag(flowgraph.FlagRunRarely), "BB%02d run-rarely with weight %g", b.Num, b.Weight)
		}
	}
}

// Diamond: A(COND) -> {B, C}; B -> D; C -> D; D(RETURN).
func buildDiamond() (*flowgraph.Graph, []*flowgraph.Block) {
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Cond, 0)
	b := g.NewBlock(flowgraph.Fallthrough, 4)
	c := g.NewBlock(flowgraph.Always, 8)
	d := g.NewBlock(flowgraph.Return, 12)
	a.Next, a.JumpDest = b, c
	b.Next = d
	c.JumpDest = d
	g.ComputePreds()
	return g, []*flowgraph.Block{a, b, c, d}
}

func TestSolveDiamondAllProfiled(t *testing.T) {
	g, blocks := buildDiamond()
	a, b, cc, d := blocks[0], blocks[1], blocks[2], blocks[3]
	a.SetProfileWeight(100)
	b.SetProfileWeight(50)
	cc.SetProfileWeight(50)
	d.SetProfileWeight(100)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.True(t, res.HasValidEdgeWeights)
	require.False(t, res.InconsistentProfile)
	require.Equal(t, flowgraph.Weight(100), res.CalledCount)
	require.Equal(t, 4, res.EdgeCount)
	require.False(t, res.SlopUsed)
	require.False(t, res.RangeUsed)

	for _, pair := range [][2]*flowgraph.Block{{a, b}, {a, cc}, {b, d}, {cc, d}} {
		e := flowgraph.PredForBlock(pair[1], pair[0])
		require.NotNil(t, e)
		require.True(t, e.Exact())
		require.Equal(t, flowgraph.Weight(50), e.WeightMin())
	}
	requireEdgeRangesOrdered(t, g)
	requireRunRarelyInLockstep(t, g)
}

func TestSolveDiamondUnmeasuredInterior(t *testing.T) {
	// The interior of a diamond satisfies neither conclusive-flow rule,
	// so propagation cannot invent weights for B and C; the edge solver
	// then runs into zero-weight interior blocks and flags the profile
	// inconsistent rather than crashing.
	g, blocks := buildDiamond()
	blocks[0].SetProfileWeight(100)
	blocks[3].SetProfileWeight(100)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.False(t, blocks[1].HasProfileWeight)
	require.False(t, blocks[2].HasProfileWeight)
	require.True(t, res.InconsistentProfile)
	require.False(t, res.HasValidEdgeWeights)
	requireEdgeRangesOrdered(t, g)
}

func TestSolveMissingMiddle(t *testing.T) {
	// A(FALLTHROUGH, 10) -> B(no profile) -> C(RETURN, 10): both
	// conclusive-flow rules apply and B's weight transfers exactly.
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Fallthrough, 0)
	b := g.NewBlock(flowgraph.Fallthrough, 4)
	c := g.NewBlock(flowgraph.Return, 8)
	a.Next = b
	b.Next = c
	g.ComputePreds()
	a.SetProfileWeight(10)
	c.SetProfileWeight(10)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.Equal(t, flowgraph.Weight(10), b.Weight)
	require.False(t, b.HasProfileWeight)
	require.False(t, b.HasFlag(flowgraph.FlagRunRarely))

	require.True(t, res.HasValidEdgeWeights)
	require.Equal(t, flowgraph.Weight(10), res.CalledCount)

	ab := flowgraph.PredForBlock(b, a)
	bc := flowgraph.PredForBlock(c, b)
	require.True(t, ab.Exact())
	require.Equal(t, flowgraph.Weight(10), ab.WeightMin())
	require.True(t, bc.Exact())
	require.Equal(t, flowgraph.Weight(10), bc.WeightMin())
}

func TestSolveInconsistentProfile(t *testing.T) {
	// A(COND, 100) -> {B(60), C(60)}: 60+60 exceeds 100 beyond slop.
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Cond, 0)
	b := g.NewBlock(flowgraph.Return, 4)
	c := g.NewBlock(flowgraph.Return, 8)
	a.Next, a.JumpDest = b, c
	g.ComputePreds()
	a.SetProfileWeight(100)
	b.SetProfileWeight(60)
	c.SetProfileWeight(60)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.True(t, res.InconsistentProfile)
	require.False(t, res.HasValidEdgeWeights)
	requireEdgeRangesOrdered(t, g)
}

func TestSolveOscillatorTerminates(t *testing.T) {
	// A dead ring whose blocks copy their successor weights around the
	// cycle never reaches a fixed point; the iteration cap must stop
	// the propagation and edge refinement must still run.
	g := flowgraph.New()
	e := g.NewBlock(flowgraph.Return, 0)
	m := g.NewBlock(flowgraph.Always, 4)
	n := g.NewBlock(flowgraph.Always, 8)
	q := g.NewBlock(flowgraph.Always, 12)
	m.JumpDest = n
	n.JumpDest = q
	q.JumpDest = m
	g.ComputePreds()

	e.SetProfileWeight(5)
	m.Weight, n.Weight, q.Weight = 1, 2, 3

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	// Phase 3 ran: the ring's edges were seeded and counted.
	require.Equal(t, 3, res.EdgeCount)
	require.True(t, res.HasValidEdgeWeights)
	requireEdgeRangesOrdered(t, g)
}

func TestSolveCalledCountFromReturnWeight(t *testing.T) {
	// Back-edges into the entry: called count comes from the summed
	// return weights, not the entry weight.
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Cond, 0)
	b := g.NewBlock(flowgraph.Cond, 4)
	c := g.NewBlock(flowgraph.Always, 8)
	d := g.NewBlock(flowgraph.Return, 12)
	a.Next, a.JumpDest = b, d
	b.Next, b.JumpDest = c, a
	c.JumpDest = a
	g.ComputePreds()
	a.SetProfileWeight(200)
	b.SetProfileWeight(100)
	c.SetProfileWeight(50)
	d.SetProfileWeight(100)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.Equal(t, 2, a.CountInEdges())
	require.Equal(t, flowgraph.Weight(100), res.CalledCount)
	require.True(t, res.HasValidEdgeWeights)
	requireEdgeRangesOrdered(t, g)
}

func TestSolveCalledCountWhenMethodNeverReturns(t *testing.T) {
	// returnWeight zero: fall back to the entry block weight.
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Fallthrough, 0)
	b := g.NewBlock(flowgraph.Always, 4)
	a.Next = b
	b.JumpDest = b
	g.ComputePreds()
	a.SetProfileWeight(7)
	b.SetProfileWeight(7000)

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.Equal(t, flowgraph.Weight(7), res.CalledCount)
}

func TestSolveScratchEntryInheritsCalledCount(t *testing.T) {
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Fallthrough, 0)
	b := g.NewBlock(flowgraph.Return, 4)
	a.Next = b
	g.ComputePreds()
	a.SetProfileWeight(42)
	b.SetProfileWeight(42)
	scratch := g.EnsureFirstIsScratch()

	comp := newTestCompilation(t, g)
	res := comp.ComputeBlockAndEdgeWeights()

	require.Equal(t, flowgraph.Weight(42), res.CalledCount)
	require.True(t, scratch.HasProfileWeight)
	require.Equal(t, flowgraph.Weight(42), scratch.Weight)
	require.False(t, scratch.HasFlag(flowgraph.FlagRunRarely))
}

func TestSolvePropagatesZeroWeightAndRunRarely(t *testing.T) {
	g := flowgraph.New()
	a := g.NewBlock(flowgraph.Fallthrough, 0)
	b := g.NewBlock(flowgraph.Fallthrough, 4)
	c := g.NewBlock(flowgraph.Return, 8)
	a.Next = b
	b.Next = c
	g.ComputePreds()
	a.SetProfileWeight(0)
	c.SetProfileWeight(0)
	b.Weight = 3 // stale heuristic estimate

	comp := newTestCompilation(t, g)
	comp.ComputeBlockAndEdgeWeights()

	require.Equal(t, flowgraph.Weight(0), b.Weight)
	require.True(t, b.HasFlag(flowgraph.FlagRunRarely))
	requireRunRarelyInLockstep(t, g)
}

func TestSolveIdempotent(t *testing.T) {
	g, blocks := buildDiamond()
	blocks[0].SetProfileWeight(100)
	blocks[1].SetProfileWeight(50)
	blocks[2].SetProfileWeight(50)
	blocks[3].SetProfileWeight(100)

	comp := newTestCompilation(t, g)
	first := comp.ComputeBlockAndEdgeWeights()

	type edgeState struct{ min, max flowgraph.Weight }
	snapshot := func() []edgeState {
		var out []edgeState
		for _, b := range g.Blocks {
			for _, e := range b.Preds {
				out = append(out, edgeState{e.WeightMin(), e.WeightMax()})
			}
		}
		return out
	}
	before := snapshot()

	second := comp.ComputeBlockAndEdgeWeights()
	require.Equal(t, first.CalledCount, second.CalledCount)
	require.Equal(t, first.HasValidEdgeWeights, second.HasValidEdgeWeights)
	require.Equal(t, before, snapshot())
}

func TestSolveWithoutProfileSkipsEdgeWeights(t *testing.T) {
	g, _ := buildDiamond()
	comp := NewCompilation(g, "test!NoProfile", config.Default())
	comp.Optimizing = true

	res := comp.ComputeBlockAndEdgeWeights()
	require.False(t, res.HasValidEdgeWeights)
	require.False(t, res.InconsistentProfile)
	require.Equal(t, flowgraph.UnityWeight, res.CalledCount)
	require.Equal(t, 0, res.EdgeCount)
}
