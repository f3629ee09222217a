package pgo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/flowprof/config"
	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/proferrors"
)

// seqAllocator lays slots out back to back, like the runtime does.
type seqAllocator struct {
	calls  int
	schema []SchemaEntry
	buffer ProfileBuffer
}

func (a *seqAllocator) AllocProfileBuffer(method MethodHandle, schema []SchemaEntry) (ProfileBuffer, error) {
	a.calls++
	var offset uint32
	for i := range schema {
		schema[i].Offset = offset
		offset += schema[i].SlotSize()
	}
	a.schema = append([]SchemaEntry(nil), schema...)
	a.buffer = make(ProfileBuffer, offset)
	return a.buffer, nil
}

type refusingAllocator struct{ calls int }

func (a *refusingAllocator) AllocProfileBuffer(MethodHandle, []SchemaEntry) (ProfileBuffer, error) {
	a.calls++
	return nil, proferrors.ErrNotInstrumentable
}

type failingAllocator struct{}

func (failingAllocator) AllocProfileBuffer(MethodHandle, []SchemaEntry) (ProfileBuffer, error) {
	return nil, errors.New("buffer pool exhausted")
}

func importedChain(ils ...uint32) (*flowgraph.Graph, []*flowgraph.Block) {
	g := flowgraph.New()
	blocks := make([]*flowgraph.Block, 0, len(ils))
	for i, il := range ils {
		kind := flowgraph.Fallthrough
		if i == len(ils)-1 {
			kind = flowgraph.Return
		}
		b := g.NewBlock(kind, il)
		b.SetFlag(flowgraph.FlagImported)
		if i > 0 {
			blocks[i-1].Next = b
		}
		blocks = append(blocks, b)
	}
	g.ComputePreds()
	return g, blocks
}

func TestInstrumentBlockProbes(t *testing.T) {
	g, blocks := importedChain(0, 4, 8)
	comp := NewCompilation(g, "test!Chain", config.Default())

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))
	require.Equal(t, 1, alloc.calls)

	require.Len(t, comp.InstrSchema, 3)
	require.Len(t, comp.InstrBuffer, 12)
	for i, e := range comp.InstrSchema {
		require.Equal(t, KindBlockIntCount, e.Kind)
		require.Equal(t, int32(blocks[i].ILOffset), e.ILOffset)
		require.Equal(t, uint32(1), e.Count)
		require.Equal(t, uint32(i*4), e.Offset)
	}

	// Every counted block leads with counter = counter + 1.
	for _, b := range blocks {
		require.NotEmpty(t, b.Stmts)
		root := b.Stmts[0].Root
		require.Equal(t, flowgraph.OpAssign, root.Op)
		require.Equal(t, flowgraph.OpInd, root.Args[0].Op)
		require.Equal(t, flowgraph.OpAdd, root.Args[1].Op)
		require.Equal(t, flowgraph.OpInd, root.Args[1].Args[0].Op)
		require.Equal(t, flowgraph.OpConst, root.Args[1].Args[1].Op)
		require.Equal(t, int64(1), root.Args[1].Args[1].Val)
	}
}

func TestInstrumentSkipsInternalAndUnimportedBlocks(t *testing.T) {
	g, blocks := importedChain(0, 4, 8, 12)
	blocks[1].SetFlag(flowgraph.FlagInternal)
	blocks[2].ClearFlag(flowgraph.FlagImported)
	comp := NewCompilation(g, "test!Sparse", config.Default())

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))

	require.Len(t, comp.InstrSchema, 2)
	require.Equal(t, int32(0), comp.InstrSchema[0].ILOffset)
	require.Equal(t, int32(12), comp.InstrSchema[1].ILOffset)
	require.Empty(t, blocks[1].Stmts)
	require.Empty(t, blocks[2].Stmts)
}

func TestInstrumentMinimalProfilingBailout(t *testing.T) {
	g, blocks := importedChain(0)
	cfg := config.Default()
	cfg.MinimalProfiling = true
	comp := NewCompilation(g, "test!Tiny", cfg)

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))

	// The schema was built and discarded; no allocation, no mutation.
	require.Equal(t, 0, alloc.calls)
	require.Nil(t, comp.InstrSchema)
	require.Empty(t, blocks[0].Stmts)
}

func TestInstrumentMinimalProfilingKeepsLargerMethods(t *testing.T) {
	g, _ := importedChain(0, 4, 8)
	cfg := config.Default()
	cfg.MinimalProfiling = true
	comp := NewCompilation(g, "test!Chain", cfg)

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))
	require.Equal(t, 1, alloc.calls)
}

func newClassProfileMethod(stub bool) (*flowgraph.Graph, *flowgraph.Call) {
	g := flowgraph.New()
	b := g.NewBlock(flowgraph.Return, 0)
	b.SetFlag(flowgraph.FlagImported)
	b.SetFlag(flowgraph.FlagHasClassProfile)

	call := &flowgraph.Call{
		ILOffset:      6,
		Virtual:       true,
		VirtualStub:   stub,
		VirtualVtable: !stub,
		This:          flowgraph.NewLocal(0),
		Candidate: &flowgraph.ClassProfileCandidate{
			ILOffset: 6,
			StubAddr: 0x1234,
		},
	}
	b.AppendStmt(flowgraph.NewCallTree(call))
	g.ComputePreds()
	return g, call
}

func TestInstrumentClassProbe(t *testing.T) {
	g, call := newClassProfileMethod(false)
	comp := NewCompilation(g, "test!Virtual", config.Default())
	comp.ClassProbeCount = 1

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))

	// Two histogram entries per class probe, plus the block probe.
	require.Len(t, comp.InstrSchema, 3)
	histCount, histHandles, blockEntry := comp.InstrSchema[0], comp.InstrSchema[1], comp.InstrSchema[2]

	require.Equal(t, KindTypeHandleHistogramCount, histCount.Kind)
	require.Equal(t, int32(6), histCount.ILOffset)
	require.Equal(t, uint32(1), histCount.Count)
	require.Equal(t, ClassFlag, histCount.Other)

	require.Equal(t, KindTypeHandleHistogramTypeHandle, histHandles.Kind)
	require.Equal(t, int32(6), histHandles.ILOffset)
	require.Equal(t, uint32(ClassProfileSize), histHandles.Count)

	require.Equal(t, KindBlockIntCount, blockEntry.Kind)

	// 4-byte count + 8 handle slots + 4-byte block counter.
	require.Len(t, comp.InstrBuffer, 4+ClassProfileSize*8+4)

	// The receiver is evaluated once into a temp, profiled, then reused:
	// (COMMA (ASG tmp, obj) (COMMA (CALL helper tmp, &entry) tmp)).
	this := call.This
	require.Equal(t, flowgraph.OpComma, this.Op)
	asg := this.Args[0]
	require.Equal(t, flowgraph.OpAssign, asg.Op)
	require.Equal(t, flowgraph.OpLocal, asg.Args[0].Op)
	inner := this.Args[1]
	require.Equal(t, flowgraph.OpComma, inner.Op)
	helper := inner.Args[0]
	require.Equal(t, flowgraph.OpHelperCall, helper.Op)
	require.Equal(t, int64(HelperClassProfile), helper.Val)
	require.Equal(t, flowgraph.OpCounterAddr, helper.Args[1].Op)
	require.Equal(t, histCount.Offset, helper.Args[1].Counter.Offset)
	require.Equal(t, flowgraph.OpLocal, inner.Args[1].Op)
	require.Equal(t, asg.Args[0].Val, inner.Args[1].Val)

	// Stub address restored from the candidate.
	require.Equal(t, uint64(0x1234), call.StubAddr)
}

func TestInstrumentInterfaceProbeFlags(t *testing.T) {
	g, _ := newClassProfileMethod(true)
	comp := NewCompilation(g, "test!Interface", config.Default())
	comp.ClassProbeCount = 1

	require.NoError(t, comp.InstrumentMethod(&seqAllocator{}))
	require.Equal(t, ClassFlag|InterfaceFlag, comp.InstrSchema[0].Other)
}

func TestInstrumentNotImplementedStillRestoresStubs(t *testing.T) {
	g, call := newClassProfileMethod(false)
	comp := NewCompilation(g, "test!Generic", config.Default())
	comp.ClassProbeCount = 1

	alloc := &refusingAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))
	require.Equal(t, 1, alloc.calls)

	// Degraded silently: no probes, no schema kept, but the stub
	// address came back.
	require.Nil(t, comp.InstrSchema)
	require.Equal(t, uint64(0x1234), call.StubAddr)
	require.Equal(t, flowgraph.OpLocal, call.This.Op)
}

func TestInstrumentAllocatorFailureIsFatal(t *testing.T) {
	g, _ := importedChain(0, 4, 8)
	comp := NewCompilation(g, "test!Fatal", config.Default())

	err := comp.InstrumentMethod(failingAllocator{})
	require.Error(t, err)
	require.ErrorIs(t, err, proferrors.ErrAllocatorFailure)
	require.True(t, proferrors.IsFatal(err))
}

func TestInstrumentSchemaMismatch(t *testing.T) {
	g, _ := newClassProfileMethod(false)
	comp := NewCompilation(g, "test!Mismatch", config.Default())
	comp.ClassProbeCount = 2 // import tallied two, tree walk finds one

	err := comp.InstrumentMethod(&seqAllocator{})
	require.ErrorIs(t, err, proferrors.ErrSchemaMismatch)
}

func TestInstrumentPrejitEntryCallback(t *testing.T) {
	g, blocks := importedChain(0, 4, 8)
	comp := NewCompilation(g, "test!Prejit", config.Default())
	comp.Prejit = true

	alloc := &seqAllocator{}
	require.NoError(t, comp.InstrumentMethod(alloc))

	require.True(t, g.FirstIsScratch())
	scratch := g.First()
	require.NotEmpty(t, scratch.Stmts)

	// (firstCounter != 0) ? nop : BBT_FCN_ENTER(methodHandle)
	guard := scratch.Stmts[len(scratch.Stmts)-1].Root
	require.Equal(t, flowgraph.OpQmark, guard.Op)
	relop := guard.Args[0]
	require.Equal(t, flowgraph.OpNe, relop.Op)
	require.Equal(t, flowgraph.OpInd, relop.Args[0].Op)
	require.Equal(t, alloc.schema[0].Offset, relop.Args[0].Counter.Offset)
	require.Equal(t, flowgraph.OpNop, guard.Args[1].Op)
	helper := guard.Args[2]
	require.Equal(t, flowgraph.OpHelperCall, helper.Op)
	require.Equal(t, int64(HelperBBTFcnEnter), helper.Val)
	require.Equal(t, flowgraph.OpMethodHandle, helper.Args[0].Op)

	// The first IL block still has its counter increment.
	require.Equal(t, flowgraph.OpAssign, blocks[0].Stmts[0].Root.Op)
}

func TestInstrumentSchemaLengthInvariant(t *testing.T) {
	// schema length == 2*classProbeCount + blockProbeCount
	g, call := newClassProfileMethod(false)
	b2 := g.NewBlock(flowgraph.Return, 10)
	b2.SetFlag(flowgraph.FlagImported)
	_ = call
	comp := NewCompilation(g, "test!Invariant", config.Default())
	comp.ClassProbeCount = 1

	require.NoError(t, comp.InstrumentMethod(&seqAllocator{}))
	require.Len(t, comp.InstrSchema, 2*1+2)
}
