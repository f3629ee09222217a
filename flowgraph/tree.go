package flowgraph

// A deliberately small expression IR: just enough structure for the
// instrumentation planner to thread counter increments and class-profile
// helper calls through existing statements.

type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpMethodHandle
	OpCounterAddr // typed counter-slot handle leaf
	OpLocal
	OpInd
	OpAdd
	OpNe
	OpAssign // Args[0] = Args[1]
	OpComma  // evaluate Args[0] for effect, yield Args[1]
	OpQmark  // Args[0] ? Args[1] : Args[2]
	OpCall
	OpHelperCall
)

// CounterRef addresses one counter slot inside the profile buffer.
// The planner never manufactures raw pointers; code generation resolves
// the ref against the buffer base at emit time.
type CounterRef struct {
	Offset uint32
}

// ClassProfileCandidate is recorded at import time for every virtual
// call site eligible for class profiling.
type ClassProfileCandidate struct {
	ILOffset   uint32
	ProbeIndex int
	StubAddr   uint64
}

// Call models a call expression.
type Call struct {
	ILOffset      uint32
	Virtual       bool
	VirtualStub   bool
	VirtualVtable bool
	Indirect      bool

	// StubAddr is the dispatch-helper address for virtual-stub calls.
	// Import clears it while a candidate is outstanding; the planner
	// restores it from Candidate.
	StubAddr  uint64
	Candidate *ClassProfileCandidate

	This *Tree
	Args []*Tree
}

type Tree struct {
	Op      Op
	Val     int64 // OpConst value, OpLocal slot, OpHelperCall helper id
	Counter CounterRef
	Args    []*Tree
	Call    *Call
}

type Stmt struct {
	Root *Tree
}

func NewNop() *Tree               { return &Tree{Op: OpNop} }
func NewIntConst(v int64) *Tree   { return &Tree{Op: OpConst, Val: v} }
func NewLocal(slot int) *Tree     { return &Tree{Op: OpLocal, Val: int64(slot)} }
func NewAdd(a, b *Tree) *Tree     { return &Tree{Op: OpAdd, Args: []*Tree{a, b}} }
func NewNe(a, b *Tree) *Tree      { return &Tree{Op: OpNe, Args: []*Tree{a, b}} }
func NewAssign(dst, src *Tree) *Tree { return &Tree{Op: OpAssign, Args: []*Tree{dst, src}} }
func NewComma(a, b *Tree) *Tree   { return &Tree{Op: OpComma, Args: []*Tree{a, b}} }

func NewMethodHandleConst(h uint64) *Tree {
	return &Tree{Op: OpMethodHandle, Val: int64(h)}
}

func NewCounterAddr(ref CounterRef) *Tree {
	return &Tree{Op: OpCounterAddr, Counter: ref}
}

// NewIndOfCounter loads (or, as an assignment target, stores) the 32-bit
// counter slot behind ref.
func NewIndOfCounter(ref CounterRef) *Tree {
	return &Tree{Op: OpInd, Counter: ref, Args: []*Tree{NewCounterAddr(ref)}}
}

func NewQmark(cond, then, els *Tree) *Tree {
	return &Tree{Op: OpQmark, Args: []*Tree{cond, then, els}}
}

func NewHelperCall(helper int64, args ...*Tree) *Tree {
	return &Tree{Op: OpHelperCall, Val: helper, Args: args}
}

func NewCallTree(call *Call) *Tree {
	return &Tree{Op: OpCall, Call: call}
}
