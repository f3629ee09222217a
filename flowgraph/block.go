package flowgraph

import "fmt"

// Weight is an estimated dynamic execution frequency. Non-negative, finite.
type Weight = float64

const (
	ZeroWeight Weight = 0

	// MaxWeight is a large finite value treated as "unknown/unbounded"
	// inside edge ranges. Block-level unknowns use HasProfileWeight
	// instead of a sentinel comparison.
	MaxWeight Weight = 1e38

	// UnityWeight is the default called count when no profile is in use.
	UnityWeight Weight = 1
)

type JumpKind uint8

const (
	Fallthrough JumpKind = iota // flows into Next only
	Always                      // unconditional jump to JumpDest
	Cond                        // two-way: Next (false) and JumpDest (true)
	Switch                      // multi-way over SwitchTargets
	Return
	Throw
	CallFinally // transfers to a finally at JumpDest
	EHCatchRet  // catch epilog, resumes at JumpDest
	EHFilterRet // filter epilog, continuations in SwitchTargets
	EHFinallyRet
)

func (k JumpKind) String() string {
	switch k {
	case Fallthrough:
		return "NONE"
	case Always:
		return "ALWAYS"
	case Cond:
		return "COND"
	case Switch:
		return "SWITCH"
	case Return:
		return "RETURN"
	case Throw:
		return "THROW"
	case CallFinally:
		return "CALLFINALLY"
	case EHCatchRet:
		return "EHCATCHRET"
	case EHFilterRet:
		return "EHFILTERRET"
	case EHFinallyRet:
		return "EHFINALLYRET"
	default:
		return fmt.Sprintf("JumpKind(%d)", k)
	}
}

type Flags uint16

const (
	FlagImported Flags = 1 << iota
	FlagInternal
	FlagHasClassProfile
	FlagRunRarely
	FlagScratch
	FlagEHBoundaryIn
	FlagEHBoundaryOut
)

// Block is a maximal straight-line flowgraph node.
type Block struct {
	Num      int
	ILOffset uint32
	Kind     JumpKind
	Flags    Flags

	Weight           Weight
	HasProfileWeight bool

	Next          *Block // textual successor
	JumpDest      *Block
	SwitchTargets []*Block

	// Preds holds the incoming edges; each edge is owned by this
	// (destination) block and references its source by pointer.
	Preds []*Edge

	Stmts []*Stmt
}

func (b *Block) HasFlag(f Flags) bool { return b.Flags&f != 0 }
func (b *Block) SetFlag(f Flags)      { b.Flags |= f }
func (b *Block) ClearFlag(f Flags)    { b.Flags &^= f }

func (b *Block) CountInEdges() int { return len(b.Preds) }

// Succs enumerates structural successors in a deterministic order.
func (b *Block) Succs() []*Block {
	switch b.Kind {
	case Fallthrough:
		if b.Next == nil {
			return nil
		}
		return []*Block{b.Next}
	case Always, CallFinally, EHCatchRet:
		if b.JumpDest == nil {
			return nil
		}
		return []*Block{b.JumpDest}
	case Cond:
		return []*Block{b.Next, b.JumpDest}
	case Switch, EHFilterRet, EHFinallyRet:
		return b.SwitchTargets
	default: // Return, Throw
		return nil
	}
}

// SetWeight assigns a weight and keeps the run-rarely flag in lockstep.
func (b *Block) SetWeight(w Weight) {
	b.Weight = w
	if w == 0 {
		b.SetFlag(FlagRunRarely)
	} else {
		b.ClearFlag(FlagRunRarely)
	}
}

// SetProfileWeight assigns a profile-derived weight.
func (b *Block) SetProfileWeight(w Weight) {
	b.SetWeight(w)
	b.HasProfileWeight = true
}

func (b *Block) PrependStmt(root *Tree) {
	b.Stmts = append([]*Stmt{{Root: root}}, b.Stmts...)
}

func (b *Block) AppendStmt(root *Tree) {
	b.Stmts = append(b.Stmts, &Stmt{Root: root})
}

func (b *Block) String() string {
	return fmt.Sprintf("BB%02d [IL 0x%04X] %s weight=%g", b.Num, b.ILOffset, b.Kind, b.Weight)
}
