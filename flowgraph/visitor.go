package flowgraph

// CallVisitor receives every call expression found by a tree walk.
type CallVisitor interface {
	VisitCall(call *Call)
}

// WalkCalls walks t preorder and hands every call expression to v,
// descending into call receivers and arguments as well.
func WalkCalls(t *Tree, v CallVisitor) {
	if t == nil {
		return
	}
	if t.Op == OpCall && t.Call != nil {
		v.VisitCall(t.Call)
		WalkCalls(t.Call.This, v)
		for _, a := range t.Call.Args {
			WalkCalls(a, v)
		}
	}
	for _, a := range t.Args {
		WalkCalls(a, v)
	}
}

// WalkBlockCalls walks every statement tree of b.
func WalkBlockCalls(b *Block, v CallVisitor) {
	for _, stmt := range b.Stmts {
		WalkCalls(stmt.Root, v)
	}
}
