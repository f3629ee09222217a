package pgo

import (
	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
)

// SolveResult is the outcome of ComputeBlockAndEdgeWeights. It is the
// only place the solver records global facts; nothing else writes these
// fields.
type SolveResult struct {
	// CalledCount is the estimated invocation frequency of the method.
	CalledCount flowgraph.Weight

	// HasValidEdgeWeights transitions false -> true exactly once, when
	// edge-range refinement completes without inconsistency.
	HasValidEdgeWeights bool

	// InconsistentProfile is set when a range update failed despite slop.
	InconsistentProfile bool

	// SlopUsed records whether any range update consumed slop.
	SlopUsed bool

	// RangeUsed records whether any surviving edge still has min < max.
	RangeUsed bool

	EdgeCount  int
	Iterations int
}

// ComputeBlockAndEdgeWeights fills missing block weights from structural
// reasoning, derives the per-method called count, and tightens per-edge
// weight ranges until they satisfy flow conservation within slop.
func (c *Compilation) ComputeBlockAndEdgeWeights() SolveResult {
	res := SolveResult{CalledCount: flowgraph.UnityWeight}

	returnWeight := c.computeMissingBlockWeights()

	if c.UsingProfileWeights {
		res.CalledCount = c.computeCalledCount(returnWeight)
	} else {
		log.Debug(log.SolverMonitoring, "no profile data, using default called count", "method", c.MethodName)
	}

	c.computeEdgeWeights(&res)
	return res
}

// onlyNext returns the unique successor b is guaranteed to flow into,
// or nil when b's jump semantics allow more than one target.
func onlyNext(b *flowgraph.Block) *flowgraph.Block {
	switch b.Kind {
	case flowgraph.Fallthrough:
		return b.Next
	case flowgraph.Always:
		return b.JumpDest
	default:
		return nil
	}
}

// computeMissingBlockWeights infers weights for blocks the profile did
// not cover, using single-predecessor / single-successor conclusive-flow
// rules, and returns the summed weight of all return and throw blocks.
func (c *Compilation) computeMissingBlockWeights() flowgraph.Weight {
	var returnWeight flowgraph.Weight
	iterations := 0
	changed := true
	modified := false

	// Generally this converges, but downstream opts that remove
	// conditional branches can create a ring oscillator between two
	// assignments; the iteration cap guarantees termination.
	for changed && iterations < 10 {
		changed = false
		returnWeight = 0
		iterations++

		for _, bDst := range c.Graph.Blocks {
			if !bDst.HasProfileWeight && len(bDst.Preds) > 0 {
				var newWeight flowgraph.Weight
				known := false

				if bDst.CountInEdges() == 1 {
					// Only one block flows into bDst; if that block in
					// turn flows only here and is profiled, the weight
					// transfers exactly.
					bSrc := bDst.Preds[0].Src()
					if onlyNext(bSrc) == bDst && bSrc.HasProfileWeight {
						newWeight = bSrc.Weight
						known = true
					}
				}

				// Symmetric rule through the unique successor.
				if bOnlyNext := onlyNext(bDst); bOnlyNext != nil && len(bOnlyNext.Preds) > 0 {
					if bOnlyNext.CountInEdges() == 1 && bOnlyNext.Preds[0].Src() == bDst {
						newWeight = bOnlyNext.Weight
						known = true
					}
				}

				if known && bDst.Weight != newWeight {
					changed = true
					modified = true
					bDst.SetWeight(newWeight)
				}
			}

			// Sum the return and throw block weights; used when there is
			// a back-edge into the entry block.
			if bDst.HasProfileWeight && (bDst.Kind == flowgraph.Return || bDst.Kind == flowgraph.Throw) {
				returnWeight += bDst.Weight
			}
		}
	}

	if modified {
		log.Debug(log.SolverMonitoring, "adjusted weights of unprofiled blocks",
			"method", c.MethodName, "iterations", iterations)
	}
	return returnWeight
}

// computeCalledCount derives the method invocation count from the entry
// block or, when back-edges reach the entry, from the return weight.
func (c *Compilation) computeCalledCount(returnWeight flowgraph.Weight) flowgraph.Weight {
	// Skip past any internal blocks that were added before the first
	// real IL block.
	firstILBlock := c.Graph.First()
	for firstILBlock != nil && firstILBlock.HasFlag(flowgraph.FlagInternal) {
		firstILBlock = firstILBlock.Next
	}
	if firstILBlock == nil {
		return flowgraph.UnityWeight
	}

	// If the first block has a single ref its weight is the called
	// count. Otherwise there are back-edges into it, so use the summed
	// return weights instead -- unless the method never returns
	// (returnWeight zero), in which case the entry weight is still the
	// best estimate.
	refs := firstILBlock.CountInEdges()
	if firstILBlock == c.Graph.First() {
		refs++ // the method entry itself
	}
	var calledCount flowgraph.Weight
	if refs == 1 || returnWeight == 0 {
		calledCount = firstILBlock.Weight
	} else {
		calledCount = returnWeight
	}

	// A synthesized scratch entry inherits the called count.
	if c.Graph.FirstIsScratch() {
		c.Graph.First().SetProfileWeight(calledCount)
	}

	log.Debug(log.SolverMonitoring, "computed called count", "method", c.MethodName, "calledCount", calledCount)
	return calledCount
}

// computeEdgeWeights seeds per-edge [min,max] ranges from jump-kind
// structure, then iteratively tightens them with conditional-branch
// balancing and destination flow constraints.
func (c *Compilation) computeEdgeWeights(res *SolveResult) {
	if !c.Optimizing || !c.UsingProfileWeights {
		log.Debug(log.SolverMonitoring, "not optimizing or no profile data, so not computing edge weights",
			"method", c.MethodName)
		return
	}

	var (
		slop                     flowgraph.Weight
		goodEdgeCountCurrent     int
		goodEdgeCountPrevious    int
		inconsistentProfileData  bool
		hasIncompleteEdgeWeights bool
		usedSlop                 bool
		numEdges                 int
		iterations               int
	)

	first := c.Graph.First()
	calledCount := res.CalledCount

	// Seed the initial min and max values.
	for _, bDst := range c.Graph.Blocks {
		bDstWeight := bDst.Weight

		// Subtract out the called count so bDstWeight is the sum of all
		// edges into this block from within the method.
		if bDst == first {
			bDstWeight -= calledCount
		}

		for _, edge := range bDst.Preds {
			assignOK := true
			bSrc := edge.Src()
			numEdges++

			// If either endpoint lacks an exact profile weight, reset
			// whatever range the edge currently has.
			if !bSrc.HasProfileWeight || !bDst.HasProfileWeight {
				edge.SetWeights(flowgraph.ZeroWeight, flowgraph.MaxWeight)
			}

			slop = flowgraph.SlopFraction(bSrc, bDst) + 1
			switch bSrc.Kind {
			case flowgraph.Always, flowgraph.EHCatchRet, flowgraph.Fallthrough, flowgraph.CallFinally:
				// The source has a single successor: the edge weight is
				// exactly the source weight.
				assignOK = edge.SetWeightMinChecked(bSrc.Weight, slop, &usedSlop) && assignOK
				assignOK = edge.SetWeightMaxChecked(bSrc.Weight, slop, &usedSlop) && assignOK

			case flowgraph.Cond, flowgraph.Switch, flowgraph.EHFinallyRet, flowgraph.EHFilterRet:
				// The edge can't outweigh its source.
				if edge.WeightMax() > bSrc.Weight {
					assignOK = edge.SetWeightMaxChecked(bSrc.Weight, slop, &usedSlop) && assignOK
				}

			default:
				// We should never have an edge that starts from one of
				// these jump kinds.
				panic("unexpected jump kind for edge source: " + bSrc.Kind.String())
			}

			// The edge can't outweigh its destination either.
			if edge.WeightMax() > bDstWeight {
				assignOK = edge.SetWeightMaxChecked(bDstWeight, slop, &usedSlop) && assignOK
			}

			if !assignOK {
				inconsistentProfileData = true
				goto EarlyExit
			}
		}
	}

	res.EdgeCount = numEdges

	for {
		iterations++
		goodEdgeCountPrevious = goodEdgeCountCurrent
		goodEdgeCountCurrent = 0
		hasIncompleteEdgeWeights = false

		// Balance the two out-edges of every conditional branch against
		// the branch weight.
		for _, bDst := range c.Graph.Blocks {
			for _, edge := range bDst.Preds {
				bSrc := edge.Src()
				if bSrc.Kind != flowgraph.Cond {
					continue
				}
				assignOK := true
				slop = flowgraph.SlopFraction(bSrc, bDst) + 1

				var otherEdge *flowgraph.Edge
				if bSrc.Next == bDst {
					otherEdge = flowgraph.PredForBlock(bSrc.JumpDest, bSrc)
				} else {
					otherEdge = flowgraph.PredForBlock(bSrc.Next, bSrc)
				}
				if otherEdge == nil {
					continue
				}

				// Raise edge.min or lower otherEdge.max.
				diff := bSrc.Weight - (edge.WeightMin() + otherEdge.WeightMax())
				if diff > 0 {
					assignOK = edge.SetWeightMinChecked(edge.WeightMin()+diff, slop, &usedSlop) && assignOK
				} else if diff < 0 {
					assignOK = otherEdge.SetWeightMaxChecked(otherEdge.WeightMax()+diff, slop, &usedSlop) && assignOK
				}

				// Raise otherEdge.min or lower edge.max.
				diff = bSrc.Weight - (otherEdge.WeightMin() + edge.WeightMax())
				if diff > 0 {
					assignOK = otherEdge.SetWeightMinChecked(otherEdge.WeightMin()+diff, slop, &usedSlop) && assignOK
				} else if diff < 0 {
					assignOK = edge.SetWeightMaxChecked(edge.WeightMax()+diff, slop, &usedSlop) && assignOK
				}

				if !assignOK {
					inconsistentProfileData = true
					goto EarlyExit
				}
			}
		}

		// Constrain each incoming edge by what the other edges into the
		// same destination leave room for.
		for _, bDst := range c.Graph.Blocks {
			bDstWeight := bDst.Weight

			if bDstWeight == flowgraph.MaxWeight {
				inconsistentProfileData = true
				goto EarlyExit
			}

			if bDst == first {
				bDstWeight -= calledCount
			}

			var minEdgeWeightSum, maxEdgeWeightSum flowgraph.Weight
			for _, edge := range bDst.Preds {
				minEdgeWeightSum += edge.WeightMin()
				maxEdgeWeightSum += edge.WeightMax()
			}

			for _, edge := range bDst.Preds {
				assignOK := true
				bSrc := edge.Src()
				slop = flowgraph.SlopFraction(bSrc, bDst) + 1

				// When every other path takes its max, this edge must
				// carry at least the remainder.
				otherMaxEdgesWeightSum := maxEdgeWeightSum - edge.WeightMax()
				if bDstWeight >= otherMaxEdgesWeightSum {
					minWeightCalc := bDstWeight - otherMaxEdgesWeightSum
					if minWeightCalc > edge.WeightMin() {
						assignOK = edge.SetWeightMinChecked(minWeightCalc, slop, &usedSlop) && assignOK
					}
				}

				// When every other path takes its min, this edge can
				// carry at most the remainder.
				otherMinEdgesWeightSum := minEdgeWeightSum - edge.WeightMin()
				if bDstWeight >= otherMinEdgesWeightSum {
					maxWeightCalc := bDstWeight - otherMinEdgesWeightSum
					if maxWeightCalc < edge.WeightMax() {
						assignOK = edge.SetWeightMaxChecked(maxWeightCalc, slop, &usedSlop) && assignOK
					}
				}

				if !assignOK {
					inconsistentProfileData = true
					goto EarlyExit
				}

				if edge.Exact() {
					// Each pass should only grow the number of exact
					// edges; we stop once it plateaus.
					goodEdgeCountCurrent++
				} else {
					hasIncompleteEdgeWeights = true
				}
			}
		}

		if numEdges == goodEdgeCountCurrent {
			break
		}
		if !hasIncompleteEdgeWeights || goodEdgeCountCurrent <= goodEdgeCountPrevious || iterations >= 8 {
			break
		}
	}

	// Sweep B can close both out-edges of a conditional branch without
	// re-checking the branch; their sums must still bracket its weight.
	for _, bSrc := range c.Graph.Blocks {
		if bSrc.Kind != flowgraph.Cond {
			continue
		}
		e1, e2 := flowgraph.PredForBlock(bSrc.Next, bSrc), flowgraph.PredForBlock(bSrc.JumpDest, bSrc)
		if e1 == nil || e2 == nil || e1 == e2 {
			continue
		}
		slop = flowgraph.SlopFraction(bSrc, bSrc.Next) + flowgraph.SlopFraction(bSrc, bSrc.JumpDest) + 2
		if bSrc.Weight+slop < e1.WeightMin()+e2.WeightMin() || bSrc.Weight > e1.WeightMax()+e2.WeightMax()+slop {
			inconsistentProfileData = true
			break
		}
	}

EarlyExit:

	if inconsistentProfileData {
		log.Debug(log.SolverMonitoring, "found inconsistent profile data, not using the edge weights",
			"method", c.MethodName)
	} else {
		log.Debug(log.SolverMonitoring, "computed edge weights",
			"method", c.MethodName, "exact", goodEdgeCountCurrent, "edges", numEdges, "passes", iterations)
	}

	res.Iterations = iterations
	res.SlopUsed = usedSlop
	res.RangeUsed = false

	// See if any edge weight survives in [min..max] form.
RangeScan:
	for _, bDst := range c.Graph.Blocks {
		for _, edge := range bDst.Preds {
			if !edge.Exact() {
				res.RangeUsed = true
				break RangeScan
			}
		}
	}

	res.InconsistentProfile = inconsistentProfileData
	res.HasValidEdgeWeights = !inconsistentProfileData
}
