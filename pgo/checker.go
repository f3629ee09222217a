package pgo

import (
	"fmt"

	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
	"github.com/colorfulnotion/flowprof/proferrors"
)

// CheckResult summarizes a profile self-consistency pass.
type CheckResult struct {
	ProblemBlocks    int
	ProfiledBlocks   int
	UnprofiledBlocks int

	EntryProfiled bool
	ExitProfiled  bool
	EntryWeight   flowgraph.Weight
	ExitWeight    flowgraph.Weight
}

// CheckProfileData verifies that, for each profiled block, the flow of
// counts into the block and out of it brackets the block weight. EH flow
// is ignored: there are no explicit EH edges and their counts are
// expected to be small.
//
// The returned error is non-nil only under strict checking
// (ProfileChecks == 2) with a non-zero problem count.
func (c *Compilation) CheckProfileData() (CheckResult, error) {
	var res CheckResult
	first := c.Graph.First()

	for _, block := range c.Graph.Blocks {
		if !block.HasProfileWeight {
			res.UnprofiledBlocks++
			continue
		}
		res.ProfiledBlocks++

		blockWeight := block.Weight
		verifyIncoming := true
		verifyOutgoing := true

		// Blocks that require special treatment.

		// Entry blocks
		if block == first {
			res.EntryWeight += blockWeight
			res.EntryProfiled = true
			verifyIncoming = false
		}

		// Exit blocks
		if block.Kind == flowgraph.Return || block.Kind == flowgraph.Throw {
			res.ExitWeight += blockWeight
			res.ExitProfiled = true
			verifyOutgoing = false
		}

		// Handler entries and exits
		if block.HasFlag(flowgraph.FlagEHBoundaryIn) {
			verifyIncoming = false
		}
		if block.HasFlag(flowgraph.FlagEHBoundaryOut) {
			verifyOutgoing = false
		}

		// Incoming flow, block weight and outgoing flow should all
		// match; with ranged edge counts we check that the block weight
		// falls within the [min,max] sums.
		if verifyIncoming {
			res.ProblemBlocks += c.checkIncoming(block, blockWeight)
		}
		if verifyOutgoing {
			res.ProblemBlocks += c.checkOutgoing(block, blockWeight)
		}
	}

	// Overall input-output balance.
	if res.EntryProfiled && res.ExitProfiled && res.EntryWeight != res.ExitWeight {
		res.ProblemBlocks++
		log.Debug(log.CheckMonitoring, "entry/exit weight mismatch",
			"method", c.MethodName, "entry", res.EntryWeight, "exit", res.ExitWeight)
	}

	if res.ProblemBlocks == 0 {
		log.Debug(log.CheckMonitoring, "profile is self-consistent",
			"method", c.MethodName, "profiled", res.ProfiledBlocks, "unprofiled", res.UnprofiledBlocks)
		return res, nil
	}

	log.Warn(log.CheckMonitoring, "profile is NOT self-consistent",
		"method", c.MethodName, "problems", res.ProblemBlocks,
		"profiled", res.ProfiledBlocks, "unprofiled", res.UnprofiledBlocks)

	if c.Cfg.ProfileChecks == 2 {
		return res, fmt.Errorf("%w: %d problem blocks in %s",
			proferrors.ErrProfileCheckFailure, res.ProblemBlocks, c.MethodName)
	}
	return res, nil
}

func (c *Compilation) checkIncoming(block *flowgraph.Block, blockWeight flowgraph.Weight) int {
	if len(block.Preds) == 0 {
		log.Debug(log.CheckMonitoring, "expected to see predecessors", "block", block.Num)
		return 1
	}

	var incomingWeightMin, incomingWeightMax flowgraph.Weight
	for _, predEdge := range block.Preds {
		incomingWeightMin += predEdge.WeightMin()
		incomingWeightMax += predEdge.WeightMax()
	}

	switch {
	case incomingWeightMin > incomingWeightMax:
		log.Debug(log.CheckMonitoring, "incoming min above incoming max",
			"block", block.Num, "min", incomingWeightMin, "max", incomingWeightMax)
		return 1
	case blockWeight < incomingWeightMin:
		log.Debug(log.CheckMonitoring, "block weight below incoming min",
			"block", block.Num, "weight", blockWeight, "min", incomingWeightMin)
		return 1
	case blockWeight > incomingWeightMax:
		log.Debug(log.CheckMonitoring, "block weight above incoming max",
			"block", block.Num, "weight", blockWeight, "max", incomingWeightMax)
		return 1
	}
	return 0
}

func (c *Compilation) checkOutgoing(block *flowgraph.Block, blockWeight flowgraph.Weight) int {
	succs := block.Succs()
	if len(succs) == 0 {
		log.Debug(log.CheckMonitoring, "expected to see successors", "block", block.Num)
		return 1
	}

	var outgoingWeightMin, outgoingWeightMax flowgraph.Weight
	missingEdges := 0

	// Note this can fail to enumerate all the edges if we have a
	// multigraph.
	for _, succBlock := range succs {
		succEdge := flowgraph.PredForBlock(succBlock, block)
		if succEdge == nil {
			missingEdges++
			log.Debug(log.CheckMonitoring, "can't find successor edge",
				"block", block.Num, "succ", succBlock.Num)
			continue
		}
		outgoingWeightMin += succEdge.WeightMin()
		outgoingWeightMax += succEdge.WeightMax()
	}

	problems := 0
	if missingEdges > 0 {
		problems++
	}
	switch {
	case outgoingWeightMin > outgoingWeightMax:
		log.Debug(log.CheckMonitoring, "outgoing min above outgoing max",
			"block", block.Num, "min", outgoingWeightMin, "max", outgoingWeightMax)
		problems++
	case blockWeight < outgoingWeightMin:
		log.Debug(log.CheckMonitoring, "block weight below outgoing min",
			"block", block.Num, "weight", blockWeight, "min", outgoingWeightMin)
		problems++
	case blockWeight > outgoingWeightMax:
		log.Debug(log.CheckMonitoring, "block weight above outgoing max",
			"block", block.Num, "weight", blockWeight, "max", outgoingWeightMax)
		problems++
	}
	return problems
}
