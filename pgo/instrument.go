package pgo

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
	"github.com/colorfulnotion/flowprof/proferrors"
)

// classProbeVisitor narrows a tree walk to the virtual non-indirect
// call sites eligible for class profiling and hands each to fn. The
// planner's two passes are two instances with different fns.
type classProbeVisitor struct {
	fn func(call *flowgraph.Call)
}

func (v classProbeVisitor) VisitCall(call *flowgraph.Call) {
	if call.Virtual && !call.Indirect {
		v.fn(call)
	}
}

// InstrumentMethod decorates the flowgraph with runtime counters.
//
// Pass 1 walks blocks in CFG order and builds the probe schema without
// mutating anything: two histogram entries per class-profile call site,
// one block-count entry per imported non-internal block. Pass 2 re-walks
// the blocks, rewrites class-profile call sites, and prepends a counter
// increment to each counted block.
//
// An allocation failure of the tolerated kind degrades silently: no
// probes are inserted but pass 2 still runs so call-site stub addresses
// are restored. Any other allocation failure is fatal.
func (c *Compilation) InstrumentMethod(alloc Allocator) error {
	if c.Inlinee != nil {
		panic("InstrumentMethod: inlinee compilation")
	}

	schema := make([]SchemaEntry, 0, len(c.Graph.Blocks))
	countOfBlocks := 0

	for _, block := range c.Graph.Blocks {
		// We don't want to profile any un-imported blocks.
		if !block.HasFlag(flowgraph.FlagImported) {
			continue
		}

		if block.HasFlag(flowgraph.FlagHasClassProfile) {
			// Scan the statements and identify the class probes.
			gen := classProbeVisitor{fn: func(call *flowgraph.Call) {
				other := ClassFlag
				if call.VirtualStub {
					other |= InterfaceFlag
				} else if !call.VirtualVtable {
					panic("class profile candidate is neither stub nor vtable call")
				}
				schema = append(schema, SchemaEntry{
					Kind:     KindTypeHandleHistogramCount,
					ILOffset: int32(call.Candidate.ILOffset),
					Count:    1,
					Other:    other,
				})
				// The histogram bucket entry reuses ILOffset and Other.
				schema = append(schema, SchemaEntry{
					Kind:     KindTypeHandleHistogramTypeHandle,
					ILOffset: int32(call.Candidate.ILOffset),
					Count:    ClassProfileSize,
					Other:    other,
				})
			}}
			flowgraph.WalkBlockCalls(block, gen)
		}

		if block.HasFlag(flowgraph.FlagInternal) {
			continue
		}

		schema = append(schema, SchemaEntry{
			Kind:     KindBlockIntCount,
			ILOffset: int32(block.ILOffset),
			Count:    1,
		})
		countOfBlocks++
	}

	// The class probes were already counted during import.
	countOfCalls := c.ClassProbeCount
	if countOfCalls*2+countOfBlocks != len(schema) {
		return fmt.Errorf("%w: %d schema entries, %d block probes, %d class probes",
			proferrors.ErrSchemaMismatch, len(schema), countOfBlocks, countOfCalls)
	}

	// Optionally bail out when there are fewer than three blocks and no
	// call sites to profile. One block is common. Note we must still
	// visit all profiled call sites to restore their stub addresses, so
	// we can't bail if any exist.
	if c.Cfg.MinimalProfiling && countOfBlocks < 3 && countOfCalls == 0 {
		log.Debug(log.InstrMonitoring, "not instrumenting method",
			"method", c.MethodName, "blocks", countOfBlocks, "calls", countOfCalls)
		return nil
	}

	log.Debug(log.InstrMonitoring, "instrumenting method",
		"method", c.MethodName, "blocks", countOfBlocks, "calls", countOfCalls)

	buffer, err := alloc.AllocProfileBuffer(c.Method, schema)

	// We may not be able to instrument; if so we still have to clean up
	// calls that we might have profiled.
	instrument := true
	if err != nil {
		instrument = false
		if !errors.Is(err, proferrors.ErrNotInstrumentable) {
			return fmt.Errorf("%w: %v", proferrors.ErrAllocatorFailure, err)
		}
		log.Debug(log.InstrMonitoring, "unable to instrument, counter allocation refused",
			"method", c.MethodName, "err", err)
	}

	currentSchemaIndex := 0
	var firstCounter *flowgraph.CounterRef

	for _, block := range c.Graph.Blocks {
		if !block.HasFlag(flowgraph.FlagImported) {
			continue
		}

		// Class probes can appear in internal blocks, thanks to block
		// splitting by the indirect call transformer.
		if c.Cfg.ClassProfiling && block.HasFlag(flowgraph.FlagHasClassProfile) {
			// Only works when jitting.
			if c.Prejit {
				panic("class profiling during prejit")
			}

			visited := 0
			ins := classProbeVisitor{fn: func(call *flowgraph.Call) {
				visited++
				if instrument {
					// Transform (CALLVIRT obj, ...args) so the probe
					// helper runs before dispatch while `this` is
					// evaluated exactly once:
					//
					//   (CALLVIRT
					//     (COMMA (ASG tmp, obj)
					//            (COMMA (CALL probe_fn tmp, &probeEntry) tmp))
					//     ...args)
					tableEntry := flowgraph.CounterRef{Offset: schema[currentSchemaIndex].Offset}
					currentSchemaIndex += 2 // two schema entries per class probe

					tmp := c.Graph.GrabTemp("class profile tmp")
					helperCall := flowgraph.NewHelperCall(int64(HelperClassProfile),
						flowgraph.NewLocal(tmp), flowgraph.NewCounterAddr(tableEntry))
					callComma := flowgraph.NewComma(helperCall, flowgraph.NewLocal(tmp))
					asg := flowgraph.NewAssign(flowgraph.NewLocal(tmp), call.This)
					call.This = flowgraph.NewComma(asg, callComma)
				}

				// Restore the stub address on the call, whether
				// instrumenting or not.
				call.StubAddr = call.Candidate.StubAddr
			}}
			flowgraph.WalkBlockCalls(block, ins)

			if visited > countOfCalls {
				return fmt.Errorf("%w: visited %d class probes with %d outstanding",
					proferrors.ErrSchemaMismatch, visited, countOfCalls)
			}
			countOfCalls -= visited
		}

		// We won't need count probes in internal blocks.
		if block.HasFlag(flowgraph.FlagInternal) {
			continue
		}

		countOfBlocks--

		if instrument {
			if uint32(schema[currentSchemaIndex].ILOffset) != block.ILOffset {
				return fmt.Errorf("%w: schema cursor at IL 0x%X, block at IL 0x%X",
					proferrors.ErrSchemaMismatch, schema[currentSchemaIndex].ILOffset, block.ILOffset)
			}
			ref := flowgraph.CounterRef{Offset: schema[currentSchemaIndex].Offset}
			if firstCounter == nil {
				r := ref
				firstCounter = &r
			}
			currentSchemaIndex++

			// counter = counter + 1, plain 32-bit ops. The runtime
			// accepts racy updates; counts are best-effort.
			valueNode := flowgraph.NewIndOfCounter(ref)
			rhsNode := flowgraph.NewAdd(valueNode, flowgraph.NewIntConst(1))
			lhsNode := flowgraph.NewIndOfCounter(ref)
			block.PrependStmt(flowgraph.NewAssign(lhsNode, rhsNode))
		}
	}

	if !instrument {
		return nil
	}

	// Check that we initialized the same number of probes we allocated.
	if countOfBlocks != 0 || countOfCalls != 0 {
		return fmt.Errorf("%w: %d block probes and %d class probes left over",
			proferrors.ErrSchemaMismatch, countOfBlocks, countOfCalls)
	}

	c.InstrSchema = schema
	c.InstrBuffer = buffer

	// When prejitting, add the method entry callback.
	if c.Prejit && firstCounter != nil {
		if err := c.addPrejitEntryCallback(*firstCounter); err != nil {
			return err
		}
	}
	return nil
}

// addPrejitEntryCallback prepends, to a scratch entry block, a guarded
// call to the BBT entry helper: it fires exactly once, on the cold-start
// transition of the first block's counter from zero.
func (c *Compilation) addPrejitEntryCallback(firstCounter flowgraph.CounterRef) error {
	var arg *flowgraph.Tree
	if c.ReadyToRun && c.Tokens != nil {
		resolved := ResolvedToken{Method: c.Method}
		if err := c.Tokens.ResolveToken(&resolved); err != nil {
			return fmt.Errorf("%w: resolve method token: %v", proferrors.ErrAllocatorFailure, err)
		}
		arg = flowgraph.NewMethodHandleConst(resolved.Handle)
	} else {
		arg = flowgraph.NewMethodHandleConst(uint64(c.Method))
	}

	call := flowgraph.NewHelperCall(int64(HelperBBTFcnEnter), arg)

	// (firstCounter != 0) ? nothing : helper(methodHandle)
	valueNode := flowgraph.NewIndOfCounter(firstCounter)
	relop := flowgraph.NewNe(valueNode, flowgraph.NewIntConst(0))
	cond := flowgraph.NewQmark(relop, flowgraph.NewNop(), call)

	scratch := c.Graph.EnsureFirstIsScratch()
	scratch.AppendStmt(cond)
	return nil
}
