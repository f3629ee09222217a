package pgo

import (
	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
)

type ProfileScaleState uint8

const (
	ScaleUndetermined ProfileScaleState = iota
	ScaleUnavailable
	ScaleKnown
)

// InlineContext carries the inlinee-to-caller mapping state for one
// inlining candidate.
type InlineContext struct {
	CallSiteBlock *flowgraph.Block
	ScaleState    ProfileScaleState

	// ScaleFactor maps callee counts into the caller's frame of
	// reference. Only meaningful when ScaleState == ScaleKnown; always
	// in (0, 1] since callee counts are only ever scaled down.
	ScaleFactor float64
}

// ComputeProfileScale determines how much scaling to apply to the raw
// callee counts of an inlinee compilation. Idempotent: a state other
// than undetermined is left alone.
func (c *Compilation) ComputeProfileScale() {
	info := c.Inlinee
	if info == nil {
		panic("ComputeProfileScale: not an inlinee compilation")
	}
	if info.ScaleState != ScaleUndetermined {
		return
	}

	// Call site has profile weight?
	callSiteBlock := info.CallSiteBlock
	if callSiteBlock == nil || !callSiteBlock.HasProfileWeight {
		log.Debug(log.ScaleMonitoring, "call site not profiled", "method", c.MethodName)
		info.ScaleState = ScaleUnavailable
		return
	}

	callSiteWeight := callSiteBlock.Weight

	// Call site has zero count?
	if callSiteWeight == 0 {
		log.Debug(log.ScaleMonitoring, "zero call site count", "method", c.MethodName)
		info.ScaleState = ScaleUnavailable
		return
	}

	// Callee has profile data?
	if !c.HaveProfileData() {
		log.Debug(log.ScaleMonitoring, "no callee profile data", "method", c.MethodName)
		info.ScaleState = ScaleUnavailable
		return
	}

	// Find the callee's unscaled entry weight. For most callees this
	// matches the entry block count.
	calleeWeight, ok := c.WeightForILOffset(0)
	if !ok {
		log.Debug(log.ScaleMonitoring, "no callee profile data for entry block", "method", c.MethodName)
		info.ScaleState = ScaleUnavailable
		return
	}

	// We generally expect calleeWeight >= callSiteWeight; if not, the
	// data is suspect and we refuse to upscale.
	if calleeWeight < callSiteWeight {
		log.Debug(log.ScaleMonitoring, "callee entry count less than call site count",
			"method", c.MethodName, "calleeWeight", calleeWeight, "callSiteWeight", callSiteWeight)
		info.ScaleState = ScaleUnavailable
		return
	}

	info.ScaleFactor = callSiteWeight / calleeWeight
	info.ScaleState = ScaleKnown

	log.Debug(log.ScaleMonitoring, "computed inlinee profile scale",
		"method", c.MethodName, "callSiteWeight", callSiteWeight, "calleeWeight", calleeWeight, "scale", info.ScaleFactor)
}
