package pgo

import (
	"github.com/colorfulnotion/flowprof/config"
	"github.com/colorfulnotion/flowprof/flowgraph"
	"github.com/colorfulnotion/flowprof/log"
)

// Compilation is the per-method context threaded through the profile
// subsystem. One instance lives for the duration of a single compile;
// nothing here is shared across methods.
type Compilation struct {
	Graph      *flowgraph.Graph
	Method     MethodHandle
	MethodName string
	MethodHash uint32
	Cfg        config.Config

	// Read side (optimizing compile): schema + quiesced counter buffer
	// handed over by the runtime.
	Schema []SchemaEntry
	Data   ProfileBuffer

	// Write side (instrumentation compile): the schema we built and the
	// buffer the runtime allocated for it.
	InstrSchema []SchemaEntry
	InstrBuffer ProfileBuffer

	ImportOnly bool
	Optimizing bool
	Prejit     bool
	ReadyToRun bool

	// ClassProbeCount is tallied while importing virtual call sites.
	ClassProbeCount int

	// Inlinee is non-nil when this method is being compiled into a caller.
	Inlinee *InlineContext

	Tokens TokenResolver

	// UsingProfileWeights is set once block weights have been
	// incorporated from profile data (or stress synthesis).
	UsingProfileWeights bool
}

func NewCompilation(g *flowgraph.Graph, methodName string, cfg config.Config) *Compilation {
	return &Compilation{
		Graph:      g,
		Method:     MethodHandle(HashMethod(methodName)),
		MethodName: methodName,
		MethodHash: HashMethod(methodName),
		Cfg:        cfg,
	}
}

// IncorporateBlockWeights assigns profile-derived weights to every
// imported non-internal block, consulting the reader (and hence stress
// mode when seeded).
func (c *Compilation) IncorporateBlockWeights() {
	if !c.HaveProfileData() && c.Cfg.StressBBProf == 0 {
		return
	}
	incorporated := 0
	for _, b := range c.Graph.Blocks {
		if !b.HasFlag(flowgraph.FlagImported) || b.HasFlag(flowgraph.FlagInternal) {
			continue
		}
		w, ok := c.WeightForILOffset(b.ILOffset)
		if !ok {
			continue
		}
		b.SetProfileWeight(w)
		incorporated++
	}
	if incorporated > 0 {
		c.UsingProfileWeights = true
	}
	log.Debug(log.ReaderMonitoring, "incorporated block weights", "method", c.MethodName, "blocks", incorporated)
}
