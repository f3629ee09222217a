package pgo

import (
	"github.com/colorfulnotion/flowprof/flowgraph"
)

// HaveProfileData reports whether a schema is attached and this
// compilation is not import-only.
//
// Note this returns true for inlinees; the scale computation decides
// whether their counts are usable.
func (c *Compilation) HaveProfileData() bool {
	if c.ImportOnly {
		return false
	}
	return c.Schema != nil
}

// WeightForILOffset returns the counter value of the first BlockIntCount
// entry matching the IL offset.
//
// The two negative cases differ: (0, false) means no profile data at all;
// (0, true) means a schema is present but holds no entry for this offset,
// i.e. the block was observed to never run.
//
// When stress mode is seeded it completely supersedes real data.
func (c *Compilation) WeightForILOffset(offset uint32) (flowgraph.Weight, bool) {
	if seed := c.Cfg.StressBBProf; seed != 0 {
		return c.stressWeight(offset, seed), true
	}

	if !c.HaveProfileData() {
		return 0, false
	}

	for i := range c.Schema {
		e := &c.Schema[i]
		if e.Kind == KindBlockIntCount && uint32(e.ILOffset) == offset {
			return flowgraph.Weight(c.Data.Counter(e.Offset)), true
		}
	}
	return 0, true
}

// stressWeight synthesizes a deterministic pseudo-random weight from the
// method hash. A third of offsets get weight zero to stress rare-path
// splitting; the entry offset never does.
func (c *Compilation) stressWeight(offset, seed uint32) flowgraph.Weight {
	hash := c.MethodHash*seed ^ offset*1027

	var weight uint32
	switch {
	case hash%3 == 0:
		weight = 0
	case hash%11 == 0:
		weight = (hash % 23) * (hash % 29) * (hash % 31)
	default:
		weight = (hash % 17) * (hash % 19)
	}

	// The first block is never given a weight of zero.
	if offset == 0 && weight == 0 {
		weight = 1 + hash%5
	}
	return flowgraph.Weight(weight)
}
