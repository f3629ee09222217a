package pgo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/flowprof/config"
	"github.com/colorfulnotion/flowprof/flowgraph"
)

// Fixtures describe a method's flowgraph plus measured counts as JSON,
// so the CLI and golden tests can replay a compile without a frontend.

type BlockFixture struct {
	ILOffset uint32 `json:"il-offset"`
	Kind     string `json:"kind"`

	// 1-based block numbers; zero means absent.
	Next          int   `json:"next,omitempty"`
	JumpDest      int   `json:"jump-dest,omitempty"`
	SwitchTargets []int `json:"switch-targets,omitempty"`

	Internal     bool `json:"internal,omitempty"`
	ClassProfile bool `json:"class-profile,omitempty"`

	// Count is the measured execution count; absent means the profile
	// did not cover this block.
	Count *uint32 `json:"count,omitempty"`

	// Weight is an optional initial heuristic weight for unmeasured
	// blocks.
	Weight *float64 `json:"weight,omitempty"`
}

type MethodFixture struct {
	Name   string         `json:"name"`
	Blocks []BlockFixture `json:"blocks"`
}

func LoadFixture(path string) (*MethodFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f MethodFixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

func ParseJumpKind(s string) (flowgraph.JumpKind, error) {
	switch strings.ToUpper(s) {
	case "NONE", "FALLTHROUGH":
		return flowgraph.Fallthrough, nil
	case "ALWAYS":
		return flowgraph.Always, nil
	case "COND":
		return flowgraph.Cond, nil
	case "SWITCH":
		return flowgraph.Switch, nil
	case "RETURN":
		return flowgraph.Return, nil
	case "THROW":
		return flowgraph.Throw, nil
	case "CALLFINALLY":
		return flowgraph.CallFinally, nil
	case "EHCATCHRET":
		return flowgraph.EHCatchRet, nil
	case "EHFILTERRET":
		return flowgraph.EHFilterRet, nil
	case "EHFINALLYRET":
		return flowgraph.EHFinallyRet, nil
	default:
		return 0, fmt.Errorf("unknown jump kind %q", s)
	}
}

// Build materializes the fixture into a ready-to-solve Compilation: the
// flowgraph with pred edges computed, measured blocks carrying profile
// weights, and a synthesized schema + counter buffer for the reader.
func (f *MethodFixture) Build(cfg config.Config) (*Compilation, error) {
	g := flowgraph.New()
	blocks := make([]*flowgraph.Block, 0, len(f.Blocks))

	for i, bf := range f.Blocks {
		kind, err := ParseJumpKind(bf.Kind)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}
		b := g.NewBlock(kind, bf.ILOffset)
		b.SetFlag(flowgraph.FlagImported)
		if bf.Internal {
			b.SetFlag(flowgraph.FlagInternal)
		}
		if bf.ClassProfile {
			b.SetFlag(flowgraph.FlagHasClassProfile)
		}
		blocks = append(blocks, b)
	}

	ref := func(n int, what string, i int) (*flowgraph.Block, error) {
		if n < 1 || n > len(blocks) {
			return nil, fmt.Errorf("block %d: %s %d out of range", i+1, what, n)
		}
		return blocks[n-1], nil
	}

	for i, bf := range f.Blocks {
		b := blocks[i]
		var err error
		if bf.Next != 0 {
			if b.Next, err = ref(bf.Next, "next", i); err != nil {
				return nil, err
			}
		}
		if bf.JumpDest != 0 {
			if b.JumpDest, err = ref(bf.JumpDest, "jump-dest", i); err != nil {
				return nil, err
			}
		}
		for _, t := range bf.SwitchTargets {
			tb, err := ref(t, "switch target", i)
			if err != nil {
				return nil, err
			}
			b.SwitchTargets = append(b.SwitchTargets, tb)
		}
	}

	g.ComputePreds()

	c := NewCompilation(g, f.Name, cfg)
	c.Optimizing = true

	// Synthesize the read-side schema and counter buffer from the
	// measured counts, and assign profile weights directly.
	var schema []SchemaEntry
	var offset uint32
	for i, bf := range f.Blocks {
		if bf.Weight != nil {
			blocks[i].Weight = *bf.Weight
		}
		if bf.Count == nil || bf.Internal {
			continue
		}
		schema = append(schema, SchemaEntry{
			Kind:     KindBlockIntCount,
			ILOffset: int32(bf.ILOffset),
			Count:    1,
			Offset:   offset,
		})
		offset += counterSize
	}
	if len(schema) > 0 {
		buffer := make(ProfileBuffer, offset)
		cursor := 0
		for i, bf := range f.Blocks {
			if bf.Count == nil || bf.Internal {
				continue
			}
			buffer.SetCounter(schema[cursor].Offset, *bf.Count)
			cursor++
			blocks[i].SetProfileWeight(flowgraph.Weight(*bf.Count))
		}
		c.Schema = schema
		c.Data = buffer
		c.UsingProfileWeights = true
	}
	return c, nil
}
