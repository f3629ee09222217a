package pgo

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// MethodHandle identifies a method to the runtime.
type MethodHandle uint64

// Helper identifiers for runtime helper calls emitted by the planner.
type Helper int64

const (
	HelperClassProfile Helper = iota + 1
	HelperBBTFcnEnter
)

// ProfileBuffer is the runtime-owned counter region. During instrumented
// execution many threads bump counter slots with plain unsynchronized
// 32-bit writes; lost updates are tolerated as statistical noise. The
// compiler only reads from a quiesced snapshot.
type ProfileBuffer []byte

// Counter reads the 32-bit slot at the given byte offset.
func (p ProfileBuffer) Counter(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(p[offset:])
}

// SetCounter writes the 32-bit slot at the given byte offset.
func (p ProfileBuffer) SetCounter(offset uint32, v uint32) {
	binary.LittleEndian.PutUint32(p[offset:], v)
}

// Allocator is the runtime service that reserves counter storage for an
// instrumentation schema. On success it assigns every entry's Offset and
// returns a zero-initialized buffer the runtime owns for the process
// lifetime of the method body. The schema slice is borrowed for the
// duration of the call only.
//
// Returns proferrors.ErrNotInstrumentable when the method cannot be
// instrumented (cross-assembly generics); any other error is fatal.
type Allocator interface {
	AllocProfileBuffer(method MethodHandle, schema []SchemaEntry) (ProfileBuffer, error)
}

// ResolvedToken carries the token-resolution result used by the prejit
// entry-callback path.
type ResolvedToken struct {
	Method MethodHandle
	Token  uint32
	Handle uint64
}

type TokenResolver interface {
	ResolveToken(*ResolvedToken) error
}

// HashMethod derives the stable 32-bit method hash used by stress mode
// and as the profile-store key component.
func HashMethod(name string) uint32 {
	h := crypto.Keccak256([]byte(name))
	return binary.LittleEndian.Uint32(h[:4])
}
