package pgo

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/flowprof/proferrors"
)

type InstrumentationKind uint32

const (
	KindBlockIntCount InstrumentationKind = iota + 1
	KindTypeHandleHistogramCount
	KindTypeHandleHistogramTypeHandle
)

const (
	// Flags carried in SchemaEntry.Other for class probes.
	ClassFlag     uint32 = 0x80000000
	InterfaceFlag uint32 = 0x40000000

	// ClassProfileSize is the number of type-handle histogram buckets
	// per class probe.
	ClassProfileSize = 8

	handleSize       = 8
	counterSize      = 4
	schemaRecordSize = 20
)

// SchemaEntry describes one probe's slot(s) in the profile buffer.
// Entries appear in CFG-traversal order; a block probe contributes one
// entry, a class probe two consecutive entries.
type SchemaEntry struct {
	Kind     InstrumentationKind
	ILOffset int32
	Count    uint32
	Other    uint32

	// Offset is assigned by the runtime after allocation: the byte
	// offset of this entry's slot(s) within the buffer.
	Offset uint32
}

// SlotSize returns the byte footprint of the entry's slots.
func (e SchemaEntry) SlotSize() uint32 {
	switch e.Kind {
	case KindBlockIntCount, KindTypeHandleHistogramCount:
		return counterSize
	case KindTypeHandleHistogramTypeHandle:
		return e.Count * handleSize
	default:
		return 0
	}
}

// BufferSize is the total byte footprint of a schema's slots.
func BufferSize(schema []SchemaEntry) uint32 {
	var total uint32
	for _, e := range schema {
		total += e.SlotSize()
	}
	return total
}

// EncodeSchema serializes entries as fixed 20-byte little-endian records:
// {kind u32, il_offset i32, count u32, other u32, offset u32}.
func EncodeSchema(schema []SchemaEntry) []byte {
	out := make([]byte, 0, len(schema)*schemaRecordSize)
	var rec [schemaRecordSize]byte
	for _, e := range schema {
		binary.LittleEndian.PutUint32(rec[0:], uint32(e.Kind))
		binary.LittleEndian.PutUint32(rec[4:], uint32(e.ILOffset))
		binary.LittleEndian.PutUint32(rec[8:], e.Count)
		binary.LittleEndian.PutUint32(rec[12:], e.Other)
		binary.LittleEndian.PutUint32(rec[16:], e.Offset)
		out = append(out, rec[:]...)
	}
	return out
}

// DecodeSchema parses the wire format produced by EncodeSchema.
func DecodeSchema(data []byte) ([]SchemaEntry, error) {
	if len(data)%schemaRecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", proferrors.ErrCorruptSchema, len(data))
	}
	schema := make([]SchemaEntry, 0, len(data)/schemaRecordSize)
	for off := 0; off < len(data); off += schemaRecordSize {
		rec := data[off : off+schemaRecordSize]
		schema = append(schema, SchemaEntry{
			Kind:     InstrumentationKind(binary.LittleEndian.Uint32(rec[0:])),
			ILOffset: int32(binary.LittleEndian.Uint32(rec[4:])),
			Count:    binary.LittleEndian.Uint32(rec[8:]),
			Other:    binary.LittleEndian.Uint32(rec[12:]),
			Offset:   binary.LittleEndian.Uint32(rec[16:]),
		})
	}
	return schema, nil
}
