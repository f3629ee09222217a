// Package pgodb persists instrumentation schemas and counter buffers
// across process runs, standing in for the runtime side of the profile
// pipeline: an instrumentation compile allocates through it, the
// instrumented process saves its quiesced counters back, and a later
// optimizing compile loads both.
package pgodb

import (
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/colorfulnotion/flowprof/log"
	"github.com/colorfulnotion/flowprof/pgo"
	"github.com/colorfulnotion/flowprof/proferrors"
)

// ProfileStore wraps LevelDB for schema + counter persistence.
// Thread-safe: LevelDB handles its own synchronization.
type ProfileStore struct {
	db *leveldb.DB
}

// NewProfileStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewProfileStore(path string) (*ProfileStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store at %s: %w", path, err)
	}
	return &ProfileStore{db: db}, nil
}

// NewMemoryProfileStore creates an in-memory ProfileStore for testing.
func NewMemoryProfileStore() (*ProfileStore, error) {
	return NewProfileStore("")
}

func (s *ProfileStore) Close() error {
	return s.db.Close()
}

func schemaKey(method pgo.MethodHandle) []byte {
	return []byte(fmt.Sprintf("schema/%016x", uint64(method)))
}

func bufferKey(method pgo.MethodHandle) []byte {
	return []byte(fmt.Sprintf("buffer/%016x", uint64(method)))
}

// AllocProfileBuffer implements pgo.Allocator. It lays the schema's
// slots out back to back, assigns every entry's Offset, persists the
// schema, and registers a zero-initialized buffer.
func (s *ProfileStore) AllocProfileBuffer(method pgo.MethodHandle, schema []pgo.SchemaEntry) (pgo.ProfileBuffer, error) {
	var offset uint32
	for i := range schema {
		schema[i].Offset = offset
		offset += schema[i].SlotSize()
	}
	buffer := make(pgo.ProfileBuffer, offset)

	if err := s.db.Put(schemaKey(method), pgo.EncodeSchema(schema), nil); err != nil {
		return nil, fmt.Errorf("put schema %x: %w", uint64(method), err)
	}
	if err := s.db.Put(bufferKey(method), buffer, nil); err != nil {
		return nil, fmt.Errorf("put buffer %x: %w", uint64(method), err)
	}

	log.Debug(log.StoreMonitoring, "allocated profile buffer",
		"method", fmt.Sprintf("%x", uint64(method)), "entries", len(schema), "bytes", offset)
	return buffer, nil
}

// SaveCounters stores a quiesced counter snapshot for a method that was
// previously allocated.
func (s *ProfileStore) SaveCounters(method pgo.MethodHandle, buffer pgo.ProfileBuffer) error {
	schemaBytes, err := s.db.Get(schemaKey(method), nil)
	if err == leveldb.ErrNotFound {
		return proferrors.ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("get schema %x: %w", uint64(method), err)
	}
	schema, err := pgo.DecodeSchema(schemaBytes)
	if err != nil {
		return err
	}
	if uint32(len(buffer)) != pgo.BufferSize(schema) {
		return fmt.Errorf("%w: %d bytes for %d expected",
			proferrors.ErrBufferSizeWrong, len(buffer), pgo.BufferSize(schema))
	}
	return s.db.Put(bufferKey(method), buffer, nil)
}

// LoadProfile retrieves the schema and counter snapshot for a method.
func (s *ProfileStore) LoadProfile(method pgo.MethodHandle) ([]pgo.SchemaEntry, pgo.ProfileBuffer, error) {
	schemaBytes, err := s.db.Get(schemaKey(method), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, proferrors.ErrProfileNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get schema %x: %w", uint64(method), err)
	}
	schema, err := pgo.DecodeSchema(schemaBytes)
	if err != nil {
		return nil, nil, err
	}

	bufferBytes, err := s.db.Get(bufferKey(method), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, proferrors.ErrProfileNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get buffer %x: %w", uint64(method), err)
	}
	if uint32(len(bufferBytes)) != pgo.BufferSize(schema) {
		return nil, nil, fmt.Errorf("%w: %d bytes for %d expected",
			proferrors.ErrBufferSizeWrong, len(bufferBytes), pgo.BufferSize(schema))
	}
	return schema, pgo.ProfileBuffer(bufferBytes), nil
}

// Methods lists every method handle with a stored schema.
func (s *ProfileStore) Methods() ([]pgo.MethodHandle, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var methods []pgo.MethodHandle
	prefix := []byte("schema/")
	for ok := iter.Seek(prefix); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			break
		}
		m, err := strconv.ParseUint(string(key[len(prefix):]), 16, 64)
		if err != nil {
			continue
		}
		methods = append(methods, pgo.MethodHandle(m))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return methods, nil
}
