// Package block provides fixed-size block storage addressed by integer id.
//
// A Storage is owned by exactly one index. Two implementations exist: an
// in-memory arena for ephemeral stores and tests, and a file with a read
// cache for persistent stores. Index code depends only on the Storage
// interface, so both are interchangeable.
package block

import (
	"errors"
	"fmt"
	"math"
)

// ID addresses a block within one Storage.
type ID uint32

// NoID is never a valid block id.
const NoID ID = math.MaxUint32

var errFull = errors.New("block id space exhausted")

// MaxMetadata is the largest metadata slot a Storage carries.
const MaxMetadata = 256

// Storage is the block storage contract.
type Storage interface {
	// Name identifies the storage in logs and errors.
	Name() string

	// BlockSize returns the fixed size of every block.
	BlockSize() int

	// Allocate returns a zero-filled block, reusing a freed id when one exists.
	Allocate() (ID, error)

	// Read returns a copy of block id.
	Read(id ID) ([]byte, error)

	// Write replaces block id. len(data) must equal BlockSize.
	Write(id ID, data []byte) error

	// Free releases block id for reuse.
	Free(id ID) error

	// Valid reports whether id is currently allocated.
	Valid(id ID) bool

	// Len returns the number of allocated blocks.
	Len() int

	// Metadata returns a copy of the owner's metadata slot.
	Metadata() []byte

	// SetMetadata replaces the metadata slot. It becomes durable on Sync.
	SetMetadata(meta []byte) error

	// Sync makes every write completed before the call durable.
	Sync() error

	// Close syncs and releases the storage.
	Close() error
}

func checkLength(s Storage, data []byte) error {
	if len(data) != s.BlockSize() {
		return fmt.Errorf("block: %s: data size %d does not match block size %d", s.Name(), len(data), s.BlockSize())
	}
	return nil
}
