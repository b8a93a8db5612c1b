// Package index defines the ordered record index contracts shared by the
// persistent B+Tree and the in-memory reference implementation, together with
// the parameters, error kinds and decorators that surround them.
package index

import (
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// SizeUnknown is returned by Size when an index cannot report an exact count.
const SizeUnknown int64 = -1

// Index is an ordered collection of unique-keyed records.
//
// Mutations must be serialised by the caller. Add is insert-if-absent: when a
// record with the same key is already present, the stored record is left
// unchanged and Add reports false.
type Index interface {
	// Find returns the stored record with the same key as r.
	Find(r record.Record) (record.Record, bool, error)

	// Contains reports whether a record with the key of r is stored.
	Contains(r record.Record) (bool, error)

	// Add inserts r if its key is absent and reports whether it did.
	Add(r record.Record) (bool, error)

	// Delete removes the record with the key of r and reports whether one was removed.
	Delete(r record.Record) (bool, error)

	// Iterator returns a fresh ascending cursor over the current content.
	//
	// Implementations differ when the index is mutated while the cursor is
	// open. A persistent index stops the cursor with an error wrapping
	// ErrConcurrentModification; an in-memory index keeps iterating the
	// content as it was when the cursor was created. Callers that write
	// while iterating must handle both.
	Iterator() (Iterator, error)

	// Factory returns the record layout of this index.
	Factory() record.Factory

	// Size returns the number of records, or SizeUnknown.
	Size() int64

	// IsEmpty reports whether the index holds no records.
	IsEmpty() (bool, error)

	// Clear removes every record.
	Clear() error

	// Check runs a consistency self-check. Implementations may do nothing.
	Check() error

	// Sync makes every completed write durable before it returns.
	Sync() error

	// Close releases all resources. The index is unusable afterwards.
	Close() error
}

// RangeIndex is an Index that also supports ranged scans and key extremes.
type RangeIndex interface {
	Index

	// IteratorRange scans keys k with min <= k < max in ascending order.
	// A zero Record for either bound leaves that side unbounded. Mutations
	// during the scan behave as described on Iterator.
	IteratorRange(min, max record.Record) (Iterator, error)

	// MinKey returns the record with the smallest key.
	MinKey() (record.Record, bool, error)

	// MaxKey returns the record with the largest key.
	MaxKey() (record.Record, bool, error)
}

// Iterator walks records in ascending key order.
//
//	it, err := idx.Iterator()
//	...
//	defer it.Close()
//	for it.Next() {
//		r := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// Next advances to the next record.
	Next() bool

	// Record returns the current record.
	Record() record.Record

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Close releases the cursor. It is safe to call more than once.
	Close() error
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]record.Record, error) {
	defer it.Close()
	var out []record.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	if err := it.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// SliceIterator iterates over a fixed slice of records.
type SliceIterator struct {
	records []record.Record
	pos     int
	closed  bool
}

// NewSliceIterator returns an iterator over records, which must already be in order.
func NewSliceIterator(records []record.Record) *SliceIterator {
	return &SliceIterator{records: records, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.closed || it.pos+1 >= len(it.records) {
		it.pos = len(it.records)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Record() record.Record {
	if it.pos < 0 || it.pos >= len(it.records) {
		return record.Record{}
	}
	return it.records[it.pos]
}

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error {
	it.closed = true
	it.records = nil
	return nil
}
