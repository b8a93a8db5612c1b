// Package memindex is an in-memory RangeIndex backed by google/btree. It
// serves as the reference implementation the B+Tree is tested against and as
// a scratch index for small, transient data.
package memindex

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// DefaultDegree is the btree degree used when none is given.
const DefaultDegree = 32

// batch is how many records an iterator pulls from its snapshot at a time.
const batch = 64

// Index is a RangeIndex held entirely in memory.
type Index struct {
	factory record.Factory

	mu     sync.RWMutex
	tree   *btree.BTreeG[record.Record]
	closed bool
}

var _ index.RangeIndex = (*Index)(nil)

// New returns an empty index for records of f.
func New(f record.Factory) *Index {
	return NewWithDegree(f, DefaultDegree)
}

func NewWithDegree(f record.Factory, degree int) *Index {
	if degree < 2 {
		degree = DefaultDegree
	}
	return &Index{
		factory: f,
		tree:    btree.NewG(degree, record.Less),
	}
}

func (m *Index) Factory() record.Factory { return m.factory }

func (m *Index) Find(r record.Record) (record.Record, bool, error) {
	m.factory.Check(r)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return record.Record{}, false, index.ErrClosed
	}
	got, ok := m.tree.Get(r)
	return got, ok, nil
}

func (m *Index) Contains(r record.Record) (bool, error) {
	_, ok, err := m.Find(r)
	return ok, err
}

func (m *Index) Add(r record.Record) (bool, error) {
	m.factory.Check(r)
	if m.factory.HasValue() && !r.HasValue() {
		panic("memindex: add of a key-only record to a key/value index")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, index.ErrClosed
	}
	if m.tree.Has(r) {
		return false, nil
	}
	m.tree.ReplaceOrInsert(r)
	return true, nil
}

func (m *Index) Delete(r record.Record) (bool, error) {
	m.factory.Check(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, index.ErrClosed
	}
	_, ok := m.tree.Delete(r)
	return ok, nil
}

func (m *Index) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.tree.Len())
}

func (m *Index) IsEmpty() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, index.ErrClosed
	}
	return m.tree.Len() == 0, nil
}

func (m *Index) MinKey() (record.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return record.Record{}, false, index.ErrClosed
	}
	r, ok := m.tree.Min()
	return r, ok, nil
}

func (m *Index) MaxKey() (record.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return record.Record{}, false, index.ErrClosed
	}
	r, ok := m.tree.Max()
	return r, ok, nil
}

func (m *Index) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return index.ErrClosed
	}
	m.tree.Clear(false)
	return nil
}

// Check has nothing to verify for an in-memory tree.
func (m *Index) Check() error { return nil }

func (m *Index) Sync() error { return nil }

func (m *Index) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree = btree.NewG(2, record.Less)
	return nil
}

func (m *Index) Iterator() (index.Iterator, error) {
	return m.IteratorRange(record.Record{}, record.Record{})
}

// IteratorRange iterates a copy-on-write snapshot taken at the time of the
// call. Later mutations of the index are not visible to it.
func (m *Index) IteratorRange(min, max record.Record) (index.Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, index.ErrClosed
	}
	it := &iterator{snap: m.tree.Clone(), from: min}
	if !max.IsZero() {
		it.max = max.Key()
	}
	return it, nil
}

type iterator struct {
	snap *btree.BTreeG[record.Record]
	from record.Record
	max  []byte
	skip bool

	buf  []record.Record
	pos  int
	cur  record.Record
	done bool
}

func (it *iterator) fill() {
	it.buf = it.buf[:0]
	it.pos = 0
	visit := func(r record.Record) bool {
		if it.skip && record.SameKey(r, it.from) {
			return true
		}
		if it.max != nil && bytes.Compare(r.Key(), it.max) >= 0 {
			return false
		}
		it.buf = append(it.buf, r)
		return len(it.buf) < batch
	}
	if it.from.IsZero() {
		it.snap.Ascend(visit)
	} else {
		it.snap.AscendGreaterOrEqual(it.from, visit)
	}
	if len(it.buf) > 0 {
		it.from = it.buf[len(it.buf)-1]
		it.skip = true
	}
}

func (it *iterator) Next() bool {
	if it.done {
		return false
	}
	if it.pos >= len(it.buf) {
		it.fill()
		if len(it.buf) == 0 {
			it.done = true
			it.cur = record.Record{}
			return false
		}
	}
	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

func (it *iterator) Record() record.Record { return it.cur }

func (it *iterator) Err() error { return nil }

func (it *iterator) Close() error {
	it.done = true
	it.buf = nil
	it.snap = nil
	return nil
}
