package bptree

import (
	"bytes"
	"fmt"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// Iterator walks the record block chain one block at a time. It holds no lock
// between calls; a mutation of the tree after the iterator was created ends
// iteration with index.ErrConcurrentModification.
type Iterator struct {
	t       *BPlusTree
	version uint64
	max     []byte

	records []record.Record
	pos     int
	next    block.ID

	cur  record.Record
	err  error
	done bool
}

var _ index.Iterator = (*Iterator)(nil)

// Iterator returns a cursor over every record.
func (t *BPlusTree) Iterator() (index.Iterator, error) {
	return t.IteratorRange(record.Record{}, record.Record{})
}

// IteratorRange returns a cursor over records with min <= key < max.
// A zero Record leaves that bound open.
func (t *BPlusTree) IteratorRange(min, max record.Record) (index.Iterator, error) {
	if !min.IsZero() {
		t.factory.Check(min)
	}
	if !max.IsZero() {
		t.factory.Check(max)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, index.ErrClosed
	}

	var (
		p   *page
		err error
	)
	if min.IsZero() {
		p, err = t.firstPage()
	} else {
		p, err = t.findPage(min.Key())
	}
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		t:       t,
		version: t.version,
		records: p.records,
		next:    p.next,
	}
	if !max.IsZero() {
		it.max = max.Key()
	}
	if !min.IsZero() {
		it.pos, _ = p.search(min.Key())
	}
	return it, nil
}

func (t *BPlusTree) firstPage() (*page, error) {
	n, err := t.readNode(rootID)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		if n, err = t.readNode(n.children[0]); err != nil {
			return nil, err
		}
	}
	return t.readPage(n.children[0])
}

func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if err := it.valid(); err != nil {
		return it.finish(err)
	}
	for it.pos >= len(it.records) {
		if it.next == block.NoID {
			return it.finish(nil)
		}
		if err := it.load(); err != nil {
			return it.finish(err)
		}
	}

	r := it.records[it.pos]
	if it.max != nil && bytes.Compare(r.Key(), it.max) >= 0 {
		return it.finish(nil)
	}
	it.pos++
	it.cur = r
	return true
}

func (it *Iterator) valid() error {
	t := it.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	return it.validLocked()
}

func (it *Iterator) validLocked() error {
	if it.t.closed {
		return index.ErrClosed
	}
	if it.t.version != it.version {
		return fmt.Errorf("%s: %w", it.t.name, index.ErrConcurrentModification)
	}
	return nil
}

// load reads the next record block of the chain.
func (it *Iterator) load() error {
	t := it.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := it.validLocked(); err != nil {
		return err
	}
	p, err := t.readPage(it.next)
	if err != nil {
		return err
	}
	it.records = p.records
	it.pos = 0
	it.next = p.next
	return nil
}

func (it *Iterator) finish(err error) bool {
	it.err = err
	it.done = true
	it.cur = record.Record{}
	it.records = nil
	return false
}

func (it *Iterator) Record() record.Record { return it.cur }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error {
	if !it.done {
		it.finish(nil)
	}
	return nil
}
