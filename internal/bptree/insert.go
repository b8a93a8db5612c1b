package bptree

import (
	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// split is what a child hands back to its parent after splitting: the
// separator and the new right sibling.
type split struct {
	key   []byte
	right block.ID
}

// Add inserts r when its key is absent. An existing record is left untouched.
func (t *BPlusTree) Add(r record.Record) (bool, error) {
	t.factory.Check(r)
	if t.factory.HasValue() && !r.HasValue() {
		panic("bptree: add of a key-only record to a key/value index")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writable(); err != nil {
		return false, err
	}

	root, err := t.readNode(rootID)
	if err != nil {
		return false, err
	}
	added, _, err := t.insert(root, r)
	if err != nil || !added {
		return false, err
	}

	t.count++
	t.version++
	return true, t.saveMeta()
}

// insert adds r below n. n is written back when it changes; when n overflows
// it is split and, unless n is the root, the split is returned to the parent.
func (t *BPlusTree) insert(n *node, r record.Record) (bool, *split, error) {
	i := n.childIndex(r.Key())

	var sp *split
	if n.leaf {
		p, err := t.readPage(n.children[i])
		if err != nil {
			return false, nil, err
		}
		added, psp, err := t.insertIntoPage(p, r)
		if err != nil || !added {
			return false, nil, err
		}
		sp = psp
	} else {
		child, err := t.readNode(n.children[i])
		if err != nil {
			return false, nil, err
		}
		added, csp, err := t.insert(child, r)
		if err != nil || !added {
			return false, nil, err
		}
		sp = csp
	}

	if sp == nil {
		return true, nil, nil
	}

	// The child has split, so n must take the separator.
	n.insertAt(i, sp.key, sp.right)
	if len(n.keys) <= t.maxKeys {
		return true, nil, t.interrupted(t.writeNode(n))
	}
	if n.id == rootID {
		return true, nil, t.interrupted(t.splitRoot(n))
	}
	nsp, err := t.splitNode(n)
	return true, nsp, t.interrupted(err)
}

func (t *BPlusTree) insertIntoPage(p *page, r record.Record) (bool, *split, error) {
	pos, found := p.search(r.Key())
	if found {
		return false, nil, nil
	}
	p.records = append(p.records, record.Record{})
	copy(p.records[pos+1:], p.records[pos:])
	p.records[pos] = r

	if len(p.records) <= t.maxRecs {
		return true, nil, t.writePage(p)
	}

	right, err := t.newPage()
	if err != nil {
		return false, nil, err
	}
	mid := len(p.records) / 2
	right.records = append([]record.Record(nil), p.records[mid:]...)
	right.next = p.next
	p.records = p.records[:mid]
	p.next = right.id

	// Write the new block before linking to it.
	if err := t.writePage(right); err != nil {
		return false, nil, t.interrupted(err)
	}
	if err := t.writePage(p); err != nil {
		return false, nil, t.interrupted(err)
	}
	return true, &split{key: append([]byte(nil), right.records[0].Key()...), right: right.id}, nil
}

// splitNode moves the upper half of an overfull node into a new sibling and
// promotes the middle key.
func (t *BPlusTree) splitNode(n *node) (*split, error) {
	right, err := t.newNode(n.leaf)
	if err != nil {
		return nil, err
	}
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right.keys = append([][]byte(nil), n.keys[mid+1:]...)
	right.children = append([]block.ID(nil), n.children[mid+1:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.writeNode(right); err != nil {
		return nil, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, err
	}
	return &split{key: sep, right: right.id}, nil
}

// splitRoot splits an overfull root in place. The root keeps block 0: both
// halves move into new blocks and the root becomes their parent.
func (t *BPlusTree) splitRoot(root *node) error {
	left, err := t.newNode(root.leaf)
	if err != nil {
		return err
	}
	right, err := t.newNode(root.leaf)
	if err != nil {
		return err
	}
	mid := len(root.keys) / 2
	sep := root.keys[mid]
	left.keys = append([][]byte(nil), root.keys[:mid]...)
	left.children = append([]block.ID(nil), root.children[:mid+1]...)
	right.keys = append([][]byte(nil), root.keys[mid+1:]...)
	right.children = append([]block.ID(nil), root.children[mid+1:]...)

	if err := t.writeNode(left); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	root.leaf = false
	root.keys = [][]byte{sep}
	root.children = []block.ID{left.id, right.id}
	t.logger.Debug("root split", "left", left.id, "right", right.id)
	return t.writeNode(root)
}
