package bptree

import (
	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// Delete removes the record with the key of r.
func (t *BPlusTree) Delete(r record.Record) (bool, error) {
	t.factory.Check(r)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writable(); err != nil {
		return false, err
	}

	root, err := t.readNode(rootID)
	if err != nil {
		return false, err
	}
	removed, err := t.remove(root, r.Key())
	if err != nil || !removed {
		return false, err
	}
	if err := t.collapseRoot(root); err != nil {
		return false, t.interrupted(err)
	}

	t.count--
	t.version++
	return true, t.saveMeta()
}

// remove deletes key below n and rebalances the child it descended into when
// that child underflows. n is written back when it changes.
func (t *BPlusTree) remove(n *node, key []byte) (bool, error) {
	i := n.childIndex(key)

	if n.leaf {
		p, err := t.readPage(n.children[i])
		if err != nil {
			return false, err
		}
		pos, found := p.search(key)
		if !found {
			return false, nil
		}
		p.records = append(p.records[:pos], p.records[pos+1:]...)
		if err := t.writePage(p); err != nil {
			return false, err
		}
		if len(p.records) >= t.minRecs || len(n.children) == 1 {
			return true, nil
		}
		return true, t.interrupted(t.rebalancePages(n, i))
	}

	child, err := t.readNode(n.children[i])
	if err != nil {
		return false, err
	}
	removed, err := t.remove(child, key)
	if err != nil || !removed {
		return false, err
	}
	if len(child.keys) >= t.minKeys {
		return true, nil
	}
	return true, t.interrupted(t.rebalanceNodes(n, i))
}

// siblings returns the positions of an underflowing child and the sibling it
// is merged with or borrows from, left one first.
func siblings(n *node, i int) (int, int) {
	if i > 0 {
		return i - 1, i
	}
	return i, i + 1
}

// rebalancePages fixes the record block under n at position i, which holds
// fewer than minRecs records, by merging with or borrowing from a sibling.
func (t *BPlusTree) rebalancePages(n *node, i int) error {
	li, ri := siblings(n, i)
	left, err := t.readPage(n.children[li])
	if err != nil {
		return err
	}
	right, err := t.readPage(n.children[ri])
	if err != nil {
		return err
	}
	if left.next != right.id {
		return t.fail(index.CorruptError("%s: record block %d links to %d, expected sibling %d",
			t.name, left.id, left.next, right.id))
	}

	if len(left.records)+len(right.records) <= t.maxRecs {
		left.records = append(left.records, right.records...)
		left.next = right.next
		if err := t.writePage(left); err != nil {
			return err
		}
		if err := t.fail(t.records.Free(right.id)); err != nil {
			return err
		}
		n.removeAt(li)
		return t.writeNode(n)
	}

	all := append(append([]record.Record(nil), left.records...), right.records...)
	mid := len(all) / 2
	left.records = all[:mid]
	right.records = all[mid:]
	if err := t.writePage(left); err != nil {
		return err
	}
	if err := t.writePage(right); err != nil {
		return err
	}
	n.keys[li] = append([]byte(nil), right.records[0].Key()...)
	return t.writeNode(n)
}

// rebalanceNodes fixes the child node of n at position i, which holds fewer
// than minKeys keys, by merging with or rotating through a sibling.
func (t *BPlusTree) rebalanceNodes(n *node, i int) error {
	li, ri := siblings(n, i)
	left, err := t.readNode(n.children[li])
	if err != nil {
		return err
	}
	right, err := t.readNode(n.children[ri])
	if err != nil {
		return err
	}
	sep := n.keys[li]

	if len(left.keys)+1+len(right.keys) <= t.maxKeys {
		left.keys = append(append(left.keys, sep), right.keys...)
		left.children = append(left.children, right.children...)
		if err := t.writeNode(left); err != nil {
			return err
		}
		if err := t.fail(t.nodes.Free(right.id)); err != nil {
			return err
		}
		n.removeAt(li)
		return t.writeNode(n)
	}

	keys := append(append(append([][]byte(nil), left.keys...), sep), right.keys...)
	children := append(append([]block.ID(nil), left.children...), right.children...)
	mid := len(keys) / 2
	left.keys = append([][]byte(nil), keys[:mid]...)
	left.children = append([]block.ID(nil), children[:mid+1]...)
	right.keys = append([][]byte(nil), keys[mid+1:]...)
	right.children = append([]block.ID(nil), children[mid+1:]...)
	if err := t.writeNode(left); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	n.keys[li] = keys[mid]
	return t.writeNode(n)
}

// collapseRoot pulls the only child of an empty internal root into block 0,
// shrinking the tree by one level.
func (t *BPlusTree) collapseRoot(root *node) error {
	for !root.leaf && len(root.keys) == 0 {
		child, err := t.readNode(root.children[0])
		if err != nil {
			return err
		}
		root.leaf = child.leaf
		root.keys = child.keys
		root.children = child.children
		if err := t.writeNode(root); err != nil {
			return err
		}
		if err := t.fail(t.nodes.Free(child.id)); err != nil {
			return err
		}
		t.logger.Debug("root collapsed", "child", child.id)
	}
	return nil
}
