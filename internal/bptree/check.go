package bptree

import (
	"bytes"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/index"
)

type checker struct {
	t         *BPlusTree
	leafDepth int
	pages     []block.ID
	records   int64
}

// Check walks the whole tree and verifies its structure: key order and
// bounds in every node and record block, fill limits below the root, a
// uniform depth, a record block chain that visits the blocks in key order,
// and the stored record count. A failure latches the tree as corrupt.
func (t *BPlusTree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return index.ErrClosed
	}
	root, err := t.readNode(rootID)
	if err != nil {
		return err
	}
	c := &checker{t: t, leafDepth: -1}
	if err := c.node(root, nil, nil, 0); err != nil {
		return t.fail(err)
	}
	if err := c.chain(); err != nil {
		return t.fail(err)
	}
	if c.records != t.count {
		return t.fail(index.CorruptError("%s: %d records found, metadata says %d", t.name, c.records, t.count))
	}
	t.logger.Debug("b+tree check passed", "records", c.records, "recordBlocks", len(c.pages))
	return nil
}

// node checks n, whose keys must lie in [lo, hi). nil bounds are open.
func (c *checker) node(n *node, lo, hi []byte, depth int) error {
	t := c.t
	if n.id != rootID && len(n.keys) < t.minKeys {
		return index.CorruptError("%s: node %d holds %d keys, min %d", t.name, n.id, len(n.keys), t.minKeys)
	}
	if err := c.ordered(n.id, n.keys, lo, hi); err != nil {
		return err
	}

	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}

		if n.leaf {
			if c.leafDepth < 0 {
				c.leafDepth = depth
			} else if c.leafDepth != depth {
				return index.CorruptError("%s: node %d at depth %d, other leaves at %d", t.name, n.id, depth, c.leafDepth)
			}
			if err := c.page(child, clo, chi, len(n.children) == 1 && n.id == rootID); err != nil {
				return err
			}
			continue
		}

		cn, err := t.readNode(child)
		if err != nil {
			return err
		}
		if err := c.node(cn, clo, chi, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) page(id block.ID, lo, hi []byte, only bool) error {
	t := c.t
	p, err := t.readPage(id)
	if err != nil {
		return err
	}
	if !only && len(p.records) < t.minRecs {
		return index.CorruptError("%s: record block %d holds %d records, min %d", t.name, id, len(p.records), t.minRecs)
	}
	keys := make([][]byte, len(p.records))
	for i, r := range p.records {
		keys[i] = r.Key()
	}
	if err := c.ordered(id, keys, lo, hi); err != nil {
		return err
	}
	c.pages = append(c.pages, id)
	c.records += int64(len(p.records))
	return nil
}

// ordered checks that keys strictly ascend and stay within [lo, hi).
func (c *checker) ordered(id block.ID, keys [][]byte, lo, hi []byte) error {
	for i, k := range keys {
		if i > 0 && bytes.Compare(keys[i-1], k) >= 0 {
			return index.CorruptError("%s: block %d keys out of order at %d", c.t.name, id, i)
		}
		if lo != nil && bytes.Compare(k, lo) < 0 {
			return index.CorruptError("%s: block %d key %d below its lower bound", c.t.name, id, i)
		}
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			return index.CorruptError("%s: block %d key %d above its upper bound", c.t.name, id, i)
		}
	}
	return nil
}

// chain follows the record block links and compares them with the order the
// tree walk visited the blocks in.
func (c *checker) chain() error {
	t := c.t
	if len(c.pages) == 0 {
		return index.CorruptError("%s: no record blocks", t.name)
	}
	id := c.pages[0]
	for i := range c.pages {
		if id != c.pages[i] {
			return index.CorruptError("%s: record chain reaches block %d, tree order expects %d", t.name, id, c.pages[i])
		}
		p, err := t.readPage(id)
		if err != nil {
			return err
		}
		id = p.next
	}
	if id != block.NoID {
		return index.CorruptError("%s: record chain continues past the last block to %d", t.name, id)
	}
	if n := t.records.Len(); n != len(c.pages) {
		return index.CorruptError("%s: %d record blocks allocated, %d reachable", t.name, n, len(c.pages))
	}
	return nil
}
