// Package bptree implements a persistent B+Tree range index over two block
// storages: one for tree nodes and one for the record blocks the lowest tree
// level points to. Record blocks are chained in key order for range scans.
//
// The root node always lives in node block 0. The tree is not internally
// partitioned for parallel writers: callers serialise mutations, while any
// number of readers may run between them.
package bptree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

const rootID block.ID = 0

var metaMagic = []byte("BPT1")

const metaLength = 24

// BPlusTree is a RangeIndex stored in fixed-size blocks.
type BPlusTree struct {
	name    string
	factory record.Factory
	params  index.Params
	nodes   block.Storage
	records block.Storage
	logger  *slog.Logger

	maxKeys int
	minKeys int
	maxRecs int
	minRecs int

	mu      sync.RWMutex
	count   int64
	version uint64
	closed  bool

	failMu sync.Mutex
	broken error
}

// Option configures a BPlusTree.
type Option func(*BPlusTree)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(t *BPlusTree) {
		if l != nil {
			t.logger = l
		}
	}
}

var _ index.RangeIndex = (*BPlusTree)(nil)

// Open attaches a tree to its two storages, creating an empty tree when the
// node storage is empty. Existing trees must have been created with the same
// record layout, block size and order.
func Open(name string, f record.Factory, params index.Params, nodes, records block.Storage, opts ...Option) (*BPlusTree, error) {
	params, err := params.Resolve(f)
	if err != nil {
		return nil, err
	}
	if nodes.BlockSize() != params.BlockSize || records.BlockSize() != params.BlockSize {
		return nil, index.ConfigError("%s: storage block sizes %d/%d, want %d",
			name, nodes.BlockSize(), records.BlockSize(), params.BlockSize)
	}

	t := &BPlusTree{
		name:    name,
		factory: f,
		params:  params,
		nodes:   nodes,
		records: records,
		logger:  slog.Default(),
		maxKeys: index.MaxRecords(params.Order),
		minKeys: index.MinRecords(params.Order),
		maxRecs: index.RecordsPerBlock(params.BlockSize, f),
	}
	t.minRecs = t.maxRecs / 2
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("index", name)

	if nodes.Len() == 0 {
		if err := t.create(); err != nil {
			return nil, err
		}
		t.logger.Debug("created b+tree", "params", params.String(), "layout", f.String(),
			"maxKeys", t.maxKeys, "maxRecords", t.maxRecs)
		return t, nil
	}

	if err := t.loadMeta(); err != nil {
		return nil, err
	}
	t.logger.Debug("opened b+tree", "params", params.String(), "layout", f.String(), "size", t.count)
	return t, nil
}

func (t *BPlusTree) create() error {
	root, err := t.newNode(true)
	if err != nil {
		return err
	}
	if root.id != rootID {
		return index.CorruptError("%s: root allocated at block %d", t.name, root.id)
	}
	p, err := t.newPage()
	if err != nil {
		return err
	}
	root.children = []block.ID{p.id}
	if err := t.writePage(p); err != nil {
		return err
	}
	if err := t.writeNode(root); err != nil {
		return err
	}
	return t.saveMeta()
}

func (t *BPlusTree) encodeMeta() []byte {
	meta := make([]byte, metaLength)
	copy(meta[0:4], metaMagic)
	binary.BigEndian.PutUint16(meta[4:6], uint16(t.factory.KeyLength()))   // #nosec G115 - record lengths are small
	binary.BigEndian.PutUint16(meta[6:8], uint16(t.factory.ValueLength())) // #nosec G115 - record lengths are small
	binary.BigEndian.PutUint32(meta[8:12], uint32(t.params.BlockSize))     // #nosec G115 - validated block size
	binary.BigEndian.PutUint32(meta[12:16], uint32(t.params.Order))        // #nosec G115 - validated order
	binary.BigEndian.PutUint64(meta[16:24], uint64(t.count))               // #nosec G115 - count is never negative
	return meta
}

func (t *BPlusTree) saveMeta() error {
	meta := t.encodeMeta()
	if err := t.nodes.SetMetadata(meta); err != nil {
		return t.fail(err)
	}
	return t.fail(t.records.SetMetadata(meta[:16]))
}

func (t *BPlusTree) loadMeta() error {
	meta := t.nodes.Metadata()
	if len(meta) != metaLength || !bytes.Equal(meta[0:4], metaMagic) {
		return index.CorruptError("%s: missing b+tree metadata", t.name)
	}
	keyLen := int(binary.BigEndian.Uint16(meta[4:6]))
	valLen := int(binary.BigEndian.Uint16(meta[6:8]))
	blockSize := int(binary.BigEndian.Uint32(meta[8:12]))
	order := int(binary.BigEndian.Uint32(meta[12:16]))

	if keyLen != t.factory.KeyLength() || valLen != t.factory.ValueLength() {
		return index.ConfigError("%s: stored record layout (%d,%d), requested %s", t.name, keyLen, valLen, t.factory)
	}
	if blockSize != t.params.BlockSize || order != t.params.Order {
		return index.ConfigError("%s: stored blockSize=%d order=%d, requested %s", t.name, blockSize, order, t.params)
	}
	if recMeta := t.records.Metadata(); !bytes.Equal(recMeta, meta[:16]) {
		return index.ConfigError("%s: record file does not belong to this tree", t.name)
	}
	t.count = int64(binary.BigEndian.Uint64(meta[16:24])) // #nosec G115 - written from a non-negative count
	return nil
}

// fail latches the tree as broken when err reports corruption, and returns err.
func (t *BPlusTree) fail(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, index.ErrCorrupt) {
		t.failMu.Lock()
		if t.broken == nil {
			t.broken = err
			t.logger.Error("b+tree corrupt, refusing further mutation", "err", err)
		}
		t.failMu.Unlock()
	}
	return err
}

// interrupted latches the tree after err stopped a mutation that had already
// written part of its blocks. The cause stays reachable through the result.
func (t *BPlusTree) interrupted(err error) error {
	if err == nil || errors.Is(err, index.ErrCorrupt) {
		return t.fail(err)
	}
	return t.fail(fmt.Errorf("%w: %s: mutation interrupted: %w", index.ErrCorrupt, t.name, err))
}

// writable returns the reason the tree cannot be mutated, if any.
// It must be called with mu held.
func (t *BPlusTree) writable() error {
	if t.closed {
		return index.ErrClosed
	}
	t.failMu.Lock()
	defer t.failMu.Unlock()
	if t.broken != nil {
		return fmt.Errorf("%s: %w", t.name, t.broken)
	}
	return nil
}

// Name returns the index name.
func (t *BPlusTree) Name() string { return t.name }

// Params returns the resolved block size and order.
func (t *BPlusTree) Params() index.Params { return t.params }

// Factory returns the record layout of the tree.
func (t *BPlusTree) Factory() record.Factory { return t.factory }

// Size returns the number of stored records.
func (t *BPlusTree) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

func (t *BPlusTree) IsEmpty() (bool, error) {
	_, ok, err := t.MinKey()
	return !ok, err
}

// findPage descends from the root to the record block that covers key.
func (t *BPlusTree) findPage(key []byte) (*page, error) {
	n, err := t.readNode(rootID)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		if n, err = t.readNode(n.children[n.childIndex(key)]); err != nil {
			return nil, err
		}
	}
	return t.readPage(n.children[n.childIndex(key)])
}

func (t *BPlusTree) Find(r record.Record) (record.Record, bool, error) {
	t.factory.Check(r)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return record.Record{}, false, index.ErrClosed
	}
	p, err := t.findPage(r.Key())
	if err != nil {
		return record.Record{}, false, err
	}
	i, ok := p.search(r.Key())
	if !ok {
		return record.Record{}, false, nil
	}
	return p.records[i], true, nil
}

func (t *BPlusTree) Contains(r record.Record) (bool, error) {
	_, ok, err := t.Find(r)
	return ok, err
}

// edge descends the leftmost or rightmost path.
func (t *BPlusTree) edge(right bool) (record.Record, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return record.Record{}, false, index.ErrClosed
	}
	n, err := t.readNode(rootID)
	if err != nil {
		return record.Record{}, false, err
	}
	pick := func(n *node) block.ID {
		if right {
			return n.children[len(n.children)-1]
		}
		return n.children[0]
	}
	for !n.leaf {
		if n, err = t.readNode(pick(n)); err != nil {
			return record.Record{}, false, err
		}
	}
	p, err := t.readPage(pick(n))
	if err != nil {
		return record.Record{}, false, err
	}
	if len(p.records) == 0 {
		// Only the single record block of an empty tree may be empty.
		return record.Record{}, false, nil
	}
	if right {
		return p.records[len(p.records)-1], true, nil
	}
	return p.records[0], true, nil
}

func (t *BPlusTree) MinKey() (record.Record, bool, error) { return t.edge(false) }

func (t *BPlusTree) MaxKey() (record.Record, bool, error) { return t.edge(true) }

// Clear frees every block and leaves an empty tree.
func (t *BPlusTree) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writable(); err != nil {
		return err
	}
	root, err := t.readNode(rootID)
	if err != nil {
		return err
	}
	if err := t.freeSubtrees(root); err != nil {
		return err
	}

	p, err := t.newPage()
	if err != nil {
		return err
	}
	if err := t.writePage(p); err != nil {
		return err
	}
	root = &node{id: rootID, leaf: true, children: []block.ID{p.id}}
	if err := t.writeNode(root); err != nil {
		return err
	}
	t.count = 0
	t.version++
	return t.saveMeta()
}

// freeSubtrees releases every block below n, but not n itself.
func (t *BPlusTree) freeSubtrees(n *node) error {
	for _, c := range n.children {
		if n.leaf {
			if err := t.fail(t.records.Free(c)); err != nil {
				return err
			}
			continue
		}
		child, err := t.readNode(c)
		if err != nil {
			return err
		}
		if err := t.freeSubtrees(child); err != nil {
			return err
		}
		if err := t.fail(t.nodes.Free(c)); err != nil {
			return err
		}
	}
	return nil
}

func (t *BPlusTree) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return index.ErrClosed
	}
	if err := t.nodes.Sync(); err != nil {
		return err
	}
	return t.records.Sync()
}

// Close syncs and releases both storages.
func (t *BPlusTree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	errNodes := t.nodes.Close()
	errRecords := t.records.Close()
	return errors.Join(errNodes, errRecords)
}

// Stats describes the shape of a tree.
type Stats struct {
	Records      int64
	Depth        int
	NodeBlocks   int
	RecordBlocks int
}

// Stats reports block usage. Depth counts node levels including the root.
func (t *BPlusTree) Stats() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return Stats{}, index.ErrClosed
	}
	depth := 1
	n, err := t.readNode(rootID)
	if err != nil {
		return Stats{}, err
	}
	for !n.leaf {
		if n, err = t.readNode(n.children[0]); err != nil {
			return Stats{}, err
		}
		depth++
	}
	return Stats{
		Records:      t.count,
		Depth:        depth,
		NodeBlocks:   t.nodes.Len(),
		RecordBlocks: t.records.Len(),
	}, nil
}
