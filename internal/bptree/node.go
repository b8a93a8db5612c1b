package bptree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
	"github.com/zeebo/xxh3"
)

// Block kinds, stored in the first byte of every tree block.
const (
	kindNode    = 'N'
	kindRecords = 'R'
)

const flagLeaf = 0x01

// node is a decoded tree node.
//
//	0     kind
//	1     flags (flagLeaf: children are record blocks)
//	2:4   key count
//	4:8   checksum
//	8:    maxKeys keys, then maxKeys+1 child pointers
//
// children[i] covers keys k with keys[i-1] <= k < keys[i].
type node struct {
	id       block.ID
	leaf     bool
	keys     [][]byte
	children []block.ID
}

// page is a decoded record block.
//
//	0     kind
//	2:4   record count
//	4:8   checksum
//	8:12  next record block, block.NoID for the last
//	12:   records
type page struct {
	id      block.ID
	next    block.ID
	records []record.Record
}

func checksum(buf []byte) uint32 {
	h := xxh3.New()
	_, _ = h.Write(buf[0:4])
	_, _ = h.Write(buf[8:])
	return uint32(h.Sum64()) // #nosec G115 - truncated checksum
}

// childIndex returns the position of the child covering key.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

func (n *node) insertAt(i int, key []byte, child block.ID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.children = append(n.children, 0)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = child
}

// removeAt drops keys[i] and children[i+1].
func (n *node) removeAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i+1], n.children[i+2:]...)
}

// search returns the position of key in the page and whether it is present.
func (p *page) search(key []byte) (int, bool) {
	i := sort.Search(len(p.records), func(i int) bool {
		return bytes.Compare(p.records[i].Key(), key) >= 0
	})
	return i, i < len(p.records) && bytes.Equal(p.records[i].Key(), key)
}

func (t *BPlusTree) encodeNode(n *node) []byte {
	buf := make([]byte, t.params.BlockSize)
	buf[0] = kindNode
	if n.leaf {
		buf[1] = flagLeaf
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(n.keys))) // #nosec G115 - bounded by maxKeys
	keyLen := t.factory.KeyLength()
	off := index.NodeHeaderSize
	for _, k := range n.keys {
		copy(buf[off:], k)
		off += keyLen
	}
	off = index.NodeHeaderSize + t.maxKeys*keyLen
	for _, c := range n.children {
		binary.BigEndian.PutUint32(buf[off:], uint32(c))
		off += index.PointerSize
	}
	binary.BigEndian.PutUint32(buf[4:8], checksum(buf))
	return buf
}

func (t *BPlusTree) decodeNode(id block.ID, buf []byte) (*node, error) {
	if buf[0] != kindNode {
		return nil, index.CorruptError("%s: block %d is not a tree node (kind %#x)", t.name, id, buf[0])
	}
	if binary.BigEndian.Uint32(buf[4:8]) != checksum(buf) {
		return nil, index.CorruptError("%s: checksum mismatch in node %d", t.name, id)
	}
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if count > t.maxKeys {
		return nil, index.CorruptError("%s: node %d holds %d keys, max %d", t.name, id, count, t.maxKeys)
	}

	n := &node{
		id:       id,
		leaf:     buf[1]&flagLeaf != 0,
		keys:     make([][]byte, count, t.maxKeys+1),
		children: make([]block.ID, count+1, t.maxKeys+2),
	}
	keyLen := t.factory.KeyLength()
	off := index.NodeHeaderSize
	for i := range n.keys {
		n.keys[i] = append([]byte(nil), buf[off:off+keyLen]...)
		off += keyLen
	}
	off = index.NodeHeaderSize + t.maxKeys*keyLen
	for i := range n.children {
		n.children[i] = block.ID(binary.BigEndian.Uint32(buf[off:]))
		off += index.PointerSize
	}
	return n, nil
}

func (t *BPlusTree) encodePage(p *page) []byte {
	buf := make([]byte, t.params.BlockSize)
	buf[0] = kindRecords
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.records))) // #nosec G115 - bounded by maxRecs
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.next))
	off := index.RecordPageHeaderSize
	recLen := t.factory.RecordLength()
	for _, r := range p.records {
		copy(buf[off:], r.Key())
		copy(buf[off+t.factory.KeyLength():off+recLen], r.Value())
		off += recLen
	}
	binary.BigEndian.PutUint32(buf[4:8], checksum(buf))
	return buf
}

func (t *BPlusTree) decodePage(id block.ID, buf []byte) (*page, error) {
	if buf[0] != kindRecords {
		return nil, index.CorruptError("%s: block %d is not a record block (kind %#x)", t.name, id, buf[0])
	}
	if binary.BigEndian.Uint32(buf[4:8]) != checksum(buf) {
		return nil, index.CorruptError("%s: checksum mismatch in record block %d", t.name, id)
	}
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if count > t.maxRecs {
		return nil, index.CorruptError("%s: record block %d holds %d records, max %d", t.name, id, count, t.maxRecs)
	}

	p := &page{
		id:      id,
		next:    block.ID(binary.BigEndian.Uint32(buf[8:12])),
		records: make([]record.Record, count, t.maxRecs+1),
	}
	recLen := t.factory.RecordLength()
	off := index.RecordPageHeaderSize
	for i := range p.records {
		p.records[i] = t.factory.FromBytes(buf[off : off+recLen])
		off += recLen
	}
	return p, nil
}

func (t *BPlusTree) readNode(id block.ID) (*node, error) {
	buf, err := t.nodes.Read(id)
	if err != nil {
		return nil, t.fail(err)
	}
	n, err := t.decodeNode(id, buf)
	if err != nil {
		return nil, t.fail(err)
	}
	return n, nil
}

func (t *BPlusTree) writeNode(n *node) error {
	return t.fail(t.nodes.Write(n.id, t.encodeNode(n)))
}

func (t *BPlusTree) newNode(leaf bool) (*node, error) {
	id, err := t.nodes.Allocate()
	if err != nil {
		return nil, t.fail(err)
	}
	return &node{id: id, leaf: leaf}, nil
}

func (t *BPlusTree) readPage(id block.ID) (*page, error) {
	buf, err := t.records.Read(id)
	if err != nil {
		return nil, t.fail(err)
	}
	p, err := t.decodePage(id, buf)
	if err != nil {
		return nil, t.fail(err)
	}
	return p, nil
}

func (t *BPlusTree) writePage(p *page) error {
	return t.fail(t.records.Write(p.id, t.encodePage(p)))
}

func (t *BPlusTree) newPage() (*page, error) {
	id, err := t.records.Allocate()
	if err != nil {
		return nil, t.fail(err)
	}
	return &page{id: id, next: block.NoID}, nil
}
