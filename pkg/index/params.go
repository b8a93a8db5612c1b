package index

import (
	"fmt"

	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// On-disk layout constants the order computation depends on. Changing any of
// them changes the order computed for existing indexes.
const (
	// DefaultBlockSize is the page size used when none is configured.
	DefaultBlockSize = 8192

	// NodeHeaderSize is the header of a tree node block: kind, leaf flag,
	// record count and checksum.
	NodeHeaderSize = 8

	// PointerSize is the width of a block pointer inside a tree node.
	PointerSize = 4

	// RecordPageHeaderSize is the header of a record block: kind, count,
	// checksum and the link to the next record block.
	RecordPageHeaderSize = 12

	// MinOrder is the smallest order a tree may be built with.
	MinOrder = 2
)

// Params are the tuning parameters of a range index. Zero fields are unset.
type Params struct {
	BlockSize int
	Order     int
}

func (p Params) String() string {
	return fmt.Sprintf("blockSize=%d order=%d", p.BlockSize, p.Order)
}

// CalcOrder returns the largest order N such that a node holding 2N-1
// records of the given layout and 2N block pointers fits in one block.
func CalcOrder(blockSize int, f record.Factory) int {
	maxRec := (blockSize - NodeHeaderSize - PointerSize) / (f.RecordLength() + PointerSize)
	return (maxRec + 1) / 2
}

// BlockSizeForOrder returns the smallest block size for which CalcOrder yields order.
func BlockSizeForOrder(order int, f record.Factory) int {
	maxRec := 2*order - 1
	return NodeHeaderSize + PointerSize + maxRec*(f.RecordLength()+PointerSize)
}

// RecordsPerBlock returns how many records of the layout fit in a record block.
func RecordsPerBlock(blockSize int, f record.Factory) int {
	return (blockSize - RecordPageHeaderSize) / f.RecordLength()
}

// MaxRecords is the key capacity of a node of the given order.
func MaxRecords(order int) int { return 2*order - 1 }

// MinRecords is the minimum key count of a non-root node of the given order.
func MinRecords(order int) int { return order - 1 }

// Resolve validates p against a record layout and fills in the missing field.
//
// With only a block size the order is computed. With both, the given order
// must equal the computed one: order decides the on-disk layout, so a
// disagreement is a configuration error rather than something to correct
// silently. With only an order the block size is derived; such parameters
// are only meaningful for in-memory storage.
func (p Params) Resolve(f record.Factory) (Params, error) {
	switch {
	case p.BlockSize <= 0 && p.Order <= 0:
		return p, ConfigError("neither block size nor order specified")
	case p.BlockSize > 0 && p.Order <= 0:
		p.Order = CalcOrder(p.BlockSize, f)
	case p.BlockSize > 0 && p.Order > 0:
		if calc := CalcOrder(p.BlockSize, f); calc != p.Order {
			return p, ConfigError("wrong order %d for block size %d and %s, calculated %d",
				p.Order, p.BlockSize, f, calc)
		}
	default:
		p.BlockSize = BlockSizeForOrder(p.Order, f)
	}

	if p.Order < MinOrder {
		return p, ConfigError("block size %d too small for %s (order %d)", p.BlockSize, f, p.Order)
	}
	if RecordsPerBlock(p.BlockSize, f) < 2 {
		return p, ConfigError("block size %d holds fewer than two %s records", p.BlockSize, f)
	}
	return p, nil
}
