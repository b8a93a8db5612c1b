package store

import (
	"errors"
	"fmt"

	"github.com/aleksaelezovic/trigodb/pkg/rdf"
)

// NodeID is the 64-bit surrogate for a term in every index.
//
// Ids computed from term digests always have the top bit clear. Ids with the
// top bit set are reserved for the sentinels below and are never stored in
// a node table.
type NodeID uint64

// NodeIDSize is the width of an encoded NodeID.
const NodeIDSize = 8

const sentinelBit NodeID = 1 << 63

const (
	// NodeIDNone stands for "no such value".
	NodeIDNone = sentinelBit
	// NodeIDDefaultGraph is the graph column of default graph quads.
	NodeIDDefaultGraph = sentinelBit | 1
	// NodeIDAny matches every id in a tuple pattern.
	NodeIDAny = sentinelBit | 2
)

// IsSentinel reports whether id is one of the reserved values.
func (id NodeID) IsSentinel() bool {
	return id&sentinelBit != 0
}

func (id NodeID) String() string {
	switch id {
	case NodeIDNone:
		return "none"
	case NodeIDDefaultGraph:
		return "default"
	case NodeIDAny:
		return "any"
	}
	return fmt.Sprintf("%016x", uint64(id))
}

var (
	// ErrUnknownNodeID is returned by Retrieve for an id the table has never stored.
	ErrUnknownNodeID = errors.New("unknown node id")

	// ErrHashCollision is returned when two different terms digest to the same id.
	ErrHashCollision = errors.New("node id collision")
)

// NodeTable is the dictionary between terms and their surrogate ids.
//
// The forward direction is append-only: once a term has an id the mapping
// never changes or disappears. Implementations are safe for concurrent use
// and never expose a half-stored entry.
type NodeTable interface {
	// StoreNode returns the id of term, storing the mapping on first sight.
	StoreNode(term rdf.Term) (NodeID, error)

	// NodeIDFor returns the id of term without storing it. The bool is
	// false when the term is unknown.
	NodeIDFor(term rdf.Term) (NodeID, bool, error)

	// Retrieve returns the term for id, or an error wrapping ErrUnknownNodeID.
	Retrieve(id NodeID) (rdf.Term, error)

	// Sync makes stored mappings durable.
	Sync() error

	// Close releases the table.
	Close() error
}
