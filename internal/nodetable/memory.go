// Package nodetable implements the dictionary between terms and node ids:
// in memory, on disk with badger, and a cache that fronts either.
package nodetable

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/aleksaelezovic/trigodb/internal/encoding"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/store"
)

var (
	encoder = encoding.NewTermEncoder()
	decoder = encoding.NewTermDecoder()
)

// collision reports two terms with one id.
func collision(id store.NodeID, stored []byte, term rdf.Term) error {
	prev, err := decoder.DecodeTerm(stored)
	if err != nil {
		return fmt.Errorf("%w: %s already taken by an undecodable term", store.ErrHashCollision, id)
	}
	return fmt.Errorf("%w: %s and %s both map to %s", store.ErrHashCollision, prev, term, id)
}

// sentinelTerm handles the ids that are never stored.
func sentinelTerm(id store.NodeID) (rdf.Term, error) {
	if id == store.NodeIDDefaultGraph {
		return rdf.NewDefaultGraph(), nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrUnknownNodeID, id)
}

// MemoryTable keeps the dictionary in a map.
type MemoryTable struct {
	mu     sync.RWMutex
	terms  map[store.NodeID][]byte
	closed bool
}

var _ store.NodeTable = (*MemoryTable)(nil)

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{terms: make(map[store.NodeID][]byte)}
}

func (m *MemoryTable) StoreNode(term rdf.Term) (store.NodeID, error) {
	id, encoded, err := encoder.NodeID(term)
	if err != nil || encoded == nil {
		return id, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return store.NodeIDNone, index.ErrClosed
	}
	if stored, ok := m.terms[id]; ok {
		if !bytes.Equal(stored, encoded) {
			return store.NodeIDNone, collision(id, stored, term)
		}
		return id, nil
	}
	m.terms[id] = encoded
	return id, nil
}

func (m *MemoryTable) NodeIDFor(term rdf.Term) (store.NodeID, bool, error) {
	id, encoded, err := encoder.NodeID(term)
	if err != nil {
		return store.NodeIDNone, false, err
	}
	if encoded == nil {
		return id, true, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return store.NodeIDNone, false, index.ErrClosed
	}
	stored, ok := m.terms[id]
	if !ok || !bytes.Equal(stored, encoded) {
		return store.NodeIDNone, false, nil
	}
	return id, true, nil
}

func (m *MemoryTable) Retrieve(id store.NodeID) (rdf.Term, error) {
	if id.IsSentinel() {
		return sentinelTerm(id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, index.ErrClosed
	}
	stored, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownNodeID, id)
	}
	return decoder.DecodeTerm(stored)
}

// Len returns the number of stored terms.
func (m *MemoryTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terms)
}

func (m *MemoryTable) Sync() error { return nil }

func (m *MemoryTable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.terms = nil
	return nil
}
