package store

import (
	"fmt"

	"github.com/aleksaelezovic/trigodb/internal/encoding"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/record"
	pstore "github.com/aleksaelezovic/trigodb/pkg/store"
)

// Query returns the quads matching pattern. A nil Graph matches the default
// graph only; a Variable graph matches every named graph.
//
// The store lock is taken for each step of the iterator only, so the caller
// may read or write the store while iterating. Whether a write made during
// the iteration ends it with index.ErrConcurrentModification or leaves it on
// a snapshot depends on the index implementation.
func (s *TripleStore) Query(pattern *pstore.Pattern) (pstore.QuadIterator, error) {
	if pattern == nil {
		pattern = &pstore.Pattern{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, index.ErrClosed
	}

	bound, ok, err := s.resolve(pattern)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyIterator{}, nil
	}

	tbl := selectIndex(bound)
	cm := s.maps[tbl]
	f := s.factory(tbl)
	min, max := scanRange(cm.Map(bound), f.KeyLength())
	it, err := s.indexes[tbl].IteratorRange(min, max)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s index: %w", tbl, err)
	}
	return &quadIterator{
		store: s,
		it:    it,
		cm:    cm,
		bound: bound,
		quads: tbl.IsQuad(),
	}, nil
}

// resolve turns pattern into a tuple of bound ids in primary order, NodeIDAny
// marking free positions. A default graph pattern yields S,P,O; any other
// G,S,P,O. The bool is false when no stored quad can match.
func (s *TripleStore) resolve(p *pstore.Pattern) (pstore.Tuple, bool, error) {
	var t pstore.Tuple
	switch g := p.Graph.(type) {
	case nil:
		t = pstore.Tuple{pstore.NodeIDAny, pstore.NodeIDAny, pstore.NodeIDAny}
	case *pstore.Variable:
		if !s.quads {
			return nil, false, nil
		}
		t = pstore.Tuple{pstore.NodeIDAny, pstore.NodeIDAny, pstore.NodeIDAny, pstore.NodeIDAny}
	case rdf.Term:
		if rdf.IsDefaultGraph(g) {
			t = pstore.Tuple{pstore.NodeIDAny, pstore.NodeIDAny, pstore.NodeIDAny}
			break
		}
		if !s.quads {
			return nil, false, nil
		}
		id, ok, err := s.nodes.NodeIDFor(g)
		if err != nil || !ok {
			return nil, false, err
		}
		t = pstore.Tuple{id, pstore.NodeIDAny, pstore.NodeIDAny, pstore.NodeIDAny}
	default:
		return nil, false, fmt.Errorf("unsupported graph pattern %T", p.Graph)
	}

	off := len(t) - 3
	for i, v := range [...]any{p.Subject, p.Predicate, p.Object} {
		if pstore.IsVariable(v) {
			continue
		}
		term, isTerm := v.(rdf.Term)
		if !isTerm {
			return nil, false, fmt.Errorf("unsupported pattern value %T", v)
		}
		id, ok, err := s.nodes.NodeIDFor(term)
		if err != nil || !ok {
			return nil, false, err
		}
		t[off+i] = id
	}
	return t, true, nil
}

// selectIndex chooses the index whose column order puts the bound positions
// of t first.
func selectIndex(t pstore.Tuple) pstore.Table {
	if len(t) == 3 {
		sBound, pBound, oBound := t[0] != pstore.NodeIDAny, t[1] != pstore.NodeIDAny, t[2] != pstore.NodeIDAny
		switch {
		case sBound && pBound:
			return pstore.TableSPO
		case pBound && oBound:
			return pstore.TablePOS
		case oBound && sBound:
			return pstore.TableOSP
		case pBound:
			return pstore.TablePOS
		case oBound:
			return pstore.TableOSP
		}
		return pstore.TableSPO
	}

	gBound := t[0] != pstore.NodeIDAny
	sBound, pBound, oBound := t[1] != pstore.NodeIDAny, t[2] != pstore.NodeIDAny, t[3] != pstore.NodeIDAny
	if gBound {
		switch {
		case sBound && pBound:
			return pstore.TableGSPO
		case pBound && oBound:
			return pstore.TableGPOS
		case oBound && sBound:
			return pstore.TableGOSP
		case pBound:
			return pstore.TableGPOS
		case oBound:
			return pstore.TableGOSP
		}
		return pstore.TableGSPO
	}
	switch {
	case sBound && pBound:
		return pstore.TableSPOG
	case pBound && oBound:
		return pstore.TablePOSG
	case oBound && sBound:
		return pstore.TableOSPG
	case sBound:
		return pstore.TableSPOG
	case pBound:
		return pstore.TablePOSG
	case oBound:
		return pstore.TableOSPG
	}
	return pstore.TableGSPO
}

// scanRange returns the key range holding every key that starts with the
// bound leading columns of t, which is in index order. Zero records are
// unbounded ends.
func scanRange(t pstore.Tuple, keyLength int) (record.Record, record.Record) {
	n := 0
	for n < len(t) && t[n] != pstore.NodeIDAny {
		n++
	}
	if n == 0 {
		return record.Record{}, record.Record{}
	}
	f := record.NewFactory(keyLength, 0)
	prefix := encoding.TupleKey(t[:n])
	min := f.Create(pad(prefix, keyLength))
	next, ok := successor(prefix, keyLength)
	if !ok {
		return min, record.Record{}
	}
	return min, f.Create(next)
}

// successor returns the smallest key of keyLength bytes above every key that
// starts with prefix. It fails when prefix is all 0xff.
func successor(prefix []byte, keyLength int) ([]byte, bool) {
	next := pad(prefix, keyLength)
	for i := len(prefix) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next, true
		}
		next[i] = 0
	}
	return nil, false
}

func pad(prefix []byte, n int) []byte {
	b := make([]byte, n)
	copy(b, prefix)
	return b
}

// quadIterator implements QuadIterator
type quadIterator struct {
	store *TripleStore
	it    index.Iterator
	cm    pstore.ColumnMap
	bound pstore.Tuple
	quads bool
	cur   pstore.Tuple
	err   error
	done  bool
}

func (qi *quadIterator) matches(t pstore.Tuple) bool {
	for i, id := range qi.bound {
		if id != pstore.NodeIDAny && t[i] != id {
			return false
		}
	}
	return true
}

func (qi *quadIterator) Next() bool {
	if qi.done {
		return false
	}
	qi.store.mu.RLock()
	defer qi.store.mu.RUnlock()
	if qi.store.closed {
		qi.err = index.ErrClosed
		qi.release()
		return false
	}
	for qi.it.Next() {
		t := encoding.RecordToTuple(qi.it.Record(), qi.cm)
		if !qi.matches(t) {
			continue
		}
		if !qi.quads {
			t = append(pstore.Tuple{pstore.NodeIDDefaultGraph}, t...)
		}
		qi.cur = t
		return true
	}
	qi.err = qi.it.Err()
	qi.release()
	return false
}

// Quad resolves the current tuple through the node table.
func (qi *quadIterator) Quad() (*rdf.Quad, error) {
	if qi.cur == nil {
		return nil, fmt.Errorf("no current quad")
	}
	return encoding.TupleToQuad(qi.cur, qi.store.nodes)
}

// Tuple returns the ids of the current quad in G,S,P,O order.
func (qi *quadIterator) Tuple() pstore.Tuple {
	return qi.cur
}

func (qi *quadIterator) Err() error {
	return qi.err
}

func (qi *quadIterator) release() {
	if qi.done {
		return
	}
	qi.done = true
	qi.cur = nil
	qi.it.Close()
}

func (qi *quadIterator) Close() error {
	qi.release()
	return nil
}

type emptyIterator struct{}

func (emptyIterator) Next() bool               { return false }
func (emptyIterator) Quad() (*rdf.Quad, error) { return nil, fmt.Errorf("no current quad") }
func (emptyIterator) Err() error               { return nil }
func (emptyIterator) Close() error             { return nil }
