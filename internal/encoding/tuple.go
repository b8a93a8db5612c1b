package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/record"
	"github.com/aleksaelezovic/trigodb/pkg/store"
)

// TupleFactory returns the key-only record layout for tuples of arity n.
func TupleFactory(n int) record.Factory {
	return record.NewFactory(n*store.NodeIDSize, 0)
}

// TupleToRecord lays t out in the column order of cm, one big-endian id per column.
func TupleToRecord(t store.Tuple, cm store.ColumnMap, f record.Factory) record.Record {
	return f.Create(TupleKey(cm.Map(t)))
}

// TupleKey packs ids in the given order.
func TupleKey(ids store.Tuple) []byte {
	key := make([]byte, len(ids)*store.NodeIDSize)
	for i, id := range ids {
		binary.BigEndian.PutUint64(key[i*store.NodeIDSize:], uint64(id))
	}
	return key
}

// RecordToTuple is the inverse of TupleToRecord.
func RecordToTuple(r record.Record, cm store.ColumnMap) store.Tuple {
	key := r.Key()
	if len(key) != cm.Len()*store.NodeIDSize {
		panic(fmt.Sprintf("encoding: %d-byte key for column map %s", len(key), cm))
	}
	ids := make(store.Tuple, cm.Len())
	for i := range ids {
		ids[i] = store.NodeID(binary.BigEndian.Uint64(key[i*store.NodeIDSize:]))
	}
	return cm.Unmap(ids)
}

// QuadToTuple stores every term of q in nt and returns the ids in G,S,P,O
// order. A nil graph is the default graph.
func QuadToTuple(q *rdf.Quad, nt store.NodeTable) (store.Tuple, error) {
	t := make(store.Tuple, 4)
	for i, term := range [...]rdf.Term{graphOf(q), q.Subject, q.Predicate, q.Object} {
		id, err := nt.StoreNode(term)
		if err != nil {
			return nil, err
		}
		t[i] = id
	}
	return t, nil
}

// TripleToTuple stores every term of t in nt and returns the ids in S,P,O order.
func TripleToTuple(t *rdf.Triple, nt store.NodeTable) (store.Tuple, error) {
	q, err := QuadToTuple(rdf.NewQuad(t.Subject, t.Predicate, t.Object, nil), nt)
	if err != nil {
		return nil, err
	}
	return q[1:], nil
}

// LookupQuad resolves the terms of q without storing them. The bool is false
// when any term is unknown, in which case no stored quad can match q.
func LookupQuad(q *rdf.Quad, nt store.NodeTable) (store.Tuple, bool, error) {
	t := make(store.Tuple, 4)
	for i, term := range [...]rdf.Term{graphOf(q), q.Subject, q.Predicate, q.Object} {
		id, ok, err := nt.NodeIDFor(term)
		if err != nil || !ok {
			return nil, false, err
		}
		t[i] = id
	}
	return t, true, nil
}

// TupleToQuad resolves a G,S,P,O tuple back into a quad.
func TupleToQuad(t store.Tuple, nt store.NodeTable) (*rdf.Quad, error) {
	if len(t) != 4 {
		return nil, fmt.Errorf("tuple %v is not a quad", t)
	}
	terms := make([]rdf.Term, 4)
	for i, id := range t {
		term, err := nt.Retrieve(id)
		if err != nil {
			return nil, err
		}
		terms[i] = term
	}
	return rdf.NewQuad(terms[1], terms[2], terms[3], terms[0]), nil
}

func graphOf(q *rdf.Quad) rdf.Term {
	if q.Graph == nil {
		return rdf.NewDefaultGraph()
	}
	return q.Graph
}
