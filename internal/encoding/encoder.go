// Package encoding maps terms to their surrogate ids and tuples to index
// records.
package encoding

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/store"
)

// TermEncoder computes node ids and the normal byte form of terms.
//
// The normal form is the node kind followed by the lexical form, language tag
// and datatype IRI, each prefixed with its uvarint length so no component
// can run into the next. The id is the first 8 bytes of the blake2b-256
// digest of that form, big-endian, with the top bit cleared.
type TermEncoder struct{}

func NewTermEncoder() *TermEncoder {
	return &TermEncoder{}
}

// components returns the kind and the three normalised string components of term.
func components(term rdf.Term) (rdf.TermType, string, string, string, error) {
	switch t := term.(type) {
	case *rdf.NamedNode:
		return rdf.TermTypeNamedNode, t.IRI, "", "", nil
	case *rdf.BlankNode:
		return rdf.TermTypeBlankNode, t.ID, "", "", nil
	case *rdf.Literal:
		return rdf.TermTypeLiteral, t.Value, t.LanguageTag(), t.DatatypeIRI(), nil
	case nil:
		return 0, "", "", "", fmt.Errorf("nil term")
	default:
		return 0, "", "", "", fmt.Errorf("unknown term type: %T", term)
	}
}

// EncodeTerm returns the normal form of term. The default graph has no
// normal form: it is always NodeIDDefaultGraph.
func (e *TermEncoder) EncodeTerm(term rdf.Term) ([]byte, error) {
	kind, lex, lang, dt, err := components(term)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+3*binary.MaxVarintLen64+len(lex)+len(lang)+len(dt))
	buf = append(buf, byte(kind))
	for _, s := range [...]string{lex, lang, dt} {
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	return buf, nil
}

// Digest returns the node id for a normal form.
func (e *TermEncoder) Digest(encoded []byte) store.NodeID {
	sum := blake2b.Sum256(encoded)
	return store.NodeID(binary.BigEndian.Uint64(sum[:8])) &^ (1 << 63)
}

// NodeID returns the id of term together with its normal form. The normal
// form is nil for the default graph.
func (e *TermEncoder) NodeID(term rdf.Term) (store.NodeID, []byte, error) {
	if _, ok := term.(*rdf.DefaultGraph); ok {
		return store.NodeIDDefaultGraph, nil, nil
	}
	encoded, err := e.EncodeTerm(term)
	if err != nil {
		return store.NodeIDNone, nil, err
	}
	return e.Digest(encoded), encoded, nil
}
