package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/aleksaelezovic/trigodb/pkg/rdf"
)

// TermDecoder turns normal forms back into terms.
type TermDecoder struct{}

func NewTermDecoder() *TermDecoder {
	return &TermDecoder{}
}

// DecodeTerm decodes a normal form produced by TermEncoder.EncodeTerm.
func (d *TermDecoder) DecodeTerm(encoded []byte) (rdf.Term, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty encoded term")
	}
	kind := rdf.TermType(encoded[0])
	rest := encoded[1:]

	var parts [3]string
	for i := range parts {
		n, w := binary.Uvarint(rest)
		if w <= 0 || uint64(len(rest)-w) < n {
			return nil, fmt.Errorf("truncated %s term", kind)
		}
		parts[i] = string(rest[w : w+int(n)]) // #nosec G115 - bounded by len(rest)
		rest = rest[w+int(n):]                // #nosec G115 - bounded by len(rest)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %s term", len(rest), kind)
	}

	switch kind {
	case rdf.TermTypeNamedNode:
		return rdf.NewNamedNode(parts[0]), nil
	case rdf.TermTypeBlankNode:
		return rdf.NewBlankNode(parts[0]), nil
	case rdf.TermTypeLiteral:
		switch {
		case parts[1] != "":
			return rdf.NewLiteralWithLanguage(parts[0], parts[1]), nil
		case parts[2] != "":
			return rdf.NewLiteralWithDatatype(parts[0], rdf.NewNamedNode(parts[2])), nil
		default:
			return rdf.NewLiteral(parts[0]), nil
		}
	default:
		return nil, fmt.Errorf("unknown term kind %d", kind)
	}
}
