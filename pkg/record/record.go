// Package record defines the fixed-length records stored in every index.
//
// A record is a key of a fixed length optionally followed by a value of a
// fixed length. Records are ordered by the unsigned byte order of their keys
// only; the value never takes part in ordering.
package record

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Record is an immutable key/value pair of fixed lengths.
type Record struct {
	key   []byte
	value []byte
}

// Key returns the key bytes. The slice must not be modified.
func (r Record) Key() []byte {
	return r.key
}

// Value returns the value bytes, or nil for key-only records.
// The slice must not be modified.
func (r Record) Value() []byte {
	return r.value
}

// HasValue reports whether the record carries a value part.
func (r Record) HasValue() bool {
	return len(r.value) > 0
}

// IsZero reports whether r is the zero Record.
func (r Record) IsZero() bool {
	return r.key == nil
}

// Bytes returns key followed by value as a fresh slice.
func (r Record) Bytes() []byte {
	out := make([]byte, 0, len(r.key)+len(r.value))
	out = append(out, r.key...)
	return append(out, r.value...)
}

func (r Record) String() string {
	if len(r.value) == 0 {
		return "[" + hex.EncodeToString(r.key) + "]"
	}
	return "[" + hex.EncodeToString(r.key) + ":" + hex.EncodeToString(r.value) + "]"
}

// Compare orders two records by unsigned lexicographic comparison of their keys.
func Compare(a, b Record) int {
	return bytes.Compare(a.key, b.key)
}

// Less reports whether a sorts before b.
func Less(a, b Record) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// SameKey reports whether two records have equal keys.
func SameKey(a, b Record) bool {
	return bytes.Equal(a.key, b.key)
}

// Equal reports whether two records have equal keys and equal values.
func Equal(a, b Record) bool {
	return bytes.Equal(a.key, b.key) && bytes.Equal(a.value, b.value)
}

// Factory creates records of one layout. All records in one index share a factory.
type Factory struct {
	keyLength   int
	valueLength int
}

// NewFactory returns a factory for records with the given key and value lengths.
// It panics if the key length is not positive or the value length is negative.
func NewFactory(keyLength, valueLength int) Factory {
	if keyLength <= 0 {
		panic(fmt.Sprintf("record: bad key length %d", keyLength))
	}
	if valueLength < 0 {
		panic(fmt.Sprintf("record: bad value length %d", valueLength))
	}
	return Factory{keyLength: keyLength, valueLength: valueLength}
}

// KeyLength returns the fixed key length.
func (f Factory) KeyLength() int { return f.keyLength }

// ValueLength returns the fixed value length (0 for key-only records).
func (f Factory) ValueLength() int { return f.valueLength }

// RecordLength returns key length plus value length.
func (f Factory) RecordLength() int { return f.keyLength + f.valueLength }

// HasValue reports whether records of this layout carry a value.
func (f Factory) HasValue() bool { return f.valueLength > 0 }

// KeyFactory returns the key-only layout derived from f.
func (f Factory) KeyFactory() Factory {
	return Factory{keyLength: f.keyLength}
}

// Create builds a record from a key and an optional value. The bytes are
// copied. A length that disagrees with the layout is a programming error and
// panics.
func (f Factory) Create(key []byte, value ...[]byte) Record {
	if len(key) != f.keyLength {
		panic(fmt.Sprintf("record: key length %d, want %d", len(key), f.keyLength))
	}
	r := Record{key: append([]byte(nil), key...)}
	var v []byte
	switch len(value) {
	case 0:
	case 1:
		v = value[0]
	default:
		panic("record: more than one value")
	}
	if f.valueLength == 0 {
		if len(v) != 0 {
			panic(fmt.Sprintf("record: value given for key-only layout (%d bytes)", len(v)))
		}
		return r
	}
	if v == nil {
		// Key-only record against a key/value layout: used for find and delete.
		return r
	}
	if len(v) != f.valueLength {
		panic(fmt.Sprintf("record: value length %d, want %d", len(v), f.valueLength))
	}
	r.value = append([]byte(nil), v...)
	return r
}

// CreateKey builds a key-only record, usable as a search key.
func (f Factory) CreateKey(key []byte) Record {
	return f.Create(key)
}

// FromBytes builds a full record from key bytes immediately followed by value bytes.
func (f Factory) FromBytes(b []byte) Record {
	if len(b) != f.RecordLength() {
		panic(fmt.Sprintf("record: length %d, want %d", len(b), f.RecordLength()))
	}
	if f.valueLength == 0 {
		return f.Create(b)
	}
	return f.Create(b[:f.keyLength], b[f.keyLength:])
}

// Check panics if r does not fit this layout. A key-only record is accepted.
func (f Factory) Check(r Record) {
	if len(r.key) != f.keyLength {
		panic(fmt.Sprintf("record: key length %d, want %d", len(r.key), f.keyLength))
	}
	if len(r.value) != 0 && len(r.value) != f.valueLength {
		panic(fmt.Sprintf("record: value length %d, want %d", len(r.value), f.valueLength))
	}
}

func (f Factory) String() string {
	return fmt.Sprintf("record(%d,%d)", f.keyLength, f.valueLength)
}
