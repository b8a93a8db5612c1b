package store

import (
	"fmt"
	"strings"
)

// Tuple is a fixed-arity sequence of ids: S,P,O for triples and G,S,P,O for quads.
type Tuple []NodeID

// Equal reports whether two tuples hold the same ids in the same order.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, id := range t {
		parts[i] = id.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// ColumnMap is a permutation of tuple positions from a primary column order
// to an index column order.
type ColumnMap struct {
	name  string
	order []int // order[i] is the primary position of index column i
}

// NewColumnMap returns the permutation taking tuples in primary order, e.g.
// "SPO", to index order, e.g. "POS". Both descriptors must name the same
// distinct columns.
func NewColumnMap(primary, index string) (ColumnMap, error) {
	if len(primary) != len(index) {
		return ColumnMap{}, fmt.Errorf("column maps %q and %q differ in length", primary, index)
	}
	order := make([]int, len(index))
	used := make([]bool, len(primary))
	for i := 0; i < len(index); i++ {
		j := strings.IndexByte(primary, index[i])
		if j < 0 || used[j] {
			return ColumnMap{}, fmt.Errorf("column %q of %q does not map onto %q", index[i], index, primary)
		}
		if strings.LastIndexByte(primary, index[i]) != j {
			return ColumnMap{}, fmt.Errorf("repeated column %q in %q", index[i], primary)
		}
		used[j] = true
		order[i] = j
	}
	return ColumnMap{name: primary + "->" + index, order: order}, nil
}

// MustColumnMap is NewColumnMap for static descriptors. It panics on error.
func MustColumnMap(primary, index string) ColumnMap {
	cm, err := NewColumnMap(primary, index)
	if err != nil {
		panic(err)
	}
	return cm
}

// Name returns "primary->index".
func (c ColumnMap) Name() string { return c.name }

func (c ColumnMap) String() string { return c.name }

// Len is the tuple arity the map applies to.
func (c ColumnMap) Len() int { return len(c.order) }

// Map reorders a primary-order tuple into index order.
func (c ColumnMap) Map(t Tuple) Tuple {
	c.checkArity(t)
	out := make(Tuple, len(t))
	for i, j := range c.order {
		out[i] = t[j]
	}
	return out
}

// Unmap reorders an index-order tuple back into primary order.
func (c ColumnMap) Unmap(t Tuple) Tuple {
	c.checkArity(t)
	out := make(Tuple, len(t))
	for i, j := range c.order {
		out[j] = t[i]
	}
	return out
}

// MapIndex returns the index column holding primary column i.
func (c ColumnMap) MapIndex(i int) int {
	for k, j := range c.order {
		if j == i {
			return k
		}
	}
	return -1
}

// Inverse returns the map from index order back to primary order.
func (c ColumnMap) Inverse() ColumnMap {
	inv := make([]int, len(c.order))
	for i, j := range c.order {
		inv[j] = i
	}
	from, to, _ := strings.Cut(c.name, "->")
	return ColumnMap{name: to + "->" + from, order: inv}
}

func (c ColumnMap) checkArity(t Tuple) {
	if len(t) != len(c.order) {
		panic(fmt.Sprintf("store: tuple of arity %d for column map %s", len(t), c.name))
	}
}
