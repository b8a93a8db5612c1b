package store

import (
	"fmt"
)

// Table names one covering index of a store. Each table stores the same
// tuples in its own column order.
type Table byte

const (
	// Default graph indexes (3 permutations)
	TableSPO Table = iota
	TablePOS
	TableOSP

	// Named graph indexes (6 permutations)
	TableGSPO
	TableGPOS
	TableGOSP
	TableSPOG
	TablePOSG
	TableOSPG

	// Total number of tables
	TableCount
)

// TripleTables are the indexes of default graph triples, primary first.
var TripleTables = []Table{TableSPO, TablePOS, TableOSP}

// QuadTables are the indexes of named graph quads, primary first.
var QuadTables = []Table{TableGSPO, TableGPOS, TableGOSP, TableSPOG, TablePOSG, TableOSPG}

var tableDescs = [TableCount]string{
	TableSPO:  "SPO",
	TablePOS:  "POS",
	TableOSP:  "OSP",
	TableGSPO: "GSPO",
	TableGPOS: "GPOS",
	TableGOSP: "GOSP",
	TableSPOG: "SPOG",
	TablePOSG: "POSG",
	TableOSPG: "OSPG",
}

// String returns the column order, e.g. "POS". It doubles as the file-set
// name of the table.
func (t Table) String() string {
	if t < TableCount {
		return tableDescs[t]
	}
	return "unknown"
}

// IsQuad reports whether the table holds quads.
func (t Table) IsQuad() bool {
	return t >= TableGSPO && t < TableCount
}

// Arity is the number of ids per key.
func (t Table) Arity() int {
	if t.IsQuad() {
		return 4
	}
	return 3
}

// Primary returns the natural column order of the table's tuples: "SPO" for
// triples and "GSPO" for quads.
func (t Table) Primary() string {
	if t.IsQuad() {
		return "GSPO"
	}
	return "SPO"
}

// ColumnMap returns the permutation from the primary order to the table's order.
func (t Table) ColumnMap() ColumnMap {
	cm, err := NewColumnMap(t.Primary(), t.String())
	if err != nil {
		panic(fmt.Sprintf("store: bad table descriptor %s: %v", t, err))
	}
	return cm
}

// ParseTable returns the table with the given column order.
func ParseTable(desc string) (Table, error) {
	for t := Table(0); t < TableCount; t++ {
		if tableDescs[t] == desc {
			return t, nil
		}
	}
	return TableCount, fmt.Errorf("unknown index %q", desc)
}
