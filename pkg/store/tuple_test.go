package store

import (
	"testing"
)

func TestColumnMap(t *testing.T) {
	cm := MustColumnMap("SPO", "POS")
	spo := Tuple{1, 2, 3}

	pos := cm.Map(spo)
	if !pos.Equal(Tuple{2, 3, 1}) {
		t.Errorf("expected (2 3 1), got %v", pos)
	}
	if back := cm.Unmap(pos); !back.Equal(spo) {
		t.Errorf("unmap: expected %v, got %v", spo, back)
	}
	if back := cm.Inverse().Map(pos); !back.Equal(spo) {
		t.Errorf("inverse: expected %v, got %v", spo, back)
	}
	if cm.Inverse().Name() != "POS->SPO" {
		t.Errorf("unexpected inverse name %q", cm.Inverse().Name())
	}
	if cm.MapIndex(0) != 2 {
		t.Errorf("expected subject in column 2, got %d", cm.MapIndex(0))
	}
}

func TestColumnMapAllTables(t *testing.T) {
	for tbl := Table(0); tbl < TableCount; tbl++ {
		cm := tbl.ColumnMap()
		tuple := Tuple{10, 20, 30, 40}[:tbl.Arity()]
		mapped := cm.Map(tuple)
		if !cm.Unmap(mapped).Equal(tuple) {
			t.Errorf("%s: round trip failed", tbl)
		}
		if mapped[0] != tuple[cm.order[0]] {
			t.Errorf("%s: first column wrong", tbl)
		}
	}
}

func TestColumnMapErrors(t *testing.T) {
	for _, tc := range [][2]string{{"SPO", "SP"}, {"SPO", "SPX"}, {"SPO", "SSP"}, {"SSO", "SSO"}} {
		if _, err := NewColumnMap(tc[0], tc[1]); err == nil {
			t.Errorf("expected error for %s -> %s", tc[0], tc[1])
		}
	}
}

func TestTables(t *testing.T) {
	if len(TripleTables)+len(QuadTables) != int(TableCount) {
		t.Errorf("table lists cover %d of %d tables", len(TripleTables)+len(QuadTables), TableCount)
	}
	for tbl := Table(0); tbl < TableCount; tbl++ {
		parsed, err := ParseTable(tbl.String())
		if err != nil || parsed != tbl {
			t.Errorf("ParseTable(%s) = %v, %v", tbl, parsed, err)
		}
	}
	if TableGPOS.Arity() != 4 || TableOSP.Arity() != 3 {
		t.Error("unexpected arity")
	}
}

func TestNodeIDSentinels(t *testing.T) {
	for _, id := range []NodeID{NodeIDNone, NodeIDDefaultGraph, NodeIDAny} {
		if !id.IsSentinel() {
			t.Errorf("%v is not a sentinel", id)
		}
	}
	if NodeID(0x7fffffffffffffff).IsSentinel() {
		t.Error("largest hashed id reported as sentinel")
	}
}
