package builder

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/internal/bptree"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

var triples = record.NewFactory(24, 0)

func key(s, p, o uint64) record.Record {
	k := make([]byte, 24)
	binary.BigEndian.PutUint64(k[0:], s)
	binary.BigEndian.PutUint64(k[8:], p)
	binary.BigEndian.PutUint64(k[16:], o)
	return triples.Create(k)
}

func TestOrderIsReproducible(t *testing.T) {
	params := index.Params{BlockSize: 256}
	var orders []int
	for i := 0; i < 2; i++ {
		idx, err := New().BuildRangeIndex("spo", triples, params)
		if err != nil {
			t.Fatalf("failed to build: %v", err)
		}
		orders = append(orders, idx.(*bptree.BPlusTree).Params().Order)
		idx.Close()
	}
	if orders[0] != orders[1] {
		t.Errorf("orders differ between builds: %v", orders)
	}
}

func TestBuildDefaults(t *testing.T) {
	b := New()
	p, err := b.Resolve(triples, index.Params{})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if p.BlockSize != index.DefaultBlockSize {
		t.Errorf("expected default block size, got %d", p.BlockSize)
	}
}

func TestOrderOnlyNeedsMemory(t *testing.T) {
	mem := New()
	idx, err := mem.BuildRangeIndex("spo", triples, index.Params{Order: 3})
	if err != nil {
		t.Fatalf("failed to build in-memory index by order: %v", err)
	}
	idx.Close()

	file := New(WithStorage(block.FileBuilder{Dir: t.TempDir()}))
	if _, err := file.BuildRangeIndex("spo", triples, index.Params{Order: 3}); !errors.Is(err, index.ErrConfig) {
		t.Errorf("expected ErrConfig for order-only file index, got %v", err)
	}
}

func TestBuildFileIndex(t *testing.T) {
	dir := t.TempDir()
	b := New(WithStorage(block.FileBuilder{Dir: dir}), WithBlockSize(1024), WithOperationLogging())

	idx, err := b.BuildRangeIndex("SPO", triples, index.Params{})
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	if _, ok := idx.(*index.Logging); !ok {
		t.Errorf("expected logging decorator, got %T", idx)
	}
	for i := uint64(0); i < 100; i++ {
		if _, err := idx.Add(key(1, i, 2)); err != nil {
			t.Fatalf("failed to add: %v", err)
		}
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	for _, name := range []string{"SPO" + NodesExt, "SPO" + RecordsExt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing index file %s: %v", name, err)
		}
	}

	if _, err := b.BuildRangeIndex("SPO", triples, index.Params{BlockSize: 2048}); !errors.Is(err, index.ErrConfig) {
		t.Errorf("expected ErrConfig reopening with another block size, got %v", err)
	}

	reopened, err := b.BuildIndex("SPO", triples, index.Params{})
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != 100 {
		t.Errorf("expected 100 records, got %d", reopened.Size())
	}
	if ok, _ := reopened.Contains(key(1, 42, 2)); !ok {
		t.Error("record lost after reopen")
	}
}
