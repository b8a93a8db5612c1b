package bptree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/internal/memindex"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

var (
	kv      = record.NewFactory(8, 4)
	triples = record.NewFactory(24, 0)
)

func rec(k uint64, v uint32) record.Record {
	key := make([]byte, 8)
	val := make([]byte, 4)
	binary.BigEndian.PutUint64(key, k)
	binary.BigEndian.PutUint32(val, v)
	return kv.Create(key, val)
}

func keyOnly(k uint64) record.Record {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, k)
	return kv.CreateKey(key)
}

func keyOf(r record.Record) uint64 {
	return binary.BigEndian.Uint64(r.Key())
}

func triple(s, p, o uint64) record.Record {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:], s)
	binary.BigEndian.PutUint64(key[8:], p)
	binary.BigEndian.PutUint64(key[16:], o)
	return triples.Create(key)
}

type memTree struct {
	*BPlusTree
	nodes   *block.MemStorage
	records *block.MemStorage
}

func newMemTree(t *testing.T, f record.Factory, params index.Params) memTree {
	t.Helper()
	params, err := params.Resolve(f)
	if err != nil {
		t.Fatalf("failed to resolve params: %v", err)
	}
	nodes := block.NewMemStorage("test.idn", params.BlockSize)
	records := block.NewMemStorage("test.dat", params.BlockSize)
	tree, err := Open("test", f, params, nodes, records)
	if err != nil {
		t.Fatalf("failed to open tree: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return memTree{BPlusTree: tree, nodes: nodes, records: records}
}

func keys(t *testing.T, idx index.RangeIndex, min, max record.Record) []uint64 {
	t.Helper()
	it, err := idx.IteratorRange(min, max)
	if err != nil {
		t.Fatalf("failed to create iterator: %v", err)
	}
	records, err := index.Collect(it)
	if err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	out := make([]uint64, len(records))
	for i, r := range records {
		out[i] = keyOf(r)
	}
	return out
}

func TestTripleKeysOrder(t *testing.T) {
	tree := newMemTree(t, triples, index.Params{BlockSize: 256})

	for _, r := range []record.Record{triple(1, 2, 1), triple(1, 1, 2), triple(1, 1, 1)} {
		if added, err := tree.Add(r); err != nil || !added {
			t.Fatalf("failed to add %v: added=%v err=%v", r, added, err)
		}
	}

	it, err := tree.Iterator()
	if err != nil {
		t.Fatalf("failed to create iterator: %v", err)
	}
	got, err := index.Collect(it)
	if err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	want := []record.Record{triple(1, 1, 1), triple(1, 1, 2), triple(1, 2, 1)}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if !record.Equal(got[i], want[i]) {
			t.Errorf("position %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	min, ok, _ := tree.MinKey()
	if !ok || !record.Equal(min, triple(1, 1, 1)) {
		t.Errorf("unexpected min key %v", min)
	}
	max, ok, _ := tree.MaxKey()
	if !ok || !record.Equal(max, triple(1, 2, 1)) {
		t.Errorf("unexpected max key %v", max)
	}
}

func TestOrderFromBlockSize(t *testing.T) {
	tree := newMemTree(t, triples, index.Params{BlockSize: 256})
	if tree.Params().Order != 4 {
		t.Errorf("expected order 4 for 256-byte blocks, got %d", tree.Params().Order)
	}

	p, err := index.Params{BlockSize: 256, Order: 4}.Resolve(triples)
	if err != nil {
		t.Fatalf("failed to resolve explicit order: %v", err)
	}
	if p.Order != tree.Params().Order {
		t.Errorf("explicit order %d differs from computed %d", p.Order, tree.Params().Order)
	}
}

func TestOpenRejectsStorageMismatch(t *testing.T) {
	nodes := block.NewMemStorage("x.idn", 256)
	records := block.NewMemStorage("x.dat", 512)
	_, err := Open("x", triples, index.Params{BlockSize: 256}, nodes, records)
	if !errors.Is(err, index.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestAddUnique(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})

	if added, _ := tree.Add(rec(7, 1)); !added {
		t.Fatal("first add not reported")
	}
	if added, _ := tree.Add(rec(7, 2)); added {
		t.Error("duplicate key added")
	}
	got, ok, err := tree.Find(keyOnly(7))
	if err != nil || !ok {
		t.Fatalf("failed to find: ok=%v err=%v", ok, err)
	}
	if !record.Equal(got, rec(7, 1)) {
		t.Errorf("stored record replaced: got %v", got)
	}
	if tree.Size() != 1 {
		t.Errorf("expected size 1, got %d", tree.Size())
	}
}

func TestEmptyTree(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})

	if empty, err := tree.IsEmpty(); err != nil || !empty {
		t.Errorf("expected empty tree, got empty=%v err=%v", empty, err)
	}
	if _, ok, _ := tree.MinKey(); ok {
		t.Error("empty tree reported a min key")
	}
	if got := keys(t, tree, record.Record{}, record.Record{}); len(got) != 0 {
		t.Errorf("expected no records, got %v", got)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("check failed on empty tree: %v", err)
	}
}

func TestGrowAndShrink(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})

	const n = 2000
	perm := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range perm {
		if _, err := tree.Add(rec(uint64(k), uint32(k))); err != nil {
			t.Fatalf("failed to add %d: %v", k, err)
		}
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("check failed after inserts: %v", err)
	}
	stats, err := tree.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Depth < 3 {
		t.Errorf("expected a deep tree with order 2, got depth %d", stats.Depth)
	}

	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i)
	}
	if diff := cmp.Diff(want, keys(t, tree, record.Record{}, record.Record{})); diff != "" {
		t.Fatalf("iteration mismatch (-want +got):\n%s", diff)
	}

	for _, k := range perm {
		removed, err := tree.Delete(keyOnly(uint64(k)))
		if err != nil || !removed {
			t.Fatalf("failed to delete %d: removed=%v err=%v", k, removed, err)
		}
		if k%97 == 0 {
			if err := tree.Check(); err != nil {
				t.Fatalf("check failed after deleting %d: %v", k, err)
			}
		}
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("check failed after deletes: %v", err)
	}
	stats, _ = tree.Stats()
	if stats.Depth != 1 || stats.NodeBlocks != 1 || stats.RecordBlocks != 1 {
		t.Errorf("expected tree to shrink to a single root and block, got %+v", stats)
	}
	if empty, _ := tree.IsEmpty(); !empty {
		t.Error("expected empty tree")
	}
}

func TestIteratorRange(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 3})
	for k := uint64(0); k < 300; k += 3 {
		tree.Add(rec(k, 0))
	}

	tests := []struct {
		name     string
		min, max record.Record
		first    uint64
		last     uint64
		count    int
	}{
		{"closed", keyOnly(10), keyOnly(20), 12, 18, 3},
		{"exact bounds", keyOnly(9), keyOnly(21), 9, 18, 4},
		{"open min", record.Record{}, keyOnly(7), 0, 6, 3},
		{"open max", keyOnly(290), record.Record{}, 291, 297, 3},
		{"empty", keyOnly(13), keyOnly(14), 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keys(t, tree, tt.min, tt.max)
			if len(got) != tt.count {
				t.Fatalf("expected %d keys, got %v", tt.count, got)
			}
			if tt.count > 0 && (got[0] != tt.first || got[len(got)-1] != tt.last) {
				t.Errorf("expected %d..%d, got %v", tt.first, tt.last, got)
			}
		})
	}
}

func TestIteratorConcurrentModification(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})
	for k := uint64(0); k < 20; k++ {
		tree.Add(rec(k, 0))
	}

	it, err := tree.Iterator()
	if err != nil {
		t.Fatalf("failed to create iterator: %v", err)
	}
	defer it.Close()
	if !it.Next() {
		t.Fatal("expected a first record")
	}
	if _, err := tree.Add(rec(100, 0)); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if it.Next() {
		t.Error("iterator continued after modification")
	}
	if !errors.Is(it.Err(), index.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", it.Err())
	}
}

func TestClear(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})
	for k := uint64(0); k < 200; k++ {
		tree.Add(rec(k, 0))
	}
	if err := tree.Clear(); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if tree.Size() != 0 {
		t.Errorf("expected size 0, got %d", tree.Size())
	}
	if tree.nodes.Len() != 1 || tree.records.Len() != 1 {
		t.Errorf("blocks leaked: %d nodes, %d record blocks", tree.nodes.Len(), tree.records.Len())
	}
	if err := tree.Check(); err != nil {
		t.Errorf("check failed after clear: %v", err)
	}
	if added, _ := tree.Add(rec(1, 1)); !added {
		t.Error("failed to add after clear")
	}
}

func TestCorruptionLatches(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})
	tree.Add(rec(1, 1))

	if err := tree.records.Write(0, make([]byte, tree.Params().BlockSize)); err != nil {
		t.Fatalf("failed to overwrite block: %v", err)
	}
	if _, _, err := tree.Find(keyOnly(1)); !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if _, err := tree.Delete(keyOnly(1)); !errors.Is(err, index.ErrCorrupt) {
		t.Errorf("expected mutation to be refused with ErrCorrupt, got %v", err)
	}
}

var errDiskFull = errors.New("disk full")

// flakyStorage fails every write once its write budget is spent.
type flakyStorage struct {
	*block.MemStorage
	budget int
}

func (s *flakyStorage) Write(id block.ID, data []byte) error {
	if s.budget <= 0 {
		return index.IOError("write block", errDiskFull)
	}
	s.budget--
	return s.MemStorage.Write(id, data)
}

func newFlakyTree(t *testing.T) (*BPlusTree, *flakyStorage) {
	t.Helper()
	params, err := index.Params{Order: 2}.Resolve(kv)
	if err != nil {
		t.Fatalf("failed to resolve params: %v", err)
	}
	records := &flakyStorage{MemStorage: block.NewMemStorage("test.dat", params.BlockSize), budget: 1 << 20}
	tree, err := Open("test", kv, params, block.NewMemStorage("test.idn", params.BlockSize), records)
	if err != nil {
		t.Fatalf("failed to open tree: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree, records
}

func TestFailedWriteBeforeChangeDoesNotLatch(t *testing.T) {
	tree, records := newFlakyTree(t)

	records.budget = 0
	_, err := tree.Add(rec(1, 1))
	if !errors.Is(err, index.ErrIO) || errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected a plain ErrIO, got %v", err)
	}

	records.budget = 1 << 20
	if added, err := tree.Add(rec(1, 1)); err != nil || !added {
		t.Fatalf("add after a transient failure: got %v, %v", added, err)
	}
	if err := tree.Check(); err != nil {
		t.Errorf("check failed: %v", err)
	}
}

func TestInterruptedSplitLatches(t *testing.T) {
	tree, records := newFlakyTree(t)

	// A plain insert rewrites one record block; a split needs two.
	var err error
	for k := uint64(0); k < 100 && err == nil; k++ {
		records.budget = 1
		_, err = tree.Add(rec(k, 0))
	}
	if !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt from an interrupted split, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("write failure lost from %v", err)
	}

	records.budget = 1 << 20
	if _, err := tree.Add(rec(1000, 0)); !errors.Is(err, index.ErrCorrupt) {
		t.Errorf("expected add to be refused with ErrCorrupt, got %v", err)
	}
	if _, err := tree.Delete(keyOnly(0)); !errors.Is(err, index.ErrCorrupt) {
		t.Errorf("expected delete to be refused with ErrCorrupt, got %v", err)
	}
}

func TestInterruptedMergeLatches(t *testing.T) {
	tree, records := newFlakyTree(t)
	for k := uint64(0); k < 50; k++ {
		if _, err := tree.Add(rec(k, 0)); err != nil {
			t.Fatalf("failed to add: %v", err)
		}
	}

	// A plain delete rewrites one record block; a merge or borrow needs more.
	var err error
	for k := uint64(0); k < 50 && err == nil; k++ {
		records.budget = 1
		_, err = tree.Delete(keyOnly(k))
	}
	if !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt from an interrupted rebalance, got %v", err)
	}

	records.budget = 1 << 20
	if _, err := tree.Add(rec(0, 0)); !errors.Is(err, index.ErrCorrupt) {
		t.Errorf("expected add to be refused with ErrCorrupt, got %v", err)
	}
}

func TestCheckDetectsBadCount(t *testing.T) {
	tree := newMemTree(t, kv, index.Params{Order: 2})
	for k := uint64(0); k < 10; k++ {
		tree.Add(rec(k, 0))
	}
	tree.count = 11
	if err := tree.Check(); !errors.Is(err, index.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestReopenFile(t *testing.T) {
	dir := t.TempDir()
	params := index.Params{BlockSize: 512}
	open := func(f record.Factory) (*BPlusTree, error) {
		nodes, err := block.OpenFile(filepath.Join(dir, "spo.idn"), 512, block.FileOptions{CacheBytes: 1 << 16})
		if err != nil {
			return nil, err
		}
		records, err := block.OpenFile(filepath.Join(dir, "spo.dat"), 512, block.FileOptions{})
		if err != nil {
			nodes.Close()
			return nil, err
		}
		tree, err := Open("spo", f, params, nodes, records)
		if err != nil {
			nodes.Close()
			records.Close()
		}
		return tree, err
	}

	tree, err := open(kv)
	if err != nil {
		t.Fatalf("failed to open tree: %v", err)
	}
	for k := uint64(0); k < 1000; k++ {
		if _, err := tree.Add(rec(k*7, uint32(k))); err != nil {
			t.Fatalf("failed to add: %v", err)
		}
	}
	for k := uint64(0); k < 1000; k += 5 {
		tree.Delete(keyOnly(k * 7))
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	if _, err := open(record.NewFactory(8, 8)); !errors.Is(err, index.ErrConfig) {
		t.Errorf("expected ErrConfig reopening with another layout, got %v", err)
	}

	tree, err = open(kv)
	if err != nil {
		t.Fatalf("failed to reopen tree: %v", err)
	}
	defer tree.Close()

	if tree.Size() != 800 {
		t.Errorf("expected 800 records after reopen, got %d", tree.Size())
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("check failed after reopen: %v", err)
	}
	got, ok, err := tree.Find(keyOnly(7))
	if err != nil || !ok {
		t.Fatalf("failed to find: ok=%v err=%v", ok, err)
	}
	if !record.Equal(got, rec(7, 1)) {
		t.Errorf("expected %v, got %v", rec(7, 1), got)
	}
	if _, ok, _ := tree.Find(keyOnly(35)); ok {
		t.Error("deleted record present after reopen")
	}
}

// compareWithMemIndex runs a random mix of operations against tree and the
// in-memory index, comparing every result. After each reopenEvery operations
// the tree is handed to reopen, which returns the tree to continue with.
func compareWithMemIndex(t *testing.T, tree *BPlusTree, seed int64, ops, reopenEvery int, reopen func(*BPlusTree) *BPlusTree) *BPlusTree {
	t.Helper()
	ref := memindex.New(kv)
	rng := rand.New(rand.NewSource(seed))

	for i := 1; i <= ops; i++ {
		k := uint64(rng.Intn(600))
		switch rng.Intn(4) {
		case 0, 1:
			r := rec(k, rng.Uint32())
			a, err := tree.Add(r)
			if err != nil {
				t.Fatalf("op %d: add failed: %v", i, err)
			}
			b, _ := ref.Add(r)
			if a != b {
				t.Fatalf("op %d: add(%d) tree=%v ref=%v", i, k, a, b)
			}
		case 2:
			a, err := tree.Delete(keyOnly(k))
			if err != nil {
				t.Fatalf("op %d: delete failed: %v", i, err)
			}
			b, _ := ref.Delete(keyOnly(k))
			if a != b {
				t.Fatalf("op %d: delete(%d) tree=%v ref=%v", i, k, a, b)
			}
		}

		got, gotOK, err := tree.Find(keyOnly(k))
		if err != nil {
			t.Fatalf("op %d: find failed: %v", i, err)
		}
		want, wantOK, _ := ref.Find(keyOnly(k))
		if gotOK != wantOK || (gotOK && !record.Equal(got, want)) {
			t.Fatalf("op %d: find(%d) tree=%v,%v ref=%v,%v", i, k, got, gotOK, want, wantOK)
		}

		if reopen != nil && i%reopenEvery == 0 {
			tree = reopen(tree)
			if err := tree.Check(); err != nil {
				t.Fatalf("op %d: check failed after reopen: %v", i, err)
			}
			if tree.Size() != ref.Size() {
				t.Fatalf("op %d: size after reopen tree=%d ref=%d", i, tree.Size(), ref.Size())
			}
		}
	}

	if err := tree.Check(); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if tree.Size() != ref.Size() {
		t.Errorf("size tree=%d ref=%d", tree.Size(), ref.Size())
	}
	for _, bounds := range [][2]record.Record{
		{{}, {}},
		{keyOnly(100), keyOnly(400)},
		{keyOnly(599), {}},
	} {
		treeIt, _ := tree.IteratorRange(bounds[0], bounds[1])
		refIt, _ := ref.IteratorRange(bounds[0], bounds[1])
		got, err := index.Collect(treeIt)
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		want, _ := index.Collect(refIt)
		if diff := cmp.Diff(want, got, cmp.Comparer(record.Equal)); diff != "" {
			t.Errorf("range mismatch (-ref +tree):\n%s", diff)
		}
	}
	return tree
}

func TestAgainstMemIndex(t *testing.T) {
	for _, order := range []int{2, 3, 5} {
		t.Run(fmt.Sprintf("order%d", order), func(t *testing.T) {
			tree := newMemTree(t, kv, index.Params{Order: order})
			compareWithMemIndex(t, tree.BPlusTree, int64(order), 5000, 0, nil)
		})
	}
}

func TestAgainstMemIndexFile(t *testing.T) {
	const blockSize = 128
	dir := t.TempDir()
	open := func() *BPlusTree {
		t.Helper()
		opts := block.FileOptions{CacheBytes: 32 * blockSize}
		nodes, err := block.OpenFile(filepath.Join(dir, "kv.idn"), blockSize, opts)
		if err != nil {
			t.Fatalf("failed to open node storage: %v", err)
		}
		records, err := block.OpenFile(filepath.Join(dir, "kv.dat"), blockSize, opts)
		if err != nil {
			nodes.Close()
			t.Fatalf("failed to open record storage: %v", err)
		}
		tree, err := Open("kv", kv, index.Params{BlockSize: blockSize}, nodes, records)
		if err != nil {
			nodes.Close()
			records.Close()
			t.Fatalf("failed to open tree: %v", err)
		}
		return tree
	}
	reopen := func(tree *BPlusTree) *BPlusTree {
		t.Helper()
		if err := tree.Sync(); err != nil {
			t.Fatalf("failed to sync: %v", err)
		}
		if err := tree.Close(); err != nil {
			t.Fatalf("failed to close: %v", err)
		}
		return open()
	}

	tree := compareWithMemIndex(t, open(), 11, 20000, 2500, reopen)
	if err := tree.Close(); err != nil {
		t.Errorf("failed to close: %v", err)
	}
}
