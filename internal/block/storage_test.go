package block

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aleksaelezovic/trigodb/pkg/index"
)

const testBlockSize = 128

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	file, err := OpenFile(filepath.Join(t.TempDir(), "test.dat"), testBlockSize, FileOptions{CacheBytes: 16 * testBlockSize})
	if err != nil {
		t.Fatalf("failed to open file storage: %v", err)
	}
	uncached, err := OpenFile(filepath.Join(t.TempDir(), "test.dat"), testBlockSize, FileOptions{})
	if err != nil {
		t.Fatalf("failed to open file storage: %v", err)
	}
	return map[string]Storage{
		"memory":       NewMemStorage("test", testBlockSize),
		"file":         file,
		"file-nocache": uncached,
	}
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, testBlockSize)
}

func TestStorage_Contract(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			id1, err := s.Allocate()
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			id2, err := s.Allocate()
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if id1 == id2 {
				t.Fatalf("allocate returned %d twice", id1)
			}

			fresh, err := s.Read(id1)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(fresh, make([]byte, testBlockSize)) {
				t.Error("newly allocated block is not zeroed")
			}

			if err := s.Write(id1, fill(0xAA)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := s.Write(id2, fill(0xBB)); err != nil {
				t.Fatalf("write: %v", err)
			}

			got, err := s.Read(id1)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, fill(0xAA)) {
				t.Errorf("read back wrong data for block %d", id1)
			}

			// Returned slices are copies.
			got[0] = 0
			again, _ := s.Read(id1)
			if again[0] != 0xAA {
				t.Error("read returned shared memory")
			}

			if err := s.Write(id1, []byte{1, 2, 3}); err == nil {
				t.Error("expected error writing a short block")
			}

			if s.Len() != 2 {
				t.Errorf("expected 2 blocks, got %d", s.Len())
			}

			if err := s.Free(id1); err != nil {
				t.Fatalf("free: %v", err)
			}
			if s.Valid(id1) {
				t.Error("freed block still valid")
			}
			if _, err := s.Read(id1); !errors.Is(err, index.ErrCorrupt) {
				t.Errorf("expected ErrCorrupt reading a freed block, got %v", err)
			}

			id3, err := s.Allocate()
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if id3 != id1 {
				t.Errorf("expected freed block %d to be reused, got %d", id1, id3)
			}
			reused, _ := s.Read(id3)
			if !bytes.Equal(reused, make([]byte, testBlockSize)) {
				t.Error("reused block is not zeroed")
			}

			if err := s.Sync(); err != nil {
				t.Fatalf("sync: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if _, err := s.Allocate(); !errors.Is(err, index.ErrClosed) {
				t.Errorf("expected ErrClosed after close, got %v", err)
			}
		})
	}
}

func TestStorage_Metadata(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			if len(s.Metadata()) != 0 {
				t.Error("expected empty metadata")
			}
			if err := s.SetMetadata([]byte("hello")); err != nil {
				t.Fatalf("set metadata: %v", err)
			}
			if string(s.Metadata()) != "hello" {
				t.Errorf("unexpected metadata %q", s.Metadata())
			}
			if err := s.SetMetadata(make([]byte, MaxMetadata+1)); !errors.Is(err, index.ErrConfig) {
				t.Errorf("expected ErrConfig for oversized metadata, got %v", err)
			}
		})
	}
}

func TestFileStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.dat")

	s, err := OpenFile(path, testBlockSize, FileOptions{CacheBytes: 1 << 16})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ids := make([]ID, 4)
	for i := range ids {
		if ids[i], err = s.Allocate(); err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if err := s.Write(ids[i], fill(byte(i+1))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Free(ids[1]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := s.Free(ids[3]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := s.SetMetadata([]byte{7, 7, 7}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenFile(path, testBlockSize, FileOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if !bytes.Equal(s.Metadata(), []byte{7, 7, 7}) {
		t.Errorf("metadata lost: %v", s.Metadata())
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 live blocks, got %d", s.Len())
	}
	for _, i := range []int{0, 2} {
		got, err := s.Read(ids[i])
		if err != nil {
			t.Fatalf("read %d: %v", ids[i], err)
		}
		if !bytes.Equal(got, fill(byte(i+1))) {
			t.Errorf("block %d lost its data", ids[i])
		}
	}
	if s.Valid(ids[1]) || s.Valid(ids[3]) {
		t.Error("free list not restored")
	}

	a, _ := s.Allocate()
	b, _ := s.Allocate()
	if !(a == ids[3] && b == ids[1]) {
		t.Errorf("expected free blocks %d,%d reused, got %d,%d", ids[3], ids[1], a, b)
	}
}

func TestFileStorage_CachedRewrite(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "blocks.dat"), testBlockSize, FileOptions{CacheBytes: 32 * testBlockSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ids := make([]ID, 8)
	for i := range ids {
		if ids[i], err = s.Allocate(); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	// Every read populates the cache right before the block is rewritten;
	// the next read must see the new contents, never the cached image.
	for round := 0; round < 200; round++ {
		id := ids[round%len(ids)]
		if _, err := s.Read(id); err != nil {
			t.Fatalf("read: %v", err)
		}
		want := fill(byte(round))
		if err := s.Write(id, want); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := s.Read(id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round %d: block %d returned stale data %#x", round, id, got[0])
		}
	}
}

func TestFileStorage_BlockSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.dat")
	s, err := OpenFile(path, testBlockSize, FileOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := OpenFile(path, 2*testBlockSize, FileOptions{}); !errors.Is(err, index.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestBuilders(t *testing.T) {
	dir := t.TempDir()
	for name, b := range map[string]Builder{
		"memory": MemBuilder{},
		"file":   FileBuilder{Dir: filepath.Join(dir, "nested")},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := b.Build("spo.idn", testBlockSize)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			defer s.Close()
			if s.BlockSize() != testBlockSize {
				t.Errorf("expected block size %d, got %d", testBlockSize, s.BlockSize())
			}
		})
	}
}
