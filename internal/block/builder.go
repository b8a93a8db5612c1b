package block

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Builder allocates the storage for one named file of an index.
// Memory- and file-backed indexes share the same tree code and differ only
// in the Builder they are constructed with.
type Builder interface {
	Build(name string, blockSize int) (Storage, error)
}

// MemBuilder builds in-memory storages.
type MemBuilder struct{}

func (MemBuilder) Build(name string, blockSize int) (Storage, error) {
	return NewMemStorage(name, blockSize), nil
}

// FileBuilder builds file storages under Dir, one file per name.
type FileBuilder struct {
	Dir        string
	CacheBytes int64
	Logger     *slog.Logger
}

func (b FileBuilder) Build(name string, blockSize int) (Storage, error) {
	if err := os.MkdirAll(b.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", b.Dir, err)
	}
	return OpenFile(filepath.Join(b.Dir, name), blockSize, FileOptions{
		CacheBytes: b.CacheBytes,
		Logger:     b.Logger,
	})
}
