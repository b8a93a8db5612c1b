package block

import (
	"sync"

	"github.com/aleksaelezovic/trigodb/pkg/index"
)

// MemStorage keeps blocks in a map. Nothing survives Close.
type MemStorage struct {
	name      string
	blockSize int

	mu       sync.RWMutex
	blocks   map[ID][]byte
	free     []ID
	nextID   ID
	metadata []byte
	closed   bool
}

// NewMemStorage returns an empty in-memory storage.
func NewMemStorage(name string, blockSize int) *MemStorage {
	return &MemStorage{
		name:      name,
		blockSize: blockSize,
		blocks:    make(map[ID][]byte),
	}
}

func (s *MemStorage) Name() string   { return s.name }
func (s *MemStorage) BlockSize() int { return s.blockSize }

func (s *MemStorage) Allocate() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NoID, index.ErrClosed
	}

	var id ID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if s.nextID == NoID {
			return NoID, index.IOError("allocate "+s.name, errFull)
		}
		id = s.nextID
		s.nextID++
	}
	s.blocks[id] = make([]byte, s.blockSize)
	return id, nil
}

func (s *MemStorage) Read(id ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, index.ErrClosed
	}
	data, ok := s.blocks[id]
	if !ok {
		return nil, index.CorruptError("%s: read of unallocated block %d", s.name, id)
	}
	out := make([]byte, s.blockSize)
	copy(out, data)
	return out, nil
}

func (s *MemStorage) Write(id ID, data []byte) error {
	if err := checkLength(s, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return index.ErrClosed
	}
	dest, ok := s.blocks[id]
	if !ok {
		return index.CorruptError("%s: write to unallocated block %d", s.name, id)
	}
	copy(dest, data)
	return nil
}

func (s *MemStorage) Free(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return index.ErrClosed
	}
	if _, ok := s.blocks[id]; !ok {
		return index.CorruptError("%s: free of unallocated block %d", s.name, id)
	}
	delete(s.blocks, id)
	s.free = append(s.free, id)
	return nil
}

func (s *MemStorage) Valid(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[id]
	return ok
}

func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *MemStorage) Metadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.metadata...)
}

func (s *MemStorage) SetMetadata(meta []byte) error {
	if len(meta) > MaxMetadata {
		return index.ConfigError("%s: metadata of %d bytes exceeds %d", s.name, len(meta), MaxMetadata)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return index.ErrClosed
	}
	s.metadata = append([]byte(nil), meta...)
	return nil
}

func (s *MemStorage) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return index.ErrClosed
	}
	return nil
}

func (s *MemStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	// Drop everything so late use fails loudly instead of reading stale blocks.
	s.blocks = nil
	s.free = nil
	s.closed = true
	return nil
}
