package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/zeebo/xxh3"
)

// File layout:
//
//	offset 0               superblock (SuperblockSize bytes)
//	SuperblockSize+id*bs   block id
//
// Superblock:
//
//	0:8    magic
//	8:12   format version
//	12:16  block size
//	16:20  next never-used id
//	20:24  head of the free list
//	24:28  free list length
//	28:30  metadata length
//	32:40  xxh3 of bytes 0:32 followed by the metadata
//	40:    metadata
//
// A freed block starts with freeMarker followed by the id of the next free block.
const (
	SuperblockSize = 512
	formatVersion  = 1
	superHeader    = 40
	freeMarker     = 0x46524545 // "FREE"
)

var superMagic = []byte("TRIGOBLK")

// FileOptions tune a FileStorage.
type FileOptions struct {
	// CacheBytes bounds the block read cache. Zero disables caching.
	CacheBytes int64

	// Logger receives open and close events. Nil uses slog.Default.
	Logger *slog.Logger
}

// FileStorage keeps blocks in one file behind an optional read cache.
// Writes go straight to the file; Sync is a durability barrier.
type FileStorage struct {
	name      string
	path      string
	blockSize int
	logger    *slog.Logger

	mu         sync.RWMutex
	file       *os.File
	cache      *ristretto.Cache[uint32, []byte]
	nextID     ID
	freeHead   ID
	freeSet    map[ID]struct{}
	metadata   []byte
	superDirty bool
}

// OpenFile opens or creates the block file at path. An existing file must
// have been created with the same block size.
func OpenFile(path string, blockSize int, opts FileOptions) (*FileStorage, error) {
	if blockSize < 8 {
		return nil, index.ConfigError("block size %d too small", blockSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) // #nosec G304 - path comes from store configuration
	if err != nil {
		return nil, index.IOError("open "+path, err)
	}

	s := &FileStorage{
		name:      path,
		path:      path,
		blockSize: blockSize,
		logger:    logger.With("file", path),
		file:      file,
		freeHead:  NoID,
		freeSet:   make(map[ID]struct{}),
	}

	if opts.CacheBytes > 0 {
		entries := opts.CacheBytes / int64(blockSize)
		if entries < 1 {
			entries = 1
		}
		s.cache, err = ristretto.NewCache(&ristretto.Config[uint32, []byte]{
			NumCounters: entries * 10,
			MaxCost:     opts.CacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			_ = file.Close() // #nosec G104 - cache setup error takes precedence
			return nil, fmt.Errorf("failed to create block cache: %w", err)
		}
	}

	if err := s.load(); err != nil {
		s.closeResources()
		return nil, err
	}

	s.logger.Debug("block file opened", "blockSize", blockSize, "blocks", s.Len(), "free", len(s.freeSet))
	return s, nil
}

func (s *FileStorage) load() error {
	stat, err := s.file.Stat()
	if err != nil {
		return index.IOError("stat "+s.path, err)
	}

	if stat.Size() == 0 {
		s.superDirty = true
		return s.writeSuperblock()
	}

	super := make([]byte, SuperblockSize)
	if _, err := s.file.ReadAt(super, 0); err != nil {
		return index.IOError("read superblock of "+s.path, err)
	}
	if !bytes.Equal(super[0:8], superMagic) {
		return index.CorruptError("%s: not a block file", s.path)
	}
	if v := binary.BigEndian.Uint32(super[8:12]); v != formatVersion {
		return index.ConfigError("%s: unsupported format version %d", s.path, v)
	}
	if bs := int(binary.BigEndian.Uint32(super[12:16])); bs != s.blockSize {
		return index.ConfigError("%s: block size is %d, requested %d", s.path, bs, s.blockSize)
	}
	metaLen := int(binary.BigEndian.Uint16(super[28:30]))
	if metaLen > MaxMetadata {
		return index.CorruptError("%s: metadata length %d", s.path, metaLen)
	}
	if sum := superChecksum(super, metaLen); sum != binary.BigEndian.Uint64(super[32:40]) {
		return index.CorruptError("%s: superblock checksum mismatch", s.path)
	}

	s.nextID = ID(binary.BigEndian.Uint32(super[16:20]))
	s.freeHead = ID(binary.BigEndian.Uint32(super[20:24]))
	freeCount := int(binary.BigEndian.Uint32(super[24:28]))
	s.metadata = append([]byte(nil), super[superHeader:superHeader+metaLen]...)

	// Blocks written after the last Sync extend the file past nextID.
	if onDisk := ID((stat.Size() - SuperblockSize) / int64(s.blockSize)); onDisk > s.nextID {
		s.nextID = onDisk
	}

	for id, n := s.freeHead, 0; id != NoID; n++ {
		if n >= freeCount || id >= s.nextID {
			return index.CorruptError("%s: free list broken at block %d", s.path, id)
		}
		buf := make([]byte, 8)
		if _, err := s.file.ReadAt(buf, s.offset(id)); err != nil {
			return index.IOError("read free block", err)
		}
		if binary.BigEndian.Uint32(buf[0:4]) != freeMarker {
			return index.CorruptError("%s: block %d on free list is in use", s.path, id)
		}
		s.freeSet[id] = struct{}{}
		id = ID(binary.BigEndian.Uint32(buf[4:8]))
	}
	return nil
}

func superChecksum(super []byte, metaLen int) uint64 {
	h := xxh3.New()
	_, _ = h.Write(super[0:32])
	_, _ = h.Write(super[superHeader : superHeader+metaLen])
	return h.Sum64()
}

// writeSuperblock must be called with mu held for writing.
func (s *FileStorage) writeSuperblock() error {
	if !s.superDirty {
		return nil
	}
	super := make([]byte, SuperblockSize)
	copy(super[0:8], superMagic)
	binary.BigEndian.PutUint32(super[8:12], formatVersion)
	binary.BigEndian.PutUint32(super[12:16], uint32(s.blockSize)) // #nosec G115 - block size validated on open
	binary.BigEndian.PutUint32(super[16:20], uint32(s.nextID))
	binary.BigEndian.PutUint32(super[20:24], uint32(s.freeHead))
	binary.BigEndian.PutUint32(super[24:28], uint32(len(s.freeSet))) // #nosec G115 - bounded by the id space
	binary.BigEndian.PutUint16(super[28:30], uint16(len(s.metadata))) // #nosec G115 - bounded by MaxMetadata
	copy(super[superHeader:], s.metadata)
	binary.BigEndian.PutUint64(super[32:40], superChecksum(super, len(s.metadata)))

	if _, err := s.file.WriteAt(super, 0); err != nil {
		return index.IOError("write superblock of "+s.path, err)
	}
	s.superDirty = false
	return nil
}

func (s *FileStorage) offset(id ID) int64 {
	return SuperblockSize + int64(id)*int64(s.blockSize)
}

func (s *FileStorage) Name() string   { return s.name }
func (s *FileStorage) BlockSize() int { return s.blockSize }

func (s *FileStorage) Allocate() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return NoID, index.ErrClosed
	}

	var id ID
	if s.freeHead != NoID {
		id = s.freeHead
		buf := make([]byte, 8)
		if _, err := s.file.ReadAt(buf, s.offset(id)); err != nil {
			return NoID, index.IOError("read free block", err)
		}
		if binary.BigEndian.Uint32(buf[0:4]) != freeMarker {
			return NoID, index.CorruptError("%s: block %d on free list is in use", s.path, id)
		}
		s.freeHead = ID(binary.BigEndian.Uint32(buf[4:8]))
		delete(s.freeSet, id)
	} else {
		if s.nextID == NoID {
			return NoID, index.IOError("allocate in "+s.path, errFull)
		}
		id = s.nextID
		s.nextID++
	}
	s.superDirty = true

	if err := s.writeAt(id, make([]byte, s.blockSize)); err != nil {
		return NoID, err
	}
	return id, nil
}

// writeAt must be called with mu held for writing.
func (s *FileStorage) writeAt(id ID, data []byte) error {
	if s.cache != nil {
		// A Set buffered by an earlier Read may still be applied after Del;
		// Wait drains the buffer so the old image cannot come back.
		s.cache.Del(uint32(id))
		s.cache.Wait()
	}
	if _, err := s.file.WriteAt(data, s.offset(id)); err != nil {
		return index.IOError(fmt.Sprintf("write block %d of %s", id, s.path), err)
	}
	return nil
}

func (s *FileStorage) valid(id ID) bool {
	if id >= s.nextID {
		return false
	}
	_, free := s.freeSet[id]
	return !free
}

func (s *FileStorage) Read(id ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil {
		return nil, index.ErrClosed
	}
	if !s.valid(id) {
		return nil, index.CorruptError("%s: read of unallocated block %d", s.path, id)
	}

	out := make([]byte, s.blockSize)
	if s.cache != nil {
		if cached, ok := s.cache.Get(uint32(id)); ok {
			copy(out, cached)
			return out, nil
		}
	}

	n, err := s.file.ReadAt(out, s.offset(id))
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, index.IOError(fmt.Sprintf("read block %d of %s", id, s.path), err)
	}

	if s.cache != nil {
		s.cache.Set(uint32(id), append([]byte(nil), out...), int64(s.blockSize))
	}
	return out, nil
}

func (s *FileStorage) Write(id ID, data []byte) error {
	if err := checkLength(s, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return index.ErrClosed
	}
	if !s.valid(id) {
		return index.CorruptError("%s: write to unallocated block %d", s.path, id)
	}
	return s.writeAt(id, data)
}

func (s *FileStorage) Free(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return index.ErrClosed
	}
	if !s.valid(id) {
		return index.CorruptError("%s: free of unallocated block %d", s.path, id)
	}

	buf := make([]byte, s.blockSize)
	binary.BigEndian.PutUint32(buf[0:4], freeMarker)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.freeHead))
	if err := s.writeAt(id, buf); err != nil {
		return err
	}
	s.freeHead = id
	s.freeSet[id] = struct{}{}
	s.superDirty = true
	return nil
}

func (s *FileStorage) Valid(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file != nil && s.valid(id)
}

func (s *FileStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.nextID) - len(s.freeSet)
}

func (s *FileStorage) Metadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.metadata...)
}

func (s *FileStorage) SetMetadata(meta []byte) error {
	if len(meta) > MaxMetadata {
		return index.ConfigError("%s: metadata of %d bytes exceeds %d", s.path, len(meta), MaxMetadata)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return index.ErrClosed
	}
	if bytes.Equal(meta, s.metadata) {
		return nil
	}
	s.metadata = append([]byte(nil), meta...)
	s.superDirty = true
	return nil
}

func (s *FileStorage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return index.ErrClosed
	}
	return s.syncLocked()
}

func (s *FileStorage) syncLocked() error {
	if err := s.writeSuperblock(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return index.IOError("sync "+s.path, err)
	}
	return nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.syncLocked()
	s.closeResources()
	s.logger.Debug("block file closed")
	return err
}

// closeResources must be called with mu held for writing or before s is shared.
func (s *FileStorage) closeResources() {
	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}
	if s.file != nil {
		_ = s.file.Close() // #nosec G104 - nothing left to flush
		s.file = nil
	}
}
