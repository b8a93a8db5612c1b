package nodetable

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/store"
)

// Keys of the badger database are namespaced by a one-byte prefix.
const prefixID2Term byte = 'n'

func termKey(id store.NodeID) []byte {
	key := make([]byte, 1+store.NodeIDSize)
	key[0] = prefixID2Term
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

// BadgerTable keeps the id to term mapping in a badger database.
type BadgerTable struct {
	db     *badger.DB
	logger *slog.Logger

	// writes serialises StoreNode so concurrent first sightings of one term
	// never conflict inside badger.
	writes sync.Mutex
}

var _ store.NodeTable = (*BadgerTable)(nil)

// BadgerOptions configure a BadgerTable.
type BadgerOptions struct {
	// InMemory keeps badger's data in memory; the path is ignored.
	InMemory bool
	// SyncWrites makes every StoreNode durable on return.
	SyncWrites bool
	Logger     *slog.Logger
}

// OpenBadger opens or creates the node table at path.
func OpenBadger(path string, opts BadgerOptions) (*BadgerTable, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("nodetable", "badger")

	bopts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logger}).
		WithSyncWrites(opts.SyncWrites)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, index.IOError("open badger node table", err)
	}
	logger.Debug("node table opened", "path", path, "inMemory", opts.InMemory)
	return &BadgerTable{db: db, logger: logger}, nil
}

func (b *BadgerTable) StoreNode(term rdf.Term) (store.NodeID, error) {
	id, encoded, err := encoder.NodeID(term)
	if err != nil || encoded == nil {
		return id, err
	}

	b.writes.Lock()
	defer b.writes.Unlock()

	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(termKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(termKey(id), encoded)
		}
		if err != nil {
			return err
		}
		return item.Value(func(stored []byte) error {
			if !bytes.Equal(stored, encoded) {
				return collision(id, stored, term)
			}
			return nil
		})
	})
	if err != nil {
		return store.NodeIDNone, b.wrap("store node", err)
	}
	return id, nil
}

// get returns the stored normal form for id, or nil.
func (b *BadgerTable) get(id store.NodeID) ([]byte, error) {
	var stored []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(termKey(id))
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return stored, b.wrap("get node", err)
}

func (b *BadgerTable) NodeIDFor(term rdf.Term) (store.NodeID, bool, error) {
	id, encoded, err := encoder.NodeID(term)
	if err != nil {
		return store.NodeIDNone, false, err
	}
	if encoded == nil {
		return id, true, nil
	}
	stored, err := b.get(id)
	if err != nil || stored == nil || !bytes.Equal(stored, encoded) {
		return store.NodeIDNone, false, err
	}
	return id, true, nil
}

func (b *BadgerTable) Retrieve(id store.NodeID) (rdf.Term, error) {
	if id.IsSentinel() {
		return sentinelTerm(id)
	}
	stored, err := b.get(id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownNodeID, id)
	}
	term, err := decoder.DecodeTerm(stored)
	if err != nil {
		return nil, index.CorruptError("node %s: %v", id, err)
	}
	return term, nil
}

// Len counts the stored terms.
func (b *BadgerTable) Len() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixID2Term}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, b.wrap("count nodes", err)
}

// Sync flushes writes to disk
func (b *BadgerTable) Sync() error {
	return b.wrap("sync node table", b.db.Sync())
}

// Close closes the node table
func (b *BadgerTable) Close() error {
	err := b.db.Close()
	b.logger.Debug("node table closed")
	return b.wrap("close node table", err)
}

// wrap classifies badger errors. Collisions and corruption keep their kind.
func (b *BadgerTable) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrHashCollision):
		return err
	case errors.Is(err, badger.ErrDBClosed):
		return index.ErrClosed
	}
	return index.IOError(op, err)
}

// badgerLogger routes badger's logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) log(level slog.Level, format string, args ...interface{}) {
	if !b.l.Enabled(context.Background(), level) {
		return
	}
	b.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.log(slog.LevelError, format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.log(slog.LevelWarn, format, args...)
}

// Infof logs at debug level.
func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.log(slog.LevelDebug, format, args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.log(slog.LevelDebug, format, args...)
}
