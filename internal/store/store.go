// Package store combines a node table with the covering tuple indexes of an
// RDF dataset. Default graph triples live in the SPO, POS and OSP indexes;
// quads of named graphs live in the six G-indexes.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/internal/builder"
	"github.com/aleksaelezovic/trigodb/internal/config"
	"github.com/aleksaelezovic/trigodb/internal/encoding"
	"github.com/aleksaelezovic/trigodb/internal/nodetable"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/record"
	pstore "github.com/aleksaelezovic/trigodb/pkg/store"
)

// NodesDir is the directory of the badger node table inside a store directory.
const NodesDir = "nodes"

var (
	// ErrInvalidQuad is returned for quads with a missing or misplaced term.
	ErrInvalidQuad = errors.New("invalid quad")

	// ErrNoQuads is returned when a named graph quad is written to a store
	// opened without the quad indexes.
	ErrNoQuads = errors.New("store has no named graph indexes")
)

// TripleStore manages the node table and the covering indexes of one dataset.
// Readers run concurrently; a write excludes every reader and holds the lock
// across all indexes it touches.
type TripleStore struct {
	mu      sync.RWMutex
	nodes   pstore.NodeTable
	indexes [pstore.TableCount]index.RangeIndex
	maps    [pstore.TableCount]pstore.ColumnMap
	quads   bool
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
	closed  bool
}

// Option configures a TripleStore.
type Option func(*TripleStore)

func WithLogger(l *slog.Logger) Option {
	return func(s *TripleStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQuads enables or disables the named graph indexes. They are enabled by default.
func WithQuads(enabled bool) Option {
	return func(s *TripleStore) { s.quads = enabled }
}

// WithSyncRetries bounds the retries of a sync that failed with an I/O error.
func WithSyncRetries(n uint64, backoff time.Duration) Option {
	return func(s *TripleStore) {
		s.retries = n
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// New builds or reopens every covering index through b and attaches nt. The
// store owns nt from here on and closes it on Close, also when New fails.
func New(nt pstore.NodeTable, b *builder.Builder, params index.Params, opts ...Option) (*TripleStore, error) {
	s := &TripleStore{
		nodes:   nt,
		quads:   true,
		retries: 3,
		backoff: 50 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, tbl := range s.tables() {
		s.maps[tbl] = tbl.ColumnMap()
		idx, err := b.BuildRangeIndex(tbl.String(), encoding.TupleFactory(tbl.Arity()), params)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to build %s index: %w", tbl, err), s.closeAll())
		}
		s.indexes[tbl] = idx
	}
	s.logger.Debug("store opened", "quads", s.quads, "inMemory", b.InMemory())
	return s, nil
}

// OpenMemory returns a store that keeps everything in memory.
func OpenMemory(opts ...Option) (*TripleStore, error) {
	return New(nodetable.NewMemoryTable(), builder.New(), index.Params{}, opts...)
}

// Open opens or creates the store kept in dir as described by cfg.
func Open(dir string, cfg *config.Config, logger *slog.Logger) (*TripleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var nt pstore.NodeTable
	switch cfg.Store.NodeTable {
	case config.NodeTableMemory:
		nt = nodetable.NewMemoryTable()
	default:
		bt, err := nodetable.OpenBadger(filepath.Join(dir, NodesDir), nodetable.BadgerOptions{Logger: logger})
		if err != nil {
			return nil, err
		}
		nt = bt
	}
	if cfg.Store.NodeCacheEntries > 0 {
		cached, err := nodetable.NewCachedTable(nt, cfg.Store.NodeCacheEntries)
		if err != nil {
			return nil, errors.Join(err, nt.Close())
		}
		nt = cached
	}

	b := builder.New(
		builder.WithStorage(block.FileBuilder{Dir: dir, CacheBytes: cfg.Index.CacheBytes, Logger: logger}),
		builder.WithLogger(logger),
	)
	return New(nt, b, cfg.Index.Params(),
		WithLogger(logger),
		WithQuads(cfg.Store.Quads),
		WithSyncRetries(cfg.Store.SyncRetries, 0),
	)
}

// tables lists the indexes the store maintains.
func (s *TripleStore) tables() []pstore.Table {
	if s.quads {
		return append(append([]pstore.Table(nil), pstore.TripleTables...), pstore.QuadTables...)
	}
	return pstore.TripleTables
}

func (s *TripleStore) factory(tbl pstore.Table) record.Factory {
	return s.indexes[tbl].Factory()
}

// Index returns the index of tbl, or nil when the store does not keep it.
func (s *TripleStore) Index(tbl pstore.Table) index.RangeIndex {
	if tbl >= pstore.TableCount {
		return nil
	}
	return s.indexes[tbl]
}

// Close closes every index and the node table
func (s *TripleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.closeAll()
	s.logger.Debug("store closed", "err", err)
	return err
}

func (s *TripleStore) closeAll() error {
	var g errgroup.Group
	for _, idx := range s.indexes {
		if idx != nil {
			g.Go(idx.Close)
		}
	}
	g.Go(s.nodes.Close)
	return g.Wait()
}

func validate(q *rdf.Quad) error {
	if q == nil {
		return fmt.Errorf("%w: nil", ErrInvalidQuad)
	}
	for _, term := range [...]rdf.Term{q.Subject, q.Predicate, q.Object} {
		if term == nil || rdf.IsDefaultGraph(term) {
			return fmt.Errorf("%w: %s", ErrInvalidQuad, q)
		}
	}
	return nil
}

// route picks the index group of a G,S,P,O tuple and the tuple as stored there.
func (s *TripleStore) route(t pstore.Tuple) ([]pstore.Table, pstore.Tuple, error) {
	if t[0] == pstore.NodeIDDefaultGraph {
		return pstore.TripleTables, t[1:], nil
	}
	if !s.quads {
		return nil, nil, ErrNoQuads
	}
	return pstore.QuadTables, t, nil
}

func (s *TripleStore) record(tbl pstore.Table, t pstore.Tuple) record.Record {
	return encoding.TupleToRecord(t, s.maps[tbl], s.factory(tbl))
}

// InsertQuad adds q and reports whether it was new. A nil graph is the default graph.
func (s *TripleStore) InsertQuad(q *rdf.Quad) (bool, error) {
	if err := validate(q); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, index.ErrClosed
	}
	return s.insertLocked(q)
}

// InsertTriple adds t to the default graph.
func (s *TripleStore) InsertTriple(t *rdf.Triple) (bool, error) {
	return s.InsertQuad(rdf.NewQuad(t.Subject, t.Predicate, t.Object, nil))
}

// InsertQuadsBatch adds every quad under one write lock and returns how many
// were new. It stops at the first error.
func (s *TripleStore) InsertQuadsBatch(quads []*rdf.Quad) (int, error) {
	for _, q := range quads {
		if err := validate(q); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, index.ErrClosed
	}
	added := 0
	for _, q := range quads {
		ok, err := s.insertLocked(q)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (s *TripleStore) insertLocked(q *rdf.Quad) (bool, error) {
	quad, err := encoding.QuadToTuple(q, s.nodes)
	if err != nil {
		return false, fmt.Errorf("failed to store terms of %s: %w", q, err)
	}
	tables, t, err := s.route(quad)
	if err != nil {
		return false, err
	}

	primary := tables[0]
	added, err := s.indexes[primary].Add(s.record(primary, t))
	if err != nil || !added {
		return false, err
	}
	for i, tbl := range tables[1:] {
		if _, err := s.indexes[tbl].Add(s.record(tbl, t)); err != nil {
			// Undo the indexes already written so the groups stay in step.
			undo := []error{fmt.Errorf("failed to add to %s index: %w", tbl, err)}
			for _, prev := range tables[:i+1] {
				if _, uerr := s.indexes[prev].Delete(s.record(prev, t)); uerr != nil {
					undo = append(undo, fmt.Errorf("failed to roll back %s index: %w", prev, uerr))
				}
			}
			return false, errors.Join(undo...)
		}
	}
	return true, nil
}

// DeleteQuad removes q and reports whether it was present.
func (s *TripleStore) DeleteQuad(q *rdf.Quad) (bool, error) {
	if err := validate(q); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, index.ErrClosed
	}

	quad, ok, err := encoding.LookupQuad(q, s.nodes)
	if err != nil || !ok {
		return false, err
	}
	tables, t, err := s.route(quad)
	if errors.Is(err, ErrNoQuads) {
		return false, nil
	}

	primary := tables[0]
	removed, err := s.indexes[primary].Delete(s.record(primary, t))
	if err != nil || !removed {
		return false, err
	}
	var errs []error
	for _, tbl := range tables[1:] {
		if _, err := s.indexes[tbl].Delete(s.record(tbl, t)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete from %s index: %w", tbl, err))
		}
	}
	return true, errors.Join(errs...)
}

// DeleteTriple removes t from the default graph.
func (s *TripleStore) DeleteTriple(t *rdf.Triple) (bool, error) {
	return s.DeleteQuad(rdf.NewQuad(t.Subject, t.Predicate, t.Object, nil))
}

// ContainsQuad checks if a quad exists in the store
func (s *TripleStore) ContainsQuad(q *rdf.Quad) (bool, error) {
	if err := validate(q); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, index.ErrClosed
	}

	quad, ok, err := encoding.LookupQuad(q, s.nodes)
	if err != nil || !ok {
		return false, err
	}
	tables, t, err := s.route(quad)
	if errors.Is(err, ErrNoQuads) {
		return false, nil
	}
	return s.indexes[tables[0]].Contains(s.record(tables[0], t))
}

// Count returns the number of triples and quads in the store.
func (s *TripleStore) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, index.ErrClosed
	}
	n := s.indexes[pstore.TableSPO].Size()
	if s.quads {
		n += s.indexes[pstore.TableGSPO].Size()
	}
	return n, nil
}

// Sizes returns the record count of every index, keyed by its column order.
func (s *TripleStore) Sizes() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sizes := make(map[string]int64)
	for _, tbl := range s.tables() {
		sizes[tbl.String()] = s.indexes[tbl].Size()
	}
	return sizes
}

// Graphs lists the named graphs that hold at least one quad, in id order.
func (s *TripleStore) Graphs() ([]rdf.Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, index.ErrClosed
	}
	if !s.quads {
		return nil, nil
	}

	idx := s.indexes[pstore.TableGSPO]
	f := idx.Factory()
	var graphs []rdf.Term
	var from record.Record
	for {
		first, ok, err := firstFrom(idx, from)
		if err != nil || !ok {
			return graphs, err
		}
		g := encoding.RecordToTuple(first, s.maps[pstore.TableGSPO])[0]
		term, err := s.nodes.Retrieve(g)
		if err != nil {
			return graphs, fmt.Errorf("failed to resolve graph %s: %w", g, err)
		}
		graphs = append(graphs, term)

		next, ok := successor(encoding.TupleKey(pstore.Tuple{g}), f.KeyLength())
		if !ok {
			return graphs, nil
		}
		from = f.Create(next)
	}
}

// firstFrom returns the first record at or after from.
func firstFrom(idx index.RangeIndex, from record.Record) (record.Record, bool, error) {
	it, err := idx.IteratorRange(from, record.Record{})
	if err != nil {
		return record.Record{}, false, err
	}
	defer it.Close()
	if it.Next() {
		return it.Record(), true, nil
	}
	return record.Record{}, false, it.Err()
}

// Check verifies every index and that the indexes of each group agree on
// their size.
func (s *TripleStore) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return index.ErrClosed
	}

	var errs []error
	for _, tbl := range s.tables() {
		if err := s.indexes[tbl].Check(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tbl, err))
		}
	}
	groups := [][]pstore.Table{pstore.TripleTables}
	if s.quads {
		groups = append(groups, pstore.QuadTables)
	}
	for _, group := range groups {
		want := s.indexes[group[0]].Size()
		for _, tbl := range group[1:] {
			if got := s.indexes[tbl].Size(); got != want {
				errs = append(errs, index.CorruptError("%s holds %d records, %s holds %d", tbl, got, group[0], want))
			}
		}
	}
	return errors.Join(errs...)
}

// Sync makes every completed write durable. Syncs failing with an I/O error
// are retried with a Fibonacci backoff.
func (s *TripleStore) Sync(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return index.ErrClosed
	}

	attempt := 0
	b := retry.WithMaxRetries(s.retries, retry.NewFibonacci(s.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := s.syncOnce(ctx)
		if errors.Is(err, index.ErrIO) {
			s.logger.Warn("sync failed", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *TripleStore) syncOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tbl := range s.tables() {
		idx := s.indexes[tbl]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return idx.Sync()
		})
	}
	g.Go(s.nodes.Sync)
	return g.Wait()
}
