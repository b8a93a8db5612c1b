// Package builder constructs range indexes from a file-set name, a record
// layout and index parameters. The storage backend is pluggable, so memory-
// and file-backed indexes are built by the same code.
package builder

import (
	"errors"
	"log/slog"

	"github.com/aleksaelezovic/trigodb/internal/block"
	"github.com/aleksaelezovic/trigodb/internal/bptree"
	"github.com/aleksaelezovic/trigodb/pkg/index"
	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// File extensions of the two block files of an index.
const (
	NodesExt   = ".idn"
	RecordsExt = ".dat"
)

// Builder builds B+Tree indexes.
type Builder struct {
	storage   block.Builder
	blockSize int
	logger    *slog.Logger
	logOps    bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithStorage sets the block storage backend. The default is in memory.
func WithStorage(b block.Builder) Option {
	return func(bld *Builder) { bld.storage = b }
}

// WithBlockSize sets the block size used when params name neither a block
// size nor an order.
func WithBlockSize(n int) Option {
	return func(bld *Builder) { bld.blockSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(bld *Builder) {
		if l != nil {
			bld.logger = l
		}
	}
}

// WithOperationLogging wraps every built index in index.Logging.
func WithOperationLogging() Option {
	return func(bld *Builder) { bld.logOps = true }
}

// New returns a Builder. Without options it builds in-memory indexes with
// index.DefaultBlockSize.
func New(opts ...Option) *Builder {
	b := &Builder{
		storage:   block.MemBuilder{},
		blockSize: index.DefaultBlockSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InMemory reports whether the builder allocates memory storage.
func (b *Builder) InMemory() bool {
	_, ok := b.storage.(block.MemBuilder)
	return ok
}

// Resolve fills in and validates params for f the way BuildRangeIndex would.
func (b *Builder) Resolve(f record.Factory, params index.Params) (index.Params, error) {
	if params.BlockSize <= 0 && params.Order <= 0 {
		params.BlockSize = b.blockSize
	}
	if params.BlockSize <= 0 && !b.InMemory() {
		return params, index.ConfigError("order-only parameters (%s) need in-memory storage", params)
	}
	return params.Resolve(f)
}

// BuildRangeIndex opens or creates the range index stored as name+".idn" and
// name+".dat".
func (b *Builder) BuildRangeIndex(name string, f record.Factory, params index.Params) (index.RangeIndex, error) {
	params, err := b.Resolve(f, params)
	if err != nil {
		return nil, err
	}

	nodes, err := b.storage.Build(name+NodesExt, params.BlockSize)
	if err != nil {
		return nil, err
	}
	records, err := b.storage.Build(name+RecordsExt, params.BlockSize)
	if err != nil {
		return nil, errors.Join(err, nodes.Close())
	}

	tree, err := bptree.Open(name, f, params, nodes, records, bptree.WithLogger(b.logger))
	if err != nil {
		return nil, errors.Join(err, nodes.Close(), records.Close())
	}
	if b.logOps {
		return index.NewLogging(name, tree, b.logger), nil
	}
	return tree, nil
}

// BuildIndex is BuildRangeIndex for callers that only need point operations
// and full scans.
func (b *Builder) BuildIndex(name string, f record.Factory, params index.Params) (index.Index, error) {
	return b.BuildRangeIndex(name, f, params)
}
