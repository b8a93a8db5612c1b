package nodetable

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	"github.com/aleksaelezovic/trigodb/pkg/store"
)

// CachedTable fronts another table with an id to term cache. Terms are only
// cached once the inner table has confirmed them, so a cache hit is always a
// stored mapping.
type CachedTable struct {
	inner store.NodeTable
	cache *ristretto.Cache[uint64, rdf.Term]
}

var _ store.NodeTable = (*CachedTable)(nil)

// NewCachedTable caches up to entries terms in front of inner.
func NewCachedTable(inner store.NodeTable, entries int64) (*CachedTable, error) {
	if entries < 1 {
		return nil, fmt.Errorf("node cache needs at least one entry, got %d", entries)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, rdf.Term]{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}
	return &CachedTable{inner: inner, cache: cache}, nil
}

// Unwrap returns the table behind the cache.
func (c *CachedTable) Unwrap() store.NodeTable { return c.inner }

func (c *CachedTable) cached(id store.NodeID, term rdf.Term) bool {
	hit, ok := c.cache.Get(uint64(id))
	return ok && hit.Equals(term)
}

func (c *CachedTable) StoreNode(term rdf.Term) (store.NodeID, error) {
	id, _, err := encoder.NodeID(term)
	if err != nil {
		return id, err
	}
	if id.IsSentinel() || c.cached(id, term) {
		return id, nil
	}
	id, err = c.inner.StoreNode(term)
	if err != nil {
		return id, err
	}
	c.cache.Set(uint64(id), term, 1)
	return id, nil
}

func (c *CachedTable) NodeIDFor(term rdf.Term) (store.NodeID, bool, error) {
	id, _, err := encoder.NodeID(term)
	if err != nil {
		return store.NodeIDNone, false, err
	}
	if id.IsSentinel() || c.cached(id, term) {
		return id, true, nil
	}
	id, ok, err := c.inner.NodeIDFor(term)
	if err == nil && ok {
		c.cache.Set(uint64(id), term, 1)
	}
	return id, ok, err
}

func (c *CachedTable) Retrieve(id store.NodeID) (rdf.Term, error) {
	if term, ok := c.cache.Get(uint64(id)); ok {
		return term, nil
	}
	term, err := c.inner.Retrieve(id)
	if err != nil {
		return nil, err
	}
	if !id.IsSentinel() {
		c.cache.Set(uint64(id), term, 1)
	}
	return term, nil
}

func (c *CachedTable) Sync() error {
	return c.inner.Sync()
}

func (c *CachedTable) Close() error {
	c.cache.Close()
	return c.inner.Close()
}
