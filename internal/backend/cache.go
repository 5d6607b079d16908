package backend

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingConnector wraps a Connector with an LRU cache keyed by block hash
// (§4.2). BlockByHash returns the cached copy if present; otherwise it
// fetches, caches, and returns. LatestBlock always fetches (the tip is not
// cacheable by hash consistency) and opportunistically caches the result.
// The cache is safe for concurrent use by multiple watchers: the mutex
// inside the underlying LRU is held only across the map operation, never
// across I/O, since fetching happens before any cache mutation.
type CachingConnector struct {
	inner Connector
	cache *lru.Cache[string, *Block]
}

// DefaultBitcoinCacheSize is ≈1 day of Bitcoin blocks (§4.2).
const DefaultBitcoinCacheSize = 144

// DefaultEthereumCacheSize is ≈4 hours of Ethereum blocks (§4.2).
const DefaultEthereumCacheSize = 1200

// NewCachingConnector wraps inner with an LRU cache of the given size.
func NewCachingConnector(inner Connector, size int) (*CachingConnector, error) {
	cache, err := lru.New[string, *Block](size)
	if err != nil {
		return nil, err
	}
	return &CachingConnector{inner: inner, cache: cache}, nil
}

func (c *CachingConnector) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	if b, ok := c.cache.Get(hash); ok {
		return b, nil
	}

	b, err := c.inner.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	c.cache.Add(hash, b)
	return b, nil
}

func (c *CachingConnector) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := c.inner.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Add(b.Hash, b)
	return b, nil
}

func (c *CachingConnector) ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error) {
	return c.inner.ReceiptByHash(ctx, txHash)
}
