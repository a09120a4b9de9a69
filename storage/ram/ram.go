// Package ram keeps blocks in a fixed-size in-memory cache.  When the cache is full the
// least recently written blocks are evicted, so a read may report not found for a block that
// was written earlier.
package ram

import (
	"context"
	"fmt"

	"github.com/blang/semver"
	"github.com/coocood/freecache"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// DefaultAvailable is the cache size in bytes when none is configured.
const DefaultAvailable = 128 * 1024 * 1024

// Engine returns the registry entry of the memory cache access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in ram: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindRAM,
		Description: "In-memory block cache",
		Version:     ver,
		New:         New,
	}
}

// Cache is an Access over a freecache.Cache.
type Cache struct {
	*storage.Base
	cache *freecache.Cache
}

// New returns a cache of cfg.Available bytes.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase(string(storage.KindRAM), info, cfg)
	if err != nil {
		return nil, err
	}
	available := cfg.Available
	if available <= 0 {
		available = DefaultAvailable
	}
	return &Cache{Base: base, cache: freecache.NewCache(available)}, nil
}

// ReadBlock serves the block from memory.  It resolves before returning.
func (c *Cache) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !c.CheckRead(q) {
		return
	}
	value, err := c.cache.Get([]byte(q.Key()))
	if err == freecache.ErrNotFound {
		c.ReadFailed(q, fmt.Errorf("Block %q not cached: %w", q.Key(), hzvol.ErrNotFound))
		return
	}
	if err != nil {
		c.ReadFailed(q, fmt.Errorf("Cache get of %q: %v: %w", q.Key(), err, hzvol.ErrIO))
		return
	}
	if err := storage.DecodeBlock(q, value, c.Compression(q.Field)); err != nil {
		c.ReadFailed(q, err)
		return
	}
	c.ReadOk(q)
}

// WriteBlock stores the block in memory.  Blocks larger than 1/1024 of the cache fail.
func (c *Cache) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !c.CheckWrite(q) {
		return
	}
	value, err := storage.EncodeBlock(q, c.Compression(q.Field))
	if err == nil {
		if err = c.cache.Set([]byte(q.Key()), value, 0); err != nil {
			err = fmt.Errorf("Cache set of %q: %v: %w", q.Key(), err, hzvol.ErrIO)
		}
	}
	if err != nil {
		c.WriteFailed(q, err)
		return
	}
	c.WriteOk(q)
}

// Evictions returns the number of blocks dropped to make room.
func (c *Cache) Evictions() int64 {
	return c.cache.EvacuateCount()
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int64 {
	return c.cache.EntryCount()
}

// Close drops every block.
func (c *Cache) Close() error {
	c.cache.Clear()
	return nil
}
