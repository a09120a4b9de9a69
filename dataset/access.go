package dataset

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/badger"
	"github.com/janelia-flyem/hzvol/storage/blob"
	"github.com/janelia-flyem/hzvol/storage/conditional"
	"github.com/janelia-flyem/hzvol/storage/idxdisk"
	"github.com/janelia-flyem/hzvol/storage/multiplex"
	"github.com/janelia-flyem/hzvol/storage/ondemand"
	"github.com/janelia-flyem/hzvol/storage/ram"
	"github.com/janelia-flyem/hzvol/storage/remote"
)

// NewRegistry returns a registry holding every built-in access engine.
func NewRegistry() *storage.Registry {
	reg := storage.NewRegistry()
	for _, e := range []storage.Engine{
		idxdisk.Engine(),
		badger.Engine(),
		blob.Engine(),
		ram.Engine(),
		multiplex.Engine(),
		ondemand.Engine(),
		remote.Engine(),
		conditional.Engine(),
	} {
		reg.Register(e)
	}
	return reg
}

// CreateAccess builds the access described by cfg for this dataset.
func (d *Dataset) CreateAccess(cfg storage.Config) (storage.Access, error) {
	return d.registry.New(d.info, cfg)
}

// DefaultAccess builds the access chain of the descriptor.  Several configured accesses are
// chained fastest first.  Without any, blocks live in IDX files next to the descriptor.
func (d *Dataset) DefaultAccess() (storage.Access, error) {
	switch len(d.desc.Access) {
	case 0:
		return d.CreateAccess(storage.Config{Type: string(storage.KindDisk)})
	case 1:
		return d.CreateAccess(d.desc.Access[0])
	default:
		return d.CreateAccess(storage.Config{
			Type:     string(storage.KindMultiplex),
			Name:     "default",
			Children: d.desc.Access,
		})
	}
}

// CreateBlockQuery returns a request for one block of field at time t.
func (d *Dataset) CreateBlockQuery(field hzvol.Field, t float64, blockid uint64, mode storage.IOMode, aborted *hzvol.Aborted) *storage.BlockQuery {
	return storage.NewBlockQuery(d.info, field, t, blockid, mode, aborted)
}

// ReadBlock reads one block and waits for it.
func (d *Dataset) ReadBlock(ctx context.Context, access storage.Access, field hzvol.Field, t float64, blockid uint64) (*storage.BlockQuery, error) {
	q := d.CreateBlockQuery(field, t, blockid, storage.ReadIO, nil)
	access.BeginIO(storage.ReadIO)
	defer access.EndIO()
	access.ReadBlock(ctx, q)
	return q, q.Wait(ctx)
}

// WriteBlock writes one block holding buf and waits for it.
func (d *Dataset) WriteBlock(ctx context.Context, access storage.Access, field hzvol.Field, t float64, blockid uint64, buf *hzvol.Array) error {
	q := d.CreateBlockQuery(field, t, blockid, storage.WriteIO, nil)
	if err := q.SetBuffer(buf.Data); err != nil {
		return err
	}
	access.BeginIO(storage.WriteIO)
	defer access.EndIO()
	access.WriteBlock(ctx, q)
	return q.Wait(ctx)
}

// Catalog holds named datasets and their open accesses.  It answers the block service.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	ds     *Dataset
	access storage.Access
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]catalogEntry)}
}

// Add registers a dataset under name.  The catalog closes access on Close.
func (c *Catalog) Add(name string, ds *Dataset, access storage.Access) error {
	if name == "" || ds == nil || access == nil {
		return fmt.Errorf("Catalog entry needs a name, a dataset and an access: %w", hzvol.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.entries[name]; found {
		return fmt.Errorf("Dataset %q already in catalog: %w", name, hzvol.ErrValidation)
	}
	c.entries[name] = catalogEntry{ds, access}
	return nil
}

// Get returns the named dataset and its access.
func (c *Catalog) Get(name string) (*Dataset, storage.Access, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[name]
	if !found {
		return nil, nil, fmt.Errorf("No dataset %q: %w", name, hzvol.ErrNotFound)
	}
	return e.ds, e.access, nil
}

// Lookup returns what the block service needs for the named dataset.
func (c *Catalog) Lookup(name string) (*storage.DatasetInfo, storage.Access, error) {
	ds, access, err := c.Get(name)
	if err != nil {
		return nil, nil, err
	}
	return ds.Info(), access, nil
}

// Names returns the sorted dataset names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every access and empties the catalog.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, e := range c.entries {
		if err := e.access.Close(); err != nil {
			hzvol.Errorf("Could not close access of dataset %q: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.entries = make(map[string]catalogEntry)
	return firstErr
}
