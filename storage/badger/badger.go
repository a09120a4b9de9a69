/*
	Package badger stores blocks in a BadgerDB key-value store.  Keys are "field/time/blockid"
	and values are serialized with a format byte and CRC32 checksum so corrupt values are
	detected on read.
*/
package badger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.  Blocks are simply
	// overwritten.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false

	// SyncInterval is how often buffered writes are flushed.
	SyncInterval = 30 * time.Second
)

// Engine returns the registry entry of the badger access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in badger: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindBadger,
		Description: "BadgerDB",
		Version:     ver,
		New:         New,
	}
}

// DB is an Access over a badger database.
type DB struct {
	*storage.Base

	directory  string
	bdp        *badger.DB
	stopSyncCh chan struct{}
}

// New opens, creating if needed, the badger database at cfg.Path.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase(string(storage.KindBadger), info, cfg)
	if err != nil {
		return nil, err
	}
	path := storage.ResolvePath(cfg.Path, info.Dir)
	if path == "" {
		return nil, fmt.Errorf("%q must be specified for badger access: %w", "path", hzvol.ErrValidation)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if cfg.ReadOnly {
			return nil, fmt.Errorf("No badger database at %s to open read-only: %w", path, hzvol.ErrNotFound)
		}
		hzvol.Infof("Database not already at path (%s). Creating directory...\n", path)
		if err := os.MkdirAll(path, 0744); err != nil {
			return nil, fmt.Errorf("Can't make directory at %s: %v: %w", path, err, hzvol.ErrIO)
		}
	}

	opts := badger.DefaultOptions(path)
	opts.NumVersionsToKeep = DefaultVersionsToKeep
	opts.SyncWrites = DefaultSyncWrites
	opts.Logger = nil
	if cfg.ReadOnly {
		opts.ReadOnly = true
		base.SetReadOnly()
	}

	hzvol.Infof("Opening badger @ path %s\n", path)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("Could not open badger at %s: %v: %w", path, err, hzvol.ErrIO)
	}
	db := &DB{
		Base:       base,
		directory:  path,
		bdp:        bdp,
		stopSyncCh: make(chan struct{}),
	}
	if !cfg.ReadOnly {
		go db.syncPeriodically()
	}
	return db, nil
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func (db *DB) syncPeriodically() {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			hzvol.Debugf("Stopping sync goroutine for badger @ %s\n", db.directory)
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				hzvol.Errorf("Sync of badger @ %s failed: %v\n", db.directory, err)
			}
		}
	}
}

// ReadBlock gets the block value and verifies its checksum.
func (db *DB) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !db.CheckRead(q) {
		return
	}
	db.Async(ctx, q, func() {
		var value []byte
		err := db.bdp.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(q.Key()))
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("No key %q in badger: %w", q.Key(), hzvol.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("Get of %q failed: %v: %w", q.Key(), err, hzvol.ErrIO)
			}
			value, err = item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("Value of %q unreadable: %v: %w", q.Key(), err, hzvol.ErrIO)
			}
			return nil
		})
		if err == nil {
			err = db.decode(q, value)
		}
		if err != nil {
			db.ReadFailed(q, err)
			return
		}
		db.ReadOk(q)
	})
}

func (db *DB) decode(q *storage.BlockQuery, value []byte) error {
	data, _, err := hzvol.DeserializeData(value)
	if err != nil {
		return fmt.Errorf("Block %q: %v: %w", q.Key(), err, hzvol.ErrIO)
	}
	return q.SetBuffer(data)
}

// WriteBlock sets the serialized block value.
func (db *DB) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !db.CheckWrite(q) {
		return
	}
	db.Async(ctx, q, func() {
		value, err := hzvol.SerializeData(q.Buffer.Data, db.Compression(q.Field), hzvol.CRC32)
		if err == nil {
			err = db.bdp.Update(func(txn *badger.Txn) error {
				return txn.Set([]byte(q.Key()), value)
			})
			if err != nil {
				err = fmt.Errorf("Set of %q failed: %v: %w", q.Key(), err, hzvol.ErrIO)
			}
		}
		if err != nil {
			db.WriteFailed(q, err)
			return
		}
		db.WriteOk(q)
	})
}

// Delete removes a block.  A missing block is not an error.
func (db *DB) Delete(field hzvol.Field, t float64, blockid uint64) error {
	if !db.CanWrite() {
		return fmt.Errorf("Badger @ %s is read-only: %w", db.directory, hzvol.ErrValidation)
	}
	key := storage.BlockKey(field.Name, t, blockid)
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close stops syncing and closes the database.
func (db *DB) Close() error {
	select {
	case <-db.stopSyncCh:
		return nil
	default:
	}
	close(db.stopSyncCh)
	if err := db.bdp.Close(); err != nil {
		return fmt.Errorf("Close of badger @ %s: %v: %w", db.directory, err, hzvol.ErrIO)
	}
	return nil
}
