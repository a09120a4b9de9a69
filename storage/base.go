package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// DefaultWorkers bounds the concurrent block I/O of one Access.
const DefaultWorkers = 8

// Statistics counts block traffic through an Access.
type Statistics struct {
	Name         string
	Reads        int64
	ReadFails    int64
	Writes       int64
	WriteFails   int64
	BytesRead    int64
	BytesWritten int64
}

func (s Statistics) String() string {
	return fmt.Sprintf("%s: %d reads (%d failed, %s), %d writes (%d failed, %s)", s.Name,
		s.Reads, s.ReadFails, humanize.Bytes(uint64(s.BytesRead)),
		s.Writes, s.WriteFails, humanize.Bytes(uint64(s.BytesWritten)))
}

type counters struct {
	reads, readFails, writes, writeFails, bytesRead, bytesWritten int64
}

// Base holds what every Access shares.  Embed it and implement ReadBlock, WriteBlock and Close.
type Base struct {
	name         string
	info         *DatasetInfo
	canRead      bool
	canWrite     bool
	bitsPerBlock int
	compression  hzvol.Compression

	stats counters

	ioMu    sync.Mutex
	ioMode  IOMode
	ioDepth int

	locks blockLocks
	sem   *semaphore.Weighted
}

// NewBase returns a Base configured from the common Config settings.
func NewBase(kind string, info *DatasetInfo, cfg Config) (*Base, error) {
	b := &Base{
		name:         cfg.Name,
		info:         info,
		bitsPerBlock: info.BitsPerBlock,
	}
	if b.name == "" {
		b.name = kind
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Chmod)) {
	case "", "rw", "wr":
		b.canRead, b.canWrite = true, true
	case "r":
		b.canRead = true
	case "w":
		b.canWrite = true
	default:
		return nil, fmt.Errorf("Bad chmod %q for access %q: %w", cfg.Chmod, b.name, hzvol.ErrValidation)
	}
	if cfg.BitsPerBlock != 0 && cfg.BitsPerBlock != info.BitsPerBlock {
		return nil, fmt.Errorf("Access %q has %d bits per block but dataset has %d: %w",
			b.name, cfg.BitsPerBlock, info.BitsPerBlock, hzvol.ErrValidation)
	}
	compress, err := hzvol.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	b.compression = compress
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	b.sem = semaphore.NewWeighted(int64(workers))
	b.locks.held = make(map[string]bool)
	b.locks.cond = sync.NewCond(&b.locks.mu)
	return b, nil
}

func (b *Base) Name() string { return b.name }
func (b *Base) CanRead() bool { return b.canRead }
func (b *Base) CanWrite() bool { return b.canWrite }
func (b *Base) BitsPerBlock() int { return b.bitsPerBlock }
func (b *Base) Info() *DatasetInfo { return b.info }

// SetReadOnly drops write permission.
func (b *Base) SetReadOnly() {
	b.canWrite = false
}

// Compression returns the codec for a field: the access codec if set, else the field default.
func (b *Base) Compression(field hzvol.Field) hzvol.Compression {
	if b.compression != hzvol.Uncompressed {
		return b.compression
	}
	compress, err := field.DefaultCompression()
	if err != nil {
		return hzvol.Uncompressed
	}
	return compress
}

// BeginIO opens or nests an IO bracket.
func (b *Base) BeginIO(mode IOMode) {
	b.ioMu.Lock()
	b.ioMode |= mode
	b.ioDepth++
	b.ioMu.Unlock()
}

// EndIO closes the innermost IO bracket.
func (b *Base) EndIO() {
	b.ioMu.Lock()
	if b.ioDepth > 0 {
		b.ioDepth--
		if b.ioDepth == 0 {
			b.ioMode = NoIO
		}
	}
	b.ioMu.Unlock()
}

// IOMode returns the mode of the open brackets.
func (b *Base) IOMode() IOMode {
	b.ioMu.Lock()
	defer b.ioMu.Unlock()
	return b.ioMode
}

// CheckRead verifies that q may be read now.  On failure q is resolved.
func (b *Base) CheckRead(q *BlockQuery) bool {
	var err error
	switch {
	case !b.canRead:
		err = fmt.Errorf("Access %q cannot read: %w", b.name, hzvol.ErrValidation)
	case b.IOMode()&ReadIO == 0:
		err = fmt.Errorf("Access %q read of block %d outside a read bracket: %w", b.name, q.BlockID, hzvol.ErrValidation)
	case q.Aborted.IsAborted():
		err = hzvol.ErrAborted
	}
	if err != nil {
		b.ReadFailed(q, err)
		return false
	}
	q.SetRunning()
	return true
}

// CheckWrite verifies that q may be written now.  On failure q is resolved.
func (b *Base) CheckWrite(q *BlockQuery) bool {
	var err error
	switch {
	case !b.canWrite:
		err = fmt.Errorf("Access %q cannot write: %w", b.name, hzvol.ErrValidation)
	case b.IOMode()&WriteIO == 0:
		err = fmt.Errorf("Access %q write of block %d outside a write bracket: %w", b.name, q.BlockID, hzvol.ErrValidation)
	case q.Buffer == nil || !q.Buffer.Dims.Equals(q.Samples.NSamples) || q.Buffer.DType != q.Field.DType:
		err = fmt.Errorf("Access %q write of block %d with mismatched buffer: %w", b.name, q.BlockID, hzvol.ErrValidation)
	case q.Aborted.IsAborted():
		err = hzvol.ErrAborted
	}
	if err != nil {
		b.WriteFailed(q, err)
		return false
	}
	q.SetRunning()
	return true
}

// Go runs work on the Access worker pool and returns at once.  The worker slot is taken in
// the spawned goroutine.  If ctx is done before a slot frees up, failed gets ErrAborted and
// work never runs.
func (b *Base) Go(ctx context.Context, work func(), failed func(error)) {
	go func() {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			failed(fmt.Errorf("No worker in access %q: %v: %w", b.name, err, hzvol.ErrAborted))
			return
		}
		defer b.sem.Release(1)
		work()
	}()
}

// Async runs work for q on the Access worker pool, failing q if no worker can be had.
func (b *Base) Async(ctx context.Context, q *BlockQuery, work func()) {
	b.Go(ctx, work, func(err error) {
		if q.Mode&WriteIO != 0 {
			b.WriteFailed(q, err)
		} else {
			b.ReadFailed(q, err)
		}
	})
}

// ReadOk resolves a successful read.
func (b *Base) ReadOk(q *BlockQuery) {
	atomic.AddInt64(&b.stats.reads, 1)
	n := q.NumBytes()
	atomic.AddInt64(&b.stats.bytesRead, n)
	monitorRead(n)
	q.Resolve(nil)
}

// ReadFailed resolves a failed read.
func (b *Base) ReadFailed(q *BlockQuery, err error) {
	atomic.AddInt64(&b.stats.reads, 1)
	atomic.AddInt64(&b.stats.readFails, 1)
	q.Resolve(err)
}

// WriteOk resolves a successful write.
func (b *Base) WriteOk(q *BlockQuery) {
	atomic.AddInt64(&b.stats.writes, 1)
	n := q.NumBytes()
	atomic.AddInt64(&b.stats.bytesWritten, n)
	monitorWrite(n)
	q.Resolve(nil)
}

// WriteFailed resolves a failed write.
func (b *Base) WriteFailed(q *BlockQuery, err error) {
	atomic.AddInt64(&b.stats.writes, 1)
	atomic.AddInt64(&b.stats.writeFails, 1)
	q.Resolve(err)
}

// Statistics returns a snapshot of the counters.
func (b *Base) Statistics() Statistics {
	return Statistics{
		Name:         b.name,
		Reads:        atomic.LoadInt64(&b.stats.reads),
		ReadFails:    atomic.LoadInt64(&b.stats.readFails),
		Writes:       atomic.LoadInt64(&b.stats.writes),
		WriteFails:   atomic.LoadInt64(&b.stats.writeFails),
		BytesRead:    atomic.LoadInt64(&b.stats.bytesRead),
		BytesWritten: atomic.LoadInt64(&b.stats.bytesWritten),
	}
}

// AcquireWriteLock blocks until no one else holds the lock on q's block.
func (b *Base) AcquireWriteLock(q *BlockQuery) {
	b.locks.acquire(q.Key())
}

// ReleaseWriteLock releases the lock on q's block.
func (b *Base) ReleaseWriteLock(q *BlockQuery) {
	b.locks.release(q.Key())
}

type blockLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]bool
}

func (l *blockLocks) acquire(key string) {
	l.mu.Lock()
	for l.held[key] {
		l.cond.Wait()
	}
	l.held[key] = true
	l.mu.Unlock()
}

func (l *blockLocks) release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// EncodeBlock compresses the buffer of q with the passed codec.
func EncodeBlock(q *BlockQuery, compress hzvol.Compression) ([]byte, error) {
	if q.Buffer == nil {
		return nil, fmt.Errorf("Block %d has no buffer to encode: %w", q.BlockID, hzvol.ErrValidation)
	}
	return hzvol.Compress(q.Buffer.Data, compress)
}

// DecodeBlock decompresses stored bytes into the buffer of q.
func DecodeBlock(q *BlockQuery, data []byte, compress hzvol.Compression) error {
	raw, err := hzvol.Decompress(data, compress)
	if err != nil {
		return fmt.Errorf("Block %d: %v: %w", q.BlockID, err, hzvol.ErrIO)
	}
	if compress == hzvol.Uncompressed {
		// raw data aliases storage owned by the caller
		cp := make([]byte, len(raw))
		copy(cp, raw)
		raw = cp
	}
	return q.SetBuffer(raw)
}
