package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// BlockStatus is the state of a BlockQuery.
type BlockStatus uint8

const (
	BlockCreated BlockStatus = iota
	BlockRunning
	BlockOk
	BlockFailed
)

func (s BlockStatus) String() string {
	switch s {
	case BlockCreated:
		return "created"
	case BlockRunning:
		return "running"
	case BlockOk:
		return "ok"
	case BlockFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BlockQuery is a request to read or write one block.  It resolves exactly once and any
// number of goroutines may wait on it.
type BlockQuery struct {
	Field   hzvol.Field
	Time    float64
	BlockID uint64
	Mode    IOMode

	// Samples is the grid of the block and Buffer holds its samples.
	Samples hzvol.LogicSamples
	Buffer  *hzvol.Array

	// HStart and HEnd are the levels the block holds samples for.
	HStart, HEnd int

	Aborted *hzvol.Aborted

	mu     sync.Mutex
	status BlockStatus
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewBlockQuery returns a request for a block of the passed dataset.  The buffer is not
// allocated; read requests get one from the Access, write requests allocate it themselves.
func NewBlockQuery(info *DatasetInfo, field hzvol.Field, t float64, blockid uint64, mode IOMode, aborted *hzvol.Aborted) *BlockQuery {
	q := &BlockQuery{
		Field:   field,
		Time:    t,
		BlockID: blockid,
		Mode:    mode,
		Aborted: aborted,
		done:    make(chan struct{}),
	}
	q.Samples = info.Bitmask.BlockSamples(blockid, info.BitsPerBlock)
	q.HStart, q.HEnd = info.Bitmask.BlockResolutionRange(blockid, info.BitsPerBlock)
	return q
}

func (q *BlockQuery) String() string {
	return fmt.Sprintf("block %d of field %q time %s (%s)", q.BlockID, q.Field.Name, TimeString(q.Time), q.Status())
}

// Key returns the key-value store key of the block.
func (q *BlockQuery) Key() string {
	return BlockKey(q.Field.Name, q.Time, q.BlockID)
}

// NumBytes returns the size of a decoded block.
func (q *BlockQuery) NumBytes() int64 {
	return q.Field.DType.ByteSize(q.Samples.TotalSamples())
}

// AllocateBuffer allocates a zeroed buffer for the block if it has none.
func (q *BlockQuery) AllocateBuffer() error {
	if q.Buffer != nil {
		return nil
	}
	buf, err := hzvol.NewArray(q.Samples.NSamples, q.Field.DType)
	if err != nil {
		return err
	}
	q.Buffer = buf
	return nil
}

// SetBuffer decodes raw block bytes into the buffer.
func (q *BlockQuery) SetBuffer(data []byte) error {
	if int64(len(data)) != q.NumBytes() {
		return fmt.Errorf("Block %d has %d bytes, expected %d: %w", q.BlockID, len(data), q.NumBytes(), hzvol.ErrIO)
	}
	buf, err := hzvol.NewArrayFromBytes(q.Samples.NSamples, q.Field.DType, data)
	if err != nil {
		return err
	}
	q.Buffer = buf
	return nil
}

// SetRunning moves a created request to running.
func (q *BlockQuery) SetRunning() {
	q.mu.Lock()
	if q.status == BlockCreated {
		q.status = BlockRunning
	}
	q.mu.Unlock()
}

// Resolve settles the request: Ok if err is nil, Failed otherwise.  Only the first call has
// an effect.
func (q *BlockQuery) Resolve(err error) {
	q.once.Do(func() {
		q.mu.Lock()
		if err != nil {
			q.status = BlockFailed
			q.err = err
		} else {
			q.status = BlockOk
		}
		q.mu.Unlock()
		close(q.done)
	})
}

// Done is closed once the request resolves.
func (q *BlockQuery) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the request resolves or ctx is done.
func (q *BlockQuery) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.Err()
	case <-ctx.Done():
		return fmt.Errorf("Waiting on block %d: %v: %w", q.BlockID, ctx.Err(), hzvol.ErrAborted)
	}
}

// Status returns the current state.
func (q *BlockQuery) Status() BlockStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Err returns the failure of a Failed request.
func (q *BlockQuery) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Ok returns true if the request resolved successfully.
func (q *BlockQuery) Ok() bool {
	return q.Status() == BlockOk
}

// NotFound returns true if the request failed only because the block does not exist.
func (q *BlockQuery) NotFound() bool {
	return errors.Is(q.Err(), hzvol.ErrNotFound)
}
