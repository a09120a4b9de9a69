/*
	Package storagetest has helpers shared by the tests of Access implementations.
*/
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Info returns a 16x16 two-field dataset with 16 samples per block.
func Info() *storage.DatasetInfo {
	b := hzvol.MustParseBitmask("V01010101")
	return &storage.DatasetInfo{
		Bitmask:  b,
		LogicBox: b.Pow2Box(),
		Fields: []hzvol.Field{
			hzvol.NewField("data", hzvol.Uint8),
			hzvol.NewField("rgb", hzvol.Uint16.WithComponents(3)),
		},
		Timesteps:     []float64{0, 1},
		BitsPerBlock:  4,
		BlocksPerFile: 4,
	}
}

// Pattern fills a block buffer with values depending on seed and block id.
func Pattern(q *storage.BlockQuery, seed int) {
	for i := range q.Buffer.Data {
		q.Buffer.Data[i] = byte(seed + int(q.BlockID)*31 + i)
	}
}

// WriteBlock writes a patterned block and waits for it.
func WriteBlock(t *testing.T, a storage.Access, info *storage.DatasetInfo, field hzvol.Field, ts float64, blockid uint64, seed int) *storage.BlockQuery {
	q := storage.NewBlockQuery(info, field, ts, blockid, storage.WriteIO, nil)
	if err := q.AllocateBuffer(); err != nil {
		t.Fatalf("Couldn't allocate block %d: %v\n", blockid, err)
	}
	Pattern(q, seed)
	a.BeginIO(storage.WriteIO)
	a.WriteBlock(context.Background(), q)
	err := Wait(t, q)
	a.EndIO()
	if err != nil {
		t.Fatalf("Couldn't write block %d to %s: %v\n", blockid, a.Name(), err)
	}
	return q
}

// ReadBlock reads a block and waits for it.
func ReadBlock(t *testing.T, a storage.Access, info *storage.DatasetInfo, field hzvol.Field, ts float64, blockid uint64) *storage.BlockQuery {
	q := storage.NewBlockQuery(info, field, ts, blockid, storage.ReadIO, nil)
	a.BeginIO(storage.ReadIO)
	a.ReadBlock(context.Background(), q)
	Wait(t, q)
	a.EndIO()
	return q
}

// Wait waits at most a few seconds for q to resolve.
func Wait(t *testing.T, q *storage.BlockQuery) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := q.Wait(ctx)
	if q.Status() != storage.BlockOk && q.Status() != storage.BlockFailed {
		t.Fatalf("Block %d never resolved\n", q.BlockID)
	}
	return err
}

// RoundTrip writes every block of both fields at time 0 and reads them back.  It then checks
// a block that was never written reads as not found.
func RoundTrip(t *testing.T, a storage.Access, info *storage.DatasetInfo) {
	nblocks := info.Bitmask.TotalBlocks(info.BitsPerBlock)
	for _, field := range info.Fields {
		written := make(map[uint64]*storage.BlockQuery)
		for blockid := uint64(0); blockid < nblocks; blockid++ {
			written[blockid] = WriteBlock(t, a, info, field, 0, blockid, 7)
		}
		for blockid := uint64(0); blockid < nblocks; blockid++ {
			q := ReadBlock(t, a, info, field, 0, blockid)
			if !q.Ok() {
				t.Fatalf("Couldn't read back block %d of %q from %s: %v\n", blockid, field.Name, a.Name(), q.Err())
			}
			if !q.Buffer.Equals(written[blockid].Buffer) {
				t.Fatalf("Block %d of %q read from %s differs from written block\n", blockid, field.Name, a.Name())
			}
		}
	}
	q := ReadBlock(t, a, info, info.Fields[0], 1, 1)
	if q.Ok() {
		t.Fatalf("Expected block never written to fail on %s\n", a.Name())
	}
	if !errors.Is(q.Err(), hzvol.ErrNotFound) {
		t.Fatalf("Expected not found for missing block on %s, got %v\n", a.Name(), q.Err())
	}
}
