package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// PointQuery reads the samples nearest to a list of logic points.  Each point gets the
// sample at or before it on the grid of the end resolution.
type PointQuery struct {
	state

	Points []hzvol.PointNd

	// Buffer holds one sample per point in the order of Points.
	Buffer *hzvol.Array
}

// NewPointQuery returns a read query of field at the passed points.
func NewPointQuery(info *storage.DatasetInfo, field hzvol.Field, t float64, points []hzvol.PointNd, aborted *hzvol.Aborted) *PointQuery {
	return &PointQuery{
		state:  newState(info, field, t, storage.ReadIO, aborted),
		Points: points,
	}
}

func (q *PointQuery) String() string {
	return fmt.Sprintf("point query %s of field %q time %s with %d points (%s)", q.ID, q.Field.Name,
		storage.TimeString(q.Time), len(q.Points), q.status)
}

// Begin validates the query and starts at the first end resolution.
func (q *PointQuery) Begin() error {
	if err := q.checkBegin(); err != nil {
		return err
	}
	pdim := q.Info.Bitmask.PointDim()
	if len(q.Points) == 0 {
		return q.fail(hzvol.ErrValidation, "position not valid")
	}
	for _, p := range q.Points {
		if p.NumDims() != pdim {
			return q.fail(hzvol.ErrValidation, "position not valid")
		}
	}
	if err := q.checkResolutions(); err != nil {
		return err
	}
	q.cursor = 0
	q.end = q.EndResolutions[0]
	q.setRunning()
	return nil
}

// blockOffsets maps a block to pairs of (point index, sample index inside the block).
type blockOffsets map[uint64][][2]int64

// collectBlocks groups the points inside the dataset by the block holding their sample.
func (q *PointQuery) collectBlocks() (blockOffsets, error) {
	bitmask := q.Info.Bitmask
	bitsperblock := q.Info.BitsPerBlock
	bounds := q.Info.LogicBox
	depthMask := bitmask.LevelP2Included(q.end)
	grids := make(map[uint64]hzvol.LogicSamples)
	blocks := make(blockOffsets)
	for n, p := range q.Points {
		if n%1024 == 0 && q.Aborted.IsAborted() {
			return nil, hzvol.ErrAborted
		}
		if !bounds.ContainsPoint(p) {
			continue
		}
		snapped := p.And(depthMask)
		hz := bitmask.Address(snapped)
		blockid := hz >> uint(bitsperblock)
		grid, found := grids[blockid]
		if !found {
			grid = bitmask.BlockSamples(blockid, bitsperblock)
			grids[blockid] = grid
		}
		pixel := grid.LogicToPixel(snapped)
		var offset, stride int64 = 0, 1
		for d := range pixel {
			offset += pixel[d] * stride
			stride *= grid.NSamples[d]
		}
		blocks[blockid] = append(blocks[blockid], [2]int64{int64(n), offset})
	}
	return blocks, nil
}

// Execute reads the blocks holding the points at the end resolution.
func (q *PointQuery) Execute(ctx context.Context, access storage.Access) error {
	if err := q.checkRunning(); err != nil {
		return err
	}
	if q.cur >= q.end {
		return fmt.Errorf("Query %s already at end resolution %d, call Next: %w", q.ID, q.end, hzvol.ErrValidation)
	}
	if access == nil {
		return q.fail(hzvol.ErrValidation, "no access")
	}
	if q.Aborted.IsAborted() {
		return q.abort()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if q.Buffer == nil {
		buf, err := hzvol.NewArray(hzvol.PointNd{int64(len(q.Points))}, q.Field.DType)
		if err != nil {
			return q.fail(hzvol.ErrValidation, "cannot allocate buffer")
		}
		if q.Field.DefaultValue != 0 {
			buf.Fill(q.Field.DefaultValue)
		}
		q.Buffer = buf
	}
	blocks, err := q.collectBlocks()
	if err != nil {
		return q.abort()
	}
	ids := make([]uint64, 0, len(blocks))
	for blockid := range blocks {
		ids = append(ids, blockid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	access.BeginIO(storage.ReadIO)
	defer access.EndIO()

	var t tally
	running := newCompletions(MaxRunning)
	merge := func(bq *storage.BlockQuery) {
		t.add(bq)
		if !bq.Ok() || bq.Buffer == nil || q.Aborted.IsAborted() {
			return
		}
		sampleBytes := int64(q.Field.DType.SampleBytes())
		for _, pair := range blocks[bq.BlockID] {
			w, r := pair[0]*sampleBytes, pair[1]*sampleBytes
			copy(q.Buffer.Data[w:w+sampleBytes], bq.Buffer.Data[r:r+sampleBytes])
		}
		t.merged++
	}
	for _, blockid := range ids {
		if q.Aborted.IsAborted() {
			break
		}
		for running.pending >= MaxRunning {
			bq := running.pop(ctx.Done())
			if bq == nil {
				q.Abort()
				return q.abort()
			}
			merge(bq)
		}
		bq := storage.NewBlockQuery(q.Info, q.Field, q.Time, blockid, storage.ReadIO, q.Aborted)
		access.ReadBlock(ctx, bq)
		running.push(bq)
	}
	for !running.empty() {
		bq := running.pop(ctx.Done())
		if bq == nil {
			q.Abort()
			return q.abort()
		}
		merge(bq)
	}
	if q.Aborted.IsAborted() {
		return q.abort()
	}
	if t.allFailed() {
		return q.fail(hzvol.ErrIO, fmt.Sprintf("all %d blocks failed: %v", t.blocks, t.firstErr))
	}
	q.tlog.Debugf("Query %s read %d points at resolution %d: %s", q.ID, len(q.Points), q.end, &t)
	q.cur = q.end
	return nil
}

// Next moves to the following end resolution, or ends the query Ok after the last one.
// The buffer is kept and every point is read again at the finer resolution.
func (q *PointQuery) Next() error {
	if err := q.checkRunning(); err != nil {
		return err
	}
	if q.cur != q.end {
		return fmt.Errorf("Query %s must execute resolution %d before advancing: %w", q.ID, q.end, hzvol.ErrValidation)
	}
	if q.Aborted.IsAborted() {
		return q.abort()
	}
	if q.cursor == len(q.EndResolutions)-1 {
		q.setOk()
		return nil
	}
	q.cursor++
	q.end = q.EndResolutions[q.cursor]
	return nil
}
