package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/janelia-flyem/hzvol/filter"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// BoxQuery reads or writes the samples of a box.  Set the exported options before Begin.
type BoxQuery struct {
	state

	LogicBox hzvol.Box

	// StartResolution, when positive, restricts the query to the samples of a single level
	// and must equal the only end resolution.
	StartResolution int

	Merge MergeMode
	Pick  Pick

	// FilterEnabled reconstructs filtered fields level by level on read.  It has no effect
	// on fields without a filter or on writes.
	FilterEnabled bool

	// Samples is the grid of the current end resolution and Buffer holds its samples.
	Samples hzvol.LogicSamples
	Buffer  *hzvol.Array

	filter       filter.Filter
	filterBox    hzvol.Box
	filterDomain hzvol.Box
	filterQuery  *BoxQuery
}

// NewBoxQuery returns a query of the samples of field inside box.  A nil aborted gets a fresh
// flag.
func NewBoxQuery(info *storage.DatasetInfo, field hzvol.Field, t float64, mode storage.IOMode, box hzvol.Box, aborted *hzvol.Aborted) *BoxQuery {
	q := &BoxQuery{
		state:         newState(info, field, t, mode, aborted),
		LogicBox:      box.Duplicate(),
		FilterEnabled: true,
	}
	if info != nil {
		q.filterDomain = info.LogicBox
	}
	return q
}

// EquivalentBoxQuery returns a query whose grid is exactly the grid of one block.
func EquivalentBoxQuery(info *storage.DatasetInfo, block *storage.BlockQuery, mode storage.IOMode) *BoxQuery {
	q := NewBoxQuery(info, block.Field, block.Time, mode, block.Samples.Box, block.Aborted)
	q.StartResolution = block.HStart
	q.EndResolutions = []int{block.HEnd}
	q.FilterEnabled = false
	return q
}

// SetResolutionRange makes the query fetch levels [start,end] in one step.
func (q *BoxQuery) SetResolutionRange(start, end int) {
	q.StartResolution = start
	q.EndResolutions = []int{end}
}

func (q *BoxQuery) String() string {
	return fmt.Sprintf("box query %s of field %q time %s box %s (%s)", q.ID, q.Field.Name,
		storage.TimeString(q.Time), q.LogicBox, q.status)
}

// Filter returns the filter reconstructing samples on read, if any.
func (q *BoxQuery) Filter() filter.Filter {
	return q.filter
}

// Begin validates the query and picks the first end resolution with samples in the box.
// Read queries get a buffer filled with the field default value.
func (q *BoxQuery) Begin() error {
	if err := q.checkBegin(); err != nil {
		return err
	}
	pdim := q.Info.Bitmask.PointDim()
	if q.LogicBox.NumDims() != pdim || !q.LogicBox.Valid() {
		return q.fail(hzvol.ErrValidation, "query logic box not valid")
	}
	if !q.LogicBox.StrictIntersect(q.Info.LogicBox) {
		return q.fail(hzvol.ErrValidation, "position not valid")
	}
	if err := q.checkResolutions(); err != nil {
		return err
	}
	if q.StartResolution > 0 {
		if len(q.EndResolutions) != 1 || q.StartResolution != q.EndResolutions[0] {
			return q.fail(hzvol.ErrValidation, "wrong query start resolution")
		}
	}
	if q.FilterEnabled && q.Mode == storage.ReadIO && q.Field.Filter != "" {
		f, err := filter.New(q.Field.Filter, q.Field.DType)
		if err != nil {
			hzvol.Warningf("Query %s reads field %q without its filter: %v\n", q.ID, q.Field.Name, err)
		} else {
			q.filter = f
		}
	}

	order := make([]int, len(q.EndResolutions))
	for i := range order {
		if q.Pick == PickFinest {
			order[i] = len(order) - 1 - i
		} else {
			order[i] = i
		}
	}
	for _, cursor := range order {
		if q.setEndResolution(q.EndResolutions[cursor]) {
			q.cursor = cursor
			q.setRunning()
			if q.Mode == storage.ReadIO {
				if err := q.allocateBuffer(); err != nil {
					return q.fail(hzvol.ErrValidation, "cannot allocate buffer")
				}
			}
			q.tlog.Debugf("Query %s began at end resolution %d with %s", q.ID, q.end, q.Samples)
			return nil
		}
	}
	return q.fail(hzvol.ErrValidation, ReasonNoEndResolution)
}

// setEndResolution computes the grid of the end resolution.  It returns false if the box
// holds no sample of any level in [start,end].
func (q *BoxQuery) setEndResolution(end int) bool {
	bitmask := q.Info.Bitmask
	box := q.LogicBox.Intersect(q.Info.LogicBox)
	if q.filter != nil {
		box = filter.AdjustBox(bitmask, box, end, q.filterDomain)
		q.filterBox = box
	}
	if !box.IsFullDim() {
		return false
	}

	// below the end level the grid also holds every coarser sample
	delta := bitmask.LevelDelta(end)
	if q.StartResolution == 0 && end > 0 {
		bit, _ := bitmask.AxisAtLevel(end)
		delta[bit] >>= 1
	}
	var p1incl, p2incl hzvol.PointNd
	for H := q.StartResolution; H <= end; H++ {
		level := bitmask.LevelSamples(H)
		aligned := level.AlignBox(box)
		if !aligned.IsFullDim() {
			continue
		}
		last := aligned.P2.Sub(level.Delta)
		if p1incl == nil {
			p1incl, p2incl = aligned.P1, last
		} else {
			p1incl, p2incl = p1incl.Min(aligned.P1), p2incl.Max(last)
		}
	}
	if p1incl == nil {
		return false
	}
	samples := hzvol.NewLogicSamples(hzvol.NewBox(p1incl, p2incl.Add(delta)), delta)
	if !samples.Valid() {
		return false
	}
	q.end = end
	q.Samples = samples
	return true
}

func (q *BoxQuery) allocateBuffer() error {
	buf, err := hzvol.NewArray(q.Samples.NSamples, q.Field.DType)
	if err != nil {
		return err
	}
	if q.Field.DefaultValue != 0 {
		buf.Fill(q.Field.DefaultValue)
	}
	q.Buffer = buf
	return nil
}

// SetBuffer sets the samples a write query stores.  The buffer must match Samples.
func (q *BoxQuery) SetBuffer(buf *hzvol.Array) error {
	if buf == nil || buf.DType != q.Field.DType || !buf.Dims.Equals(q.Samples.NSamples) {
		return fmt.Errorf("Query %s needs a %s buffer of %s samples: %w", q.ID, q.Field.DType, q.Samples.NSamples, hzvol.ErrValidation)
	}
	q.Buffer = buf
	return nil
}

// Execute fetches or stores every level up to the end resolution.  Blocks that are missing
// or fail leave gaps; the query fails only if every block failed for a reason other than
// absence.
func (q *BoxQuery) Execute(ctx context.Context, access storage.Access) error {
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
	if q.Mode == storage.WriteIO {
		if q.Buffer == nil {
			return q.fail(hzvol.ErrValidation, "write buffer not set")
		}
		if !q.Buffer.Dims.Equals(q.Samples.NSamples) || q.Buffer.DType != q.Field.DType {
			return q.fail(hzvol.ErrValidation, "write buffer does not match the query")
		}
	} else if q.Buffer == nil {
		if err := q.allocateBuffer(); err != nil {
			return q.fail(hzvol.ErrValidation, "cannot allocate buffer")
		}
	}
	if q.filter != nil {
		return q.executeFiltered(ctx, access)
	}

	blocks := q.collectBlocks(access.BitsPerBlock())
	if q.Aborted.IsAborted() {
		return q.abort()
	}
	var t tally
	var err error
	if q.Mode == storage.WriteIO {
		err = q.writeBlocks(ctx, access, blocks, &t)
	} else {
		err = q.readBlocks(ctx, access, blocks, &t)
	}
	if err != nil {
		return err
	}
	if q.Aborted.IsAborted() {
		return q.abort()
	}
	if t.allFailed() {
		return q.fail(hzvol.ErrIO, fmt.Sprintf("all %d blocks failed: %v", t.blocks, t.firstErr))
	}
	q.tlog.Debugf("Query %s executed levels %d-%d: %s", q.ID, q.cur+1, q.end, &t)
	q.cur = q.end
	return nil
}

// collectBlocks returns the blocks holding samples of the aligned box at levels
// (cur,end], coarse to fine.  Each level is split kd-wise along its bitmask axes until a
// node spans a single block.
func (q *BoxQuery) collectBlocks(bitsperblock int) []uint64 {
	type node struct {
		box hzvol.Box
		H   int
	}
	bitmask := q.Info.Bitmask
	var blocks []uint64
	from := q.cur + 1
	if q.StartResolution > from {
		from = q.StartResolution
	}
	for H := from; H <= q.end; H++ {
		if q.Aborted.IsAborted() {
			return nil
		}
		level := bitmask.LevelSamples(H)
		box := level.AlignBox(q.Samples.Box)
		if !box.IsFullDim() {
			continue
		}
		hz := bitmask.Address(level.Box.P1)
		stack := []node{{box: level.Box.Duplicate(), H: 1}}
		if H == 0 {
			stack[0].H = 0
		}
		for len(stack) > 0 {
			item := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			// a node at depth item.H spans 2^(H-item.H) addresses of the level
			if !item.box.StrictIntersect(box) {
				hz += uint64(1) << uint(H-item.H)
				continue
			}
			if H-item.H <= bitsperblock {
				blockid := hz >> uint(bitsperblock)
				blocks = append(blocks, blockid)
				if blockid == 0 {
					// block 0 holds every level up to bitsperblock
					H = bitsperblock
					break
				}
				hz += uint64(1) << uint(H-item.H)
				continue
			}
			bit, _ := bitmask.AxisAtLevel(item.H)
			half := bitmask.LevelDelta(item.H)[bit] >> 1
			right := item.box.Duplicate()
			right.P1[bit] += half
			left := item.box.Duplicate()
			left.P2[bit] -= half
			stack = append(stack, node{right, item.H + 1}, node{left, item.H + 1})
		}
	}
	return blocks
}

// readBlocks issues one read per block, at most MaxRunning at a time, merging as they
// complete.
func (q *BoxQuery) readBlocks(ctx context.Context, access storage.Access, blocks []uint64, t *tally) error {
	access.BeginIO(storage.ReadIO)
	defer access.EndIO()

	running := newCompletions(MaxRunning)
	merge := func(bq *storage.BlockQuery) error {
		t.add(bq)
		if !bq.Ok() || q.Aborted.IsAborted() {
			return nil
		}
		if err := q.mergeBlock(bq); err != nil {
			return err
		}
		t.merged++
		return nil
	}
	for _, blockid := range blocks {
		if q.Aborted.IsAborted() {
			break
		}
		for running.pending >= MaxRunning {
			bq := running.pop(ctx.Done())
			if bq == nil {
				q.Abort()
				return q.abort()
			}
			if err := merge(bq); err != nil {
				return q.fail(hzvol.ErrValidation, err.Error())
			}
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
		if err := merge(bq); err != nil {
			return q.fail(hzvol.ErrValidation, err.Error())
		}
	}
	return nil
}

// writeBlocks stores the query samples block by block.  Each block is read under its write
// lock, missing blocks start zeroed, the query samples are merged in and the block written.
func (q *BoxQuery) writeBlocks(ctx context.Context, access storage.Access, blocks []uint64, t *tally) error {
	access.BeginIO(storage.ReadWriteIO)
	defer access.EndIO()

	for _, blockid := range blocks {
		if q.Aborted.IsAborted() {
			return q.abort()
		}
		read := storage.NewBlockQuery(q.Info, q.Field, q.Time, blockid, storage.ReadIO, q.Aborted)
		access.AcquireWriteLock(read)
		err := q.modifyBlock(ctx, access, read)
		access.ReleaseWriteLock(read)
		if err != nil {
			return err
		}
		t.blocks++
		t.merged++
	}
	return nil
}

func (q *BoxQuery) modifyBlock(ctx context.Context, access storage.Access, read *storage.BlockQuery) error {
	if access.CanRead() {
		access.ReadBlock(ctx, read)
		if err := read.Wait(ctx); err != nil && errors.Is(err, hzvol.ErrAborted) {
			q.Abort()
			return q.abort()
		}
	}
	write := storage.NewBlockQuery(q.Info, q.Field, q.Time, read.BlockID, storage.WriteIO, q.Aborted)
	if read.Ok() && read.Buffer != nil {
		write.Buffer = read.Buffer
	} else if err := write.AllocateBuffer(); err != nil {
		return q.fail(hzvol.ErrValidation, err.Error())
	}
	if err := q.mergeBlock(write); err != nil {
		if q.Aborted.IsAborted() {
			return q.abort()
		}
		return q.fail(hzvol.ErrValidation, err.Error())
	}
	access.WriteBlock(ctx, write)
	if err := write.Wait(ctx); err != nil {
		if q.Aborted.IsAborted() || errors.Is(err, hzvol.ErrAborted) {
			q.Abort()
			return q.abort()
		}
		return q.fail(hzvol.ErrIO, fmt.Sprintf("write of block %d failed: %v", write.BlockID, err))
	}
	return nil
}

// mergeBlock copies samples between the query and a block: block into query on read, query
// into block on write.  A block merges entirely or not at all, so the abort flag is not
// consulted here.  Block 0 spans the coarsest levels and is merged level by level so levels
// the query already holds stay untouched.
func (q *BoxQuery) mergeBlock(bq *storage.BlockQuery) error {
	if bq.Buffer == nil || bq.Field.DType != q.Field.DType {
		return fmt.Errorf("Block %d cannot merge into query %s: %w", bq.BlockID, q.ID, hzvol.ErrValidation)
	}
	W, Wbuf := q.Samples, q.Buffer
	R, Rbuf := bq.Samples, bq.Buffer
	if q.Mode == storage.WriteIO {
		W, Wbuf, R, Rbuf = R, Rbuf, W, Wbuf
	}
	hstart := q.cur + 1
	if hstart < q.StartResolution {
		hstart = q.StartResolution
	}
	if bq.BlockID != 0 || hstart <= 0 {
		return hzvol.InsertSamples(W, Wbuf, R, Rbuf, nil)
	}
	hend := q.end
	if bq.HEnd < hend {
		hend = bq.HEnd
	}
	bitmask := q.Info.Bitmask
	for H := hstart; H <= hend; H++ {
		// level samples not covered by R keep the values of W
		L := bitmask.LevelSamples(H)
		Lbuf, err := hzvol.NewArray(L.NSamples, q.Field.DType)
		if err != nil {
			return err
		}
		if err := hzvol.InsertSamples(L, Lbuf, W, Wbuf, nil); err != nil {
			return err
		}
		if err := hzvol.InsertSamples(L, Lbuf, R, Rbuf, nil); err != nil {
			return err
		}
		if err := hzvol.InsertSamples(W, Wbuf, L, Lbuf, nil); err != nil {
			return err
		}
	}
	return nil
}

// executeFiltered rebuilds filtered samples coarse to fine.  At each level a plain query over
// the filter-aligned box fetches the new level on top of the previous result, then the
// inverse filter of that level restores the original samples.
func (q *BoxQuery) executeFiltered(ctx context.Context, access storage.Access) error {
	bitmask := q.Info.Bitmask
	for H := q.cur + 1; H <= q.end; H++ {
		if q.Aborted.IsAborted() {
			return q.abort()
		}
		box := filter.AdjustBox(bitmask, q.filterBox, H, q.filterDomain)
		W := NewBoxQuery(q.Info, q.Field, q.Time, storage.ReadIO, box, q.Aborted)
		W.ID = q.ID
		W.SetResolutionRange(0, H)
		W.FilterEnabled = false
		if err := W.Begin(); err != nil {
			if q.Aborted.IsAborted() {
				return q.abort()
			}
			// no sample of the box at this level yet
			continue
		}
		if R := q.filterQuery; R != nil {
			if err := hzvol.InsertSamples(W.Samples, W.Buffer, R.Samples, R.Buffer, q.Aborted); err != nil {
				if q.Aborted.IsAborted() {
					return q.abort()
				}
				return q.fail(hzvol.ErrValidation, err.Error())
			}
			W.cur = R.cur
		}
		if err := W.Execute(ctx, access); err != nil {
			if q.Aborted.IsAborted() {
				return q.abort()
			}
			return q.fail(hzvol.ErrIO, W.Reason())
		}
		err := filter.Apply(q.filter, W.Buffer, W.Samples, bitmask, H, q.filterDomain, true, q.Aborted)
		if err != nil {
			if q.Aborted.IsAborted() {
				return q.abort()
			}
			return q.fail(hzvol.ErrValidation, err.Error())
		}
		q.filterQuery = W
	}
	if q.filterQuery == nil {
		return q.fail(hzvol.ErrValidation, "no filtered level holds samples of the box")
	}
	q.Samples = q.filterQuery.Samples
	q.Buffer = q.filterQuery.Buffer
	q.cur = q.end
	q.tlog.Debugf("Query %s rebuilt filtered levels up to %d", q.ID, q.end)
	return nil
}

// Next advances to the following end resolution, or ends the query Ok after the last one.
func (q *BoxQuery) Next() error {
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
	R, Rbuf := q.Samples, q.Buffer
	q.cursor++
	if !q.setEndResolution(q.EndResolutions[q.cursor]) {
		return q.fail(hzvol.ErrValidation, "cannot set end resolution")
	}
	q.Buffer = nil
	if q.Mode == storage.WriteIO {
		q.cur = -1
		return nil
	}
	if err := q.allocateBuffer(); err != nil {
		return q.fail(hzvol.ErrValidation, "cannot allocate buffer")
	}
	switch q.Merge {
	case MergeInterpolate:
		if err := hzvol.NearestSamples(q.Samples, q.Buffer, R, Rbuf, q.Aborted); err != nil {
			return q.fail(hzvol.ErrValidation, "interpolate samples failed")
		}
		if err := hzvol.InsertSamples(q.Samples, q.Buffer, R, Rbuf, q.Aborted); err != nil {
			return q.fail(hzvol.ErrValidation, "insert samples failed")
		}
	default:
		q.cur = -1
		q.filterQuery = nil
	}
	return nil
}
