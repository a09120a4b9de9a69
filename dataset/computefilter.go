package dataset

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/hzvol/filter"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/query"
	"github.com/janelia-flyem/hzvol/storage"
)

// DefaultFilterWindow is the logic extent per axis of the boxes processed at the finest level.
const DefaultFilterWindow = 256

// FilterOptions tune ComputeFilter.
type FilterOptions struct {
	// Window is the logic size per axis of the boxes transformed at the finest level.  It
	// doubles along the filtered axis at each coarser level.  Nil uses DefaultFilterWindow.
	Window hzvol.PointNd

	// FromResolution restarts an interrupted run at that level.  Zero starts at maxh.
	FromResolution int

	// Workers bounds the boxes transformed concurrently.  Zero uses the number of CPUs.
	Workers int

	Aborted *hzvol.Aborted
}

// CreateFilter returns the filter configured for field.
func (d *Dataset) CreateFilter(field hzvol.Field) (filter.Filter, error) {
	if field.Filter == "" {
		return nil, fmt.Errorf("Field %q has no filter: %w", field.Name, hzvol.ErrValidation)
	}
	return filter.New(field.Filter, field.DType)
}

// ComputeFilter replaces the raw samples of field at time t by their filtered form.  Levels
// are transformed from the finest to the coarsest, so a level sees the coarse samples already
// carrying the output of the finer ones.  Live queries on the field must not run meanwhile.
func (d *Dataset) ComputeFilter(ctx context.Context, access storage.Access, field hzvol.Field, t float64, opts FilterOptions) error {
	f, err := d.CreateFilter(field)
	if err != nil {
		return err
	}
	if !access.CanRead() || !access.CanWrite() {
		return fmt.Errorf("Access %q must be readable and writable to compute a filter: %w", access.Name(), hzvol.ErrValidation)
	}
	if !d.info.HasTime(t) {
		return fmt.Errorf("Dataset has no time %s: %w", storage.TimeString(t), hzvol.ErrValidation)
	}
	bitmask := d.info.Bitmask
	pdim := bitmask.PointDim()
	maxh := bitmask.MaxResolution()

	window := hzvol.NewPoint(pdim, DefaultFilterWindow)
	if opts.Window != nil {
		if opts.Window.NumDims() != pdim {
			return fmt.Errorf("Filter window %s needs %d dimensions: %w", opts.Window, pdim, hzvol.ErrValidation)
		}
		window = opts.Window.Duplicate()
	}
	from := maxh
	if opts.FromResolution > 0 {
		if opts.FromResolution > maxh {
			return fmt.Errorf("Filter start resolution %d beyond %d: %w", opts.FromResolution, maxh, hzvol.ErrValidation)
		}
		from = opts.FromResolution
	}
	// windows of the levels skipped by a restart keep growing as if they had run
	for H := maxh; H > from; H-- {
		bit, _ := bitmask.AxisAtLevel(H)
		window[bit] <<= 1
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	aborted := opts.Aborted
	if aborted == nil {
		aborted = hzvol.NewAborted()
	}

	tlog := hzvol.NewTimeLog()
	for H := from; H >= 1; H-- {
		if aborted.IsAborted() {
			return fmt.Errorf("Filter of field %q stopped before level %d: %w", field.Name, H, hzvol.ErrAborted)
		}
		boxes := filterBoxes(bitmask, d.info.LogicBox, H, window)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, box := range boxes {
			box := box
			g.Go(func() error {
				return d.filterBox(gctx, access, f, field, t, box, H, aborted)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("Filter of field %q failed at level %d, restart from there: %w", field.Name, H, err)
		}
		tlog.Infof("Filtered field %q level %d in %s boxes", field.Name, H, humanize.Comma(int64(len(boxes))))

		bit, _ := bitmask.AxisAtLevel(H)
		window[bit] <<= 1
	}
	return nil
}

// filterBoxes tiles domain with boxes aligned to the filter step of level H.
func filterBoxes(bitmask *hzvol.Bitmask, domain hzvol.Box, H int, window hzvol.PointNd) []hzvol.Box {
	step := bitmask.FilterStep(H)
	pdim := len(step)
	size := make(hzvol.PointNd, pdim)
	from := make(hzvol.PointNd, pdim)
	for D := 0; D < pdim; D++ {
		size[D] = hzvol.AlignRight(window.Value(D), 0, step[D])
		if size[D] < step[D] {
			size[D] = step[D]
		}
		from[D] = hzvol.AlignLeft(domain.P1[D], 0, step[D])
	}
	var boxes []hzvol.Box
	hzvol.ForEachPoint(from, domain.P2, size, func(p hzvol.PointNd) bool {
		box := hzvol.NewBox(p.Duplicate(), p.Add(size)).Intersect(domain)
		if box.IsFullDim() {
			boxes = append(boxes, box)
		}
		return true
	})
	return boxes
}

// filterBox reads levels [0,H] of box, applies the direct transform of level H and writes the
// samples back.
func (d *Dataset) filterBox(ctx context.Context, access storage.Access, f filter.Filter, field hzvol.Field, t float64, box hzvol.Box, H int, aborted *hzvol.Aborted) error {
	read := query.NewBoxQuery(d.info, field, t, storage.ReadIO, box, aborted)
	read.SetResolutionRange(0, H)
	read.FilterEnabled = false
	if err := read.Begin(); err != nil {
		if read.Status() == query.Failed && read.Reason() == query.ReasonNoEndResolution {
			return nil
		}
		return err
	}
	if err := read.Execute(ctx, access); err != nil {
		return err
	}
	if err := filter.Apply(f, read.Buffer, read.Samples, d.info.Bitmask, H, d.info.LogicBox, false, aborted); err != nil {
		return err
	}

	write := query.NewBoxQuery(d.info, field, t, storage.WriteIO, box, aborted)
	write.SetResolutionRange(0, H)
	if err := write.Begin(); err != nil {
		return err
	}
	if err := write.SetBuffer(read.Buffer); err != nil {
		return err
	}
	return write.Execute(ctx, access)
}
