package dataset

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/query"
	"github.com/janelia-flyem/hzvol/storage"
)

// Query is implemented by box and point queries.
type Query interface {
	Begin() error
	Execute(ctx context.Context, access storage.Access) error
	Next() error
	Status() query.Status
	Reason() string
	CurrentResolution() int
}

// CreateBoxQuery returns a query of field over box.  It still needs end resolutions and Begin.
func (d *Dataset) CreateBoxQuery(field hzvol.Field, t float64, mode storage.IOMode, box hzvol.Box, aborted *hzvol.Aborted) *query.BoxQuery {
	return query.NewBoxQuery(d.info, field, t, mode, box, aborted)
}

// CreatePointQuery returns a read query of field at the passed logic points.
func (d *Dataset) CreatePointQuery(field hzvol.Field, t float64, points []hzvol.PointNd, aborted *hzvol.Aborted) *query.PointQuery {
	return query.NewPointQuery(d.info, field, t, points, aborted)
}

func (d *Dataset) BeginQuery(q Query) error {
	return q.Begin()
}

func (d *Dataset) ExecuteQuery(ctx context.Context, access storage.Access, q Query) error {
	return q.Execute(ctx, access)
}

func (d *Dataset) NextQuery(q Query) error {
	return q.Next()
}

// run drives a begun query through every end resolution.
func run(ctx context.Context, access storage.Access, q Query) error {
	for q.Status() == query.Running {
		if err := q.Execute(ctx, access); err != nil {
			return err
		}
		if err := q.Next(); err != nil {
			return err
		}
	}
	if q.Status() != query.Ok {
		return fmt.Errorf("Query ended %s: %s: %w", q.Status(), q.Reason(), hzvol.ErrIO)
	}
	return nil
}

// ReadBox reads box of field at resolution H, or the finest one if H < 0.  The returned
// query holds the samples and their grid.
func (d *Dataset) ReadBox(ctx context.Context, access storage.Access, field hzvol.Field, t float64, box hzvol.Box, H int) (*query.BoxQuery, error) {
	q := d.CreateBoxQuery(field, t, storage.ReadIO, box, nil)
	if H >= 0 {
		q.EndResolutions = []int{H}
	}
	if err := q.Begin(); err != nil {
		return nil, err
	}
	if err := run(ctx, access, q); err != nil {
		return nil, err
	}
	return q, nil
}

// WriteBox writes full resolution samples of box.  buf must be laid out row-major over box
// clipped to the dataset.
func (d *Dataset) WriteBox(ctx context.Context, access storage.Access, field hzvol.Field, t float64, box hzvol.Box, buf *hzvol.Array) error {
	q := d.CreateBoxQuery(field, t, storage.WriteIO, box, nil)
	if err := q.Begin(); err != nil {
		return err
	}
	if err := q.SetBuffer(buf); err != nil {
		return err
	}
	return run(ctx, access, q)
}

// ReadPoints returns one sample per point at resolution H, or the finest one if H < 0.
func (d *Dataset) ReadPoints(ctx context.Context, access storage.Access, field hzvol.Field, t float64, points []hzvol.PointNd, H int) (*hzvol.Array, error) {
	q := d.CreatePointQuery(field, t, points, nil)
	if H >= 0 {
		q.EndResolutions = []int{H}
	}
	if err := q.Begin(); err != nil {
		return nil, err
	}
	if err := run(ctx, access, q); err != nil {
		return nil, err
	}
	return q.Buffer, nil
}
