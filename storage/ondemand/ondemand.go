/*
	Package ondemand synthesizes blocks when they are read.

	Generators:

		checkerboard  255/0 cubes of 1/5 of the dataset extent
		mandelbrot    escape time of the Mandelbrot set over the first two axes, in [0,1)
		external      runs a converter for the block box; the block is then reported not found
		              so a later access in a multiplex chain picks up the converted data

	The external converter is either a command run as

		<command> --idx <dataset> --field <name> --time <t> --box "<x1 x2 y1 y2 ...>"

	or an http:// URL requested with the same values as query parameters.  Concurrent reads of
	the same block share one generation.
*/
package ondemand

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/golang/groupcache/singleflight"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Generator names.
const (
	Checkerboard = "checkerboard"
	Mandelbrot   = "mandelbrot"
	External     = "external"
)

// abortPoll is how often a reader waiting on a generation checks its abort flag.
const abortPoll = 100 * time.Millisecond

// Engine returns the registry entry of the on-demand access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in ondemand: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindOnDemand,
		Description: "Blocks synthesized on read",
		Version:     ver,
		New:         New,
	}
}

// CheckerboardSample returns 255 or 0 for a position normalized to [0,1) per axis.
func CheckerboardSample(p [3]float64) float64 {
	const invstep = 5
	xi, yi, zi := int(p[0]*invstep), int(p[1]*invstep), int(p[2]*invstep)
	if xi%2^(yi+1)%2^zi%2 != 0 {
		return 255
	}
	return 0
}

// MandelbrotSample returns the normalized escape time at a position in [0,1) per axis.
func MandelbrotSample(p [3]float64) float64 {
	const (
		scale = 2
		iter  = 48
	)
	cx := 1.3333 * (p[0] - 0.5) * scale
	cy := (p[1] - 0.5) * scale
	x, y := cx, cy
	for i := 0; i < iter; i++ {
		zx, zy := x, y
		x = zx*zx - zy*zy + cx
		y = 2*zx*zy + cy
		if x*x+y*y > 4 {
			return float64(i) / iter
		}
	}
	return 0
}

// Access generates blocks.  It never stores anything.
type Access struct {
	*storage.Base

	generator string
	command   string
	sample    func(p [3]float64) float64
	client    *http.Client
	group     singleflight.Group
}

// New returns an on-demand access for cfg.Generator, checkerboard by default.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase(string(storage.KindOnDemand), info, cfg)
	if err != nil {
		return nil, err
	}
	base.SetReadOnly()
	a := &Access{Base: base, generator: strings.ToLower(strings.TrimSpace(cfg.Generator))}
	switch a.generator {
	case "", Checkerboard:
		a.generator = Checkerboard
		a.sample = CheckerboardSample
	case Mandelbrot:
		a.sample = MandelbrotSample
	case External:
		a.command = strings.TrimSpace(cfg.Command)
		if a.command == "" {
			a.command = strings.TrimSpace(cfg.URL)
		}
		if a.command == "" {
			return nil, fmt.Errorf("External generator needs a command or url: %w", hzvol.ErrValidation)
		}
		a.client = &http.Client{}
	default:
		return nil, fmt.Errorf("Unknown on-demand generator %q: %w", cfg.Generator, hzvol.ErrValidation)
	}
	return a, nil
}

// Generator returns the generator name.
func (a *Access) Generator() string {
	return a.generator
}

// ReadBlock generates the block.  Concurrent reads of one block share a single generation,
// which runs detached from any caller.  Each caller only gives up its own wait on abort.
func (a *Access) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !a.CheckRead(q) {
		return
	}
	a.Async(ctx, q, func() {
		j := job{blockid: q.BlockID, time: q.Time, field: q.Field, samples: q.Samples}
		type result struct {
			v   interface{}
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := a.group.Do(q.Key(), func() (interface{}, error) {
				return a.generate(context.Background(), j)
			})
			done <- result{v, err}
		}()
		ticker := time.NewTicker(abortPoll)
		defer ticker.Stop()
		for {
			select {
			case r := <-done:
				if r.err != nil {
					a.ReadFailed(q, r.err)
					return
				}
				q.Buffer = r.v.(*hzvol.Array).Clone()
				a.ReadOk(q)
				return
			case <-ctx.Done():
				a.ReadFailed(q, fmt.Errorf("Block %d generation abandoned: %v: %w", q.BlockID, ctx.Err(), hzvol.ErrAborted))
				return
			case <-ticker.C:
				if q.Aborted.IsAborted() {
					a.ReadFailed(q, hzvol.ErrAborted)
					return
				}
			}
		}
	})
}

// WriteBlock always fails: generated data is never stored here.
func (a *Access) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	a.CheckWrite(q)
}

// job is what a shared generation needs from the block it fills.
type job struct {
	blockid uint64
	time    float64
	field   hzvol.Field
	samples hzvol.LogicSamples
}

func (a *Access) generate(ctx context.Context, j job) (*hzvol.Array, error) {
	if a.sample == nil {
		return nil, a.convert(ctx, j)
	}
	buf, err := hzvol.NewArray(j.samples.NSamples, j.field.DType)
	if err != nil {
		return nil, err
	}
	box := a.Info().LogicBox
	size := box.Size()
	scaleInts := a.generator == Mandelbrot && !j.field.DType.IsFloat()
	ncomp := j.field.DType.NumComponents()
	var i int64
	hzvol.ForEachPoint(j.samples.Box.P1, j.samples.Box.P2, j.samples.Delta, func(pos hzvol.PointNd) bool {
		var p [3]float64
		for d := 0; d < len(pos) && d < 3; d++ {
			p[d] = float64(pos[d]-box.P1[d]) / float64(size[d])
		}
		v := a.sample(p)
		if scaleInts {
			v = math.Round(v * 255)
		}
		for c := 0; c < ncomp; c++ {
			buf.SetComponent(i, c, v)
		}
		i++
		return true
	})
	return buf, nil
}

// convert runs the external converter and always reports the block as not found.
func (a *Access) convert(ctx context.Context, j job) error {
	tlog := hzvol.NewTimeLog()
	info := a.Info()
	ts := storage.TimeString(j.time)
	if strings.HasPrefix(a.command, "http://") || strings.HasPrefix(a.command, "https://") {
		u, err := url.Parse(a.command)
		if err != nil {
			return fmt.Errorf("Bad converter url %q: %v: %w", a.command, err, hzvol.ErrValidation)
		}
		params := u.Query()
		params.Set("idx", info.URL)
		params.Set("field", j.field.Name)
		params.Set("time", ts)
		params.Set("box", j.samples.Box.String())
		u.RawQuery = params.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("Bad converter request: %v: %w", err, hzvol.ErrValidation)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("Converter %s failed: %v: %w", u, err, hzvol.ErrIO)
		}
		resp.Body.Close()
		tlog.Debugf("Converter %s returned %s\n", u, resp.Status)
	} else {
		cmdline := fmt.Sprintf("%s --idx %s --field %s --time %s --box \"%s\"", a.command, info.URL, j.field.Name, ts, j.samples.Box)
		out, err := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline).CombinedOutput()
		if err != nil {
			return fmt.Errorf("Converter %q failed: %v (%s): %w", cmdline, err, strings.TrimSpace(string(out)), hzvol.ErrIO)
		}
		tlog.Debugf("Converter %q done\n", cmdline)
	}
	return fmt.Errorf("Block %d converted externally, read it from the next access: %w", j.blockid, hzvol.ErrNotFound)
}

// Close does nothing.
func (a *Access) Close() error {
	return nil
}
