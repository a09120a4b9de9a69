/*
	Package filter implements the reversible pairwise transforms applied level by level to the
	samples of a field.  At level H every sample refined along bitmask[H] is paired with its
	coarser neighbor; the direct transform rewrites the pair so the coarse sample stays
	representative, and the inverse transform restores both samples exactly.
*/
package filter

import (
	"fmt"
	"strings"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// Size is the number of samples in one filter window.
const Size = 2

// Filter transforms one pair of samples in place.  a and b each hold one full sample.
type Filter interface {
	Name() string
	DType() hzvol.DType

	// NeedExtraComponent is true if the last component of each sample is reserved for
	// filter bookkeeping, e.g., swap or sign bits.
	NeedExtraComponent() bool

	DirectPair(a, b []byte)
	InversePair(a, b []byte)
}

type base struct {
	name  string
	dtype hzvol.DType
	extra bool
}

func (b base) Name() string { return b.name }
func (b base) DType() hzvol.DType { return b.dtype }
func (b base) NeedExtraComponent() bool { return b.extra }
func (b base) componentBytes() int { return b.dtype.ComponentBytes() }
func (b base) numComponents() int { return b.dtype.NumComponents() }
func (b base) lastOffset() int { return (b.numComponents() - 1) * b.componentBytes() }
func (b base) offset(component int) int { return component * b.componentBytes() }

// New returns the filter with the given name for samples of dtype.
func New(name string, dtype hzvol.DType) (Filter, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("Cannot create filter %q for invalid dtype: %w", name, hzvol.ErrValidation)
	}
	switch strings.TrimSpace(name) {
	case "identity", "IdentityFilter":
		return newIdentity(dtype)
	case "min", "MinFilter":
		return newMinMax(dtype, true)
	case "max", "MaxFilter":
		return newMinMax(dtype, false)
	case "wavelet", "dehaar":
		if dtype.IsFloat() {
			return newContinuousDeHaar(dtype)
		}
		return newDiscreteDeHaar(dtype)
	case "discretedehaar", "DeHaarDiscreteFilter":
		return newDiscreteDeHaar(dtype)
	case "continuousdehaar", "DeHaarContinuousFilter":
		return newContinuousDeHaar(dtype)
	default:
		return nil, fmt.Errorf("Unknown filter %q: %w", name, hzvol.ErrValidation)
	}
}

// Step returns the logic extent per axis of one filter window at level H.
func Step(bitmask *hzvol.Bitmask, H int) hzvol.PointNd {
	return bitmask.FilterStep(H)
}

// AdjustBox grows a box so that every filter window at level H touching it is complete.  The
// result is clipped to domain.
func AdjustBox(bitmask *hzvol.Bitmask, box hzvol.Box, H int, domain hzvol.Box) hzvol.Box {
	box = box.Intersect(domain)
	if !box.IsFullDim() {
		return box
	}
	step := bitmask.FilterStep(H)
	for D := range step {
		FS := step[D]
		if FS == 1 {
			continue
		}
		box.P1[D] = hzvol.AlignLeft(box.P1[D], 0, FS)
		box.P2[D] = hzvol.AlignLeft(box.P2[D]-1, 0, FS) + FS
	}
	return box.Intersect(domain)
}

// Apply runs the direct or inverse transform of level H over every complete window held in
// buf, whose samples sit on the passed grid.  Samples outside domain are never touched and an
// incomplete trailing window is left as is.
func Apply(f Filter, buf *hzvol.Array, samples hzvol.LogicSamples, bitmask *hzvol.Bitmask, H int,
	domain hzvol.Box, inverse bool, aborted *hzvol.Aborted) error {

	if H == 0 {
		return nil
	}
	if buf.DType != f.DType() {
		return fmt.Errorf("Filter %s for %s cannot run on %s samples: %w", f.Name(), f.DType(), buf.DType, hzvol.ErrValidation)
	}
	if !buf.Dims.Equals(samples.NSamples) {
		return fmt.Errorf("Buffer %s does not match grid %s: %w", buf.Dims, samples, hzvol.ErrValidation)
	}
	bit, err := bitmask.AxisAtLevel(H)
	if err != nil {
		return err
	}
	if buf.Dims[bit] < Size {
		return nil
	}
	filterstep := bitmask.FilterStep(H)
	box := samples.Box.Intersect(domain)
	if !box.IsFullDim() {
		return nil
	}
	for D := range filterstep {
		FS := filterstep[D]
		if FS == 1 {
			continue
		}
		p1incl := hzvol.AlignLeft(box.P1[D], 0, FS)
		p2incl := hzvol.AlignLeft(box.P2[D]-1, 0, FS)
		// the whole window must be available along the filtered axis
		if D == bit {
			p2incl += FS - FS/Size
		}
		if p1incl < box.P1[D] {
			p1incl += FS
		}
		if p2incl >= box.P2[D] {
			p2incl -= FS
		}
		box.P1[D] = p1incl
		box.P2[D] = p2incl + samples.Delta[D]
	}
	if !box.IsFullDim() {
		return nil
	}

	from := samples.LogicToPixel(box.P1)
	to := samples.LogicToPixel(box.P2)
	step := filterstep.RightShift(samples.Shift)

	FROM, TO, STEP := from[bit], to[bit], step[bit]
	to[bit] = FROM + 1
	step[bit] = 1

	sampleBytes := int64(buf.DType.SampleBytes())
	stride := buf.Stride()
	window := STEP * stride[bit] * sampleBytes
	next := window / Size

	apply := func(loc hzvol.PointNd) bool {
		if aborted.IsAborted() {
			err = hzvol.ErrAborted
			return false
		}
		va := buf.Index(loc) * sampleBytes
		vb := va + next
		for LOC := FROM; LOC < TO; LOC, va, vb = LOC+STEP, va+window, vb+window {
			a := buf.Data[va : va+sampleBytes]
			b := buf.Data[vb : vb+sampleBytes]
			if inverse {
				f.InversePair(a, b)
			} else {
				f.DirectPair(a, b)
			}
		}
		return true
	}
	hzvol.ForEachPoint(from, to, step, apply)
	return err
}
