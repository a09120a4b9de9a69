package filter

import (
	"fmt"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// minMax keeps the min (or max) of each pair in the coarse sample and the other value in the
// fine sample.  The last component of the fine sample records which components were swapped.
type minMax[T hzvol.Number] struct {
	base
	isMin bool
}

func newMinMax(dtype hzvol.DType, isMin bool) (Filter, error) {
	name := "max"
	if isMin {
		name = "min"
	}
	ncomp := dtype.NumComponents()
	if ncomp < 2 {
		return nil, fmt.Errorf("Filter %s needs an extra component, dtype %s has %d: %w", name, dtype, ncomp, hzvol.ErrValidation)
	}
	// swap bits must round trip through the last component
	capacity := dtype.BitSize()
	switch dtype.Component() {
	case hzvol.Float32:
		capacity = 24
	case hzvol.Float64:
		capacity = 53
	}
	if ncomp-1 > capacity {
		return nil, fmt.Errorf("Filter %s cannot track %d swap bits in %s: %w", name, ncomp-1, dtype.Component(), hzvol.ErrValidation)
	}
	b := base{name: name, dtype: dtype, extra: true}
	switch dtype.Component() {
	case hzvol.Int8:
		return &minMax[int8]{b, isMin}, nil
	case hzvol.Uint8:
		return &minMax[uint8]{b, isMin}, nil
	case hzvol.Int16:
		return &minMax[int16]{b, isMin}, nil
	case hzvol.Uint16:
		return &minMax[uint16]{b, isMin}, nil
	case hzvol.Int32:
		return &minMax[int32]{b, isMin}, nil
	case hzvol.Uint32:
		return &minMax[uint32]{b, isMin}, nil
	case hzvol.Int64:
		return &minMax[int64]{b, isMin}, nil
	case hzvol.Uint64:
		return &minMax[uint64]{b, isMin}, nil
	case hzvol.Float32:
		return &minMax[float32]{b, isMin}, nil
	case hzvol.Float64:
		return &minMax[float64]{b, isMin}, nil
	}
	return nil, fmt.Errorf("Filter %s does not support dtype %s: %w", name, dtype, hzvol.ErrValidation)
}

func (f *minMax[T]) DirectPair(a, b []byte) {
	var swapped uint64
	for N := 0; N < f.numComponents()-1; N++ {
		off := f.offset(N)
		va, vb := hzvol.Load[T](a[off:]), hzvol.Load[T](b[off:])
		keep, other := va, vb
		if (f.isMin && vb < va) || (!f.isMin && vb > va) {
			keep, other = vb, va
			swapped |= 1 << uint(N)
		}
		hzvol.Store(a[off:], keep)
		hzvol.Store(b[off:], other)
	}
	last := f.lastOffset()
	hzvol.Store(a[last:], T(0))
	hzvol.Store(b[last:], T(swapped))
}

func (f *minMax[T]) InversePair(a, b []byte) {
	last := f.lastOffset()
	swapped := uint64(hzvol.Load[T](b[last:]))
	for N := 0; N < f.numComponents()-1; N++ {
		if swapped&(1<<uint(N)) == 0 {
			continue
		}
		off := f.offset(N)
		va, vb := hzvol.Load[T](a[off:]), hzvol.Load[T](b[off:])
		hzvol.Store(a[off:], vb)
		hzvol.Store(b[off:], va)
	}
	hzvol.Store(a[last:], T(0))
	hzvol.Store(b[last:], T(0))
}
