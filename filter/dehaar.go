package filter

import (
	"fmt"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// discreteDeHaar stores the integer average in the coarse sample and the absolute difference
// in the fine sample.  Sign bits of the differences go in the last component of the fine sample.
type discreteDeHaar[T uint8 | uint16] struct {
	base
}

func newDiscreteDeHaar(dtype hzvol.DType) (Filter, error) {
	ncomp := dtype.NumComponents()
	if ncomp < 2 || ncomp-1 > dtype.BitSize() {
		return nil, fmt.Errorf("Discrete dehaar needs between 2 and %d components, dtype %s has %d: %w",
			dtype.BitSize()+1, dtype, ncomp, hzvol.ErrValidation)
	}
	b := base{name: "dehaar", dtype: dtype, extra: true}
	switch dtype.Component() {
	case hzvol.Uint8:
		return &discreteDeHaar[uint8]{b}, nil
	case hzvol.Uint16:
		return &discreteDeHaar[uint16]{b}, nil
	}
	return nil, fmt.Errorf("Discrete dehaar does not support dtype %s: %w", dtype, hzvol.ErrValidation)
}

func (f *discreteDeHaar[T]) DirectPair(a, b []byte) {
	var sign uint64
	for N := 0; N < f.numComponents()-1; N++ {
		off := f.offset(N)
		va, vb := int32(hzvol.Load[T](a[off:])), int32(hzvol.Load[T](b[off:]))
		low := (va + vb) >> 1
		high := va - vb
		if high < 0 {
			high = -high
			sign |= 1 << uint(N)
		}
		hzvol.Store(a[off:], T(low))
		hzvol.Store(b[off:], T(high))
	}
	last := f.lastOffset()
	hzvol.Store(a[last:], T(0))
	hzvol.Store(b[last:], T(sign))
}

func (f *discreteDeHaar[T]) InversePair(a, b []byte) {
	last := f.lastOffset()
	sign := uint64(hzvol.Load[T](b[last:]))
	for N := 0; N < f.numComponents()-1; N++ {
		off := f.offset(N)
		low, high := int32(hzvol.Load[T](a[off:])), int32(hzvol.Load[T](b[off:]))
		signed := high
		if sign&(1<<uint(N)) != 0 {
			signed = -high
		}
		twice := (low << 1) + (high & 1)
		hzvol.Store(a[off:], T((twice+signed)>>1))
		hzvol.Store(b[off:], T((twice-signed)>>1))
	}
	hzvol.Store(a[last:], T(0))
	hzvol.Store(b[last:], T(0))
}

// continuousDeHaar transforms float components through their bit patterns.  A pattern maps to
// an ordered integer key, and the pair keys go through an integer lifting step: the fine sample
// holds the key difference and the coarse sample the float whose key is the midpoint.  Wrapping
// arithmetic keeps the step exactly reversible for every bit pattern, NaNs and infinities
// included.  Every component is transformed and none is reserved.
type continuousDeHaar[S int32 | int64] struct {
	base
	bits uint
}

func newContinuousDeHaar(dtype hzvol.DType) (Filter, error) {
	b := base{name: "dehaar", dtype: dtype}
	switch dtype.Component() {
	case hzvol.Float32:
		return &continuousDeHaar[int32]{b, 32}, nil
	case hzvol.Float64:
		return &continuousDeHaar[int64]{b, 64}, nil
	}
	return nil, fmt.Errorf("Continuous dehaar does not support dtype %s: %w", dtype, hzvol.ErrValidation)
}

// key maps a float bit pattern to an integer with the same order.  It is its own inverse.
func (f *continuousDeHaar[S]) key(s S) S {
	mag := S(1)<<(f.bits-1) - 1
	return s ^ ((s >> (f.bits - 1)) & mag)
}

func (f *continuousDeHaar[S]) DirectPair(a, b []byte) {
	for N := 0; N < f.numComponents(); N++ {
		off := f.offset(N)
		ka, kb := f.key(hzvol.Load[S](a[off:])), f.key(hzvol.Load[S](b[off:]))
		high := ka - kb
		low := kb + high>>1
		hzvol.Store(a[off:], f.key(low))
		hzvol.Store(b[off:], high)
	}
}

func (f *continuousDeHaar[S]) InversePair(a, b []byte) {
	for N := 0; N < f.numComponents(); N++ {
		off := f.offset(N)
		low, high := f.key(hzvol.Load[S](a[off:])), hzvol.Load[S](b[off:])
		kb := low - high>>1
		ka := high + kb
		hzvol.Store(a[off:], f.key(ka))
		hzvol.Store(b[off:], f.key(kb))
	}
}
