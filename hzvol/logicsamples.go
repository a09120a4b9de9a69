package hzvol

import (
	"fmt"
	"math/bits"
)

// AlignLeft returns the largest origin + k*delta that is <= value.
func AlignLeft(value, origin, delta int64) int64 {
	d := value - origin
	if d >= 0 {
		return origin + (d/delta)*delta
	}
	return origin - ((-d+delta-1)/delta)*delta
}

// AlignRight returns the smallest origin + k*delta that is >= value.
func AlignRight(value, origin, delta int64) int64 {
	d := value - origin
	if d >= 0 {
		return origin + ((d+delta-1)/delta)*delta
	}
	return origin - ((-d)/delta)*delta
}

// IsPowerOfTwo returns true for 1, 2, 4, ...
func IsPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

// Log2 returns the base 2 logarithm of a power of two.
func Log2(v int64) int64 {
	return int64(bits.TrailingZeros64(uint64(v)))
}

// LogicSamples is a discrete sampling grid: samples sit at Box.P1 + k*Delta inside Box.
// Every Delta component is a power of two.
type LogicSamples struct {
	Box      Box
	Delta    PointNd
	Shift    PointNd
	NSamples PointNd
}

// NewLogicSamples returns the grid with the given box and stride.  Check Valid() before use.
func NewLogicSamples(box Box, delta PointNd) LogicSamples {
	ls := LogicSamples{Box: box.Duplicate(), Delta: delta.Duplicate()}
	pdim := len(delta)
	ls.Shift = make(PointNd, pdim)
	ls.NSamples = make(PointNd, pdim)
	for i := 0; i < pdim; i++ {
		if delta[i] > 0 {
			ls.Shift[i] = Log2(delta[i])
			if i < box.NumDims() {
				ls.NSamples[i] = (box.P2[i] - box.P1[i]) / delta[i]
			}
		}
	}
	return ls
}

// InvalidLogicSamples returns an empty grid.
func InvalidLogicSamples() LogicSamples {
	return LogicSamples{}
}

// Valid returns true if the grid has at least one sample per axis and power-of-two strides.
func (ls LogicSamples) Valid() bool {
	if !ls.Box.IsFullDim() || len(ls.Delta) != ls.Box.NumDims() {
		return false
	}
	for i, d := range ls.Delta {
		if !IsPowerOfTwo(d) || ls.NSamples[i] <= 0 {
			return false
		}
		if (ls.Box.P2[i]-ls.Box.P1[i])%d != 0 {
			return false
		}
	}
	return true
}

func (ls LogicSamples) NumDims() int {
	return ls.Box.NumDims()
}

// TotalSamples returns the number of samples in the grid.
func (ls LogicSamples) TotalSamples() int64 {
	if len(ls.NSamples) == 0 {
		return 0
	}
	return ls.NSamples.Prod()
}

// PixelToLogic converts a sample index to its logic position.
func (ls LogicSamples) PixelToLogic(p PointNd) PointNd {
	return ls.Box.P1.Add(p.LeftShift(ls.Shift))
}

// LogicToPixel converts a logic position on the grid to a sample index.
func (ls LogicSamples) LogicToPixel(p PointNd) PointNd {
	return p.Sub(ls.Box.P1).RightShift(ls.Shift)
}

// LogicToPixelBox converts an aligned logic box to sample indices.
func (ls LogicSamples) LogicToPixelBox(b Box) Box {
	return Box{P1: ls.LogicToPixel(b.P1), P2: ls.LogicToPixel(b.P2)}
}

// PixelToLogicBox converts a sample index box to logic coordinates.
func (ls LogicSamples) PixelToLogicBox(b Box) Box {
	return Box{P1: ls.PixelToLogic(b.P1), P2: ls.PixelToLogic(b.P2)}
}

// AlignBox intersects b with the grid and snaps both corners onto it.  The result is
// not full-dimensional, rather than an error, when no grid sample falls inside b.
// The result never exceeds the grid box.
func (ls LogicSamples) AlignBox(b Box) Box {
	pdim := ls.NumDims()
	if b.NumDims() != pdim {
		return InvalidBox(pdim)
	}
	ret := ls.Box.Intersect(b)
	if !ret.IsFullDim() {
		return InvalidBox(pdim)
	}
	for i := 0; i < pdim; i++ {
		ret.P1[i] = AlignRight(ret.P1[i], ls.Box.P1[i], ls.Delta[i])
		ret.P2[i] = AlignRight(ret.P2[i], ls.Box.P1[i], ls.Delta[i])
	}
	if !ret.IsFullDim() {
		return InvalidBox(pdim)
	}
	return ret
}

// Slab returns the sub-grid of samples whose logic coordinate along axis lies in [lo,hi).
func (ls LogicSamples) Slab(axis int, lo, hi int64) LogicSamples {
	if axis < 0 || axis >= ls.NumDims() {
		return InvalidLogicSamples()
	}
	aligned := ls.AlignBox(ls.Box.Slab(axis, lo, hi))
	if !aligned.IsFullDim() {
		return InvalidLogicSamples()
	}
	return NewLogicSamples(aligned, ls.Delta)
}

// Equals returns true if both grids have the same box and stride.
func (ls LogicSamples) Equals(o LogicSamples) bool {
	return ls.Box.Equals(o.Box) && ls.Delta.Equals(o.Delta)
}

func (ls LogicSamples) String() string {
	return fmt.Sprintf("box %s delta %s nsamples %s", ls.Box, ls.Delta, ls.NSamples)
}
