package hzvol

import "math/bits"

// HZ ordering lays out the samples of a power-of-two grid so that every resolution level
// is a contiguous address range: level 0 is address 0, level H >= 1 holds addresses
// [2^(H-1), 2^H).  Z is the plain bit interleaving of a point at the finest level.

// ZStart returns the first Z address holding a level H sample.
func (b *Bitmask) ZStart(H int) uint64 {
	if H == 0 {
		return 0
	}
	return uint64(1) << uint(b.maxh-H)
}

// ZEnd returns the last Z address holding a level H sample (inclusive).
func (b *Bitmask) ZEnd(H int) uint64 {
	if H == 0 {
		return 0
	}
	return (uint64(1) << uint(b.maxh)) - b.ZStart(H)
}

// ZToHz converts a Z address to its HZ address.
func (b *Bitmask) ZToHz(z uint64) uint64 {
	z |= uint64(1) << uint(b.maxh)
	z >>= uint(bits.TrailingZeros64(z))
	return z >> 1
}

// HzToZ converts an HZ address back to its Z address.
func (b *Bitmask) HzToZ(hz uint64) uint64 {
	lastbit := uint64(1) << uint(b.maxh)
	hz = (hz << 1) | 1
	for hz&lastbit == 0 {
		hz <<= 1
	}
	return hz & (lastbit - 1)
}

// Address returns the HZ address of a logic point inside Pow2Box().
func (b *Bitmask) Address(p PointNd) uint64 {
	return b.ZToHz(b.Interleave(p))
}

// Point returns the logic point at an HZ address.
func (b *Bitmask) Point(hz uint64) PointNd {
	return b.Deinterleave(b.HzToZ(hz), b.maxh)
}

// AddressResolution returns the level H holding the HZ address.
func (b *Bitmask) AddressResolution(hz uint64) int {
	return bits.Len64(hz)
}

// LevelP1 returns the first logic point of level H.
func (b *Bitmask) LevelP1(H int) PointNd {
	if H == 0 {
		return NewPoint(b.pdim, 0)
	}
	return b.Deinterleave(b.ZStart(H), b.maxh)
}

// LevelP2Included returns the last logic point of level H.
func (b *Bitmask) LevelP2Included(H int) PointNd {
	return b.Deinterleave(b.ZEnd(H), b.maxh)
}

// LevelDelta returns the stride between samples belonging only to level H.
func (b *Bitmask) LevelDelta(H int) PointNd {
	delta := NewPoint(b.pdim, 1)
	if H == 0 {
		H = 1
	}
	for K := b.maxh; K >= H; K-- {
		delta[b.exploded[K]] <<= 1
	}
	return delta
}

// LevelSamples returns the grid of samples belonging only to level H.
func (b *Bitmask) LevelSamples(H int) LogicSamples {
	delta := b.LevelDelta(H)
	p1 := b.LevelP1(H)
	p2 := b.LevelP2Included(H).Add(delta)
	return NewLogicSamples(Box{P1: p1, P2: p2}, delta)
}

// FilterStep returns, per axis, the logic extent covered by one filter window of size 2 at
// level H.  Level 0 covers twice the whole grid and each level halves the step of its axis.
func (b *Bitmask) FilterStep(H int) PointNd {
	step := b.Pow2Dims()
	for K := 0; K < H; K++ {
		if K == 0 {
			for i := range step {
				step[i] >>= 1
			}
		} else {
			step[b.exploded[K]] >>= 1
		}
	}
	ret := make(PointNd, b.pdim)
	for i := range step {
		ret[i] = step[i] * 2
		if ret[i] < 1 {
			ret[i] = 1
		}
	}
	return ret
}

// BlockSamples returns the grid of the 2^bitsperblock samples stored in a block.  Block 0
// holds levels [0,bitsperblock], every other block lies inside a single level.
func (b *Bitmask) BlockSamples(blockid uint64, bitsperblock int) LogicSamples {
	hzfrom := blockid << uint(bitsperblock)
	hzto := (blockid + 1) << uint(bitsperblock)
	var delta PointNd
	if hzfrom == 0 {
		delta = b.LevelDelta(bitsperblock)
		delta[b.exploded[bitsperblock]] >>= 1
	} else {
		delta = b.LevelDelta(b.AddressResolution(hzfrom))
	}
	p1 := b.Point(hzfrom)
	p2 := b.Point(hzto - 1).Add(delta)
	return NewLogicSamples(Box{P1: p1, P2: p2}, delta)
}

// BlockResolutionRange returns the levels [hstart,hend] a block contributes samples to.
func (b *Bitmask) BlockResolutionRange(blockid uint64, bitsperblock int) (hstart, hend int) {
	hzfrom := blockid << uint(bitsperblock)
	hzto := (blockid + 1) << uint(bitsperblock)
	return b.AddressResolution(hzfrom), b.AddressResolution(hzto - 1)
}

// TotalBlocks returns the number of blocks addressed at bitsperblock.
func (b *Bitmask) TotalBlocks(bitsperblock int) uint64 {
	if bitsperblock >= b.maxh {
		return 1
	}
	return uint64(1) << uint(b.maxh-bitsperblock)
}
