package hzvol

import (
	"fmt"
	"strings"
)

const (
	// BitmaskMaxLen bounds a bitmask once any "{...}*" tail has been expanded.
	BitmaskMaxLen = 512

	// MaxAddressBits is the largest max resolution whose HZ addresses fit in a uint64
	// with the extra leading bit the HZ conversion needs.
	MaxAddressBits = 62
)

// Bitmask maps each resolution level H in [1,maxh] to the axis refined at that level.
// It is written as "V" followed by one axis digit per level, e.g. "V0101" for a 4x4 grid,
// optionally ending in a repeated tail "{01}*" used only when upgrading boxes past maxh.
type Bitmask struct {
	pattern  string
	exploded []int // exploded[0] is -1 for the 'V' root
	maxh     int
	pdim     int
	pow2dims PointNd
}

// ParseBitmask parses the textual bitmask form.  An empty or malformed pattern is a
// validation error.
func ParseBitmask(pattern string) (*Bitmask, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("Empty bitmask: %w", ErrValidation)
	}
	if pattern[0] != 'V' {
		return nil, fmt.Errorf("Bitmask %q must start with 'V': %w", pattern, ErrValidation)
	}
	regular, tail := pattern, ""
	if a := strings.Index(pattern, "{"); a >= 0 {
		if !strings.HasSuffix(pattern, "}*") || a+3 > len(pattern) {
			return nil, fmt.Errorf("Bitmask %q has a malformed repeat tail: %w", pattern, ErrValidation)
		}
		regular = pattern[:a]
		tail = pattern[a+1 : len(pattern)-2]
		if tail == "" {
			return nil, fmt.Errorf("Bitmask %q has an empty repeat tail: %w", pattern, ErrValidation)
		}
	}
	b := &Bitmask{pattern: pattern, exploded: []int{-1}}
	for _, c := range regular[1:] {
		bit := int(c - '0')
		if bit < 0 || bit > 9 {
			return nil, fmt.Errorf("Bitmask %q has bad axis character %q: %w", pattern, c, ErrValidation)
		}
		b.exploded = append(b.exploded, bit)
		if bit+1 > b.pdim {
			b.pdim = bit + 1
		}
	}
	b.maxh = len(b.exploded) - 1
	if b.maxh == 0 {
		return nil, fmt.Errorf("Bitmask %q has no levels: %w", pattern, ErrValidation)
	}
	if b.maxh > MaxAddressBits {
		return nil, fmt.Errorf("Bitmask %q has %d levels, only %d supported: %w", pattern, b.maxh, MaxAddressBits, ErrValidation)
	}
	b.pow2dims = NewPoint(b.pdim, 1)
	for _, bit := range b.exploded[1:] {
		b.pow2dims[bit] <<= 1
	}
	for i := 0; tail != "" && len(b.exploded) < BitmaskMaxLen; i++ {
		bit := int(tail[i%len(tail)] - '0')
		if bit < 0 || bit > 9 {
			return nil, fmt.Errorf("Bitmask %q has bad axis character in tail: %w", pattern, ErrValidation)
		}
		if bit+1 > b.pdim {
			return nil, fmt.Errorf("Bitmask %q tail refers to axis %d beyond the regular part: %w", pattern, bit, ErrValidation)
		}
		b.exploded = append(b.exploded, bit)
	}
	return b, nil
}

// MustParseBitmask is like ParseBitmask but panics on error.  Intended for constants in tests.
func MustParseBitmask(pattern string) *Bitmask {
	b, err := ParseBitmask(pattern)
	if err != nil {
		panic(err)
	}
	return b
}

// GuessBitmask returns a bitmask covering dims, each rounded up to a power of two.
// With regular set, the coarsest levels refine the longest axes first so the grid
// becomes isotropic as soon as possible, e.g. V00 0101...  Otherwise axes are refined
// round robin from axis 0 and the leftover axis ends up at the finest levels.
func GuessBitmask(dims PointNd, regular bool) (*Bitmask, error) {
	pdim := len(dims)
	if pdim == 0 {
		return nil, fmt.Errorf("Cannot guess bitmask for 0-d dims: %w", ErrValidation)
	}
	pow2 := make(PointNd, pdim)
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("Cannot guess bitmask for dims %s: %w", dims, ErrValidation)
		}
		pow2[i] = NextPowerOfTwo(d)
	}
	one := NewPoint(pdim, 1)
	var levels []byte
	for !pow2.Equals(one) {
		if regular {
			for d := pdim - 1; d >= 0; d-- {
				if pow2[d] > 1 {
					levels = append(levels, byte('0'+d))
					pow2[d] >>= 1
				}
			}
		} else {
			for d := 0; d < pdim; d++ {
				if pow2[d] > 1 {
					levels = append(levels, byte('0'+d))
					pow2[d] >>= 1
				}
			}
		}
	}
	if regular {
		for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
			levels[i], levels[j] = levels[j], levels[i]
		}
	}
	if len(levels) == 0 {
		// a single sample still needs one level along axis 0
		levels = append(levels, '0')
	}
	return ParseBitmask("V" + string(levels))
}

// NextPowerOfTwo returns the smallest power of two >= v, for v >= 1.
func NextPowerOfTwo(v int64) int64 {
	p := int64(1)
	for p < v {
		p <<= 1
	}
	return p
}

func (b *Bitmask) String() string {
	return b.pattern
}

// MaxResolution returns maxh, the number of levels.
func (b *Bitmask) MaxResolution() int {
	return b.maxh
}

// PointDim returns the number of axes.
func (b *Bitmask) PointDim() int {
	return b.pdim
}

// Pow2Dims returns the power-of-two extent addressed by the regular part.
func (b *Bitmask) Pow2Dims() PointNd {
	return b.pow2dims.Duplicate()
}

// Pow2Box returns [0,Pow2Dims).
func (b *Bitmask) Pow2Box() Box {
	return Box{P1: NewPoint(b.pdim, 0), P2: b.Pow2Dims()}
}

// Len returns the length of the expanded bitmask including the root and any tail.
func (b *Bitmask) Len() int {
	return len(b.exploded)
}

// at returns the axis for level H without checks.  H=0 maps to -1.
func (b *Bitmask) at(H int) int {
	return b.exploded[H]
}

// AxisAtLevel returns the axis refined at level H.  Level 0 holds the single root
// sample and refines no axis, so it returns -1.
func (b *Bitmask) AxisAtLevel(H int) (int, error) {
	if H < 0 || H >= len(b.exploded) {
		return 0, fmt.Errorf("Level %d outside bitmask %s range [0,%d]: %w", H, b.pattern, len(b.exploded)-1, ErrValidation)
	}
	return b.exploded[H], nil
}

// Equals returns true if both bitmasks expand to the same sequence.
func (b *Bitmask) Equals(o *Bitmask) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.maxh != o.maxh || len(b.exploded) != len(o.exploded) {
		return false
	}
	for i := range b.exploded {
		if b.exploded[i] != o.exploded[i] {
			return false
		}
	}
	return true
}

// UpgradeBox grows a box expressed at resolution maxh to resolution H >= maxh by doubling
// the coordinates along each additional level's axis.
func (b *Bitmask) UpgradeBox(box Box, H int) (Box, error) {
	if H < b.maxh || H >= len(b.exploded) {
		return Box{}, fmt.Errorf("Cannot upgrade box to level %d with bitmask %s: %w", H, b.pattern, ErrValidation)
	}
	ret := box.Duplicate()
	for M := b.maxh + 1; M <= H; M++ {
		bit := b.exploded[M]
		ret.P1[bit] <<= 1
		ret.P2[bit] <<= 1
	}
	return ret, nil
}

// Deinterleave recovers per-axis coordinates from the lowest bits of a flat number using the
// finest levels ending at level maxres.  It is used both for Z-order decoding and for legacy
// tiled block addressing where a block number is split over the coarsest axes.
func (b *Bitmask) Deinterleave(z uint64, maxres int) PointNd {
	p := make(PointNd, b.pdim)
	shift := make([]uint, b.pdim)
	for ; z != 0 && maxres > 0; z, maxres = z>>1, maxres-1 {
		bit := b.exploded[maxres]
		if z&1 == 1 {
			p[bit] |= 1 << shift[bit]
		}
		shift[bit]++
	}
	return p
}

// Interleave is the inverse of Deinterleave for points inside Pow2Dims at resolution maxh.
func (b *Bitmask) Interleave(p PointNd) uint64 {
	var z uint64
	q := p.Duplicate()
	maxh := b.maxh
	for shift := uint(0); maxh > 0; shift, maxh = shift+1, maxh-1 {
		bit := b.exploded[maxh]
		z |= uint64(q[bit]&1) << shift
		q[bit] >>= 1
	}
	return z
}
