package hzvol

import (
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

type BitmaskSuite struct{}

var _ = Suite(&BitmaskSuite{})

func (s *BitmaskSuite) TestParse(c *C) {
	b, err := ParseBitmask("V0101")
	c.Assert(err, IsNil)
	c.Assert(b.MaxResolution(), Equals, 4)
	c.Assert(b.PointDim(), Equals, 2)
	c.Assert(b.Pow2Dims(), DeepEquals, PointNd{4, 4})
	c.Assert(b.String(), Equals, "V0101")

	axis, err := b.AxisAtLevel(0)
	c.Assert(err, IsNil)
	c.Assert(axis, Equals, -1)
	axis, err = b.AxisAtLevel(2)
	c.Assert(err, IsNil)
	c.Assert(axis, Equals, 1)
	_, err = b.AxisAtLevel(5)
	c.Assert(errors.Is(err, ErrValidation), Equals, true)

	for _, bad := range []string{"", "0101", "V", "V0{}*", "V01{2}*", "V0a1"} {
		_, err = ParseBitmask(bad)
		c.Assert(errors.Is(err, ErrValidation), Equals, true, Commentf("bitmask %q", bad))
	}
}

func (s *BitmaskSuite) TestRepeatTail(c *C) {
	b := MustParseBitmask("V01{01}*")
	c.Assert(b.MaxResolution(), Equals, 2)
	c.Assert(b.Len(), Equals, BitmaskMaxLen)

	up, err := b.UpgradeBox(NewBox(PointNd{0, 0}, PointNd{2, 2}), 4)
	c.Assert(err, IsNil)
	c.Assert(up, DeepEquals, NewBox(PointNd{0, 0}, PointNd{4, 4}))

	_, err = b.UpgradeBox(NewBox(PointNd{0, 0}, PointNd{2, 2}), 1)
	c.Assert(err, NotNil)
}

func (s *BitmaskSuite) TestGuess(c *C) {
	b, err := GuessBitmask(PointNd{4, 4}, true)
	c.Assert(err, IsNil)
	c.Assert(b.String(), Equals, "V0101")

	b, err = GuessBitmask(PointNd{3, 4}, false)
	c.Assert(err, IsNil)
	c.Assert(b.String(), Equals, "V0101")

	b, err = GuessBitmask(PointNd{8, 2}, true)
	c.Assert(err, IsNil)
	c.Assert(b.String(), Equals, "V0001")

	b, err = GuessBitmask(PointNd{8, 2}, false)
	c.Assert(err, IsNil)
	c.Assert(b.String(), Equals, "V0100")
	c.Assert(b.Pow2Dims(), DeepEquals, PointNd{8, 2})

	b, err = GuessBitmask(PointNd{2, 4, 8}, false)
	c.Assert(err, IsNil)
	c.Assert(b.String(), Equals, "V012122")

	_, err = GuessBitmask(PointNd{4, 0}, true)
	c.Assert(err, NotNil)
}

func (s *BitmaskSuite) TestAddressRoundTrip(c *C) {
	for _, pattern := range []string{"V0101", "V0011", "V012012", "V10"} {
		b := MustParseBitmask(pattern)
		dims := b.Pow2Dims()
		seen := make(map[uint64]bool)
		ForEachPoint(NewPoint(b.PointDim(), 0), dims, NewPoint(b.PointDim(), 1), func(p PointNd) bool {
			hz := b.Address(p)
			c.Assert(b.Point(hz), DeepEquals, p, Commentf("bitmask %s point %s", pattern, p))
			c.Assert(b.HzToZ(b.ZToHz(b.Interleave(p))), Equals, b.Interleave(p))
			seen[hz] = true
			return true
		})
		c.Assert(len(seen), Equals, int(dims.Prod()))
		for hz := range seen {
			c.Assert(hz < uint64(dims.Prod()), Equals, true)
		}
	}
}

func (s *BitmaskSuite) TestLevels(c *C) {
	b := MustParseBitmask("V0101")
	c.Assert(b.LevelDelta(0), DeepEquals, PointNd{4, 4})
	c.Assert(b.LevelDelta(1), DeepEquals, PointNd{4, 4})
	c.Assert(b.LevelDelta(2), DeepEquals, PointNd{2, 4})
	c.Assert(b.LevelDelta(4), DeepEquals, PointNd{1, 2})
	c.Assert(b.LevelP1(1), DeepEquals, PointNd{2, 0})
	c.Assert(b.LevelP1(2), DeepEquals, PointNd{0, 2})
	c.Assert(b.LevelP2Included(2), DeepEquals, PointNd{2, 2})

	// every level holds 2^(H-1) samples and every HZ address lies on its level's grid
	var total int64
	for H := 0; H <= b.MaxResolution(); H++ {
		n := b.LevelSamples(H).TotalSamples()
		if H == 0 {
			c.Assert(n, Equals, int64(1))
		} else {
			c.Assert(n, Equals, int64(1)<<uint(H-1))
		}
		total += n
	}
	c.Assert(total, Equals, int64(16))

	for hz := uint64(0); hz < 16; hz++ {
		p := b.Point(hz)
		level := b.LevelSamples(b.AddressResolution(hz))
		c.Assert(level.Box.ContainsPoint(p), Equals, true)
		c.Assert(p.Sub(level.Box.P1).Mod(level.Delta), DeepEquals, PointNd{0, 0})
	}
}

func (s *BitmaskSuite) TestMonotonicRefinement(c *C) {
	// the stride of a level's samples halves along bitmask[H] when stepping to level H+1
	b := MustParseBitmask("V012012")
	for H := 1; H < b.MaxResolution(); H++ {
		coarse := b.LevelDelta(H)
		fine := b.LevelDelta(H + 1)
		axis, _ := b.AxisAtLevel(H)
		for d := range coarse {
			if d == axis {
				c.Assert(fine[d]*2, Equals, coarse[d])
			} else {
				c.Assert(fine[d], Equals, coarse[d])
			}
		}
	}
}

func (s *BitmaskSuite) TestFilterStep(c *C) {
	b := MustParseBitmask("V0101")
	c.Assert(b.FilterStep(0), DeepEquals, PointNd{8, 8})
	c.Assert(b.FilterStep(1), DeepEquals, PointNd{4, 4})
	c.Assert(b.FilterStep(2), DeepEquals, PointNd{2, 4})
	c.Assert(b.FilterStep(3), DeepEquals, PointNd{2, 2})
	c.Assert(b.FilterStep(4), DeepEquals, PointNd{1, 2})
}

func (s *BitmaskSuite) TestBlocks(c *C) {
	b := MustParseBitmask("V0101")
	c.Assert(b.TotalBlocks(2), Equals, uint64(4))

	block0 := b.BlockSamples(0, 2)
	c.Assert(block0.Box, DeepEquals, NewBox(PointNd{0, 0}, PointNd{4, 4}))
	c.Assert(block0.Delta, DeepEquals, PointNd{2, 2})
	c.Assert(block0.TotalSamples(), Equals, int64(4))
	hstart, hend := b.BlockResolutionRange(0, 2)
	c.Assert(hstart, Equals, 0)
	c.Assert(hend, Equals, 2)

	block1 := b.BlockSamples(1, 2)
	c.Assert(block1.Box, DeepEquals, NewBox(PointNd{1, 0}, PointNd{5, 4}))
	c.Assert(block1.Delta, DeepEquals, PointNd{2, 2})
	hstart, hend = b.BlockResolutionRange(1, 2)
	c.Assert(hstart, Equals, 3)
	c.Assert(hend, Equals, 3)

	// every block holds exactly 2^bpb samples and the samples of all blocks cover the grid once
	covered := make(map[string]int)
	for blockid := uint64(0); blockid < b.TotalBlocks(2); blockid++ {
		ls := b.BlockSamples(blockid, 2)
		c.Assert(ls.Valid(), Equals, true)
		c.Assert(ls.TotalSamples(), Equals, int64(4))
		ForEachPoint(ls.Box.P1, ls.Box.P2, ls.Delta, func(p PointNd) bool {
			covered[p.String()]++
			return true
		})
	}
	c.Assert(covered, HasLen, 16)
	for _, n := range covered {
		c.Assert(n, Equals, 1)
	}
}
