package hzvol

import (
	. "github.com/janelia-flyem/go/gocheck"
)

type SamplesSuite struct{}

var _ = Suite(&SamplesSuite{})

func (s *SamplesSuite) TestAlign(c *C) {
	c.Assert(AlignLeft(5, 0, 4), Equals, int64(4))
	c.Assert(AlignLeft(-3, 0, 4), Equals, int64(-4))
	c.Assert(AlignRight(5, 0, 4), Equals, int64(8))
	c.Assert(AlignRight(-3, 0, 4), Equals, int64(0))
	c.Assert(AlignRight(8, 0, 4), Equals, int64(8))
	c.Assert(AlignLeft(6, 1, 2), Equals, int64(5))
	c.Assert(IsPowerOfTwo(64), Equals, true)
	c.Assert(IsPowerOfTwo(12), Equals, false)
	c.Assert(Log2(64), Equals, int64(6))
}

func (s *SamplesSuite) TestLogicSamples(c *C) {
	ls := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{2, 4})
	c.Assert(ls.Valid(), Equals, true)
	c.Assert(ls.NSamples, DeepEquals, PointNd{4, 2})
	c.Assert(ls.Shift, DeepEquals, PointNd{1, 2})
	c.Assert(ls.TotalSamples(), Equals, int64(8))
	c.Assert(ls.LogicToPixel(PointNd{4, 4}), DeepEquals, PointNd{2, 1})
	c.Assert(ls.PixelToLogic(PointNd{3, 1}), DeepEquals, PointNd{6, 4})

	aligned := ls.AlignBox(NewBox(PointNd{1, 1}, PointNd{5, 5}))
	c.Assert(aligned, DeepEquals, NewBox(PointNd{2, 4}, PointNd{6, 8}))
	c.Assert(ls.LogicToPixelBox(aligned), DeepEquals, NewBox(PointNd{1, 1}, PointNd{3, 2}))

	// no sample inside
	empty := ls.AlignBox(NewBox(PointNd{1, 1}, PointNd{2, 2}))
	c.Assert(empty.IsFullDim(), Equals, false)
	outside := ls.AlignBox(NewBox(PointNd{20, 20}, PointNd{30, 30}))
	c.Assert(outside.IsFullDim(), Equals, false)

	// the aligned box never exceeds the grid
	big := ls.AlignBox(NewBox(PointNd{-10, -10}, PointNd{100, 100}))
	c.Assert(big, DeepEquals, ls.Box)

	slab := ls.Slab(1, 4, 8)
	c.Assert(slab.Valid(), Equals, true)
	c.Assert(slab.NSamples, DeepEquals, PointNd{4, 1})
	c.Assert(ls.Slab(1, 5, 6).Valid(), Equals, false)

	c.Assert(NewLogicSamples(NewBox(PointNd{0}, PointNd{6}), PointNd{3}).Valid(), Equals, false)
	c.Assert(InvalidLogicSamples().Valid(), Equals, false)
}
