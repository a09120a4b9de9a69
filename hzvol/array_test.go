package hzvol

import (
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

type ArraySuite struct{}

var _ = Suite(&ArraySuite{})

func (s *ArraySuite) TestArrayBasics(c *C) {
	a, err := NewArray(PointNd{2, 3}, Float32.WithComponents(3))
	c.Assert(err, IsNil)
	c.Assert(a.Data, HasLen, 2*3*3*4)
	c.Assert(a.Stride(), DeepEquals, PointNd{1, 2})
	c.Assert(a.Index(PointNd{1, 2}), Equals, int64(5))

	a.Fill(1.5)
	for i := int64(0); i < a.TotalSamples(); i++ {
		for comp := 0; comp < 3; comp++ {
			c.Assert(a.Component(i, comp), Equals, 1.5)
		}
	}
	b := a.Clone()
	c.Assert(b.Equals(a), Equals, true)
	b.SetComponent(4, 2, -2)
	c.Assert(b.Component(4, 2), Equals, -2.0)
	c.Assert(b.Equals(a), Equals, false)

	_, err = NewArray(PointNd{2, 0}, Uint8)
	c.Assert(errors.Is(err, ErrValidation), Equals, true)
	_, err = NewArrayFromBytes(PointNd{2, 2}, Uint16, make([]byte, 7))
	c.Assert(errors.Is(err, ErrValidation), Equals, true)
}

func (s *ArraySuite) TestLoadStore(c *C) {
	buf := make([]byte, 8)
	Store[int16](buf, -1234)
	c.Assert(Load[int16](buf), Equals, int16(-1234))
	Store[float64](buf, 3.25)
	c.Assert(Load[float64](buf), Equals, 3.25)
	Store[uint32](buf, 0xdeadbeef)
	c.Assert(Load[uint32](buf), Equals, uint32(0xdeadbeef))
}

func (s *ArraySuite) TestForEachPoint(c *C) {
	var pts []string
	ForEachPoint(PointNd{0, 0}, PointNd{3, 2}, PointNd{1, 1}, func(p PointNd) bool {
		pts = append(pts, p.String())
		return true
	})
	c.Assert(pts, DeepEquals, []string{"(0,0)", "(1,0)", "(2,0)", "(0,1)", "(1,1)", "(2,1)"})

	n := 0
	ForEachPoint(PointNd{0, 0}, PointNd{8, 8}, PointNd{2, 4}, func(p PointNd) bool {
		n++
		return n < 3
	})
	c.Assert(n, Equals, 3)
}

func rampArray(c *C, dims PointNd) *Array {
	a, err := NewArray(dims, Uint8)
	c.Assert(err, IsNil)
	for i := range a.Data {
		a.Data[i] = byte(i)
	}
	return a
}

func (s *ArraySuite) TestInsertCoarseIntoFine(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{1, 1})
	R := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{2, 2})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf, _ := NewArray(R.NSamples, Uint8)
	rbuf.Fill(7)

	c.Assert(InsertSamples(W, wbuf, R, rbuf, nil), IsNil)
	sevens := 0
	ForEachPoint(PointNd{0, 0}, PointNd{8, 8}, PointNd{1, 1}, func(p PointNd) bool {
		v := wbuf.Data[wbuf.Index(p)]
		if p[0]%2 == 0 && p[1]%2 == 0 {
			c.Assert(v, Equals, byte(7))
			sevens++
		} else {
			c.Assert(v, Equals, byte(0))
		}
		return true
	})
	c.Assert(sevens, Equals, 16)
}

func (s *ArraySuite) TestInsertFineIntoCoarse(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{2, 2})
	R := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{1, 1})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf := rampArray(c, R.NSamples)

	c.Assert(InsertSamples(W, wbuf, R, rbuf, nil), IsNil)
	for y := int64(0); y < 4; y++ {
		for x := int64(0); x < 4; x++ {
			c.Assert(wbuf.Data[wbuf.Index(PointNd{x, y})], Equals, rbuf.Data[rbuf.Index(PointNd{2 * x, 2 * y})])
		}
	}
}

func (s *ArraySuite) TestInsertPartialOverlap(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{4, 4}), PointNd{1, 1})
	R := NewLogicSamples(NewBox(PointNd{2, 2}, PointNd{6, 6}), PointNd{1, 1})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf := rampArray(c, R.NSamples)

	c.Assert(InsertSamples(W, wbuf, R, rbuf, nil), IsNil)
	c.Assert(wbuf.Data[wbuf.Index(PointNd{2, 2})], Equals, byte(0))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{3, 2})], Equals, byte(1))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{2, 3})], Equals, byte(4))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{3, 3})], Equals, byte(5))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{1, 1})], Equals, byte(0))
}

func (s *ArraySuite) TestInsertDisjointGrids(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{8, 8}), PointNd{2, 2})
	R := NewLogicSamples(NewBox(PointNd{1, 1}, PointNd{9, 9}), PointNd{2, 2})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf, _ := NewArray(R.NSamples, Uint8)
	rbuf.Fill(9)

	c.Assert(InsertSamples(W, wbuf, R, rbuf, nil), IsNil)
	for _, v := range wbuf.Data {
		c.Assert(v, Equals, byte(0))
	}
}

func (s *ArraySuite) TestInsertErrors(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{4, 4}), PointNd{1, 1})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf, _ := NewArray(W.NSamples, Uint16)
	err := InsertSamples(W, wbuf, W, rbuf, nil)
	c.Assert(errors.Is(err, ErrValidation), Equals, true)

	err = InsertSamples(InvalidLogicSamples(), wbuf, W, wbuf, nil)
	c.Assert(errors.Is(err, ErrValidation), Equals, true)

	aborted := NewAborted()
	aborted.Abort()
	other, _ := NewArray(W.NSamples, Uint8)
	err = InsertSamples(W, wbuf, W, other, aborted)
	c.Assert(errors.Is(err, ErrAborted), Equals, true)
}

func (s *ArraySuite) TestNearestSamples(c *C) {
	W := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{4, 4}), PointNd{1, 1})
	R := NewLogicSamples(NewBox(PointNd{0, 0}, PointNd{4, 4}), PointNd{2, 2})
	wbuf, _ := NewArray(W.NSamples, Uint8)
	rbuf, _ := NewArrayFromBytes(R.NSamples, Uint8, []byte{1, 2, 3, 4})

	c.Assert(NearestSamples(W, wbuf, R, rbuf, nil), IsNil)
	c.Assert(wbuf.Data[wbuf.Index(PointNd{0, 0})], Equals, byte(1))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{1, 0})], Equals, byte(1))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{2, 1})], Equals, byte(2))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{1, 3})], Equals, byte(3))
	c.Assert(wbuf.Data[wbuf.Index(PointNd{3, 3})], Equals, byte(4))
}
