package hzvol

import (
	"fmt"
	"strconv"
	"strings"
)

// Box is an axis-aligned integer region [P1,P2) with P2 >= P1 componentwise.
type Box struct {
	P1, P2 PointNd
}

// NewBox returns a box copying the passed corners.
func NewBox(p1, p2 PointNd) Box {
	return Box{P1: p1.Duplicate(), P2: p2.Duplicate()}
}

// InvalidBox returns a box that is not valid for any dimension.
func InvalidBox(pdim int) Box {
	return Box{P1: NewPoint(pdim, 0), P2: NewPoint(pdim, -1)}
}

func (b Box) NumDims() int {
	return len(b.P1)
}

// Valid returns true if both corners have the same dimension and P2 >= P1.
func (b Box) Valid() bool {
	return len(b.P1) > 0 && len(b.P1) == len(b.P2) && b.P2.AllGreaterOrEqual(b.P1)
}

// IsFullDim returns true if the box has non-zero extent along every axis.
func (b Box) IsFullDim() bool {
	return len(b.P1) > 0 && len(b.P1) == len(b.P2) && b.P1.AllLess(b.P2)
}

// Size returns P2-P1.
func (b Box) Size() PointNd {
	return b.P2.Sub(b.P1)
}

// Duplicate returns a deep copy.
func (b Box) Duplicate() Box {
	return NewBox(b.P1, b.P2)
}

// Intersect returns the overlap of two boxes, which may be invalid or not full-dimensional.
func (b Box) Intersect(o Box) Box {
	return Box{P1: b.P1.Max(o.P1), P2: b.P2.Min(o.P2)}
}

// StrictIntersect returns true if the two boxes share a full-dimensional region.
func (b Box) StrictIntersect(o Box) bool {
	return b.Intersect(o).IsFullDim()
}

// Union returns the smallest box containing both.  An invalid operand is ignored.
func (b Box) Union(o Box) Box {
	if !b.Valid() {
		return o.Duplicate()
	}
	if !o.Valid() {
		return b.Duplicate()
	}
	return Box{P1: b.P1.Min(o.P1), P2: b.P2.Max(o.P2)}
}

// ContainsPoint returns true if P1 <= p < P2.
func (b Box) ContainsPoint(p PointNd) bool {
	return p.AllGreaterOrEqual(b.P1) && p.AllLess(b.P2)
}

// ContainsBox returns true if o lies entirely inside b.
func (b Box) ContainsBox(o Box) bool {
	return o.P1.AllGreaterOrEqual(b.P1) && b.P2.AllGreaterOrEqual(o.P2)
}

// Translate returns the box moved by offset.
func (b Box) Translate(offset PointNd) Box {
	return Box{P1: b.P1.Add(offset), P2: b.P2.Add(offset)}
}

// Slab returns the box restricted to [lo,hi) along axis, clipped to the receiver.
func (b Box) Slab(axis int, lo, hi int64) Box {
	ret := b.Duplicate()
	if lo > ret.P1[axis] {
		ret.P1[axis] = lo
	}
	if hi < ret.P2[axis] {
		ret.P2[axis] = hi
	}
	return ret
}

// Equals returns true if both corners match.
func (b Box) Equals(o Box) bool {
	return b.P1.Equals(o.P1) && b.P2.Equals(o.P2)
}

// String returns the box as "x1 x2 y1 y2 ...", the same form accepted by ParseBox.
func (b Box) String() string {
	parts := make([]string, 0, 2*len(b.P1))
	for i := range b.P1 {
		parts = append(parts, strconv.FormatInt(b.P1[i], 10), strconv.FormatInt(b.P2[i], 10))
	}
	return strings.Join(parts, " ")
}

// ParseBox parses "x1 x2 y1 y2 ..." where the upper bounds are exclusive.  Commas may be
// used instead of spaces.
func ParseBox(s string) (Box, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) == 0 || len(fields)%2 != 0 {
		return Box{}, fmt.Errorf("Box %q must have an even, non-zero number of values: %w", s, ErrValidation)
	}
	pdim := len(fields) / 2
	b := Box{P1: make(PointNd, pdim), P2: make(PointNd, pdim)}
	for i := 0; i < pdim; i++ {
		lo, err := strconv.ParseInt(fields[2*i], 10, 64)
		if err != nil {
			return Box{}, fmt.Errorf("Bad box %q: %v: %w", s, err, ErrValidation)
		}
		hi, err := strconv.ParseInt(fields[2*i+1], 10, 64)
		if err != nil {
			return Box{}, fmt.Errorf("Bad box %q: %v: %w", s, err, ErrValidation)
		}
		b.P1[i], b.P2[i] = lo, hi
	}
	if !b.Valid() {
		return Box{}, fmt.Errorf("Box %q has an upper bound below its lower bound: %w", s, ErrValidation)
	}
	return b, nil
}
