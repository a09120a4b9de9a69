package hzvol

import (
	"fmt"
	"strconv"
	"strings"
)

// PointNd is a slice of N 64-bit signed integers used for logic and pixel coordinates.
type PointNd []int64

// NewPoint returns an n-dimensional point with every component set to value.
func NewPoint(n int, value int64) PointNd {
	p := make(PointNd, n)
	for i := range p {
		p[i] = value
	}
	return p
}

// NumDims returns the dimensionality of this point.
func (p PointNd) NumDims() int {
	return len(p)
}

// Value returns the point's value for the specified dimension without checking dim bounds.
func (p PointNd) Value(dim int) int64 {
	return p[dim]
}

// CheckedValue returns the point's value for the specified dimension and checks dim bounds.
func (p PointNd) CheckedValue(dim int) (int64, error) {
	if dim < 0 || dim >= len(p) {
		return 0, fmt.Errorf("Cannot return dimension %d of %d-d point!", dim, len(p))
	}
	return p[dim], nil
}

// Duplicate returns a copy of the point.
func (p PointNd) Duplicate() PointNd {
	nd := make(PointNd, len(p))
	copy(nd, p)
	return nd
}

// AddScalar adds a scalar value to this point.
func (p PointNd) AddScalar(value int64) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] + value
	}
	return result
}

// Add returns the addition of two points.
func (p PointNd) Add(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] + p2[i]
	}
	return result
}

// Sub returns the subtraction of the passed point from the receiver.
func (p PointNd) Sub(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] - p2[i]
	}
	return result
}

// Mod returns a point where each component is the receiver modulo the passed point's components.
func (p PointNd) Mod(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] % p2[i]
	}
	return result
}

// Div returns the division of the receiver by the passed point.
func (p PointNd) Div(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] / p2[i]
	}
	return result
}

// Mult returns the component-wise multiplication of the receiver by the passed point.
func (p PointNd) Mult(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] * p2[i]
	}
	return result
}

// And returns the component-wise bitwise and with a mask point.
func (p PointNd) And(mask PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] & mask[i]
	}
	return result
}

// LeftShift shifts each component left by the matching shift component.
func (p PointNd) LeftShift(shift PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] << uint(shift[i])
	}
	return result
}

// RightShift shifts each component right by the matching shift component.
func (p PointNd) RightShift(shift PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		result[i] = p[i] >> uint(shift[i])
	}
	return result
}

// Max returns a point where each of its elements are the maximum of two points' elements.
func (p PointNd) Max(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		if p[i] < p2[i] {
			result[i] = p2[i]
		} else {
			result[i] = p[i]
		}
	}
	return result
}

// Min returns a point where each of its elements are the minimum of two points' elements.
func (p PointNd) Min(p2 PointNd) PointNd {
	result := make(PointNd, len(p))
	for i := range p {
		if p[i] > p2[i] {
			result[i] = p2[i]
		} else {
			result[i] = p[i]
		}
	}
	return result
}

// Prod returns the product of all components, e.g., the number of samples of a size.
func (p PointNd) Prod() int64 {
	prod := int64(1)
	for _, val := range p {
		prod *= val
	}
	return prod
}

// Equals returns true if both points have the same dimensionality and values.
func (p PointNd) Equals(p2 PointNd) bool {
	if len(p) != len(p2) {
		return false
	}
	for i := range p {
		if p[i] != p2[i] {
			return false
		}
	}
	return true
}

// AllGreaterOrEqual returns true if every component of p is >= the matching one in p2.
func (p PointNd) AllGreaterOrEqual(p2 PointNd) bool {
	for i := range p {
		if p[i] < p2[i] {
			return false
		}
	}
	return true
}

// AllLess returns true if every component of p is < the matching one in p2.
func (p PointNd) AllLess(p2 PointNd) bool {
	for i := range p {
		if p[i] >= p2[i] {
			return false
		}
	}
	return true
}

func (p PointNd) String() string {
	output := "("
	for _, val := range p {
		if len(output) > 1 {
			output += ","
		}
		output += strconv.FormatInt(val, 10)
	}
	output += ")"
	return output
}

// StringToPoint parses a string of format "%d<sep>%d<sep>%d,..." into a point.
func StringToPoint(str, separator string) (PointNd, error) {
	elems := strings.Split(strings.TrimSpace(str), separator)
	if len(elems) == 0 || (len(elems) == 1 && elems[0] == "") {
		return nil, fmt.Errorf("Cannot convert '%s' into a point.", str)
	}
	p := make(PointNd, len(elems))
	for i, elem := range elems {
		v, err := strconv.ParseInt(strings.TrimSpace(elem), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Cannot parse '%s' into a point: %v", str, err)
		}
		p[i] = v
	}
	return p, nil
}
