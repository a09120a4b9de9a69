package hzvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Number is any sample component type.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Array is a row-major buffer of samples, axis 0 varying fastest.  Components of a sample
// are interleaved and stored little-endian.
type Array struct {
	Dims  PointNd
	DType DType
	Data  []byte
}

// NewArray allocates a zeroed array.
func NewArray(dims PointNd, dtype DType) (*Array, error) {
	if len(dims) == 0 || !dtype.Valid() {
		return nil, fmt.Errorf("Cannot allocate array with dims %s and dtype %s: %w", dims, dtype, ErrValidation)
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("Cannot allocate array with dims %s: %w", dims, ErrValidation)
		}
	}
	return &Array{
		Dims:  dims.Duplicate(),
		DType: dtype,
		Data:  make([]byte, dtype.ByteSize(dims.Prod())),
	}, nil
}

// NewArrayFromBytes wraps data, which must have exactly the right length.
func NewArrayFromBytes(dims PointNd, dtype DType, data []byte) (*Array, error) {
	if int64(len(data)) != dtype.ByteSize(dims.Prod()) {
		return nil, fmt.Errorf("Got %d bytes for array %s of %s, expected %d: %w",
			len(data), dims, dtype, dtype.ByteSize(dims.Prod()), ErrValidation)
	}
	return &Array{Dims: dims.Duplicate(), DType: dtype, Data: data}, nil
}

// TotalSamples returns the number of samples.
func (a *Array) TotalSamples() int64 {
	return a.Dims.Prod()
}

// Stride returns the sample stride along each axis.
func (a *Array) Stride() PointNd {
	stride := make(PointNd, len(a.Dims))
	s := int64(1)
	for i, d := range a.Dims {
		stride[i] = s
		s *= d
	}
	return stride
}

// Index returns the linear sample index of pixel p.
func (a *Array) Index(p PointNd) int64 {
	var idx, s int64 = 0, 1
	for i, d := range a.Dims {
		idx += p[i] * s
		s *= d
	}
	return idx
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &Array{Dims: a.Dims.Duplicate(), DType: a.DType, Data: data}
}

// Equals returns true if both arrays have the same shape, dtype and bytes.
func (a *Array) Equals(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType && a.Dims.Equals(b.Dims) && bytes.Equal(a.Data, b.Data)
}

// Component returns component c of sample i converted to float64.
func (a *Array) Component(i int64, c int) float64 {
	off := (i*int64(a.DType.NumComponents()) + int64(c)) * int64(a.DType.ComponentBytes())
	return decodeFloat(a.DType, a.Data[off:])
}

// SetComponent stores v, converted to the component type, in component c of sample i.
func (a *Array) SetComponent(i int64, c int, v float64) {
	off := (i*int64(a.DType.NumComponents()) + int64(c)) * int64(a.DType.ComponentBytes())
	encodeFloat(a.DType, a.Data[off:], v)
}

// Fill sets every component of every sample to v.
func (a *Array) Fill(v float64) {
	n := a.DType.SampleBytes()
	if n == 0 || len(a.Data) == 0 {
		return
	}
	for c := 0; c < a.DType.NumComponents(); c++ {
		a.SetComponent(0, c, v)
	}
	for off := n; off < len(a.Data); off *= 2 {
		copy(a.Data[off:], a.Data[:off])
	}
}

func decodeFloat(dt DType, b []byte) float64 {
	switch dt.Component() {
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

func encodeFloat(dt DType, b []byte, v float64) {
	switch dt.Component() {
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = uint8(v)
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// Load decodes one component of type T from b.
func Load[T Number](b []byte) T {
	var v T
	switch p := any(&v).(type) {
	case *int8:
		*p = int8(b[0])
	case *uint8:
		*p = b[0]
	case *int16:
		*p = int16(binary.LittleEndian.Uint16(b))
	case *uint16:
		*p = binary.LittleEndian.Uint16(b)
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(b))
	case *uint32:
		*p = binary.LittleEndian.Uint32(b)
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(b))
	case *uint64:
		*p = binary.LittleEndian.Uint64(b)
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(b))
	case *float64:
		*p = math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return v
}

// Store encodes one component of type T into b.
func Store[T Number](b []byte, v T) {
	switch x := any(v).(type) {
	case int8:
		b[0] = byte(x)
	case uint8:
		b[0] = x
	case int16:
		binary.LittleEndian.PutUint16(b, uint16(x))
	case uint16:
		binary.LittleEndian.PutUint16(b, x)
	case int32:
		binary.LittleEndian.PutUint32(b, uint32(x))
	case uint32:
		binary.LittleEndian.PutUint32(b, x)
	case int64:
		binary.LittleEndian.PutUint64(b, uint64(x))
	case uint64:
		binary.LittleEndian.PutUint64(b, x)
	case float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	}
}

// ForEachPoint calls fn for every point of the lattice from + k*step inside [from,to),
// axis 0 varying fastest.  Iteration stops early if fn returns false.
func ForEachPoint(from, to, step PointNd, fn func(p PointNd) bool) {
	pdim := len(from)
	for i := 0; i < pdim; i++ {
		if from[i] >= to[i] || step[i] <= 0 {
			return
		}
	}
	p := from.Duplicate()
	for {
		if !fn(p) {
			return
		}
		i := 0
		for ; i < pdim; i++ {
			p[i] += step[i]
			if p[i] < to[i] {
				break
			}
			p[i] = from[i]
		}
		if i == pdim {
			return
		}
	}
}

// InsertArray copies the samples of src at rfrom + k*rstep into dst at wfrom + k*wstep.  The
// number of samples per axis is the smaller of the two lattice counts.
func InsertArray(dst *Array, wfrom, wto, wstep PointNd, src *Array, rfrom, rto, rstep PointNd, aborted *Aborted) error {
	if dst.DType != src.DType {
		return fmt.Errorf("Cannot insert %s samples into %s array: %w", src.DType, dst.DType, ErrValidation)
	}
	pdim := len(dst.Dims)
	count := make(PointNd, pdim)
	for i := 0; i < pdim; i++ {
		if wstep[i] <= 0 || rstep[i] <= 0 {
			return fmt.Errorf("Non-positive step inserting samples: %w", ErrValidation)
		}
		nw := (wto[i] - wfrom[i] + wstep[i] - 1) / wstep[i]
		nr := (rto[i] - rfrom[i] + rstep[i] - 1) / rstep[i]
		count[i] = nw
		if nr < nw {
			count[i] = nr
		}
		if count[i] <= 0 {
			return nil
		}
		if wfrom[i] < 0 || wfrom[i]+(count[i]-1)*wstep[i] >= dst.Dims[i] ||
			rfrom[i] < 0 || rfrom[i]+(count[i]-1)*rstep[i] >= src.Dims[i] {
			return fmt.Errorf("Insert region outside of array bounds: %w", ErrValidation)
		}
	}
	sampleBytes := int64(dst.DType.SampleBytes())
	wstride, rstride := dst.Stride(), src.Stride()

	// the inner axis 0 loop is a single copy when both sides are contiguous
	contiguous := wstep[0] == 1 && rstep[0] == 1
	outerTo := count.Duplicate()
	outerTo[0] = 1
	var err error
	ForEachPoint(NewPoint(pdim, 0), outerTo, NewPoint(pdim, 1), func(k PointNd) bool {
		if aborted.IsAborted() {
			err = ErrAborted
			return false
		}
		var woff, roff int64
		for i := 0; i < pdim; i++ {
			woff += (wfrom[i] + k[i]*wstep[i]) * wstride[i]
			roff += (rfrom[i] + k[i]*rstep[i]) * rstride[i]
		}
		if contiguous {
			n := count[0] * sampleBytes
			copy(dst.Data[woff*sampleBytes:woff*sampleBytes+n], src.Data[roff*sampleBytes:roff*sampleBytes+n])
			return true
		}
		for j := int64(0); j < count[0]; j++ {
			w := (woff + j*wstep[0]) * sampleBytes
			r := (roff + j*rstep[0]) * sampleBytes
			copy(dst.Data[w:w+sampleBytes], src.Data[r:r+sampleBytes])
		}
		return true
	})
	return err
}

// InsertSamples copies every sample that lies on both grids from R into W.  It returns nil
// without copying when the grids share no sample.
func InsertSamples(W LogicSamples, Wbuf *Array, R LogicSamples, Rbuf *Array, aborted *Aborted) error {
	if !W.Valid() || !R.Valid() {
		return fmt.Errorf("Cannot insert samples between invalid grids: %w", ErrValidation)
	}
	if Wbuf.DType != Rbuf.DType || !Wbuf.Dims.Equals(W.NSamples) || !Rbuf.Dims.Equals(R.NSamples) {
		return fmt.Errorf("Buffers %s/%s and %s/%s do not match their grids %s and %s: %w",
			Wbuf.Dims, Wbuf.DType, Rbuf.Dims, Rbuf.DType, W.NSamples, R.NSamples, ErrValidation)
	}
	box := W.Box.Intersect(R.Box)
	if !box.IsFullDim() {
		return nil
	}
	pdim := W.NumDims()
	delta := make(PointNd, pdim)
	for d := 0; d < pdim; d++ {
		// nested power-of-two grids: the common grid has the coarser stride
		lcm := W.Delta[d]
		if R.Delta[d] > lcm {
			lcm = R.Delta[d]
		}
		p1, p2 := box.P1[d], box.P2[d]
		p1 = AlignRight(p1, W.Box.P1[d], W.Delta[d])
		p1 = AlignRight(p1, R.Box.P1[d], R.Delta[d])
		if p1 >= p2 || (p1-W.Box.P1[d])%W.Delta[d] != 0 {
			return nil
		}
		delta[d] = lcm
		box.P1[d] = p1
		box.P2[d] = AlignRight(p2, p1, lcm)
	}
	wfrom, wto, wstep := W.LogicToPixel(box.P1), W.LogicToPixel(box.P2), delta.RightShift(W.Shift)
	rfrom, rto, rstep := R.LogicToPixel(box.P1), R.LogicToPixel(box.P2), delta.RightShift(R.Shift)
	wto, rto = wto.Min(Wbuf.Dims), rto.Min(Rbuf.Dims)
	return InsertArray(Wbuf, wfrom, wto, wstep, Rbuf, rfrom, rto, rstep, aborted)
}

// NearestSamples fills every W sample with the nearest R sample at or before it, clamped to
// the R grid.  It is used to forward-project a coarse buffer onto a finer grid.
func NearestSamples(W LogicSamples, Wbuf *Array, R LogicSamples, Rbuf *Array, aborted *Aborted) error {
	if !W.Valid() || !R.Valid() || Wbuf.DType != Rbuf.DType {
		return fmt.Errorf("Cannot interpolate between mismatched grids: %w", ErrValidation)
	}
	pdim := W.NumDims()
	sampleBytes := int64(Wbuf.DType.SampleBytes())
	// per-axis lookup of the source pixel for each destination pixel
	lookup := make([][]int64, pdim)
	for d := 0; d < pdim; d++ {
		lookup[d] = make([]int64, Wbuf.Dims[d])
		for x := int64(0); x < Wbuf.Dims[d]; x++ {
			logic := W.Box.P1[d] + (x << uint(W.Shift[d]))
			r := (logic - R.Box.P1[d]) >> uint(R.Shift[d])
			if logic < R.Box.P1[d] {
				r = 0
			}
			if r >= Rbuf.Dims[d] {
				r = Rbuf.Dims[d] - 1
			}
			lookup[d][x] = r
		}
	}
	rstride := Rbuf.Stride()
	var err error
	var widx int64
	ForEachPoint(NewPoint(pdim, 0), Wbuf.Dims, NewPoint(pdim, 1), func(p PointNd) bool {
		if p[0] == 0 && aborted.IsAborted() {
			err = ErrAborted
			return false
		}
		var ridx int64
		for d := 0; d < pdim; d++ {
			ridx += lookup[d][p[d]] * rstride[d]
		}
		copy(Wbuf.Data[widx*sampleBytes:(widx+1)*sampleBytes], Rbuf.Data[ridx*sampleBytes:(ridx+1)*sampleBytes])
		widx++
		return true
	})
	return err
}
