package filter

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/janelia-flyem/hzvol/hzvol"
)

func makeSamples(t *testing.T, b *hzvol.Bitmask, dims hzvol.PointNd, dtype hzvol.DType, extra bool) (hzvol.LogicSamples, *hzvol.Array) {
	samples := hzvol.NewLogicSamples(hzvol.NewBox(hzvol.NewPoint(len(dims), 0), dims), hzvol.NewPoint(len(dims), 1))
	arr, err := hzvol.NewArray(samples.NSamples, dtype)
	if err != nil {
		t.Fatalf("Couldn't allocate array: %v\n", err)
	}
	ncomp := dtype.NumComponents()
	if extra {
		ncomp--
	}
	for i := int64(0); i < arr.TotalSamples(); i++ {
		for c := 0; c < ncomp; c++ {
			v := float64((i*37+int64(c)*11)%23) - 11
			if dtype.IsUnsigned() {
				v += 11
			}
			arr.SetComponent(i, c, v)
		}
	}
	return samples, arr
}

func applyAll(t *testing.T, f Filter, arr *hzvol.Array, samples hzvol.LogicSamples, b *hzvol.Bitmask, domain hzvol.Box, inverse bool) {
	if inverse {
		for H := 1; H <= b.MaxResolution(); H++ {
			if err := Apply(f, arr, samples, b, H, domain, true, nil); err != nil {
				t.Fatalf("Inverse filter at H %d failed: %v\n", H, err)
			}
		}
		return
	}
	for H := b.MaxResolution(); H >= 1; H-- {
		if err := Apply(f, arr, samples, b, H, domain, false, nil); err != nil {
			t.Fatalf("Direct filter at H %d failed: %v\n", H, err)
		}
	}
}

func TestMinMaxScenario(t *testing.T) {
	b := hzvol.MustParseBitmask("V000")
	dtype := hzvol.Uint8.WithComponents(2)
	input := []uint8{5, 0, 3, 0, 8, 0, 1, 0, 7, 0, 7, 0, 2, 0, 9, 0}
	for _, name := range []string{"min", "max"} {
		f, err := New(name, dtype)
		if err != nil {
			t.Fatalf("Couldn't create %s filter: %v\n", name, err)
		}
		if !f.NeedExtraComponent() {
			t.Errorf("Expected %s filter to reserve a component\n", name)
		}
		data := make([]byte, len(input))
		copy(data, input)
		arr, err := hzvol.NewArrayFromBytes(hzvol.PointNd{8}, dtype, data)
		if err != nil {
			t.Fatal(err)
		}
		samples := hzvol.NewLogicSamples(hzvol.NewBox(hzvol.PointNd{0}, hzvol.PointNd{8}), hzvol.PointNd{1})
		domain := samples.Box

		applyAll(t, f, arr, samples, b, domain, false)
		expected := uint8(1)
		if name == "max" {
			expected = 9
		}
		if arr.Data[0] != expected {
			t.Errorf("Expected coarsest %s sample %d, got %d\n", name, expected, arr.Data[0])
		}
		applyAll(t, f, arr, samples, b, domain, true)
		if !bytes.Equal(arr.Data, input) {
			t.Errorf("Filter %s not invertible: got %v, expected %v\n", name, arr.Data, input)
		}
	}
}

func TestInvertibleAllTypes(t *testing.T) {
	b := hzvol.MustParseBitmask("V01010")
	dims := hzvol.PointNd{8, 4}
	type testCase struct {
		name  string
		dtype hzvol.DType
	}
	var cases []testCase
	for _, dt := range []hzvol.DType{hzvol.Int8, hzvol.Uint8, hzvol.Int16, hzvol.Uint16, hzvol.Int32,
		hzvol.Uint32, hzvol.Int64, hzvol.Uint64, hzvol.Float32, hzvol.Float64} {
		cases = append(cases,
			testCase{"identity", dt},
			testCase{"min", dt.WithComponents(3)},
			testCase{"max", dt.WithComponents(2)})
	}
	cases = append(cases,
		testCase{"dehaar", hzvol.Uint8.WithComponents(2)},
		testCase{"wavelet", hzvol.Uint16.WithComponents(4)},
		testCase{"dehaar", hzvol.Float32},
		testCase{"continuousdehaar", hzvol.Float64.WithComponents(2)})

	for _, tc := range cases {
		f, err := New(tc.name, tc.dtype)
		if err != nil {
			t.Fatalf("Couldn't create filter %s for %s: %v\n", tc.name, tc.dtype, err)
		}
		samples, arr := makeSamples(t, b, dims, tc.dtype, f.NeedExtraComponent())
		original := arr.Clone()
		applyAll(t, f, arr, samples, b, samples.Box, false)
		if tc.name != "identity" && arr.Equals(original) {
			t.Errorf("Filter %s on %s did not change samples\n", tc.name, tc.dtype)
		}
		applyAll(t, f, arr, samples, b, samples.Box, true)
		if !arr.Equals(original) {
			t.Errorf("Filter %s on %s is not invertible\n", tc.name, tc.dtype)
		}
	}
}

func TestDeHaarPair(t *testing.T) {
	f, err := New("dehaar", hzvol.Uint8.WithComponents(2))
	if err != nil {
		t.Fatal(err)
	}
	pairs := [][2]uint8{{0, 255}, {255, 0}, {3, 1}, {2, 1}, {1, 2}, {100, 100}}
	for _, p := range pairs {
		a, b := []byte{p[0], 0}, []byte{p[1], 0}
		f.DirectPair(a, b)
		low := (int(p[0]) + int(p[1])) >> 1
		if int(a[0]) != low {
			t.Errorf("Pair %v: expected average %d, got %d\n", p, low, a[0])
		}
		f.InversePair(a, b)
		if a[0] != p[0] || b[0] != p[1] || a[1] != 0 || b[1] != 0 {
			t.Errorf("Pair %v: got back (%v, %v)\n", p, a, b)
		}
	}
}

func TestOddTrailingSample(t *testing.T) {
	b := hzvol.MustParseBitmask("V000")
	dtype := hzvol.Uint8.WithComponents(2)
	f, err := New("max", dtype)
	if err != nil {
		t.Fatal(err)
	}
	arr, _ := hzvol.NewArrayFromBytes(hzvol.PointNd{8}, dtype, []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0, 42, 0, 0, 0})
	samples := hzvol.NewLogicSamples(hzvol.NewBox(hzvol.PointNd{0}, hzvol.PointNd{8}), hzvol.PointNd{1})
	domain := hzvol.NewBox(hzvol.PointNd{0}, hzvol.PointNd{7})

	if err := Apply(f, arr, samples, b, 3, domain, false, nil); err != nil {
		t.Fatal(err)
	}
	if arr.Data[12] != 42 || arr.Data[13] != 0 {
		t.Errorf("Sample outside complete windows was modified: %v\n", arr.Data)
	}
	if arr.Data[0] != 2 || arr.Data[2] != 1 || arr.Data[3] != 1 {
		t.Errorf("Expected first pair swapped with swap bit set, got %v\n", arr.Data[:4])
	}
}

func TestNewErrors(t *testing.T) {
	bad := []struct {
		name  string
		dtype hzvol.DType
	}{
		{"min", hzvol.Uint8},
		{"max", hzvol.Uint8.WithComponents(10)},
		{"dehaar", hzvol.Int16.WithComponents(2)},
		{"discretedehaar", hzvol.Float32.WithComponents(2)},
		{"continuousdehaar", hzvol.Uint8},
		{"median", hzvol.Uint8},
	}
	for _, tc := range bad {
		if _, err := New(tc.name, tc.dtype); !errors.Is(err, hzvol.ErrValidation) {
			t.Errorf("Expected validation error for filter %s on %s, got %v\n", tc.name, tc.dtype, err)
		}
	}
}

func TestAdjustBox(t *testing.T) {
	b := hzvol.MustParseBitmask("V0101")
	domain := hzvol.NewBox(hzvol.PointNd{0, 0}, hzvol.PointNd{4, 4})
	// filter step at level 4 is (1,2): windows along y are [0,2) and [2,4)
	got := AdjustBox(b, hzvol.NewBox(hzvol.PointNd{1, 1}, hzvol.PointNd{2, 2}), 4, domain)
	want := hzvol.NewBox(hzvol.PointNd{1, 0}, hzvol.PointNd{2, 2})
	if !got.Equals(want) {
		t.Errorf("Expected adjusted box %s, got %s\n", want, got)
	}
	got = AdjustBox(b, hzvol.NewBox(hzvol.PointNd{1, 1}, hzvol.PointNd{2, 2}), 1, domain)
	if !got.Equals(domain) {
		t.Errorf("Expected level 1 adjusted box to be the domain, got %s\n", got)
	}
	if !Step(b, 4).Equals(hzvol.PointNd{1, 2}) {
		t.Errorf("Bad filter step %s\n", Step(b, 4))
	}
}

func TestContinuousDeHaarExact(t *testing.T) {
	f32, err := New("dehaar", hzvol.Float32)
	if err != nil {
		t.Fatal(err)
	}
	pairs32 := [][2]float32{
		{1, 1e-30}, {1e-30, 1}, {3, 1}, {0.1, 0.7}, {-2.5, 1e20}, {math.MaxFloat32, -math.MaxFloat32},
		{float32(math.Inf(1)), 0}, {float32(math.Copysign(0, -1)), 0}, {float32(math.NaN()), 5},
	}
	for _, p := range pairs32 {
		a, b := make([]byte, 4), make([]byte, 4)
		hzvol.Store(a, p[0])
		hzvol.Store(b, p[1])
		wantA, wantB := append([]byte{}, a...), append([]byte{}, b...)
		f32.DirectPair(a, b)
		if lo, hi := float64(p[0]), float64(p[1]); lo > 0 && hi > 0 {
			if lo > hi {
				lo, hi = hi, lo
			}
			if c := float64(hzvol.Load[float32](a)); c < lo || c > hi {
				t.Errorf("Pair %v: coarse sample %g outside the pair\n", p, c)
			}
		}
		f32.InversePair(a, b)
		if !bytes.Equal(a, wantA) || !bytes.Equal(b, wantB) {
			t.Errorf("Pair %v: got back (%g, %g)\n", p, hzvol.Load[float32](a), hzvol.Load[float32](b))
		}
	}

	b := hzvol.MustParseBitmask("V0101")
	f64, err := New("dehaar", hzvol.Float64)
	if err != nil {
		t.Fatal(err)
	}
	samples, arr := makeSamples(t, b, hzvol.PointNd{4, 4}, hzvol.Float64, false)
	for i := int64(0); i < arr.TotalSamples(); i++ {
		v := math.Pow(10, float64(i%40-20)) * (1 + float64(i)/3)
		if i%3 == 0 {
			v = -v
		}
		arr.SetComponent(i, 0, v)
	}
	original := arr.Clone()
	applyAll(t, f64, arr, samples, b, samples.Box, false)
	applyAll(t, f64, arr, samples, b, samples.Box, true)
	if !bytes.Equal(arr.Data, original.Data) {
		t.Fatalf("Float64 dehaar of widely scaled values is not exactly invertible\n")
	}
}
