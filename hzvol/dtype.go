package hzvol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the numeric family of a sample component.
type Kind uint8

const (
	IntKind Kind = iota
	UintKind
	FloatKind
)

func (k Kind) String() string {
	switch k {
	case IntKind:
		return "int"
	case UintKind:
		return "uint"
	case FloatKind:
		return "float"
	default:
		return "unknown"
	}
}

// DType describes one sample: a component kind and bit width repeated NumComponents times.
type DType struct {
	kind  Kind
	bits  int
	ncomp int
}

var (
	Int8    = DType{IntKind, 8, 1}
	Uint8   = DType{UintKind, 8, 1}
	Int16   = DType{IntKind, 16, 1}
	Uint16  = DType{UintKind, 16, 1}
	Int32   = DType{IntKind, 32, 1}
	Uint32  = DType{UintKind, 32, 1}
	Int64   = DType{IntKind, 64, 1}
	Uint64  = DType{UintKind, 64, 1}
	Float32 = DType{FloatKind, 32, 1}
	Float64 = DType{FloatKind, 64, 1}
)

// ParseDType parses forms like "uint8", "3*uint8", "uint8[3]", "float32".
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	ncomp := 1
	if i := strings.Index(s, "*"); i >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[:i]))
		if err != nil || n < 1 {
			return DType{}, fmt.Errorf("Bad component count in dtype %q: %w", s, ErrValidation)
		}
		ncomp = n
		s = strings.TrimSpace(s[i+1:])
	} else if i := strings.Index(s, "["); i >= 0 && strings.HasSuffix(s, "]") {
		n, err := strconv.Atoi(s[i+1 : len(s)-1])
		if err != nil || n < 1 {
			return DType{}, fmt.Errorf("Bad component count in dtype %q: %w", s, ErrValidation)
		}
		ncomp = n
		s = s[:i]
	}
	var dt DType
	switch s {
	case "int8":
		dt = Int8
	case "uint8":
		dt = Uint8
	case "int16":
		dt = Int16
	case "uint16":
		dt = Uint16
	case "int32":
		dt = Int32
	case "uint32":
		dt = Uint32
	case "int64":
		dt = Int64
	case "uint64":
		dt = Uint64
	case "float32":
		dt = Float32
	case "float64":
		dt = Float64
	default:
		return DType{}, fmt.Errorf("Unknown dtype %q: %w", s, ErrValidation)
	}
	dt.ncomp = ncomp
	return dt, nil
}

// MustParseDType is like ParseDType but panics on error.
func MustParseDType(s string) DType {
	dt, err := ParseDType(s)
	if err != nil {
		panic(err)
	}
	return dt
}

// Valid returns true for a parsed, non-zero dtype.
func (dt DType) Valid() bool {
	return dt.bits > 0 && dt.ncomp > 0
}

func (dt DType) Kind() Kind {
	return dt.kind
}

// BitSize returns the number of bits of a single component.
func (dt DType) BitSize() int {
	return dt.bits
}

func (dt DType) NumComponents() int {
	return dt.ncomp
}

// Component returns the single-component dtype.
func (dt DType) Component() DType {
	return DType{dt.kind, dt.bits, 1}
}

// WithComponents returns the same component type repeated n times.
func (dt DType) WithComponents(n int) DType {
	return DType{dt.kind, dt.bits, n}
}

// IsVectorOf returns true if every component has the passed single-component type.
func (dt DType) IsVectorOf(component DType) bool {
	return dt.kind == component.kind && dt.bits == component.bits
}

func (dt DType) IsFloat() bool {
	return dt.kind == FloatKind
}

func (dt DType) IsUnsigned() bool {
	return dt.kind == UintKind
}

// ComponentBytes returns the bytes of one component.
func (dt DType) ComponentBytes() int {
	return dt.bits / 8
}

// SampleBytes returns the bytes of one sample with all components.
func (dt DType) SampleBytes() int {
	return dt.ncomp * dt.bits / 8
}

// ByteSize returns the bytes needed for n samples.
func (dt DType) ByteSize(n int64) int64 {
	return n * int64(dt.SampleBytes())
}

func (dt DType) String() string {
	if !dt.Valid() {
		return "invalid"
	}
	base := fmt.Sprintf("%s%d", dt.kind, dt.bits)
	if dt.ncomp == 1 {
		return base
	}
	return fmt.Sprintf("%d*%s", dt.ncomp, base)
}

// MarshalText writes the dtype in its string form.
func (dt DType) MarshalText() ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("Cannot marshal invalid dtype: %w", ErrValidation)
	}
	return []byte(dt.String()), nil
}

// UnmarshalText parses any form accepted by ParseDType.
func (dt *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}
