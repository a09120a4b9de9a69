package hzvol

import (
	"fmt"
	"strconv"
	"strings"
)

// Layout of samples inside a stored block.
const LayoutRowMajor = "rowmajor"

// Field is one named variable stored in a dataset.
type Field struct {
	Name         string  `json:"name"`
	DType        DType   `json:"dtype"`
	Compression  string  `json:"compression,omitempty"`
	Filter       string  `json:"filter,omitempty"`
	DefaultValue float64 `json:"default_value,omitempty"`
	Layout       string  `json:"layout,omitempty"`
}

// NewField returns a raw, unfiltered row-major field.
func NewField(name string, dtype DType) Field {
	return Field{Name: name, DType: dtype, Layout: LayoutRowMajor}
}

// Valid returns true if the field has a name and a usable dtype.
func (f Field) Valid() bool {
	return f.Name != "" && f.DType.Valid()
}

// DefaultCompression returns the parsed per-field compression.
func (f Field) DefaultCompression() (Compression, error) {
	return ParseCompression(f.Compression)
}

// ParseField parses "name dtype [compressed(codec)] [filter(name)] [default_value(v)]
// [layout(name)]".
func ParseField(s string) (Field, error) {
	tokens := strings.Fields(s)
	if len(tokens) < 2 {
		return Field{}, fmt.Errorf("Field %q needs at least a name and a dtype: %w", s, ErrValidation)
	}
	dtype, err := ParseDType(tokens[1])
	if err != nil {
		return Field{}, err
	}
	f := NewField(tokens[0], dtype)
	for _, tok := range tokens[2:] {
		open, close := strings.Index(tok, "("), strings.LastIndex(tok, ")")
		if open < 0 || close != len(tok)-1 {
			return Field{}, fmt.Errorf("Bad field option %q in %q: %w", tok, s, ErrValidation)
		}
		key, value := tok[:open], tok[open+1:close]
		switch key {
		case "compressed", "compression":
			if _, err := ParseCompression(value); err != nil {
				return Field{}, err
			}
			f.Compression = value
		case "filter":
			f.Filter = value
		case "default_value":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Field{}, fmt.Errorf("Bad default value %q in field %q: %w", value, s, ErrValidation)
			}
			f.DefaultValue = v
		case "layout", "format":
			if value != LayoutRowMajor && value != "0" {
				return Field{}, fmt.Errorf("Unsupported layout %q in field %q: %w", value, s, ErrValidation)
			}
			f.Layout = LayoutRowMajor
		default:
			return Field{}, fmt.Errorf("Unknown field option %q in %q: %w", key, s, ErrValidation)
		}
	}
	return f, nil
}

func (f Field) String() string {
	var sb strings.Builder
	sb.WriteString(f.Name + " " + f.DType.String())
	if f.Compression != "" {
		sb.WriteString(" compressed(" + f.Compression + ")")
	}
	if f.Filter != "" {
		sb.WriteString(" filter(" + f.Filter + ")")
	}
	if f.DefaultValue != 0 {
		sb.WriteString(" default_value(" + strconv.FormatFloat(f.DefaultValue, 'g', -1, 64) + ")")
	}
	return sb.String()
}
