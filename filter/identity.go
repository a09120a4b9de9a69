package filter

import "github.com/janelia-flyem/hzvol/hzvol"

// identity leaves samples unchanged.  It is useful to exercise the filtered read path.
type identity struct {
	base
}

func newIdentity(dtype hzvol.DType) (Filter, error) {
	return &identity{base{name: "identity", dtype: dtype}}, nil
}

func (f *identity) DirectPair(a, b []byte)  {}
func (f *identity) InversePair(a, b []byte) {}
