/*
	Package storage defines the Access interface through which queries read and write blocks,
	and the pieces shared by every Access implementation: block requests, statistics, IO
	bracketing, per-block write locks, configuration and the registry of constructors.

	Each Access implementation lives in its own package and registers an Engine:

		reg.Register(storage.Engine{Kind: "badger", Version: ver, New: badger.New})

	Block values are encoded sample arrays.  Each implementation chooses how to compress them
	but must hand back exactly the samples it was given.
*/
package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// IOMode brackets a batch of block requests.
type IOMode uint8

const (
	NoIO    IOMode = 0
	ReadIO  IOMode = 1
	WriteIO IOMode = 2

	ReadWriteIO = ReadIO | WriteIO
)

func (m IOMode) String() string {
	switch m {
	case NoIO:
		return "none"
	case ReadIO:
		return "read"
	case WriteIO:
		return "write"
	case ReadWriteIO:
		return "read/write"
	default:
		return "unknown"
	}
}

// Access reads and writes blocks for one dataset.  ReadBlock and WriteBlock never block the
// caller for I/O; they resolve the passed BlockQuery, possibly from another goroutine.
type Access interface {
	Name() string
	CanRead() bool
	CanWrite() bool
	BitsPerBlock() int

	// BeginIO and EndIO bracket a batch of requests.  Brackets nest.
	BeginIO(mode IOMode)
	EndIO()

	ReadBlock(ctx context.Context, q *BlockQuery)
	WriteBlock(ctx context.Context, q *BlockQuery)

	// AcquireWriteLock serializes read-modify-write cycles on the same block.
	AcquireWriteLock(q *BlockQuery)
	ReleaseWriteLock(q *BlockQuery)

	Statistics() Statistics
	Close() error
}

// DatasetInfo is the read-only part of a dataset an Access needs.
type DatasetInfo struct {
	Bitmask          *hzvol.Bitmask
	LogicBox         hzvol.Box
	Fields           []hzvol.Field
	Timesteps        []float64
	BitsPerBlock     int
	BlocksPerFile    int
	FilenameTemplate string

	// Dir is where relative paths of the dataset resolve.
	Dir string

	// URL locates the dataset descriptor.  It is handed to external block generators.
	URL string
}

// Field returns the named field.
func (info *DatasetInfo) Field(name string) (hzvol.Field, error) {
	for _, f := range info.Fields {
		if f.Name == name {
			return f, nil
		}
	}
	return hzvol.Field{}, fmt.Errorf("No field %q in dataset: %w", name, hzvol.ErrValidation)
}

// HasTime returns true if t is one of the dataset timesteps.
func (info *DatasetInfo) HasTime(t float64) bool {
	if len(info.Timesteps) == 0 {
		return t == 0
	}
	for _, ts := range info.Timesteps {
		if ts == t {
			return true
		}
	}
	return false
}

// TimeString formats a timestep the way it appears in keys and URLs.
func TimeString(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}

// BlockKey returns "field/time/blockid" used by key-value stores.
func BlockKey(field string, t float64, blockid uint64) string {
	return fmt.Sprintf("%s/%s/%016x", field, TimeString(t), blockid)
}
