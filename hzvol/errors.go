package hzvol

import (
	"errors"
	"sync/atomic"
)

// Error taxonomy shared by queries and storage.  Callers test with errors.Is since
// specific failures wrap one of these.
var (
	// ErrValidation is returned for a bad field, time, region, or resolution.  Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means a block or region is absent.  Other blocks of a query still merge.
	ErrNotFound = errors.New("not found")

	// ErrIO is a transport or disk failure.
	ErrIO = errors.New("i/o error")

	// ErrAborted is returned once the cooperative abort flag has been raised.
	ErrAborted = errors.New("aborted")

	// ErrTerminal is returned when an operation is attempted on a query that already finished.
	ErrTerminal = errors.New("query already in terminal state")
)

// Aborted is a flag shared by a query and every block request spawned from it.
// The zero value is not aborted.  It must not be copied after first use.
type Aborted struct {
	flag int32
}

// NewAborted returns a fresh, unraised abort flag.
func NewAborted() *Aborted {
	return &Aborted{}
}

// Abort raises the flag.  It is safe to call many times from any goroutine.
func (a *Aborted) Abort() {
	if a != nil {
		atomic.StoreInt32(&a.flag, 1)
	}
}

// IsAborted returns true once Abort has been called.
func (a *Aborted) IsAborted() bool {
	return a != nil && atomic.LoadInt32(&a.flag) != 0
}
