// Package multiplex chains accesses, fastest first.  A read tries each readable child in turn
// and, once one succeeds, caches the block in every earlier writable child.  A write goes to
// every writable child.
package multiplex

import (
	"context"
	"errors"
	"fmt"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Engine returns the registry entry of the multiplex access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in multiplex: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindMultiplex,
		Description: "Ordered fallback chain with write-back",
		Version:     ver,
		New:         New,
	}
}

// Multiplex is an Access over an ordered list of children.
type Multiplex struct {
	*storage.Base
	children []storage.Access
}

// New builds every child of cfg through reg.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	if len(cfg.Children) == 0 {
		return nil, fmt.Errorf("Multiplex access needs at least one child: %w", hzvol.ErrValidation)
	}
	if reg == nil {
		return nil, fmt.Errorf("Multiplex access needs a registry to build children: %w", hzvol.ErrValidation)
	}
	base, err := storage.NewBase(string(storage.KindMultiplex), info, cfg)
	if err != nil {
		return nil, err
	}
	m := &Multiplex{Base: base}
	for _, childCfg := range cfg.Children {
		child, err := reg.New(info, childCfg)
		if err != nil {
			m.Close()
			return nil, err
		}
		if child.BitsPerBlock() != base.BitsPerBlock() {
			child.Close()
			m.Close()
			return nil, fmt.Errorf("Multiplex child %q has %d bits per block, expected %d: %w",
				child.Name(), child.BitsPerBlock(), base.BitsPerBlock(), hzvol.ErrValidation)
		}
		m.children = append(m.children, child)
	}
	return m, nil
}

// Children returns the chain, fastest first.
func (m *Multiplex) Children() []storage.Access {
	return m.children
}

func run(ctx context.Context, child storage.Access, q *storage.BlockQuery) error {
	child.BeginIO(q.Mode)
	defer child.EndIO()
	if q.Mode == storage.ReadIO {
		child.ReadBlock(ctx, q)
	} else {
		child.WriteBlock(ctx, q)
	}
	return q.Wait(ctx)
}

func (m *Multiplex) childQuery(q *storage.BlockQuery, mode storage.IOMode) *storage.BlockQuery {
	dw := storage.NewBlockQuery(m.Info(), q.Field, q.Time, q.BlockID, mode, q.Aborted)
	if mode == storage.WriteIO {
		dw.Buffer = q.Buffer
	}
	return dw
}

// ReadBlock tries each readable child in order.
func (m *Multiplex) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !m.CheckRead(q) {
		return
	}
	m.Async(ctx, q, func() {
		if err := m.read(ctx, q); err != nil {
			m.ReadFailed(q, err)
			return
		}
		m.ReadOk(q)
	})
}

func (m *Multiplex) read(ctx context.Context, q *storage.BlockQuery) error {
	var failure error
	for index, child := range m.children {
		if !child.CanRead() {
			continue
		}
		if q.Aborted.IsAborted() {
			return hzvol.ErrAborted
		}
		dw := m.childQuery(q, storage.ReadIO)
		err := run(ctx, child, dw)
		if err != nil {
			if failure == nil || (errors.Is(failure, hzvol.ErrNotFound) && !errors.Is(err, hzvol.ErrNotFound)) {
				failure = err
			}
			continue
		}
		q.Buffer = dw.Buffer
		m.writeBack(ctx, q, index)
		return nil
	}
	if failure == nil {
		failure = fmt.Errorf("No readable child in multiplex %q: %w", m.Name(), hzvol.ErrValidation)
	}
	return failure
}

// writeBack caches a block read from children[index] in every earlier writable child.  Cache
// failures do not fail the read.
func (m *Multiplex) writeBack(ctx context.Context, q *storage.BlockQuery, index int) {
	for i := index - 1; i >= 0; i-- {
		child := m.children[i]
		if !child.CanWrite() {
			continue
		}
		if err := run(ctx, child, m.childQuery(q, storage.WriteIO)); err != nil {
			hzvol.Debugf("Multiplex %q could not cache block %d in %q: %v\n", m.Name(), q.BlockID, child.Name(), err)
		}
	}
}

// WriteBlock writes to every writable child.
func (m *Multiplex) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !m.CheckWrite(q) {
		return
	}
	m.Async(ctx, q, func() {
		var failure error
		written := 0
		for _, child := range m.children {
			if !child.CanWrite() {
				continue
			}
			if err := run(ctx, child, m.childQuery(q, storage.WriteIO)); err != nil && failure == nil {
				failure = err
			}
			written++
		}
		if failure == nil && written == 0 {
			failure = fmt.Errorf("No writable child in multiplex %q: %w", m.Name(), hzvol.ErrValidation)
		}
		if failure != nil {
			m.WriteFailed(q, failure)
			return
		}
		m.WriteOk(q)
	})
}

// Close closes every child and returns the first error.
func (m *Multiplex) Close() error {
	var first error
	for _, child := range m.children {
		if err := child.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
