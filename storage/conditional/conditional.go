// Package conditional forwards block requests to a target access only for blocks whose HZ
// range satisfies one of a list of conditions.  Other reads are reported not found.
package conditional

import (
	"context"
	"fmt"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Engine returns the registry entry of the conditional access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in conditional: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindConditional,
		Description: "HZ range filter in front of another access",
		Version:     ver,
		New:         New,
	}
}

// Normalize fills the defaults of a condition: Step is To-From and Full is Step.
func Normalize(c storage.Condition) storage.Condition {
	if c.Step == 0 {
		c.Step = c.To - c.From
	}
	if c.Full == 0 {
		c.Full = c.Step
	}
	return c
}

// PassThrough returns true if [from,to) lies in [c.From+K*c.Step, c.From+K*c.Step+c.Full) for
// some K, with that window inside [c.From,c.To), for any of the conditions.
func PassThrough(conditions []storage.Condition, from, to uint64) bool {
	for _, c := range conditions {
		if c.Step == 0 {
			continue
		}
		k := (int64(from) - int64(c.From)) / int64(c.Step)
		alignedFrom := int64(c.From) + k*int64(c.Step)
		alignedTo := alignedFrom + int64(c.Full)
		if alignedFrom >= int64(c.From) && alignedTo <= int64(c.To) &&
			int64(from) >= alignedFrom && int64(to) <= alignedTo {
			return true
		}
	}
	return false
}

// Conditional is an Access guarding a target.
type Conditional struct {
	*storage.Base

	target     storage.Access
	conditions []storage.Condition
}

// New builds the single child of cfg as target.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	if len(cfg.Children) != 1 {
		return nil, fmt.Errorf("Conditional access needs exactly one target access, got %d: %w", len(cfg.Children), hzvol.ErrValidation)
	}
	if reg == nil {
		return nil, fmt.Errorf("Conditional access needs a registry to build its target: %w", hzvol.ErrValidation)
	}
	base, err := storage.NewBase(string(storage.KindConditional), info, cfg)
	if err != nil {
		return nil, err
	}
	target, err := reg.New(info, cfg.Children[0])
	if err != nil {
		return nil, err
	}
	c := &Conditional{Base: base, target: target}
	for _, cond := range cfg.Conditions {
		c.conditions = append(c.conditions, Normalize(cond))
	}
	return c, nil
}

// Target returns the guarded access.
func (c *Conditional) Target() storage.Access {
	return c.target
}

func (c *Conditional) CanRead() bool  { return c.Base.CanRead() && c.target.CanRead() }
func (c *Conditional) CanWrite() bool { return c.Base.CanWrite() && c.target.CanWrite() }

func (c *Conditional) passes(q *storage.BlockQuery) bool {
	bpb := uint(c.BitsPerBlock())
	return PassThrough(c.conditions, q.BlockID<<bpb, (q.BlockID+1)<<bpb)
}

func (c *Conditional) BeginIO(mode storage.IOMode) {
	c.Base.BeginIO(mode)
	c.target.BeginIO(mode)
}

func (c *Conditional) EndIO() {
	c.target.EndIO()
	c.Base.EndIO()
}

// ReadBlock hands q to the target if it passes.
func (c *Conditional) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !c.Base.CanRead() {
		c.CheckRead(q)
		return
	}
	if !c.passes(q) {
		c.ReadFailed(q, fmt.Errorf("Block %d outside the conditions of %q: %w", q.BlockID, c.Name(), hzvol.ErrNotFound))
		return
	}
	c.target.ReadBlock(ctx, q)
}

// WriteBlock hands q to the target if it passes.
func (c *Conditional) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !c.Base.CanWrite() {
		c.CheckWrite(q)
		return
	}
	if !c.passes(q) {
		c.WriteFailed(q, fmt.Errorf("Block %d outside the conditions of %q: %w", q.BlockID, c.Name(), hzvol.ErrValidation))
		return
	}
	c.target.WriteBlock(ctx, q)
}

func (c *Conditional) AcquireWriteLock(q *storage.BlockQuery) { c.target.AcquireWriteLock(q) }
func (c *Conditional) ReleaseWriteLock(q *storage.BlockQuery) { c.target.ReleaseWriteLock(q) }

// Close closes the target.
func (c *Conditional) Close() error {
	return c.target.Close()
}
