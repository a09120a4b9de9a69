/*
	Package query implements progressive queries over the blocks of a dataset.

	A BoxQuery reads or writes the samples of a box at a list of ascending end resolutions.
	The caller drives it:

		q := query.NewBoxQuery(info, field, 0, storage.ReadIO, box, nil)
		q.EndResolutions = []int{8, 12, 16}
		if err := q.Begin(); err != nil { ... }
		for q.Status() == query.Running {
			if err := q.Execute(ctx, access); err != nil { ... }
			// q.Buffer holds the samples of q.Samples at q.CurrentResolution()
			if err := q.Next(); err != nil { ... }
		}

	Execute splits the aligned box into the blocks holding its samples, issues one block read
	per block through the Access, and merges results in completion order.  Merges are pure
	address arithmetic between nested grids, so any order gives the same buffer.
*/
package query

import (
	"fmt"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// MaxRunning bounds the block requests one query keeps in flight.
const MaxRunning = 512

// ReasonNoEndResolution is the failure reason of a Begin whose region holds no sample at any
// end resolution.
const ReasonNoEndResolution = "cannot find a good end resolution to start with"

// Status is the state of a query.
type Status uint8

const (
	Created Status = iota
	Running
	Ok
	Failed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal returns true for Ok, Failed and Aborted.
func (s Status) Terminal() bool {
	return s == Ok || s == Failed || s == Aborted
}

// MergeMode selects how Next carries samples into the finer resolution.
type MergeMode uint8

const (
	// MergeInsert drops the buffer and fetches every level again.
	MergeInsert MergeMode = iota

	// MergeInterpolate fills the finer grid from the known samples and fetches only the
	// new levels.
	MergeInterpolate
)

// Pick selects which end resolution Begin starts with when several are usable.
type Pick uint8

const (
	// PickFirstAscending starts with the coarsest usable end resolution.
	PickFirstAscending Pick = iota

	// PickFinest starts with the finest usable end resolution.
	PickFinest
)

// state is shared by box and point queries.
type state struct {
	ID      string
	Info    *storage.DatasetInfo
	Field   hzvol.Field
	Time    float64
	Mode    storage.IOMode
	Aborted *hzvol.Aborted

	// EndResolutions must be ascending.  Empty means [maxh].
	EndResolutions []int

	status Status
	reason string
	cursor int
	cur    int
	end    int
	tlog   hzvol.TimeLog
}

func newState(info *storage.DatasetInfo, field hzvol.Field, t float64, mode storage.IOMode, aborted *hzvol.Aborted) state {
	if aborted == nil {
		aborted = hzvol.NewAborted()
	}
	return state{
		ID:      fmt.Sprintf("%x", uuid.NewV4().Bytes()[:4]),
		Info:    info,
		Field:   field,
		Time:    t,
		Mode:    mode,
		Aborted: aborted,
		cursor:  -1,
		cur:     -1,
		end:     -1,
		tlog:    hzvol.NewTimeLog(),
	}
}

// Status returns the state of the query.
func (s *state) Status() Status {
	return s.status
}

// Reason returns why a query failed or was aborted.
func (s *state) Reason() string {
	return s.reason
}

// CurrentResolution returns the finest level merged into the buffer, or -1.
func (s *state) CurrentResolution() int {
	return s.cur
}

// EndResolution returns the level the next Execute reaches, or -1 if not running.
func (s *state) EndResolution() int {
	if s.status != Running {
		return -1
	}
	return s.end
}

// Abort raises the abort flag shared with block requests.  The query ends Aborted at its
// next step.
func (s *state) Abort() {
	s.Aborted.Abort()
}

func (s *state) setRunning() {
	s.status = Running
}

func (s *state) setOk() {
	s.status = Ok
	s.reason = ""
	s.cursor = len(s.EndResolutions)
	s.tlog.Debugf("Query %s finished at resolution %d", s.ID, s.cur)
}

// fail moves the query to Failed and returns an error wrapping kind.
func (s *state) fail(kind error, reason string) error {
	if s.Aborted.IsAborted() {
		return s.abort()
	}
	s.status = Failed
	s.reason = reason
	s.cursor = len(s.EndResolutions)
	hzvol.Debugf("Query %s on field %q failed: %s\n", s.ID, s.Field.Name, reason)
	return fmt.Errorf("Query %s: %s: %w", s.ID, reason, kind)
}

func (s *state) abort() error {
	s.status = Aborted
	s.reason = "query aborted"
	s.cursor = len(s.EndResolutions)
	return fmt.Errorf("Query %s: %w", s.ID, hzvol.ErrAborted)
}

// checkRunning returns the error for a query that cannot execute or advance.
func (s *state) checkRunning() error {
	switch {
	case s.status.Terminal():
		return fmt.Errorf("Query %s is %s: %w", s.ID, s.status, hzvol.ErrTerminal)
	case s.status != Running:
		return fmt.Errorf("Query %s has not begun: %w", s.ID, hzvol.ErrValidation)
	}
	return nil
}

// checkBegin verifies what box and point queries have in common before they run.
func (s *state) checkBegin() error {
	switch {
	case s.status.Terminal():
		return fmt.Errorf("Query %s is %s: %w", s.ID, s.status, hzvol.ErrTerminal)
	case s.status != Created:
		return fmt.Errorf("Query %s already begun: %w", s.ID, hzvol.ErrValidation)
	}
	if s.Aborted.IsAborted() {
		return s.abort()
	}
	if s.Info == nil || s.Info.Bitmask == nil {
		return s.fail(hzvol.ErrValidation, "no dataset")
	}
	if !s.Field.Valid() {
		return s.fail(hzvol.ErrValidation, "field not valid")
	}
	return nil
}

// checkResolutions validates time and end resolutions.  It runs after the region checks.
func (s *state) checkResolutions() error {
	if !s.Info.HasTime(s.Time) {
		return s.fail(hzvol.ErrValidation, "wrong time")
	}
	maxh := s.Info.Bitmask.MaxResolution()
	if len(s.EndResolutions) == 0 {
		s.EndResolutions = []int{maxh}
	}
	for i, H := range s.EndResolutions {
		if H < 0 || H > maxh || (i > 0 && H <= s.EndResolutions[i-1]) {
			return s.fail(hzvol.ErrValidation, "wrong end resolution")
		}
	}
	return nil
}

// completions returns block requests in the order they resolve.
type completions struct {
	ch      chan *storage.BlockQuery
	pending int
}

func newCompletions(n int) *completions {
	return &completions{ch: make(chan *storage.BlockQuery, n)}
}

func (c *completions) push(q *storage.BlockQuery) {
	c.pending++
	go func() {
		<-q.Done()
		c.ch <- q
	}()
}

func (c *completions) empty() bool {
	return c.pending == 0
}

// pop waits for the next resolved request.  It returns nil if done is closed first.
func (c *completions) pop(done <-chan struct{}) *storage.BlockQuery {
	select {
	case q := <-c.ch:
		c.pending--
		return q
	case <-done:
		return nil
	}
}

// tally aggregates the outcome of the block requests of one Execute.
type tally struct {
	blocks   int
	merged   int
	missing  int
	failed   int
	firstErr error
}

func (t *tally) add(q *storage.BlockQuery) {
	t.blocks++
	switch {
	case q.Ok():
	case q.NotFound():
		t.missing++
	default:
		t.failed++
		if t.firstErr == nil {
			t.firstErr = q.Err()
		}
	}
}

// allFailed is true when every block failed for a reason other than absence.
func (t *tally) allFailed() bool {
	return t.blocks > 0 && t.failed == t.blocks
}

func (t *tally) String() string {
	return fmt.Sprintf("%d blocks, %d merged, %d missing, %d failed", t.blocks, t.merged, t.missing, t.failed)
}
