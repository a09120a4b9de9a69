package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/storagetest"
)

// mapAccess keeps raw blocks in a map.
type mapAccess struct {
	*storage.Base
	mu     sync.Mutex
	blocks map[string][]byte
}

func newMapAccess(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase("map", info, cfg)
	if err != nil {
		return nil, err
	}
	return &mapAccess{Base: base, blocks: make(map[string][]byte)}, nil
}

func (a *mapAccess) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !a.CheckRead(q) {
		return
	}
	a.Async(ctx, q, func() {
		a.mu.Lock()
		data, found := a.blocks[q.Key()]
		a.mu.Unlock()
		if !found {
			a.ReadFailed(q, hzvol.ErrNotFound)
			return
		}
		if err := storage.DecodeBlock(q, data, a.Compression(q.Field)); err != nil {
			a.ReadFailed(q, err)
			return
		}
		a.ReadOk(q)
	})
}

func (a *mapAccess) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !a.CheckWrite(q) {
		return
	}
	data, err := storage.EncodeBlock(q, a.Compression(q.Field))
	if err != nil {
		a.WriteFailed(q, err)
		return
	}
	a.mu.Lock()
	a.blocks[q.Key()] = data
	a.mu.Unlock()
	a.WriteOk(q)
}

func (a *mapAccess) Close() error { return nil }

func newRegistry() *storage.Registry {
	reg := storage.NewRegistry()
	reg.Register(storage.Engine{Kind: storage.KindRAM, Description: "test map", Version: semver.MustParse("0.1.0"), New: newMapAccess})
	return reg
}

func TestRoundTrip(t *testing.T) {
	info := storagetest.Info()
	for _, compression := range []string{"", "snappy", "zip", "zstd", "lz4"} {
		a, err := newRegistry().New(info, storage.Config{Type: "ram", Compression: compression})
		if err != nil {
			t.Fatalf("Couldn't create access: %v\n", err)
		}
		storagetest.RoundTrip(t, a, info)
		stats := a.Statistics()
		if stats.Writes == 0 || stats.Reads == 0 || stats.ReadFails != 1 {
			t.Errorf("Unexpected statistics %s\n", stats)
		}
	}
}

func TestBlockQueryResolvesOnce(t *testing.T) {
	info := storagetest.Info()
	q := storage.NewBlockQuery(info, info.Fields[0], 0, 3, storage.ReadIO, nil)
	if q.Status() != storage.BlockCreated {
		t.Fatalf("Expected created block query, got %s\n", q.Status())
	}
	if q.Samples.TotalSamples() != 16 {
		t.Fatalf("Expected 16 samples per block, got %d\n", q.Samples.TotalSamples())
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Wait(context.Background()); err != nil {
				t.Errorf("Unexpected error from resolved query: %v\n", err)
			}
		}()
	}
	q.Resolve(nil)
	q.Resolve(errors.New("late failure"))
	wg.Wait()
	if !q.Ok() || q.Err() != nil {
		t.Fatalf("Expected query to stay ok after second resolve\n")
	}

	pending := storage.NewBlockQuery(info, info.Fields[0], 0, 4, storage.ReadIO, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pending.Wait(ctx); !errors.Is(err, hzvol.ErrAborted) {
		t.Fatalf("Expected aborted wait, got %v\n", err)
	}
}

func TestAccessChecks(t *testing.T) {
	info := storagetest.Info()
	reg := newRegistry()

	ro, err := reg.New(info, storage.Config{Type: "ram", Chmod: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if !ro.CanRead() || ro.CanWrite() {
		t.Fatalf("Bad capabilities for read-only access\n")
	}
	q := storage.NewBlockQuery(info, info.Fields[0], 0, 1, storage.WriteIO, nil)
	q.AllocateBuffer()
	ro.BeginIO(storage.WriteIO)
	ro.WriteBlock(context.Background(), q)
	ro.EndIO()
	if !errors.Is(q.Err(), hzvol.ErrValidation) {
		t.Fatalf("Expected write to read-only access to fail validation, got %v\n", q.Err())
	}

	rw, err := reg.New(info, storage.Config{Type: "ram"})
	if err != nil {
		t.Fatal(err)
	}
	// read outside a bracket
	q = storage.NewBlockQuery(info, info.Fields[0], 0, 1, storage.ReadIO, nil)
	rw.ReadBlock(context.Background(), q)
	if !errors.Is(q.Err(), hzvol.ErrValidation) {
		t.Fatalf("Expected read outside bracket to fail, got %v\n", q.Err())
	}

	// brackets nest
	rw.BeginIO(storage.ReadIO)
	rw.BeginIO(storage.ReadIO)
	rw.EndIO()
	q = storage.NewBlockQuery(info, info.Fields[0], 0, 1, storage.ReadIO, nil)
	rw.ReadBlock(context.Background(), q)
	storagetest.Wait(t, q)
	rw.EndIO()
	if !q.NotFound() {
		t.Fatalf("Expected not found inside nested bracket, got %v\n", q.Err())
	}

	aborted := hzvol.NewAborted()
	aborted.Abort()
	q = storage.NewBlockQuery(info, info.Fields[0], 0, 1, storage.ReadIO, aborted)
	rw.BeginIO(storage.ReadIO)
	rw.ReadBlock(context.Background(), q)
	rw.EndIO()
	if !errors.Is(q.Err(), hzvol.ErrAborted) {
		t.Fatalf("Expected aborted read, got %v\n", q.Err())
	}

	if _, err := reg.New(info, storage.Config{Type: "ram", Chmod: "x"}); err == nil {
		t.Fatalf("Expected bad chmod to fail\n")
	}
	if _, err := reg.New(info, storage.Config{Type: "ram", BitsPerBlock: 5}); err == nil {
		t.Fatalf("Expected mismatched bits per block to fail\n")
	}
	if _, err := reg.New(info, storage.Config{Type: "badger"}); err == nil {
		t.Fatalf("Expected unregistered engine to fail\n")
	}
	if _, err := reg.New(info, storage.Config{Type: "nosuch"}); !errors.Is(err, hzvol.ErrValidation) {
		t.Fatalf("Expected unknown type to fail validation, got %v\n", err)
	}
}

func TestWriteLocks(t *testing.T) {
	info := storagetest.Info()
	a, err := newRegistry().New(info, storage.Config{Type: "ram"})
	if err != nil {
		t.Fatal(err)
	}
	q := storage.NewBlockQuery(info, info.Fields[0], 0, 2, storage.WriteIO, nil)
	a.AcquireWriteLock(q)
	acquired := make(chan struct{})
	go func() {
		other := storage.NewBlockQuery(info, info.Fields[0], 0, 2, storage.WriteIO, nil)
		a.AcquireWriteLock(other)
		close(acquired)
		a.ReleaseWriteLock(other)
	}()
	select {
	case <-acquired:
		t.Fatalf("Second writer got the lock while it was held\n")
	case <-time.After(20 * time.Millisecond):
	}
	a.ReleaseWriteLock(q)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatalf("Second writer never got the lock\n")
	}
}

func TestParseChain(t *testing.T) {
	text := `
[[access]]
type = "multiplex"
name = "chain"

  [[access.access]]
  type = "ram"
  available = 1048576

  [[access.access]]
  type = "disk"
  chmod = "r"
  filename_template = "./data/%04x.bin"

[[access]]
type = "conditional"

  [[access.condition]]
  from = 0
  to = 1024
  step = 256
  full = 128
`
	configs, err := storage.ParseChain(text)
	if err != nil {
		t.Fatalf("Couldn't parse chain: %v\n", err)
	}
	if len(configs) != 2 {
		t.Fatalf("Expected 2 accesses, got %d\n", len(configs))
	}
	if len(configs[0].Children) != 2 || configs[0].Children[0].Available != 1048576 {
		t.Fatalf("Bad multiplex children: %+v\n", configs[0].Children)
	}
	if configs[0].Children[1].FilenameTemplate != "./data/%04x.bin" || configs[0].Children[1].Chmod != "r" {
		t.Fatalf("Bad disk child: %+v\n", configs[0].Children[1])
	}
	if len(configs[1].Conditions) != 1 || configs[1].Conditions[0].Full != 128 {
		t.Fatalf("Bad conditions: %+v\n", configs[1].Conditions)
	}
	kind, err := configs[1].Kind()
	if err != nil || kind != storage.KindConditional {
		t.Fatalf("Expected conditional kind, got %s (%v)\n", kind, err)
	}
	if _, err := storage.ParseChain("[[access]\n"); err == nil {
		t.Fatalf("Expected bad toml to fail\n")
	}
}

func TestResolvePath(t *testing.T) {
	if got := storage.ResolvePath("blocks/a.bin", "/data"); got != "/data/blocks/a.bin" {
		t.Errorf("Bad resolved path %q\n", got)
	}
	if got := storage.ResolvePath("/abs/a.bin", "/data"); got != "/abs/a.bin" {
		t.Errorf("Bad absolute path %q\n", got)
	}
	if got := storage.ResolvePath("mem://bucket", "/data"); got != "mem://bucket" {
		t.Errorf("Bad url path %q\n", got)
	}
	if storage.BlockKey("data", 1.5, 255) != "data/1.5/00000000000000ff" {
		t.Errorf("Bad block key %q\n", storage.BlockKey("data", 1.5, 255))
	}
}

// gatedAccess holds every read until its gate closes.
type gatedAccess struct {
	*storage.Base
	started chan uint64
	gate    chan struct{}
}

func (a *gatedAccess) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !a.CheckRead(q) {
		return
	}
	a.Async(ctx, q, func() {
		a.started <- q.BlockID
		<-a.gate
		a.ReadFailed(q, hzvol.ErrNotFound)
	})
}

func (a *gatedAccess) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	a.WriteFailed(q, hzvol.ErrValidation)
}

func (a *gatedAccess) Close() error { return nil }

func newGatedAccess(t *testing.T, info *storage.DatasetInfo, workers int) *gatedAccess {
	base, err := storage.NewBase("gated", info, storage.Config{Workers: workers})
	if err != nil {
		t.Fatal(err)
	}
	return &gatedAccess{Base: base, started: make(chan uint64, 64), gate: make(chan struct{})}
}

func TestReadBlockDoesNotBlockCaller(t *testing.T) {
	info := storagetest.Info()
	a := newGatedAccess(t, info, storage.DefaultWorkers)
	nblocks := 2 * storage.DefaultWorkers
	queries := make([]*storage.BlockQuery, nblocks)
	issued := make(chan struct{})
	go func() {
		a.BeginIO(storage.ReadIO)
		for i := range queries {
			queries[i] = storage.NewBlockQuery(info, info.Fields[0], 0, uint64(i), storage.ReadIO, nil)
			a.ReadBlock(context.Background(), queries[i])
		}
		close(issued)
	}()
	select {
	case <-issued:
	case <-time.After(5 * time.Second):
		t.Fatalf("ReadBlock blocked the caller with %d workers busy\n", storage.DefaultWorkers)
	}
	close(a.gate)
	for i, q := range queries {
		if err := storagetest.Wait(t, q); !errors.Is(err, hzvol.ErrNotFound) {
			t.Errorf("Block %d: expected not found, got %v\n", i, err)
		}
	}
	a.EndIO()
}

func TestReadBlockAbortedWaitingForWorker(t *testing.T) {
	info := storagetest.Info()
	a := newGatedAccess(t, info, 1)
	a.BeginIO(storage.ReadIO)
	defer a.EndIO()

	first := storage.NewBlockQuery(info, info.Fields[0], 0, 0, storage.ReadIO, nil)
	a.ReadBlock(context.Background(), first)
	if id := <-a.started; id != 0 {
		t.Fatalf("Expected block 0 to hold the only worker, got %d\n", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	waiting := storage.NewBlockQuery(info, info.Fields[0], 0, 1, storage.ReadIO, nil)
	a.ReadBlock(ctx, waiting)
	cancel()
	if err := storagetest.Wait(t, waiting); !errors.Is(err, hzvol.ErrAborted) {
		t.Fatalf("Expected aborted read while waiting for a worker, got %v\n", err)
	}
	close(a.gate)
	if err := storagetest.Wait(t, first); !errors.Is(err, hzvol.ErrNotFound) {
		t.Fatalf("Expected first read to finish, got %v\n", err)
	}
}
