package ram

import (
	"testing"

	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/storagetest"
)

func TestRoundTrip(t *testing.T) {
	info := storagetest.Info()
	a, err := New(info, storage.Config{Type: "ram", Available: 4 * 1024 * 1024}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	storagetest.RoundTrip(t, a, info)
	if n := a.(*Cache).Len(); n != 32 {
		t.Errorf("Expected 32 cached blocks, got %d\n", n)
	}
}

func TestEviction(t *testing.T) {
	info := storagetest.Info()
	a, err := New(info, storage.Config{Type: "ram", Available: 512 * 1024}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	c := a.(*Cache)
	field := info.Fields[0]

	// Distinct timesteps give distinct keys, far more than fit.
	const n = 20000
	for i := 0; i < n; i++ {
		storagetest.WriteBlock(t, c, info, field, float64(i), 0, i)
	}
	if c.Evictions() == 0 {
		t.Fatalf("Expected evictions after %d writes to a small cache\n", n)
	}
	q := storagetest.ReadBlock(t, c, info, field, 0, 0)
	if !q.NotFound() {
		t.Errorf("Expected oldest block to be evicted, got status %s err %v\n", q.Status(), q.Err())
	}
	q = storagetest.ReadBlock(t, c, info, field, float64(n-1), 0)
	if !q.Ok() {
		t.Errorf("Expected newest block to be cached: %v\n", q.Err())
	}
}
