package multiplex

import (
	"testing"

	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/ram"
	"github.com/janelia-flyem/hzvol/storage/storagetest"
)

func newMultiplex(t *testing.T, children ...storage.Config) *Multiplex {
	reg := storage.NewRegistry()
	reg.Register(ram.Engine())
	reg.Register(Engine())
	a, err := reg.New(storagetest.Info(), storage.Config{Type: "multiplex", Children: children})
	if err != nil {
		t.Fatalf("Couldn't create multiplex: %v\n", err)
	}
	return a.(*Multiplex)
}

func TestRoundTrip(t *testing.T) {
	m := newMultiplex(t, storage.Config{Type: "ram", Available: 1 << 20}, storage.Config{Type: "ram", Available: 1 << 20})
	defer m.Close()
	storagetest.RoundTrip(t, m, storagetest.Info())

	// Writes reached both children.
	info := storagetest.Info()
	for _, child := range m.Children() {
		if q := storagetest.ReadBlock(t, child, info, info.Fields[0], 0, 7); !q.Ok() {
			t.Errorf("Expected block in child %q: %v\n", child.Name(), q.Err())
		}
	}
}

func TestWriteBack(t *testing.T) {
	m := newMultiplex(t,
		storage.Config{Type: "ram", Name: "cache", Available: 1 << 20},
		storage.Config{Type: "ram", Name: "readonly", Chmod: "r", Available: 1 << 20},
		storage.Config{Type: "ram", Name: "source", Available: 1 << 20},
	)
	defer m.Close()
	info := storagetest.Info()
	field := info.Fields[1]
	cache, readonly, source := m.Children()[0], m.Children()[1], m.Children()[2]

	w := storagetest.WriteBlock(t, source, info, field, 0, 3, 11)
	if q := storagetest.ReadBlock(t, cache, info, field, 0, 3); !q.NotFound() {
		t.Fatalf("Expected empty cache before multiplex read\n")
	}

	q := storagetest.ReadBlock(t, m, info, field, 0, 3)
	if !q.Ok() {
		t.Fatalf("Multiplex read failed: %v\n", q.Err())
	}
	if !q.Buffer.Equals(w.Buffer) {
		t.Fatalf("Multiplex read returned wrong block\n")
	}
	cached := storagetest.ReadBlock(t, cache, info, field, 0, 3)
	if !cached.Ok() || !cached.Buffer.Equals(w.Buffer) {
		t.Fatalf("Expected block written back into cache: %v\n", cached.Err())
	}
	if readonly.Statistics().Writes != 0 {
		t.Errorf("Read-only child should not be written back\n")
	}

	// Missing everywhere stays not found.
	if q := storagetest.ReadBlock(t, m, info, field, 0, 9); !q.NotFound() {
		t.Errorf("Expected not found, got %v\n", q.Err())
	}
}

func TestBadConfig(t *testing.T) {
	reg := storage.NewRegistry()
	reg.Register(ram.Engine())
	reg.Register(Engine())
	if _, err := reg.New(storagetest.Info(), storage.Config{Type: "multiplex"}); err == nil {
		t.Errorf("Expected multiplex without children to fail\n")
	}
	if _, err := reg.New(storagetest.Info(), storage.Config{Type: "multiplex", Children: []storage.Config{{Type: "ram", BitsPerBlock: 5}}}); err == nil {
		t.Errorf("Expected child with different bits per block to fail\n")
	}
}
