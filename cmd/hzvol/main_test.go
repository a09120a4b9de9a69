package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	n := fs.Int("n", 0, "")
	pos, err := parseArgs(fs, []string{"a", "-n", "3", "b"}, 2)
	if err != nil {
		t.Fatalf("Couldn't parse: %v\n", err)
	}
	if *n != 3 || pos[0] != "a" || pos[1] != "b" {
		t.Fatalf("Bad parse: n=%d pos=%v\n", *n, pos)
	}
	if _, err := parseArgs(flag.NewFlagSet("test", flag.ContinueOnError), []string{"a"}, 2); err == nil {
		t.Fatalf("Expected error for missing positional argument\n")
	}
}

func TestCreateImportExport(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "vol", "dataset.json")
	ctx := context.Background()
	err := DoCommand(ctx, []string{"create", filename, "-bitmask", "V01010101", "-fields", "data uint8 + mm 2*uint8 filter(min)",
		"-time", "0,1", "-bitsperblock", "4"})
	if err != nil {
		t.Fatalf("Couldn't create dataset: %v\n", err)
	}
	if err := DoCommand(ctx, []string{"info", filename}); err != nil {
		t.Fatalf("Couldn't print info: %v\n", err)
	}

	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	in := filepath.Join(dir, "in.raw")
	if err := os.WriteFile(in, raw, 0644); err != nil {
		t.Fatal(err)
	}
	if err := DoCommand(ctx, []string{"import-raw", filename, in, "-time", "1"}); err != nil {
		t.Fatalf("Couldn't import: %v\n", err)
	}
	out := filepath.Join(dir, "out.raw")
	if err := DoCommand(ctx, []string{"export-raw", filename, out, "-time", "1"}); err != nil {
		t.Fatalf("Couldn't export: %v\n", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("Exported volume differs from imported one\n")
	}

	if err := DoCommand(ctx, []string{"compute-filter", filename, "-field", "data"}); err == nil {
		t.Fatalf("Expected error computing filter of unfiltered field\n")
	}
	if err := DoCommand(ctx, []string{"compute-filter", filename, "-field", "mm", "-window", "4,4"}); err != nil {
		t.Fatalf("Couldn't compute filter: %v\n", err)
	}
	if err := DoCommand(ctx, []string{"bogus"}); err == nil {
		t.Fatalf("Expected error for unknown command\n")
	}
}
