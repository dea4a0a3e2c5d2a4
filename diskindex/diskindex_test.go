package diskindex

import (
	"os"
	"path/filepath"
	"testing"

	"pointerchain/ptrindex"
	"pointerchain/region"
)

func TestWriteReadRoundTrip(t *testing.T) {
	entries := []ptrindex.Entry{
		{
			Storage: 0x550000001000,
			Value:   0x7f0000005000,
			Static: ptrindex.StaticTag{
				Region:  region.Region{Start: 0x550000000000, End: 0x550000002000, Tag: region.TagCData, Name: "libgame.so[0]"},
				Offset:  0x1000,
				Present: true,
			},
		},
		{Storage: 0x7f0000005000, Value: 0x7f0000009000},
	}
	idx := ptrindex.NewPrebuilt(entries)

	path := filepath.Join(t.TempDir(), "idx.bin")
	if err := Write(path, idx); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", got.Len())
	}

	gotEntries := got.Entries()
	if gotEntries[0].Value > gotEntries[1].Value {
		t.Fatalf("entries not value-sorted: %+v", gotEntries)
	}

	var foundStatic bool
	for _, e := range gotEntries {
		if e.Storage == 0x550000001000 {
			foundStatic = true
			if !e.Static.Present || e.Static.Offset != 0x1000 || e.Static.Region.Name != "libgame.so[0]" {
				t.Errorf("round-tripped static tag = %+v, want Present with Offset 0x1000 and Name libgame.so[0]", e.Static)
			}
		}
	}
	if !foundStatic {
		t.Fatalf("expected to find the static entry after round trip")
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, []byte("nope"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected Read to reject a file without the pointerchain magic")
	}
}
