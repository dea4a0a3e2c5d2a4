package ptrindex

import (
	"context"
	"encoding/binary"
	"testing"

	"pointerchain/region"
	"pointerchain/workerpool"
)

// fakeReader serves Read calls out of a plain map, simulating a process's
// address space without touching procmem/ptrace.
type fakeReader struct {
	pages map[region.Address][]byte
}

func newFakeReader() *fakeReader {
	return &fakeReader{pages: map[region.Address][]byte{}}
}

func (f *fakeReader) putWord(addr region.Address, v uint64) {
	page := addr &^ 0xFFF
	buf, ok := f.pages[page]
	if !ok {
		buf = make([]byte, 4096)
		f.pages[page] = buf
	}
	off := addr - page
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}

func (f *fakeReader) Read(addr region.Address, buf []byte) error {
	for i := range buf {
		page := (addr + region.Address(i)) &^ 0xFFF
		src, ok := f.pages[page]
		if !ok {
			buf[i] = 0
			continue
		}
		buf[i] = src[(addr+region.Address(i))-page]
	}
	return nil
}

type fakeStatic struct {
	regions []region.Region
}

func (s *fakeStatic) StaticContaining(addr region.Address) (region.Region, bool) {
	for _, r := range s.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return region.Region{}, false
}

func TestBuildFindsPlausiblePointers(t *testing.T) {
	mem := newFakeReader()
	dataRegion := region.Region{Start: 0x5000000000, End: 0x5000001000, Tag: region.TagCData, Name: "lib.so[0]"}
	mem.putWord(dataRegion.Start+0x10, 0x5000020000) // plausible pointer into another region
	mem.putWord(dataRegion.Start+0x18, 0x1)          // not plausible (below Min)

	static := &fakeStatic{regions: []region.Region{dataRegion}}
	pool := workerpool.New(2)
	defer pool.Close()

	idx, err := Build(context.Background(), mem, []region.Region{dataRegion}, static, pool, DefaultPlausibility())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("idx.Len() = %d, want 1", idx.Len())
	}
	e := idx.Entries()[0]
	if e.Storage != dataRegion.Start+0x10 {
		t.Errorf("Storage = %s, want %s", e.Storage, dataRegion.Start+0x10)
	}
	if e.Value != 0x5000020000 {
		t.Errorf("Value = %s, want 0x5000020000", e.Value)
	}
	if !e.Static.Present || e.Static.Offset != 0x10 {
		t.Errorf("Static = %+v, want Present with Offset 0x10", e.Static)
	}
}

func TestPACTagStripping(t *testing.T) {
	p := DefaultPlausibility()
	tagged := uint64(0xB400_0000_0000_0000) | 0x5000001234
	v, ok := p.test(tagged)
	if !ok {
		t.Fatalf("expected tagged pointer 0x%x to be plausible after stripping", tagged)
	}
	if v != 0x5000001234 {
		t.Errorf("stripped value = %s, want 0x5000001234", v)
	}
}

func TestPlausibilityRejectsOutOfBoundsAndMisaligned(t *testing.T) {
	p := DefaultPlausibility()
	if _, ok := p.test(0x1); ok {
		t.Errorf("0x1 should be rejected: below Min")
	}
	if _, ok := p.test(0x5000000001); ok {
		t.Errorf("0x5000000001 should be rejected: not 4-byte aligned")
	}
	if _, ok := p.test(0x5000000004); !ok {
		t.Errorf("0x5000000004 should be accepted")
	}
}

func TestParentsOfWindow(t *testing.T) {
	idx := &Index{entries: []Entry{
		{Storage: 0x1000, Value: 0x9000},
		{Storage: 0x1008, Value: 0x9ff0},
		{Storage: 0x1010, Value: 0xA100},
	}}

	got := idx.ParentsOf(0xA000, 16)
	if len(got) != 1 || got[0].Storage != 0x1008 {
		t.Fatalf("ParentsOf(0xA000, 16) = %+v, want just the 0x9ff0 entry", got)
	}

	got = idx.ParentsOf(0xA000, 4096)
	if len(got) != 2 {
		t.Fatalf("ParentsOf(0xA000, 4096) = %+v, want 2 entries", got)
	}
}
