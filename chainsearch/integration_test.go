package chainsearch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pointerchain/chainsearch"
	"pointerchain/chainsink"
	"pointerchain/ptrindex"
	"pointerchain/region"
	"pointerchain/workerpool"
)

// fakeProcess is a minimal in-memory stand-in for a target process's
// address space, used to exercise ptrindex.Build and Search together
// end to end without a live process (spec §8's scenarios).
type fakeProcess struct {
	pages map[region.Address][]byte
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{pages: map[region.Address][]byte{}}
}

func (p *fakeProcess) putWord(addr region.Address, v uint64) {
	page := addr &^ 0xFFF
	buf, ok := p.pages[page]
	if !ok {
		buf = make([]byte, 4096)
		p.pages[page] = buf
	}
	off := addr - page
	for i := 0; i < 8; i++ {
		buf[off+region.Address(i)] = byte(v >> (8 * i))
	}
}

func (p *fakeProcess) Read(addr region.Address, buf []byte) error {
	for i := range buf {
		a := addr + region.Address(i)
		page := a &^ 0xFFF
		src, ok := p.pages[page]
		if !ok {
			buf[i] = 0
			continue
		}
		buf[i] = src[a-page]
	}
	return nil
}

type fakeStaticSet struct {
	regions []region.Region
}

func (s *fakeStaticSet) StaticContaining(addr region.Address) (region.Region, bool) {
	for _, r := range s.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return region.Region{}, false
}

// TestEndToEndDirectChain builds a real *ptrindex.Index over a fake
// process image holding S -> H1 -> T (spec §8 scenario 1), runs Search
// against it, and checks the rendered chain line matches the spec §6
// output format exactly.
func TestEndToEndDirectChain(t *testing.T) {
	const (
		dataStart = region.Address(0x5500000000)
		S         = dataStart + 0x40
		H1        = region.Address(0x7f00005000)
		T         = region.Address(0x7f00009000)
	)

	proc := newFakeProcess()
	proc.putWord(S, uint64(H1))
	proc.putWord(H1, uint64(T))

	dataRegion := region.Region{Start: dataStart, End: dataStart + 0x1000, Tag: region.TagCData, Name: "libgame.so[0]"}
	heapRegion := region.Region{Start: H1 &^ 0xFFF, End: (H1 &^ 0xFFF) + 0x1000, Tag: region.TagCHeap, Name: ""}
	static := &fakeStaticSet{regions: []region.Region{dataRegion}}

	pool := workerpool.New(2)
	defer pool.Close()

	idx, err := ptrindex.Build(context.Background(), proc, []region.Region{dataRegion, heapRegion}, static, pool, ptrindex.DefaultPlausibility())
	require.NoError(t, err)
	require.Greater(t, idx.Len(), 0)

	sink := chainsink.NewMemorySink()
	n, err := chainsearch.Search(context.Background(), idx, T, chainsearch.Options{MaxDepth: 2, MaxOffset: 16, Sink: sink}, pool)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	chains := sink.Chains()
	require.Len(t, chains, 1)

	line, err := chainsink.FormatChain(chains[0], nil)
	require.NoError(t, err)
	require.Equal(t, "libgame.so[0]:+0x40->0x0->0x0", line)
}
