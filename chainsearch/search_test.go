package chainsearch_test

import (
	"context"
	"errors"
	"testing"

	"pointerchain/chainsearch"
	"pointerchain/chainsink"
	"pointerchain/ptrindex"
	"pointerchain/region"
	"pointerchain/workerpool"
)

func staticEntry(storage, value region.Address, regionName string, regionStart region.Address) ptrindex.Entry {
	return ptrindex.Entry{
		Storage: storage,
		Value:   value,
		Static: ptrindex.StaticTag{
			Region:  region.Region{Start: regionStart, End: regionStart + 0x1000, Tag: region.TagCData, Name: regionName},
			Offset:  storage.Sub(regionStart),
			Present: true,
		},
	}
}

func heapEntry(storage, value region.Address) ptrindex.Entry {
	return ptrindex.Entry{Storage: storage, Value: value}
}

// Scenario 1 (spec §8): a single static pointer S holds the address of a
// heap cell H1 whose contents are exactly the target T. With depth 2 and
// offset window 16, the only chain found is S -> H1 -> T with both
// deltas zero.
func TestSearchDirectChainZeroDeltas(t *testing.T) {
	const S = region.Address(0x550000001000)
	const H1 = region.Address(0x7f0000005000)
	const T = region.Address(0x7f0000009000)

	idx := ptrindex.NewPrebuilt([]ptrindex.Entry{
		staticEntry(S, H1, "libgame.so[0]", 0x550000000000),
		heapEntry(H1, T),
	})

	sink := chainsink.NewMemorySink()
	pool := workerpool.New(2)
	defer pool.Close()

	n, err := chainsearch.Search(context.Background(), idx, T, chainsearch.Options{MaxDepth: 2, MaxOffset: 16, Sink: sink}, pool)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if n != 1 {
		t.Fatalf("Search returned %d, want 1", n)
	}

	chains := sink.Chains()
	if len(chains) != 1 {
		t.Fatalf("sink has %d chains, want 1", len(chains))
	}
	c := chains[0]
	if c.Hops() != 2 {
		t.Fatalf("chain has %d hops, want 2", c.Hops())
	}
	if c[1].Delta != 0 || c[2].Delta != 0 {
		t.Errorf("deltas = [%d %d], want [0 0]", c[1].Delta, c[2].Delta)
	}
	if c.Target() != T {
		t.Errorf("Target() = %s, want %s", c.Target(), T)
	}
}

// Scenario 2 (spec §8): H1 holds T-8 instead of T exactly, so the second
// hop's delta is 8 while the first remains zero.
func TestSearchOffsetSecondHop(t *testing.T) {
	const S = region.Address(0x550000001000)
	const H1 = region.Address(0x7f0000005000)
	const T = region.Address(0x7f0000009000)

	idx := ptrindex.NewPrebuilt([]ptrindex.Entry{
		staticEntry(S, H1, "libgame.so[0]", 0x550000000000),
		heapEntry(H1, T-8),
	})

	sink := chainsink.NewMemorySink()
	pool := workerpool.New(2)
	defer pool.Close()

	n, err := chainsearch.Search(context.Background(), idx, T, chainsearch.Options{MaxDepth: 2, MaxOffset: 16, Sink: sink}, pool)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if n != 1 {
		t.Fatalf("Search returned %d, want 1", n)
	}

	c := sink.Chains()[0]
	if c[1].Delta != 0 {
		t.Errorf("first hop delta = %d, want 0", c[1].Delta)
	}
	if c[2].Delta != 8 {
		t.Errorf("second hop delta = %d, want 8", c[2].Delta)
	}
}

// A chain whose anchor is farther than MaxDepth allows must not be
// reported.
func TestSearchRespectsMaxDepth(t *testing.T) {
	const S = region.Address(0x550000001000)
	const H2 = region.Address(0x7f0000004000)
	const H1 = region.Address(0x7f0000005000)
	const T = region.Address(0x7f0000009000)

	idx := ptrindex.NewPrebuilt([]ptrindex.Entry{
		staticEntry(S, H2, "libgame.so[0]", 0x550000000000),
		heapEntry(H2, H1),
		heapEntry(H1, T),
	})

	sink := chainsink.NewMemorySink()
	pool := workerpool.New(2)
	defer pool.Close()

	n, err := chainsearch.Search(context.Background(), idx, T, chainsearch.Options{MaxDepth: 2, MaxOffset: 16, Sink: sink}, pool)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if n != 0 {
		t.Fatalf("Search returned %d chains, want 0 (anchor is 3 hops away, depth capped at 2)", n)
	}
}

func TestSearchInvalidTarget(t *testing.T) {
	idx := ptrindex.NewPrebuilt(nil)
	pool := workerpool.New(1)
	defer pool.Close()

	_, err := chainsearch.Search(context.Background(), idx, 0, chainsearch.Options{MaxDepth: 1, MaxOffset: 16, Sink: chainsink.NewMemorySink()}, pool)
	if !errors.Is(err, chainsearch.ErrInvalidTarget) {
		t.Fatalf("err = %v, want chainsearch.ErrInvalidTarget", err)
	}
}

func TestSearchHonorsLimit(t *testing.T) {
	const T = region.Address(0x7f0000009000)
	var entries []ptrindex.Entry
	for i := 0; i < 5; i++ {
		s := region.Address(0x550000001000 + region.Address(i)*0x100)
		entries = append(entries, staticEntry(s, T, "libgame.so[0]", 0x550000000000))
	}
	idx := ptrindex.NewPrebuilt(entries)

	sink := chainsink.NewMemorySink()
	pool := workerpool.New(4)
	defer pool.Close()

	n, err := chainsearch.Search(context.Background(), idx, T, chainsearch.Options{MaxDepth: 1, MaxOffset: 16, Limit: 2, Sink: sink}, pool)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Each emission reserves a slot against the limit before writing, so
	// concurrent level-0 tasks together emit exactly Limit chains when
	// more candidates than that exist.
	if n != 2 {
		t.Fatalf("Search returned %d chains, want 2 (limit 2, 5 candidates)", n)
	}
}
