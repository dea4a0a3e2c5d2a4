// Package ptrindex extracts every plausible pointer-sized word from a
// process's scannable memory regions into a value-sorted index, and
// answers "who points into [lo, hi]" queries against it by binary
// search (spec §4.3, §4.4).
package ptrindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pointerchain/region"
	"pointerchain/workerpool"
)

// Reader is the memory-reading capability ptrindex needs. Both
// *procmem.Reader and test fakes satisfy it.
type Reader interface {
	Read(addr region.Address, buf []byte) error
}

// StaticTag identifies the static region (if any) owning an entry's
// storage address, plus the offset within that region (spec §3).
type StaticTag struct {
	Region  region.Region
	Offset  int64
	Present bool
}

// Entry is one indexed pointer: the address where it is stored, the
// value stored there, and its static tag.
type Entry struct {
	Storage region.Address
	Value   region.Address
	Static  StaticTag
}

// Plausibility configures the predicate used to decide whether a raw
// 64-bit word looks like a user-space pointer. The bounds are exposed
// as configuration rather than hard-coded, per spec §9's open question.
type Plausibility struct {
	Min, Max     region.Address
	AlignBytes   int64
	StripPACTag  bool // clear top 16 bits when they equal 0xB400 (spec §4.3 step 1)
}

// DefaultPlausibility matches spec §4.3's mandated bounds exactly:
// [0x45_0000_0000, 0x7F_FFFF_FFFF], 4-byte aligned, with the pointer
// tagging workaround for 0xB4-prefixed values.
func DefaultPlausibility() Plausibility {
	return Plausibility{
		Min:         0x45_0000_0000,
		Max:         0x7F_FFFF_FFFF,
		AlignBytes:  4,
		StripPACTag: true,
	}
}

// test reports whether v, after any tag-stripping, is a plausible
// pointer value under p. It returns the (possibly stripped) value.
func (p Plausibility) test(v uint64) (region.Address, bool) {
	if p.StripPACTag && v&0xFFFF_0000_0000_0000 == 0xB400_0000_0000_0000 {
		v &^= 0xFFFF_0000_0000_0000
	}
	addr := region.Address(v)
	if addr < p.Min || addr > p.Max {
		return 0, false
	}
	if p.AlignBytes > 0 && uint64(addr)%uint64(p.AlignBytes) != 0 {
		return 0, false
	}
	return addr, true
}

// Index is a value-sorted, immutable-after-Build vector of indexed
// pointers. Binary search over Value is the only supported query.
type Index struct {
	entries []Entry
}

// NewPrebuilt wraps an already value-sorted entries slice as an Index,
// for callers (diskindex.Read) that reconstruct an index from a source
// other than Build. Callers are responsible for the sort invariant.
func NewPrebuilt(entries []Entry) *Index {
	return &Index{entries: entries}
}

// Len returns the number of indexed pointers.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Entries returns the full, value-sorted slice. Callers must not
// mutate it.
func (idx *Index) Entries() []Entry {
	return idx.entries
}

// ParentsOf returns every entry whose Value lies in [child-window,
// child], found by two binary searches over the sorted index (spec
// §4.4's parents_of primitive).
func (idx *Index) ParentsOf(child region.Address, window int64) []Entry {
	lo := child.Add(-window)
	if window < 0 || int64(child) < window {
		lo = 0
	}
	entries := idx.entries
	start := sort.Search(len(entries), func(i int) bool { return entries[i].Value >= lo })
	end := sort.Search(len(entries), func(i int) bool { return entries[i].Value > child })
	if start >= end {
		return nil
	}
	return entries[start:end]
}

// StaticRegionSource is satisfied by *region.Map.
type StaticRegionSource interface {
	StaticContaining(addr region.Address) (region.Region, bool)
}

// Build performs the one linear pass over every scannable region
// described in spec §4.3: each region is read in page-sized batches by
// its own task on pool, candidate pointer values are extracted at
// 8-byte strides and tagged against static, and the per-task local
// slices are concatenated under a single mutex before the whole index
// is sorted by Value.
//
// A per-region read failure downgrades that region to an empty result
// and is absorbed (spec §4.3/§7); Build itself only fails if ctx is
// canceled before any work starts.
func Build(ctx context.Context, mem Reader, regions []region.Region, static StaticRegionSource, pool *workerpool.Pool, plaus Plausibility) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var all []Entry

	futures := make([]*workerpool.Future[[]Entry], 0, len(regions))
	for _, r := range regions {
		r := r
		futures = append(futures, workerpool.Submit(pool, func() ([]Entry, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return scanRegion(mem, r, static, plaus), nil
		}))
	}

	for _, f := range futures {
		local, err := f.Get()
		if err != nil {
			continue // absorbed: this region contributes nothing (spec §4.3)
		}
		mu.Lock()
		all = append(all, local...)
		mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Value < all[j].Value })
	return &Index{entries: all}, nil
}

const pageSize = 4096
const wordSize = 8

func scanRegion(mem Reader, r region.Region, static StaticRegionSource, plaus Plausibility) []Entry {
	var local []Entry
	buf := make([]byte, pageSize)

	for addr := r.Start; addr < r.End; addr += pageSize {
		n := int64(pageSize)
		if remaining := r.End.Sub(addr); remaining < n {
			n = remaining
		}
		page := buf[:n]
		if err := mem.Read(addr, page); err != nil {
			continue // page-read failure skips that page, not an error (spec §4.3)
		}

		for i := int64(0); i+wordSize <= n; i += wordSize {
			raw := leUint64(page[i : i+wordSize])
			value, ok := plaus.test(raw)
			if !ok {
				continue
			}
			storage := addr.Add(i)
			entry := Entry{Storage: storage, Value: value}
			if reg, ok := static.StaticContaining(storage); ok {
				entry.Static = StaticTag{Region: reg, Offset: storage.Sub(reg.Start), Present: true}
			}
			local = append(local, entry)
		}
	}
	return local
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// ErrNoRegions is returned by nothing in this package directly, but is
// exposed so callers can recognize the EmptyIndex soft condition of
// spec §7 when Len()==0 after Build.
var ErrNoRegions = fmt.Errorf("ptrindex: no scannable regions produced any pointers")
