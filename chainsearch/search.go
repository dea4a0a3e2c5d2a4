package chainsearch

import (
	"context"
	"fmt"
	"sync/atomic"

	"pointerchain/ptrindex"
	"pointerchain/region"
	"pointerchain/workerpool"
)

// Search discovers every chain of at most opts.MaxDepth hops, each hop
// within opts.MaxOffset bytes, from a static anchor to target, and
// reports each to opts.Sink as it is found (spec §4.4).
//
// Grounded on original_source/src/scanner/scanner.cpp's dfsSearch: a
// level-0 frame is built per entry returned by parents_of(target, W),
// one search task per level-0 frame is dispatched onto pool, and each
// task recurses depth-first toward static anchors, emitting a chain the
// instant one is found rather than materializing whole levels. The
// Go port replaces the C++ version's explicit frame arena with plain
// recursion: each call's path slice is a fresh copy scoped to that
// call's stack frame, which the runtime reclaims on return exactly like
// the arena's bump-pointer frames were meant to.
func Search(ctx context.Context, idx *ptrindex.Index, target region.Address, opts Options, pool *workerpool.Pool) (int, error) {
	if target == 0 {
		return 0, ErrInvalidTarget
	}
	if opts.MaxDepth < 1 {
		return 0, fmt.Errorf("chainsearch: MaxDepth must be >= 1")
	}
	if opts.Sink == nil {
		return 0, fmt.Errorf("chainsearch: Options.Sink is required")
	}

	level0 := idx.ParentsOf(target, opts.MaxOffset)
	if len(level0) == 0 {
		return 0, nil
	}

	s := &search{
		idx:    idx,
		target: target,
		opts:   opts,
	}

	futures := make([]*workerpool.Future[struct{}], 0, len(level0))
	for _, e := range level0 {
		e := e
		futures = append(futures, workerpool.Submit(pool, func() (struct{}, error) {
			s.dfs(ctx, nil, e, 1)
			return struct{}{}, nil
		}))
	}
	for _, f := range futures {
		f.Get()
	}

	return int(s.emitted.Load()), nil
}

type search struct {
	idx     *ptrindex.Index
	target  region.Address
	opts    Options
	emitted atomic.Int64
	full    atomic.Bool
}

// dfs extends path (discovered in target-to-anchor order, not yet
// including cur) with cur and either emits a completed chain or
// recurses one level closer to a static anchor.
func (s *search) dfs(ctx context.Context, path []ptrindex.Entry, cur ptrindex.Entry, depth int) {
	if s.full.Load() || ctx.Err() != nil {
		return
	}

	extended := make([]ptrindex.Entry, len(path)+1)
	copy(extended, path)
	extended[len(path)] = cur

	if cur.Static.Present {
		s.emit(extended)
		return
	}
	if depth >= s.opts.MaxDepth {
		return
	}

	parents := s.idx.ParentsOf(cur.Storage, s.opts.MaxOffset)
	for _, p := range parents {
		if s.full.Load() || ctx.Err() != nil {
			return
		}
		s.dfs(ctx, extended, p, depth+1)
	}
}

// emit materializes path (target-to-anchor order) into a head-to-tail
// Chain, computing each node's Delta per the invariant in spec §3, and
// hands it to the sink.
func (s *search) emit(path []ptrindex.Entry) {
	// With a limit, reserve a slot before writing so that concurrent
	// tasks together never emit more than opts.Limit chains.
	if s.opts.Limit > 0 {
		for {
			n := s.emitted.Load()
			if n >= int64(s.opts.Limit) {
				s.full.Store(true)
				return
			}
			if s.emitted.CompareAndSwap(n, n+1) {
				break
			}
		}
	}

	// path is in target-to-anchor order; the chain is head (anchor) to
	// tail (target), so path reverses directly into chain[0:len(path)]
	// and the target sentinel follows at chain[len(path)].
	chain := make(Chain, len(path)+1)
	for i, e := range path {
		chain[len(path)-1-i] = Node{Address: e.Storage, Value: e.Value, Static: e.Static}
	}
	chain[len(path)] = Node{Address: s.target, Value: 0}

	for i := 1; i < len(chain); i++ {
		chain[i].Delta = chain[i].Address.Sub(chain[i-1].Value)
	}

	if err := s.opts.Sink.Emit(chain); err != nil {
		if s.opts.Limit > 0 {
			s.emitted.Add(-1) // release the reserved slot
		}
		return // absorbed: a sink write failure drops this chain, not the search (spec §7)
	}

	if s.opts.Limit == 0 {
		s.emitted.Add(1)
	} else if s.emitted.Load() >= int64(s.opts.Limit) {
		s.full.Store(true)
	}
}
