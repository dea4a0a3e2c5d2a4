// Package chainsearch performs the depth-bounded DFS over the pointer
// index that discovers chains from a static anchor to a target address
// (spec §4.4).
package chainsearch

import (
	"errors"

	"pointerchain/ptrindex"
	"pointerchain/region"
)

// ErrInvalidTarget is returned when the caller-supplied target address
// cannot be used to start a search (spec §7's InvalidTarget kind).
var ErrInvalidTarget = errors.New("chainsearch: invalid target address")

// Node is one (address, value, delta) triple in an emitted chain (spec
// §3). Delta is the non-negative offset such that the previous node's
// value plus this node's Delta equals this node's Address; the head
// node's Delta is unused (there is no previous node).
type Node struct {
	Address region.Address
	Value   region.Address
	Delta   int64
	Static  ptrindex.StaticTag
}

// Chain is an ordered, non-empty sequence of nodes from a static anchor
// (Chain[0]) to the target address (Chain[len(Chain)-1].Address).
type Chain []Node

// Anchor returns the chain's head node.
func (c Chain) Anchor() Node {
	return c[0]
}

// Target returns the address the chain resolves to.
func (c Chain) Target() region.Address {
	return c[len(c)-1].Address
}

// Hops returns the number of pointer dereferences the chain encodes.
func (c Chain) Hops() int {
	return len(c) - 1
}

// Sink accepts emitted chains. A Sink's Emit must be safe to call
// concurrently from multiple search tasks (spec §5); chainsink provides
// the buffered-file and in-memory implementations spec §4.6 describes.
type Sink interface {
	Emit(Chain) error
	Close() error
}

// Options configures one Search call.
type Options struct {
	MaxDepth  int
	MaxOffset int64
	Limit     int // 0 means unlimited
	Sink      Sink
}
