// Package chainsink provides the two chainsearch.Sink implementations a
// scan writes its discovered chains to: a batched file writer and an
// in-memory accumulator (spec §4.6).
package chainsink

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pointerchain/chainsearch"
	"pointerchain/diskindex"
	"pointerchain/region"
)

// batchSize is the number of chains FileSink buffers before flushing to
// disk, matching original_source/src/scanner/formatter.cpp's batching
// granularity.
const batchSize = 500

// FileSink writes chains to a single text file, one per line, in the
// format `<region>:+0x<static-offset>-><delta>-><delta>-...`. The file
// opens with a `#`-prefixed informational header line carrying the
// scan's run id.
type FileSink struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	pending int
	symbols *diskindex.SymbolTable
}

// SinkOption configures a FileSink at construction time.
type SinkOption func(*FileSink)

// WithSymbols attaches a symbol table so every emitted line carries the
// nearest ELF symbol name for its anchor offset, per SPEC_FULL.md's
// optional region symbol hints. A nil table (the default) disables the
// hint entirely.
func WithSymbols(symbols *diskindex.SymbolTable) SinkOption {
	return func(s *FileSink) { s.symbols = symbols }
}

// NewFileSink creates (truncating) path and writes the header line.
func NewFileSink(path string, runID uuid.UUID, opts ...SinkOption) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("chainsink: create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "# pointerchain run=%s\n", runID); err != nil {
		f.Close()
		return nil, err
	}
	s := &FileSink{f: f, w: w}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Emit appends chain to the file, flushing every batchSize writes.
func (s *FileSink) Emit(chain chainsearch.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := FormatChain(chain, s.symbols)
	if err != nil {
		return err
	}
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}

	s.pending++
	if s.pending >= batchSize {
		s.pending = 0
		return s.w.Flush()
	}
	return nil
}

// Close flushes any buffered lines and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// MemorySink accumulates every emitted chain in memory, for tests and
// for embedding pointerchain as a library.
type MemorySink struct {
	mu     sync.Mutex
	chains []chainsearch.Chain
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends chain.
func (s *MemorySink) Emit(chain chainsearch.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = append(s.chains, chain)
	return nil
}

// Close is a no-op; it exists to satisfy chainsearch.Sink.
func (s *MemorySink) Close() error {
	return nil
}

// Chains returns every chain accumulated so far.
func (s *MemorySink) Chains() []chainsearch.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chainsearch.Chain, len(s.chains))
	copy(out, s.chains)
	return out
}

// FormatChain renders chain in the spec §6 text format: the anchor's
// region name and static offset, followed by one "->0x<delta>" segment
// per subsequent hop. When symbols is non-nil, the anchor offset is
// additionally labeled with the nearest ELF symbol at or below it, as
// "[name+0xN]" right after the offset (SPEC_FULL.md's optional region
// symbol hints). Pass nil to omit the label entirely.
func FormatChain(chain chainsearch.Chain, symbols *diskindex.SymbolTable) (string, error) {
	if len(chain) == 0 {
		return "", fmt.Errorf("chainsink: empty chain")
	}
	head := chain[0]
	if !head.Static.Present {
		return "", fmt.Errorf("chainsink: chain head has no static tag")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:+%#x", head.Static.Region.Name, head.Static.Offset)
	if symbols != nil {
		if hint, ok := symbols.Hint(region.Address(uint64(head.Static.Offset))); ok {
			fmt.Fprintf(&b, "[%s+%#x]", hint.Name, hint.Offset)
		}
	}
	for _, node := range chain[1:] {
		fmt.Fprintf(&b, "->%#x", node.Delta)
	}
	return b.String(), nil
}
