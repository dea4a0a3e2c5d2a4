package diskindex

import (
	"debug/elf"
	"fmt"
	"sort"

	"pointerchain/region"
)

// SymbolHint is a best-effort label for a static region offset, taken
// from the nearest ELF symbol at or below that offset.
type SymbolHint struct {
	Name   string
	Offset int64 // bytes from the symbol's own address to the queried offset
}

// SymbolTable is a by-address-sorted view of one ELF file's named
// symbols, built once and queried many times while labeling a scan's
// anchors. Exported (rather than returned only as an interface) so
// callers such as chainsink can hold one as a field and pass it
// through cmd/pointerchain's --symbols flag.
//
// Grounded on debug/dwarf/symbol.go's EntryForPC/LookupPC: that file
// linearly scans DWARF subprogram entries for the one whose [lowpc,
// highpc) contains a PC. pointerchain has no DWARF requirement (its
// targets are rarely built with debug info at all), so this adapts the
// same "nearest symbol at or below an address" idea to the always
// present ELF symbol table instead, via a single sort instead of a
// linear scan per query.
type SymbolTable struct {
	addrs []uint64
	names []string
}

// LoadSymbolTable reads every named, non-zero-valued symbol (preferring
// .symtab, falling back to .dynsym) from the ELF file at path.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diskindex: open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("diskindex: no symbol table in %s: %w", path, err)
	}

	t := &SymbolTable{}
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		t.addrs = append(t.addrs, s.Value)
		t.names = append(t.names, s.Name)
	}
	sort.Sort(t)
	return t, nil
}

// NewSymbolTable builds a SymbolTable directly from a name-to-address
// map, without reading an ELF file. Used by tests and by callers that
// already have symbol addresses from another source (e.g. a cache).
func NewSymbolTable(symbols map[string]uint64) *SymbolTable {
	t := &SymbolTable{}
	for name, addr := range symbols {
		if addr == 0 {
			continue
		}
		t.addrs = append(t.addrs, addr)
		t.names = append(t.names, name)
	}
	sort.Sort(t)
	return t
}

func (t *SymbolTable) Len() int           { return len(t.addrs) }
func (t *SymbolTable) Swap(i, j int)      { t.addrs[i], t.addrs[j] = t.addrs[j], t.addrs[i]; t.names[i], t.names[j] = t.names[j], t.names[i] }
func (t *SymbolTable) Less(i, j int) bool { return t.addrs[i] < t.addrs[j] }

// Hint returns the nearest symbol at or below offset, or false if
// offset precedes every symbol in the table.
func (t *SymbolTable) Hint(offset region.Address) (SymbolHint, bool) {
	i := sort.Search(len(t.addrs), func(i int) bool { return t.addrs[i] > uint64(offset) })
	if i == 0 {
		return SymbolHint{}, false
	}
	i--
	return SymbolHint{Name: t.names[i], Offset: int64(uint64(offset) - t.addrs[i])}, true
}
