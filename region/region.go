// Package region parses a process's virtual memory mapping table and
// classifies each mapping, exposing the scannable and static views that
// the rest of pointerchain builds on.
package region

import "fmt"

// Address is a virtual address in the target process.
type Address uint64

// Sub returns a-b as a signed offset.
func (a Address) Sub(b Address) int64 {
	return int64(a) - int64(b)
}

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return Address(int64(a) + n)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Tag classifies a memory mapping.
type Tag int

const (
	TagUnknown Tag = iota
	TagAnonymous
	TagCAlloc
	TagCHeap
	TagCData
	TagCBss
	TagCodeApp
	TagCodeSystem
	TagStack
	TagJavaHeap
	TagAshmem
	TagOther
)

func (t Tag) String() string {
	switch t {
	case TagAnonymous:
		return "Anonymous"
	case TagCAlloc:
		return "CAlloc"
	case TagCHeap:
		return "CHeap"
	case TagCData:
		return "CData"
	case TagCBss:
		return "CBss"
	case TagCodeApp:
		return "CodeApp"
	case TagCodeSystem:
		return "CodeSystem"
	case TagStack:
		return "Stack"
	case TagJavaHeap:
		return "JavaHeap"
	case TagAshmem:
		return "Ashmem"
	case TagOther:
		return "Other"
	default:
		return "Unknown"
	}
}

// Static reports whether regions with this tag belong to the static set
// (spec §3: CodeApp, CData, or a qualifying trailing CBss).
func (t Tag) static() bool {
	return t == TagCodeApp || t == TagCData || t == TagCBss
}

// Region is a half-open virtual address interval with a classification.
type Region struct {
	Start, End Address
	Tag        Tag
	Name       string
	Filterable bool
}

// Size returns the number of bytes spanned by the region.
func (r Region) Size() int64 {
	return r.End.Sub(r.Start)
}

// Contains reports whether addr falls within [Start, End).
func (r Region) Contains(addr Address) bool {
	return addr >= r.Start && addr < r.End
}
