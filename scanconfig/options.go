// Package scanconfig holds the typed options a pointer-chain scan runs
// with, shared by the library entry point and cmd/pointerchain's flag
// parsing.
package scanconfig

import (
	"fmt"

	"github.com/google/uuid"

	"pointerchain/ptrindex"
	"pointerchain/region"
)

// Defaults match spec §6 exactly.
const (
	DefaultMaxDepth   = 10
	DefaultMaxOffset  = 500
	DefaultThreads    = 4
	DefaultLimit      = 0 // unlimited
	DefaultOutputFile = "pointer_chains.txt"
)

// Options configures one end-to-end scan: locate the process, build the
// pointer index, search for chains to Target, and write them out.
type Options struct {
	Process      string
	Target       region.Address
	MaxDepth     int
	MaxOffset    int64
	Threads      int
	Limit        int
	OutputFile   string
	RunID        uuid.UUID
	RegionFilter []region.Tag
	Plausibility ptrindex.Plausibility
	PtraceAttach bool // fall back to PTRACE_ATTACH when process_vm_readv and /proc/<pid>/mem are both denied
}

// Default returns an Options with every field at its spec §6 default and
// a fresh RunID. Callers still must set Process and Target.
func Default() Options {
	return Options{
		MaxDepth:     DefaultMaxDepth,
		MaxOffset:    DefaultMaxOffset,
		Threads:      DefaultThreads,
		Limit:        DefaultLimit,
		OutputFile:   DefaultOutputFile,
		RunID:        uuid.New(),
		Plausibility: ptrindex.DefaultPlausibility(),
	}
}

// Validate reports the first configuration problem found, matching
// spec §6's "invalid options" rejection point (before any process
// access is attempted).
func (o Options) Validate() error {
	if o.Process == "" {
		return fmt.Errorf("scanconfig: process is required")
	}
	if o.Target == 0 {
		return fmt.Errorf("scanconfig: address must be non-zero")
	}
	if o.MaxDepth < 1 {
		return fmt.Errorf("scanconfig: depth must be >= 1")
	}
	if o.MaxOffset < 0 {
		return fmt.Errorf("scanconfig: offset must be >= 0")
	}
	if o.Threads < 1 {
		return fmt.Errorf("scanconfig: threads must be >= 1")
	}
	if o.Limit < 0 {
		return fmt.Errorf("scanconfig: limit must be >= 0")
	}
	if o.OutputFile == "" {
		return fmt.Errorf("scanconfig: file must not be empty")
	}
	return nil
}
