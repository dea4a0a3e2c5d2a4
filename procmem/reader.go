// Package procmem provides random-access reads of a foreign process's
// virtual memory, tolerating unmapped pages with a well-typed failure
// rather than partial data.
package procmem

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"pointerchain/internal/procfs"
	"pointerchain/region"
)

const pageSize = 4096

// Reader reads memory from one target process. A Reader is stateless
// beyond the bound pid, so multiple Readers (or concurrent calls against
// the same Reader) may operate against the same process at once, the
// way stephen-fox-brkit's Process type is safe to read from several
// goroutines at once. The two lazily opened fallback file descriptors
// are guarded by openMu so concurrent callers racing the first open
// don't stomp on each other; once open, os.File.ReadAt is itself safe
// for concurrent use (it's pread, not seek+read), so the mutex is only
// held around the open, never around the read.
type Reader struct {
	pid          int
	openMu       sync.Mutex
	memF         *os.File      // lazily opened /proc/<pid>/mem, used as the pread fallback
	pageF        *os.File      // lazily opened /proc/<pid>/pagemap
	ptraceAttach bool          // opt in to the PTRACE_ATTACH fallback, see WithPtraceAttach
	attached     *AttachReader // lazily attached, only when ptraceAttach is set
	logger       *log.Logger
}

// Option configures a Reader at construction time.
type Option func(*Reader)

// WithLogger attaches a logger used for absorbed (non-fatal) warnings.
// A nil logger (the default) disables such logging, matching
// stephen-fox-brkit/process.Process.SetLogger's opt-in convention.
func WithLogger(l *log.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithPtraceAttach enables the PTRACE_ATTACH/PTRACE_PEEKTEXT fallback
// for when both process_vm_readv and /proc/<pid>/mem are denied by the
// kernel's yama ptrace_scope. It is opt-in because attaching stops
// every thread in the target process for as long as the Reader holds
// the attach (spec §4.2's AccessDenied path is otherwise fatal; this
// trades that for a live-but-frozen target).
func WithPtraceAttach() Option {
	return func(r *Reader) { r.ptraceAttach = true }
}

// NewReader binds a Reader to nameOrPID, which may be a literal pid or a
// substring of the target's executable basename (spec §6).
func NewReader(nameOrPID string, opts ...Option) (*Reader, error) {
	pid, err := procfs.ResolvePID(nameOrPID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	r := &Reader{pid: pid}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// PID returns the bound process id.
func (r *Reader) PID() int {
	return r.pid
}

// Read fills buf entirely from the target process starting at addr. A
// short read is always a failure; partial data is never exposed (spec
// §4.2). Read first tries the process_vm_readv scatter-gather syscall
// and falls back to pread on /proc/<pid>/mem, matching
// original_source/src/memory/mem_access.cpp's AndroidMemoryAccess and
// LinuxMemoryAccess::readMemory, which try process_vm_readv then pread
// in the same order (the vectored syscall needs no open file descriptor
// and is cheaper per call).
func (r *Reader) Read(addr region.Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := unix.ProcessVMReadv(r.pid, localIOVec(buf), remoteIOVec(addr, len(buf)), 0)
	if err == nil && n == len(buf) {
		return nil
	}
	r.warnf("process_vm_readv failed for %s (pid %d): %v; falling back to /proc/%d/mem", addr, r.pid, err, r.pid)

	if ferr := r.readViaMemFile(addr, buf); ferr == nil {
		return nil
	}

	if r.ptraceAttach {
		r.warnf("/proc/%d/mem denied for %s; falling back to PTRACE_ATTACH", r.pid, addr)
		if perr := r.readViaPtrace(addr, buf); perr == nil {
			return nil
		}
	}

	if err == nil {
		err = fmt.Errorf("short read: got %d bytes, want %d", n, len(buf))
	}
	return fmt.Errorf("procmem: read %s: %w", addr, err)
}

// readViaPtrace is the last-resort fallback: it lazily PTRACE_ATTACHes
// the target once (stopping its threads) and reuses that attach for
// every subsequent call, detaching only on Close.
func (r *Reader) readViaPtrace(addr region.Address, buf []byte) error {
	a, err := r.openAttach()
	if err != nil {
		return err
	}
	return a.Read(addr, buf)
}

// openAttach returns the lazily PTRACE_ATTACHed reader, attaching at
// most once even if called concurrently.
func (r *Reader) openAttach() (*AttachReader, error) {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.attached == nil {
		a, err := Attach(r.pid)
		if err != nil {
			return nil, err
		}
		r.attached = a
	}
	return r.attached, nil
}

func (r *Reader) readViaMemFile(addr region.Address, buf []byte) error {
	memF, err := r.openMemFile()
	if err != nil {
		return err
	}
	n, err := memF.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read: got %d bytes, want %d", n, len(buf))
	}
	return nil
}

// openMemFile returns the lazily opened /proc/<pid>/mem handle,
// opening it at most once even if called concurrently.
func (r *Reader) openMemFile() (*os.File, error) {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.memF == nil {
		f, err := os.Open(fmt.Sprintf("/proc/%d/mem", r.pid))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		r.memF = f
	}
	return r.memF, nil
}

// openPageFile returns the lazily opened /proc/<pid>/pagemap handle,
// opening it at most once even if called concurrently.
func (r *Reader) openPageFile() (*os.File, bool) {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.pageF == nil {
		f, err := os.Open(fmt.Sprintf("/proc/%d/pagemap", r.pid))
		if err != nil {
			return nil, false
		}
		r.pageF = f
	}
	return r.pageF, true
}

// IsPagePresent reports whether the page containing addr is resident,
// by inspecting bit 63 of the matching /proc/<pid>/pagemap entry (spec
// §6).
func (r *Reader) IsPagePresent(addr region.Address) bool {
	pageF, ok := r.openPageFile()
	if !ok {
		return false
	}
	var entry [8]byte
	n, err := pageF.ReadAt(entry[:], int64(uint64(addr)/pageSize*8))
	if err != nil || n != len(entry) {
		return false
	}
	word := uint64(entry[0]) | uint64(entry[1])<<8 | uint64(entry[2])<<16 | uint64(entry[3])<<24 |
		uint64(entry[4])<<32 | uint64(entry[5])<<40 | uint64(entry[6])<<48 | uint64(entry[7])<<56
	return word&(1<<63) != 0
}

// IsReadable reports whether all n bytes starting at addr are present.
// It is optional for the scan path (spec §4.2), which simply tolerates
// read failures by skipping.
func (r *Reader) IsReadable(addr region.Address, n int64) bool {
	first := uint64(addr) / pageSize
	last := first
	if n > 0 {
		last = uint64(addr.Add(n-1)) / pageSize
	}
	for p := first; p <= last; p++ {
		if !r.IsPagePresent(region.Address(p * pageSize)) {
			return false
		}
	}
	return true
}

// Close releases any file descriptors opened lazily by Read/IsPagePresent,
// and detaches (resuming the target) if the ptrace fallback was ever used.
func (r *Reader) Close() error {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	var err error
	if r.memF != nil {
		err = r.memF.Close()
	}
	if r.pageF != nil {
		if cerr := r.pageF.Close(); err == nil {
			err = cerr
		}
	}
	if r.attached != nil {
		if derr := r.attached.Detach(); err == nil {
			err = derr
		}
	}
	return err
}

func (r *Reader) warnf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("procmem: "+format, args...)
	}
}

func localIOVec(buf []byte) []unix.Iovec {
	return []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
}

func remoteIOVec(addr region.Address, n int) []unix.RemoteIovec {
	return []unix.RemoteIovec{{Base: uintptr(addr), Len: n}}
}
