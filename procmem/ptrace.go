package procmem

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"pointerchain/region"
)

// AttachReader is a fallback memory reader for the case where
// process_vm_readv and /proc/<pid>/mem are both denied by the kernel's
// yama ptrace_scope but PTRACE_ATTACH is still permitted. Reader opens
// one of these lazily, only when constructed with WithPtraceAttach,
// since attaching stops the target process's threads for the duration.
//
// Grounded on program/server/ptrace.go's ptraceRun/fc/ec pattern: ptrace
// calls must come from the single OS thread that issued PTRACE_ATTACH,
// so a dedicated goroutine with runtime.LockOSThread serializes every
// call the way the teacher's demo/ptrace-linux-amd64 program does.
type AttachReader struct {
	pid int
	fc  chan func() error
	ec  chan error
	die chan struct{}
}

// Attach stops the target process and returns a reader that services
// Read calls via PTRACE_PEEKTEXT. Call Detach when done to resume it.
func Attach(pid int) (*AttachReader, error) {
	a := &AttachReader{
		pid: pid,
		fc:  make(chan func() error),
		ec:  make(chan error),
		die: make(chan struct{}),
	}
	started := make(chan error, 1)
	go a.run(started)
	if err := <-started; err != nil {
		return nil, fmt.Errorf("%w: ptrace attach pid %d: %v", ErrAccessDenied, pid, err)
	}
	return a, nil
}

func (a *AttachReader) run(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.PtraceAttach(a.pid); err != nil {
		started <- err
		return
	}
	// PTRACE_ATTACH sends the tracee a SIGSTOP; it must be reaped here
	// before any other ptrace request, or PTRACE_PEEKTEXT can race the
	// stop and fail with ESRCH (ptrace(2)).
	var status unix.WaitStatus
	if _, err := unix.Wait4(a.pid, &status, 0, nil); err != nil {
		started <- err
		return
	}
	started <- nil
	for {
		select {
		case f := <-a.fc:
			a.ec <- f()
		case <-a.die:
			return
		}
	}
}

func (a *AttachReader) call(f func() error) error {
	a.fc <- f
	return <-a.ec
}

// Read fills buf via PTRACE_PEEKTEXT. Like Reader.Read, a short read is
// always a failure.
func (a *AttachReader) Read(addr region.Address, buf []byte) error {
	return a.call(func() error {
		n, err := unix.PtracePeekText(a.pid, uintptr(addr), buf)
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short ptrace peek: got %d bytes, want %d", n, len(buf))
		}
		return nil
	})
}

// Detach resumes the target process and stops the dedicated ptrace
// goroutine.
func (a *AttachReader) Detach() error {
	err := a.call(func() error {
		return unix.PtraceDetach(a.pid)
	})
	close(a.die)
	return err
}
