// Package procfs holds the small set of /proc helpers procmem uses for
// process discovery.
package procfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ResolvePID accepts either a literal pid or a substring of a running
// process's executable basename (spec §6: "process (string): pid or
// executable basename substring") and returns the matching pid.
//
// Grounded on original_source/src/memory/mem_access.cpp's
// setTargetProcess(const std::string&), generalized off its Android
// /proc/<pid>/cmdline scan.
func ResolvePID(nameOrPID string) (int, error) {
	if pid, err := strconv.Atoi(nameOrPID); err == nil {
		if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
			return 0, fmt.Errorf("procfs: pid %d: %w", pid, err)
		}
		return pid, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("procfs: read /proc: %w", err)
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		arg0 := cmdline
		if i := strings.IndexByte(string(cmdline), 0); i >= 0 {
			arg0 = cmdline[:i]
		}
		base := filepath.Base(string(arg0))
		if strings.Contains(base, nameOrPID) {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("procfs: no process matching %q", nameOrPID)
}
