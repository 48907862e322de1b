//go:build !windows

package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// pidRunning reports whether pid names a live process that could still own
// a leasequeue pid file. Zombies count as exited.
func pidRunning(pid int) bool {
	if pid <= 0 || pidIsZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// pidIsZombie reads the state field of /proc/<pid>/stat. Systems without
// procfs report false.
func pidIsZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name in field 2 may contain spaces; the state follows the
	// closing parenthesis.
	s := string(data)
	if i := strings.LastIndexByte(s, ')'); i >= 0 {
		s = s[i+1:]
	}
	fields := strings.Fields(s)
	return len(fields) > 0 && fields[0] == "Z"
}
