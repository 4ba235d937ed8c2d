//go:build !windows

package spawner

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr makes the worker lead its own process group, so the whole tree can be
// signaled at once.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// detachedCommand runs argv as an asynchronous list of a throwaway shell. The shell exits
// immediately, leaving the worker orphaned and unwaited.
func detachedCommand(argv []string) []string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return []string{"/bin/sh", "-c", strings.Join(quoted, " ") + " &"}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// killGroup sends SIGKILL to the process group led by pid. The launched process may
// already have exited: its pid cannot become a new group id while the group has members.
func killGroup(pid int, running bool) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing group %d: %w", pid, err)
	}
	return nil
}

// killTree sends SIGKILL to each pid's process group if it leads one, else to the pid.
func killTree(pids []int) []error {
	var errs []error
	for _, pid := range pids {
		target := pid
		if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
			target = -pid
		}
		err := unix.Kill(target, unix.SIGKILL)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("killing %d: %w", target, err))
		}
	}
	return errs
}
