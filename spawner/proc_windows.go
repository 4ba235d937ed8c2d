package spawner

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// detachedCommand starts argv without waiting for it. The empty argument is start's window title.
func detachedCommand(argv []string) []string {
	return append([]string{"cmd", "/c", "start", "", "/b"}, argv...)
}

// killTree kills each pid and all of its descendants.
func killTree(pids []int) []error {
	var errs []error
	for _, pid := range pids {
		kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
		if out, err := kill.CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("taskkill %d: %w: %s", pid, err, out))
		}
	}
	return errs
}

// killGroup kills the launched process and its descendants. Windows reuses pids freely, so an
// exited process is left alone.
func killGroup(pid int, running bool) error {
	if !running {
		return nil
	}
	if errs := killTree([]int{pid}); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
