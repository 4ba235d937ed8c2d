//go:build !linux && !windows

package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func detachStdout() error {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer null.Close()
	if err := unix.Dup2(int(null.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("redirecting stdout: %w", err)
	}
	return nil
}
