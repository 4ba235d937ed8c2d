package worker

import (
	"fmt"
	"os"
)

func detachStdout() error {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	if err := os.Stdout.Close(); err != nil {
		null.Close()
		return fmt.Errorf("closing stdout: %w", err)
	}
	os.Stdout = null
	return nil
}
