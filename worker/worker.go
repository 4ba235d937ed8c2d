// Package worker is the child side of the pid handshake.
//
// A worker started by a spawner.Launcher must call Announce as soon as it starts, before
// writing anything else to stdout. Announce writes the worker's own pid as the only content
// of stdout and then closes it, which is what lets the launcher's handshake read complete.
// After Announce returns, os.Stdout points at the null device.
package worker

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

const (
	// EnvIDVar carries the host's environment identifier.
	EnvIDVar = "ENV_ID"
	// SupervisorPIDVar carries the pid of the launching process.
	SupervisorPIDVar = "SUPERVISOR_PID"
)

// Announce performs the handshake on the process's real stdout.
func Announce() error {
	if err := WritePID(os.Stdout, os.Getpid()); err != nil {
		return err
	}
	return detachStdout()
}

// WritePID writes pid in the handshake format.
func WritePID(w io.Writer, pid int) error {
	if _, err := io.WriteString(w, strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("writing pid: %w", err)
	}
	return nil
}

// Supervised reports whether this process was started by a launcher.
func Supervised() bool {
	_, ok := SupervisorPID()
	return ok
}

// SupervisorPID returns the pid of the launching process, if set.
func SupervisorPID() (int, bool) {
	v, ok := os.LookupEnv(SupervisorPIDVar)
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// EnvID returns the environment identifier the launcher injected, or "" if unset.
func EnvID() string {
	return os.Getenv(EnvIDVar)
}
