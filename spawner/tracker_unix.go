//go:build !windows

package spawner

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// tracker observes the launched process through wait4, which is how the stopped and
// signaled states can be reported without blocking.
type tracker struct {
	pid int

	mu    sync.Mutex
	final bool
	last  Status
}

func newTracker(p *os.Process) *tracker {
	return &tracker{pid: p.Pid, last: Status{Running: true, ExitCode: -1}}
}

func (t *tracker) poll() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return t.last
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(t.pid, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
	switch {
	case errors.Is(err, unix.EINTR):
	case err != nil:
		// Reaped by someone else, the exit status is gone.
		t.final = true
		t.last = Status{ExitCode: -1}
	case wpid == t.pid:
		t.apply(ws)
	}
	return t.last
}

func (t *tracker) apply(ws unix.WaitStatus) {
	switch {
	case ws.Exited():
		t.final = true
		t.last = Status{ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		t.final = true
		t.last = Status{Signaled: true, TermSig: int(ws.Signal()), ExitCode: -1}
	case ws.Stopped():
		t.last = Status{Running: true, Stopped: true, StopSig: int(ws.StopSignal()), ExitCode: -1}
	case ws.Continued():
		t.last = Status{Running: true, ExitCode: -1}
	}
}

// reap blocks until the process has exited and been reaped.
func (t *tracker) reap() {
	for {
		t.mu.Lock()
		if t.final {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		var ws unix.WaitStatus
		_, err := unix.Wait4(t.pid, &ws, 0, nil)

		t.mu.Lock()
		switch {
		case t.final:
			// poll got there first
		case errors.Is(err, unix.EINTR):
		case err != nil:
			t.final = true
			t.last = Status{ExitCode: -1}
		default:
			t.apply(ws)
		}
		t.mu.Unlock()
	}
}

// wait reaps the process, giving up after timeout. It reports whether the process was reaped.
func (t *tracker) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.reap()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// detach leaves the process running and reaps it in the background whenever it exits.
func (t *tracker) detach() {
	go t.reap()
}
