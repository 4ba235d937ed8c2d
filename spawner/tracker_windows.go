package spawner

import (
	"os"
	"sync"
	"time"
)

// tracker waits on the process in the background, since Windows has no non-blocking wait.
// Stopped and signaled are never reported.
type tracker struct {
	done chan struct{}

	mu   sync.Mutex
	last Status
}

func newTracker(p *os.Process) *tracker {
	t := &tracker{
		done: make(chan struct{}),
		last: Status{Running: true, ExitCode: -1},
	}
	go func() {
		defer close(t.done)
		ps, err := p.Wait()
		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil || ps == nil {
			t.last = Status{ExitCode: -1}
			return
		}
		t.last = Status{ExitCode: ps.ExitCode()}
	}()
	return t
}

func (t *tracker) poll() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *tracker) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *tracker) detach() {}
