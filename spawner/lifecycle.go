package spawner

import (
	"errors"
	"os"
)

// Kill forcibly terminates the worker's process tree, closes the pipes and releases the
// OS process. Delivery is not verified; failures are only logged. Kill does nothing on a
// handle that was never launched, failed to launch, or is already disposed.
//
// The handle's lock is not held while the killed process is reaped, so Status and the
// other accessors stay responsive.
func (h *Handle) Kill() {
	h.mu.Lock()
	reap := h.killLocked()
	h.mu.Unlock()
	reap()
}

// killLocked signals the tree and returns the step that reaps and releases the process,
// which must run without h.mu held.
func (h *Handle) killLocked() func() {
	if h.proc == nil || h.killed {
		return func() {}
	}
	h.killed = true

	st := h.statusLocked()
	var targets []int
	if h.hasPID && h.pid != h.proc.Pid {
		targets = append(targets, h.pid)
	}
	for _, err := range killTree(targets) {
		h.log.Debugw("kill not confirmed", "Error", err)
	}
	// The launched process leads the group every descendant starts in, including a detached
	// worker whose shell has already exited.
	if err := killGroup(h.proc.Pid, st.Running); err != nil {
		h.log.Debugw("kill not confirmed", "Error", err)
	}
	h.phase = PhaseTerminated
	h.closePipesLocked()

	tracker, pid := h.tracker, h.proc.Pid
	return func() {
		if !tracker.wait(reapTimeout) {
			h.log.Debugw("process not reaped after kill", "PID", pid)
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.releaseLocked()
	}
}

// Close ends the handle's scope. A tethered worker is killed; an untethered one keeps
// running and is no longer tracked. Only the first call has any effect. Close always
// returns nil.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		reap := h.closeLocked()
		h.mu.Unlock()
		reap()
	})
	return nil
}

func (h *Handle) closeLocked() func() {
	switch {
	case h.proc == nil:
		h.disposeLocked()
	case h.killed:
		// a Kill in progress finishes the release
	case h.spec.Tethered:
		return h.killLocked()
	default:
		h.log.Debugw("releasing untethered worker", "Worker", h.snapshotLocked())
		h.closePipesLocked()
		h.tracker.detach()
		h.releaseLocked()
	}
	return func() {}
}

// closePipesLocked closes the parent's end of stdin. The stdout read end belongs to the
// handshake, which closes it at EOF.
func (h *Handle) closePipesLocked() {
	if h.stdin == nil {
		return
	}
	if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.log.Debugf("error closing pipe: %s", err)
	}
	h.stdin = nil
}

func (h *Handle) releaseLocked() {
	if h.proc == nil {
		return
	}
	if err := h.proc.Release(); err != nil {
		h.log.Debugf("error releasing process: %s", err)
	}
	h.proc = nil
	h.tracker = nil
	h.phase = PhaseDisposed
}

func (h *Handle) disposeLocked() {
	h.closePipesLocked()
	h.phase = PhaseDisposed
}
