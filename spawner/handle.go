package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/spawner/spec"
	"go.uber.org/zap"
)

// reapTimeout bounds how long Kill waits for a signaled process to be reaped.
const reapTimeout = 5 * time.Second

// Handle supervises one worker process.
//
// The handle exclusively owns the OS process and both pipes. Callers must Close it when
// they are done with it, normally with defer: a tethered worker is killed on Close, an
// untethered one is left running.
type Handle struct {
	launcher *Launcher
	log      *zap.SugaredLogger

	spec    spec.LaunchSpec
	argv    []string
	command string

	mu        sync.Mutex
	phase     Phase
	createdAt time.Time
	err       error

	pid    int
	hasPID bool

	proc    *os.Process
	tracker *tracker
	stdin   *os.File
	killed  bool

	closeOnce sync.Once
}

var _ Accessor = (*Handle)(nil)

func failedHandle(s spec.LaunchSpec, err error) *Handle {
	return &Handle{
		log:       defaultLogger.Named("handle").With("handler", s.Handler),
		spec:      s,
		phase:     PhaseLaunched,
		createdAt: time.Now(),
		err:       &LaunchError{Err: err},
	}
}

// Run launches the worker and blocks until it has reported its pid, its stdout has
// closed, or ctx (bounded by the launcher's handshake timeout) is done. Only the first
// call does anything; later calls return the handle unchanged.
//
// Launch and handshake failures do not abort anything else. They are kept on the
// handle and reported by Err.
func (h *Handle) Run(ctx context.Context) *Handle {
	h.mu.Lock()
	if h.phase != PhaseUnlaunched {
		h.mu.Unlock()
		return h
	}
	h.phase = PhaseLaunched
	h.createdAt = time.Now()
	stdout, err := h.startLocked()
	h.mu.Unlock()

	if err != nil {
		h.log.Debugw("launch failed", "Error", err)
		return h
	}

	if d := h.launcher.handshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	pid, err := readPID(ctx, stdout)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.err = err
		h.log.Debugw("pid handshake failed", "Error", err)
		return h
	}
	h.pid, h.hasPID = pid, true
	h.log.Debugw("worker launched", "Worker", h.snapshotLocked())
	return h
}

// startLocked starts the process and returns the read end of its stdout, which the
// handshake owns from then on.
func (h *Handle) startLocked() (*os.File, error) {
	if err := h.spec.Validate(); err != nil {
		h.err = &LaunchError{Command: h.command, Err: err}
		return nil, h.err
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		h.err = &LaunchError{Command: h.command, Err: fmt.Errorf("creating stdin pipe: %w", err)}
		return nil, h.err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		h.err = &LaunchError{Command: h.command, Err: fmt.Errorf("creating stdout pipe: %w", err)}
		return nil, h.err
	}

	cmd := exec.Command(h.argv[0], h.argv[1:]...)
	cmd.Env = h.launcher.environ()
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = h.launcher.stderr
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()
	// The child has its own copies of these now.
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		h.err = &LaunchError{Command: h.command, Err: err}
		return nil, h.err
	}

	h.proc = cmd.Process
	h.tracker = newTracker(cmd.Process)
	h.stdin = stdinW
	return stdoutR, nil
}

// Err returns the launch or handshake failure recorded on the handle, if any.
// It is a *LaunchError or a *HandshakeError.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) PID() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid, h.hasPID
}

// Status polls the launched process without blocking.
//
// This describes the process the OS started, which is not necessarily the worker that
// reported its pid: a detached worker is started through a shell that exits right away.
func (h *Handle) Status() *Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *Handle) statusLocked() *Status {
	if h.proc == nil {
		return nil
	}
	st := h.tracker.poll()
	if !st.Running && h.phase == PhaseLaunched {
		h.phase = PhaseTerminated
	}
	st.Command = h.command
	st.PID = h.proc.Pid
	return &st
}

// Running reports whether the launched process is alive. See Status for its limits.
func (h *Handle) Running() bool {
	st := h.Status()
	return st != nil && st.Running
}

// Property looks up pid, status or running by name. Any other name is an *AccessError.
// An unset pid is returned as nil.
func (h *Handle) Property(name string) (any, error) {
	switch name {
	case "pid":
		if pid, ok := h.PID(); ok {
			return pid, nil
		}
		return nil, nil
	case "status":
		return h.Status(), nil
	case "running":
		return h.Running(), nil
	default:
		return nil, &AccessError{Property: name}
	}
}

// Spec returns the normalized spec the handle was built from.
func (h *Handle) Spec() spec.LaunchSpec {
	s := h.spec
	s.Args = append([]string{}, h.spec.Args...)
	return s
}

// Command returns the command line as it is handed to the OS.
func (h *Handle) Command() string {
	return h.command
}

// CreatedAt returns when Run launched the worker, or the zero time before that.
func (h *Handle) CreatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createdAt
}

func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase == PhaseLaunched && h.proc != nil {
		h.statusLocked()
	}
	return h.phase
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handle) snapshotLocked() Snapshot {
	s := Snapshot{
		Handler:    h.spec.Handler,
		Args:       append([]string{}, h.spec.Args...),
		Tethered:   h.spec.Tethered,
		Background: h.spec.Background,
	}
	if h.hasPID {
		pid := h.pid
		s.PID = &pid
	}
	return s
}

// MarshalJSON encodes the handle's Snapshot.
func (h *Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Snapshot())
}
