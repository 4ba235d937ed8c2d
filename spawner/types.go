package spawner

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Phase is the lifecycle position of a Handle. It only ever moves forward.
type Phase int

const (
	PhaseUnlaunched Phase = iota
	// PhaseLaunched means Run has been called. The launch itself may still have failed, see Handle.Err.
	PhaseLaunched
	// PhaseTerminated means the launched process is known to have exited or been killed.
	PhaseTerminated
	// PhaseDisposed means pipes are closed and the OS resource has been released.
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnlaunched:
		return "unlaunched"
	case PhaseLaunched:
		return "launched"
	case PhaseTerminated:
		return "terminated"
	case PhaseDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is a point-in-time view of the launched OS process.
// ExitCode is -1 unless the process exited normally.
type Status struct {
	Command  string `json:"command"`
	PID      int    `json:"pid"`
	Running  bool   `json:"running"`
	Signaled bool   `json:"signaled"`
	Stopped  bool   `json:"stopped"`
	ExitCode int    `json:"exitcode"`
	TermSig  int    `json:"termsig"`
	StopSig  int    `json:"stopsig"`
}

// Accessor is the read-only query surface of a Handle.
type Accessor interface {
	// PID returns the pid the worker reported during the handshake.
	PID() (int, bool)
	// Status returns nil unless an OS process is held.
	Status() *Status
	// Running reports Status().Running, or false when there is no status.
	Running() bool
}

// Snapshot is the projection of a Handle used for logging and transport.
type Snapshot struct {
	PID        *int     `json:"pid"`
	Handler    string   `json:"handler"`
	Args       []string `json:"args"`
	Tethered   bool     `json:"tethered"`
	Background bool     `json:"background"`
}

func (s Snapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if s.PID != nil {
		enc.AddInt("pid", *s.PID)
	}
	enc.AddString("handler", s.Handler)
	err := enc.AddArray("args", zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
		for _, a := range s.Args {
			ae.AppendString(a)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	enc.AddBool("tethered", s.Tethered)
	enc.AddBool("background", s.Background)
	return nil
}

// LaunchError means the OS process was never started. The handle is permanently dead.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %s", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeError means the process started but never reported a usable pid.
// Content holds whatever the worker wrote, possibly nothing.
type HandshakeError struct {
	Content string
	Err     error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pid handshake: %s", e.Err)
	}
	return fmt.Sprintf("pid handshake: non-numeric content %q", e.Content)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// AccessError is returned for a property lookup outside pid, status and running.
type AccessError struct {
	Property string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%q is not a valid property", e.Property)
}
