// Package spec normalizes the ways a caller can describe a worker launch into a single LaunchSpec.
//
// There are three entry points and they all agree with each other:
//
//	spec.Handler("reports daily 2024")
//	spec.Positional("reports", "daily", 2024, false)
//	spec.FromMap(map[string]any{"handler": "reports", "args": "daily 2024"})
//
// Normalization never fails. A missing handler is carried through as an empty string and
// reported by Validate, which the launcher calls before starting anything.
package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// LaunchSpec is the canonical description of what to launch and how.
type LaunchSpec struct {
	// Handler is the named unit of work the host executes in the child process.
	Handler string
	// Args are passed positionally after the handler. Never nil once normalized.
	Args []string
	// Tethered binds the worker's lifetime to its handle's scope.
	Tethered bool
	// Background detaches the worker from the launcher. Only honored when Tethered is false.
	Background bool
	// Immediate launches the worker as soon as the handle is constructed.
	Immediate bool
}

// Error is returned by Validate for an unusable spec.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid launch spec: %s %s", e.Field, e.Reason)
}

// Validate reports a *Error if s cannot be launched.
func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Handler) == "" {
		return &Error{Field: "handler", Reason: "is empty"}
	}
	return nil
}

// Detached reports whether the worker should be detached from the launcher.
// A tethered worker is never detached since its handle needs a kill target.
func (s LaunchSpec) Detached() bool {
	return s.Background && !s.Tethered
}

func defaults() LaunchSpec {
	return LaunchSpec{Args: []string{}, Tethered: true}
}

// Handler builds a spec from a handler name. A name containing whitespace is split,
// the first field being the handler and the rest its arguments.
func Handler(name string) LaunchSpec {
	s := defaults()
	s.Handler, s.Args = splitHandler(name, s.Args)
	return s
}

// Positional builds a spec from a handler followed by its arguments.
// If the last value is a bool it is removed from the arguments and used as Immediate.
func Positional(values ...any) LaunchSpec {
	s := defaults()
	if len(values) == 0 {
		return s
	}

	rest := values[1:]
	if n := len(rest); n > 0 {
		if b, ok := rest[n-1].(bool); ok {
			s.Immediate = b
			rest = rest[:n-1]
		}
	}

	var head []string
	s.Handler, head = splitHandler(render(values[0]), nil)
	s.Args = append(s.Args, head...)
	for _, v := range rest {
		s.Args = append(s.Args, render(v))
	}
	return s
}

// FromMap builds a spec from a loosely typed options map, as decoded from JSON or YAML.
//
// Recognized keys are handler (or controller), args (or controller_args), tethered,
// background and immediate. A string args value is split on whitespace; a list is used as is.
// Background is only read when tethered is false.
func FromMap(m map[string]any) LaunchSpec {
	s := defaults()

	handler, ok := m["handler"]
	if !ok {
		handler = m["controller"]
	}
	if handler != nil {
		s.Handler, s.Args = splitHandler(render(handler), s.Args)
	}

	args, ok := m["args"]
	if !ok {
		args = m["controller_args"]
	}
	s.Args = append(s.Args, renderArgs(args)...)

	if v, ok := m["tethered"]; ok {
		s.Tethered = truthy(v)
	}
	if v, ok := m["background"]; ok && !s.Tethered {
		s.Background = truthy(v)
	}
	if v, ok := m["immediate"]; ok {
		s.Immediate = truthy(v)
	}
	return s
}

func splitHandler(name string, args []string) (string, []string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", args
	}
	return fields[0], append(args, fields[1:]...)
}

func renderArgs(v any) []string {
	switch a := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(a)
	case []string:
		return append([]string(nil), a...)
	case []any:
		out := make([]string, 0, len(a))
		for _, e := range a {
			out = append(out, render(e))
		}
		return out
	default:
		return []string{render(a)}
	}
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
