package spawner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/spawner/config"
	"github.com/guseggert/spawner/spec"
	"github.com/guseggert/spawner/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const loggerName = "spawner"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Launcher turns launch specs into running workers.
// A Launcher holds no per-worker state and may be shared by goroutines.
type Launcher struct {
	log *zap.SugaredLogger

	entryPoint       []string
	config           config.Provider
	envID            string
	extraEnv         []string
	stderr           *os.File
	handshakeTimeout time.Duration
}

type Option func(l *Launcher)

// WithEntryPoint sets the host command that the handler name and arguments are appended to.
// The default is the running executable followed by "work".
func WithEntryPoint(argv ...string) Option {
	return func(l *Launcher) {
		l.entryPoint = argv
	}
}

// WithConfig sets the provider the environment identifier is read from.
func WithConfig(p config.Provider) Option {
	return func(l *Launcher) {
		l.config = p
	}
}

// WithEnv adds KEY=value pairs to every worker's environment, after the host's own.
func WithEnv(kv ...string) Option {
	return func(l *Launcher) {
		l.extraEnv = append(l.extraEnv, kv...)
	}
}

// WithStderr sets the file workers write stderr to. Defaults to the host's stderr.
func WithStderr(f *os.File) Option {
	return func(l *Launcher) {
		l.stderr = f
	}
}

// WithHandshakeTimeout bounds how long Run waits for the worker to report its pid.
// Zero, the default, waits until the worker closes stdout or Run's context is done.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.handshakeTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(la *Launcher) {
		la.log = l.Sugar().Named(loggerName)
	}
}

func WithLogLevel(lvl zapcore.Level) Option {
	return func(l *Launcher) {
		l.log = l.log.WithOptions(zap.IncreaseLevel(lvl))
	}
}

// NewLauncher constructs a Launcher. The environment identifier is read from the
// configuration provider once, here.
func NewLauncher(opts ...Option) (*Launcher, error) {
	l := &Launcher{
		log:    defaultLogger,
		stderr: os.Stderr,
	}
	for _, o := range opts {
		o(l)
	}
	if len(l.entryPoint) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving host executable: %w", err)
		}
		l.entryPoint = []string{exe, "work"}
	}
	l.envID = config.EnvironmentID(l.config)
	return l, nil
}

// EnvID is the environment identifier injected into workers.
func (l *Launcher) EnvID() string {
	return l.envID
}

// New returns an unlaunched handle for s, or a launched one if s.Immediate is set.
func (l *Launcher) New(s spec.LaunchSpec) *Handle {
	h := l.newHandle(s)
	if s.Immediate {
		h.Run(context.Background())
	}
	return h
}

// Create launches a tethered, foreground worker and returns its handle.
func (l *Launcher) Create(ctx context.Context, s spec.LaunchSpec) *Handle {
	s.Tethered = true
	s.Background = false
	s.Immediate = true
	h := l.newHandle(s)
	return h.Run(ctx)
}

func (l *Launcher) newHandle(s spec.LaunchSpec) *Handle {
	if s.Args == nil {
		s.Args = []string{}
	}
	argv := l.commandLine(s)
	return &Handle{
		launcher: l,
		log:      l.log.Named("handle").With("handler", s.Handler),
		spec:     s,
		argv:     argv,
		command:  strings.Join(argv, " "),
	}
}

// commandLine is the entry point, handler and args, wrapped in a detaching shell
// invocation when s asks for a detached worker.
func (l *Launcher) commandLine(s spec.LaunchSpec) []string {
	argv := make([]string, 0, len(l.entryPoint)+1+len(s.Args))
	argv = append(argv, l.entryPoint...)
	argv = append(argv, s.Handler)
	argv = append(argv, s.Args...)
	if s.Detached() {
		return detachedCommand(argv)
	}
	return argv
}

func (l *Launcher) environ() []string {
	env := os.Environ()
	env = append(env, l.extraEnv...)
	return append(env,
		worker.EnvIDVar+"="+l.envID,
		worker.SupervisorPIDVar+"="+strconv.Itoa(os.Getpid()),
	)
}

var (
	defaultOnce     sync.Once
	defaultLauncher *Launcher
	defaultErr      error
)

// Default returns the package launcher, configured from the SPAWNER_ environment and
// spawner.yaml as described by config.Default.
func Default() (*Launcher, error) {
	defaultOnce.Do(func() {
		p, err := config.Default()
		if err != nil {
			defaultErr = err
			return
		}
		defaultLauncher, defaultErr = NewLauncher(WithConfig(p))
	})
	return defaultLauncher, defaultErr
}

// Create launches s on the default launcher as a tethered, foreground worker.
// The caller owns the returned handle and should defer its Close.
func Create(ctx context.Context, s spec.LaunchSpec) *Handle {
	l, err := Default()
	return createOn(ctx, l, err, s)
}

// createOn is Create on l, or a failed handle carrying err if l could not be built.
func createOn(ctx context.Context, l *Launcher, err error, s spec.LaunchSpec) *Handle {
	if err != nil {
		s.Tethered, s.Background, s.Immediate = true, false, true
		return failedHandle(s, err)
	}
	return l.Create(ctx, s)
}
