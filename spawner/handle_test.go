//go:build !windows

package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/spawner/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func requireGone(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
}

// requireDead waits for pid to exit. Processes that are no longer our children may
// linger as zombies of init for a while, which counts as dead.
func requireDead(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if !alive(pid) {
			return true
		}
		b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		return err == nil && strings.Contains(string(b), ") Z ")
	}, 5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
}

func requirePID(t *testing.T, h *Handle) int {
	t.Helper()
	pid, ok := h.PID()
	require.True(t, ok, "no pid negotiated: %v", h.Err())
	return pid
}

func TestRunNegotiatesPID(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep")).Run(context.Background())
	t.Cleanup(func() { h.Close() })

	require.NoError(t, h.Err())
	pid := requirePID(t, h)

	st := h.Status()
	require.NotNil(t, st)
	assert.Equal(t, pid, st.PID)
	assert.True(t, st.Running)
	assert.Equal(t, -1, st.ExitCode)
	assert.True(t, h.Running())
	assert.Equal(t, PhaseLaunched, h.Phase())
	assert.False(t, h.CreatedAt().IsZero())
}

func TestRunIsIdempotent(t *testing.T) {
	l := newTestLauncher(t)
	out := filepath.Join(t.TempDir(), "runs")

	h := l.New(spec.Positional("record", out, "a", "b"))
	t.Cleanup(func() { h.Close() })

	h.Run(context.Background())
	pid := requirePID(t, h)
	createdAt := h.CreatedAt()

	assert.Same(t, h, h.Run(context.Background()))
	again, _ := h.PID()
	assert.Equal(t, pid, again)
	assert.Equal(t, createdAt, h.CreatedAt())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, fmt.Sprintf("test %d a,b", os.Getpid()), lines[0])
}

func TestTetheredCloseKillsWorker(t *testing.T) {
	l := newTestLauncher(t)

	var pid int
	func() {
		h := l.New(spec.Handler("sleep")).Run(context.Background())
		defer h.Close()
		pid = requirePID(t, h)
		require.True(t, alive(pid))
	}()

	requireGone(t, pid)
}

func TestCloseRunsOnce(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep")).Run(context.Background())
	pid := requirePID(t, h)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	requireGone(t, pid)
	assert.Equal(t, PhaseDisposed, h.Phase())
	assert.Nil(t, h.Status())
	assert.False(t, h.Running())
}

func TestUntetheredCloseLeavesWorkerRunning(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.FromMap(map[string]any{"handler": "sleep", "tethered": false})).Run(context.Background())
	pid := requirePID(t, h)
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })

	require.NoError(t, h.Close())
	assert.Equal(t, PhaseDisposed, h.Phase())
	assert.Nil(t, h.Status())

	time.Sleep(100 * time.Millisecond)
	assert.True(t, alive(pid))
}

func TestDetachedWorkerOutlivesLaunchShell(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.FromMap(map[string]any{"handler": "sleep", "tethered": false, "background": true})).Run(context.Background())
	pid := requirePID(t, h)
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })

	assert.True(t, strings.HasSuffix(h.Command(), " &"), h.Command())

	// The OS started a shell, which exits as soon as the worker is backgrounded.
	st := h.Status()
	require.NotNil(t, st)
	assert.NotEqual(t, pid, st.PID)
	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, alive(pid))

	require.NoError(t, h.Close())
	time.Sleep(100 * time.Millisecond)
	assert.True(t, alive(pid))
}

func TestExplicitKillReachesDetachedWorker(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.FromMap(map[string]any{"handler": "sleep", "tethered": false, "background": true})).Run(context.Background())
	pid := requirePID(t, h)
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })

	h.Kill()
	assert.Equal(t, PhaseDisposed, h.Phase())
	requireDead(t, pid)
}

func TestKillReachesDetachedWorkerDescendants(t *testing.T) {
	l := newTestLauncher(t)
	childFile := filepath.Join(t.TempDir(), "child")
	h := l.New(spec.FromMap(map[string]any{
		"handler":    "forkchild",
		"args":       []string{childFile},
		"tethered":   false,
		"background": true,
	})).Run(context.Background())
	pid := requirePID(t, h)

	b, err := os.ReadFile(childFile)
	require.NoError(t, err)
	childPID, err := strconv.Atoi(string(b))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Kill(pid, unix.SIGKILL)
		_ = unix.Kill(childPID, unix.SIGKILL)
	})

	// The launch shell is gone, so only the group it led still ties the tree together.
	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, 20*time.Millisecond)
	require.True(t, alive(childPID))

	h.Kill()
	requireDead(t, pid)
	requireDead(t, childPID)
}

func TestLateAnnouncingWorkerSurvivesHandshakeTimeout(t *testing.T) {
	l := newTestLauncher(t, WithHandshakeTimeout(200*time.Millisecond))
	h := l.New(spec.FromMap(map[string]any{"handler": "late", "args": "600ms", "tethered": false})).Run(context.Background())
	t.Cleanup(h.Kill)

	assert.ErrorIs(t, h.Err(), context.DeadlineExceeded)
	_, ok := h.PID()
	assert.False(t, ok)

	// Past the point where the worker has written its pid to the abandoned handshake.
	time.Sleep(time.Second)
	st := h.Status()
	require.NotNil(t, st)
	assert.True(t, st.Running)
	assert.False(t, st.Signaled, "worker died of signal %d", st.TermSig)

	// A pid reported after the deadline is not picked up.
	_, ok = h.PID()
	assert.False(t, ok)

	h.Kill()
	requireGone(t, st.PID)
}

func TestStatusIsNotBlockedByReaping(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep")).Run(context.Background())
	pid := requirePID(t, h)

	h.mu.Lock()
	reap := h.killLocked()
	h.mu.Unlock()

	// Signaled but not yet reaped: the handle still answers, and killing again is a no-op.
	st := h.Status()
	require.NotNil(t, st)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, PhaseTerminated, h.Phase())
	h.Kill()
	require.NoError(t, h.Close())
	assert.NotNil(t, h.Status())

	reap()
	assert.Equal(t, PhaseDisposed, h.Phase())
	assert.Nil(t, h.Status())
	requireGone(t, pid)
}

func TestTetheredBackgroundIsNotDetached(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.LaunchSpec{Handler: "sleep", Args: []string{}, Tethered: true, Background: true}).Run(context.Background())
	t.Cleanup(func() { h.Close() })

	assert.False(t, strings.HasSuffix(h.Command(), " &"), h.Command())
	pid := requirePID(t, h)
	assert.Equal(t, pid, h.Status().PID)
}

func TestNeverLaunched(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep"))

	assert.Equal(t, PhaseUnlaunched, h.Phase())
	assert.False(t, h.Running())
	assert.Nil(t, h.Status())
	_, ok := h.PID()
	assert.False(t, ok)
	assert.True(t, h.CreatedAt().IsZero())
	h.Kill()
	assert.Equal(t, PhaseUnlaunched, h.Phase())

	require.NoError(t, h.Close())
	assert.Equal(t, PhaseDisposed, h.Phase())
	h.Run(context.Background())
	assert.Nil(t, h.Status())
	assert.Equal(t, PhaseDisposed, h.Phase())
}

func TestImmediateLaunchesOnConstruction(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Positional("sleep", true))
	t.Cleanup(func() { h.Close() })

	assert.Equal(t, PhaseLaunched, h.Phase())
	requirePID(t, h)
}

func TestWorkerReportedPIDIsUsed(t *testing.T) {
	l := newTestLauncher(t)
	// Untethered, since 4821 is not ours to kill.
	h := l.New(spec.FromMap(map[string]any{"handler": "fakepid", "args": "4821", "tethered": false})).Run(context.Background())
	t.Cleanup(func() { h.Close() })

	require.NoError(t, h.Err())
	pid, ok := h.PID()
	require.True(t, ok)
	assert.Equal(t, 4821, pid)
}

func TestNonNumericHandshakeLeavesPIDUnset(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("garbage")).Run(context.Background())

	_, ok := h.PID()
	assert.False(t, ok)
	var hsErr *HandshakeError
	require.ErrorAs(t, h.Err(), &hsErr)
	assert.Equal(t, "not-a-pid", hsErr.Content)

	st := h.Status()
	require.NotNil(t, st)
	assert.True(t, st.Running)

	// Kill falls back to the launched pid.
	require.NoError(t, h.Close())
	requireGone(t, st.PID)
}

func TestHandshakeTimeout(t *testing.T) {
	l := newTestLauncher(t, WithHandshakeTimeout(300*time.Millisecond))
	start := time.Now()
	h := l.New(spec.Handler("hang")).Run(context.Background())
	assert.Less(t, time.Since(start), 10*time.Second)

	_, ok := h.PID()
	assert.False(t, ok)
	var hsErr *HandshakeError
	require.ErrorAs(t, h.Err(), &hsErr)
	assert.ErrorIs(t, h.Err(), context.DeadlineExceeded)

	st := h.Status()
	require.NotNil(t, st)
	assert.True(t, st.Running)

	require.NoError(t, h.Close())
	requireGone(t, st.PID)
}

func TestHandshakeCanceled(t *testing.T) {
	l := newTestLauncher(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	h := l.New(spec.Handler("hang")).Run(ctx)
	t.Cleanup(func() { h.Close() })

	assert.ErrorIs(t, h.Err(), context.Canceled)
	assert.True(t, h.Running())
}

func TestLaunchFailure(t *testing.T) {
	l := newTestLauncher(t, WithEntryPoint(filepath.Join(t.TempDir(), "no-such-host")))
	h := l.New(spec.Handler("sleep")).Run(context.Background())

	var launchErr *LaunchError
	require.ErrorAs(t, h.Err(), &launchErr)
	assert.Nil(t, h.Status())
	assert.False(t, h.Running())
	h.Kill()
	require.NoError(t, h.Close())
	assert.Equal(t, PhaseDisposed, h.Phase())
}

func TestEmptyHandlerIsLaunchFailure(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Positional()).Run(context.Background())
	t.Cleanup(func() { h.Close() })

	var launchErr *LaunchError
	require.ErrorAs(t, h.Err(), &launchErr)
	var specErr *spec.Error
	assert.ErrorAs(t, h.Err(), &specErr)
	assert.Nil(t, h.Status())
}

func TestExitStatus(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Positional("exit", 3)).Run(context.Background())
	t.Cleanup(func() { h.Close() })
	requirePID(t, h)

	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, 20*time.Millisecond)
	st := h.Status()
	assert.Equal(t, 3, st.ExitCode)
	assert.False(t, st.Signaled)
	assert.Equal(t, PhaseTerminated, h.Phase())

	require.NoError(t, h.Close())
	assert.Equal(t, PhaseDisposed, h.Phase())
}

func TestSignaledAndStoppedStatus(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep")).Run(context.Background())
	t.Cleanup(func() { h.Close() })
	pid := requirePID(t, h)

	require.NoError(t, unix.Kill(pid, unix.SIGSTOP))
	require.Eventually(t, func() bool { return h.Status().Stopped }, 5*time.Second, 20*time.Millisecond)
	st := h.Status()
	assert.True(t, st.Running)
	assert.Equal(t, int(unix.SIGSTOP), st.StopSig)

	require.NoError(t, unix.Kill(pid, unix.SIGTERM))
	require.NoError(t, unix.Kill(pid, unix.SIGCONT))
	require.Eventually(t, func() bool { return !h.Running() }, 5*time.Second, 20*time.Millisecond)
	st = h.Status()
	assert.True(t, st.Signaled)
	assert.Equal(t, int(unix.SIGTERM), st.TermSig)
	assert.Equal(t, -1, st.ExitCode)
}

func TestCreate(t *testing.T) {
	l := newTestLauncher(t)
	h := l.Create(context.Background(), spec.FromMap(map[string]any{"handler": "sleep", "tethered": false, "background": true}))
	t.Cleanup(func() { h.Close() })

	s := h.Spec()
	assert.True(t, s.Tethered)
	assert.False(t, s.Background)
	assert.True(t, s.Immediate)
	assert.Equal(t, PhaseLaunched, h.Phase())
	pid := requirePID(t, h)
	assert.Equal(t, pid, h.Status().PID)
}

func TestPackageCreate(t *testing.T) {
	// The default launcher re-executes this binary with its work subcommand.
	t.Setenv(helperEnv, "1")
	t.Setenv("SPAWNER_ENV_ID", "pkg")
	out := filepath.Join(t.TempDir(), "runs")

	h := Create(context.Background(), spec.FromMap(map[string]any{
		"handler":  "record",
		"args":     []string{out, "x"},
		"tethered": false,
	}))
	t.Cleanup(func() { h.Close() })

	require.NoError(t, h.Err())
	assert.True(t, h.Spec().Tethered)
	pid := requirePID(t, h)
	assert.Contains(t, h.Command(), " work record ")

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pkg %d x", os.Getpid()), strings.TrimSpace(string(b)))

	require.NoError(t, h.Close())
	requireGone(t, pid)
}

func TestCreateWithoutLauncher(t *testing.T) {
	boom := errors.New("no config")
	h := createOn(context.Background(), nil, boom, spec.FromMap(map[string]any{"handler": "sleep", "tethered": false}))

	var launchErr *LaunchError
	require.ErrorAs(t, h.Err(), &launchErr)
	assert.ErrorIs(t, h.Err(), boom)
	s := h.Spec()
	assert.True(t, s.Tethered)
	assert.True(t, s.Immediate)
	assert.Equal(t, PhaseLaunched, h.Phase())
	assert.Nil(t, h.Status())
	assert.False(t, h.Running())

	h.Kill()
	require.NoError(t, h.Close())
	assert.Equal(t, PhaseDisposed, h.Phase())
}

func TestProperty(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Handler("sleep"))
	t.Cleanup(func() { h.Close() })

	v, err := h.Property("pid")
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = h.Property("running")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	h.Run(context.Background())
	pid := requirePID(t, h)
	v, err = h.Property("pid")
	require.NoError(t, err)
	assert.Equal(t, pid, v)
	v, err = h.Property("status")
	require.NoError(t, err)
	assert.Equal(t, pid, v.(*Status).PID)

	for _, name := range []string{"command", "Pid", "", "tethered"} {
		_, err := h.Property(name)
		var accessErr *AccessError
		require.ErrorAs(t, err, &accessErr)
		assert.Equal(t, name, accessErr.Property)
	}
}

func TestSnapshotJSON(t *testing.T) {
	l := newTestLauncher(t)
	h := l.New(spec.Positional("sleep", "x", 2))
	t.Cleanup(func() { h.Close() })

	b, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":null,"handler":"sleep","args":["x","2"],"tethered":true,"background":false}`, string(b))

	h.Run(context.Background())
	pid := requirePID(t, h)
	b, err = json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"pid":%d,"handler":"sleep","args":["x","2"],"tethered":true,"background":false}`, pid), string(b))
}

func TestConcurrentLaunches(t *testing.T) {
	l := newTestLauncher(t)
	handles := make([]*Handle, 4)
	group, ctx := errgroup.WithContext(context.Background())
	for i := range handles {
		i := i
		group.Go(func() error {
			handles[i] = l.New(spec.Handler("sleep")).Run(ctx)
			return handles[i].Err()
		})
	}
	require.NoError(t, group.Wait())

	seen := map[int]bool{}
	for _, h := range handles {
		pid := requirePID(t, h)
		assert.False(t, seen[pid])
		seen[pid] = true
	}
	for _, h := range handles {
		pid, _ := h.PID()
		require.NoError(t, h.Close())
		requireGone(t, pid)
	}
}
