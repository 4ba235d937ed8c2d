/*
Package spawner launches worker processes from a long-running host and supervises them.

A worker is the host's own entry point invoked with a handler name and arguments, for example
"myhost work reports daily 2024". The launcher starts it with a pipe on stdin and a pipe on
stdout and then waits for the handshake: the worker writes its own pid as the only content of
stdout and closes it (see package worker). The pid the OS hands back for the started process is
not trusted as the worker's pid, since the command may go through a shell first; detached
workers always do.

Every worker gets the host environment plus ENV_ID, the host's environment identifier, and
SUPERVISOR_PID, the pid of the launching process.

A Handle owns the process and its pipes. Tethered handles kill their worker's process tree on
Close, untethered ones leave it running:

	h := launcher.New(spec.Positional("reports", "daily", 2024)).Run(ctx)
	defer h.Close()

Launch and handshake failures are recorded on the handle rather than returned, so callers poll
Running, Status and Err. Running and Status describe the process the OS started. When the
worker's real pid differs from it, as it does for detached workers, they can report the
shell as exited while the worker is still alive.
*/
package spawner
