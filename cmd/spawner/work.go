package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/guseggert/spawner/worker"
	"github.com/urfave/cli/v2"
)

// handlers are the built-in worker entry points. They run after the pid has been
// announced, so stdout is no longer available and any output goes to stderr.
var handlers = map[string]func(args []string) error{
	"sleep": func(args []string) error {
		d := time.Minute
		if len(args) > 0 {
			var err error
			d, err = time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
		}
		time.Sleep(d)
		return nil
	},
	"echo": func(args []string) error {
		_, err := fmt.Fprintln(os.Stderr, strings.Join(args, " "))
		return err
	},
	"env": func(args []string) error {
		pid, _ := worker.SupervisorPID()
		_, err := fmt.Fprintf(os.Stderr, "%s=%s %s=%d\n", worker.EnvIDVar, worker.EnvID(), worker.SupervisorPIDVar, pid)
		return err
	},
}

var workCommand = &cli.Command{
	Name:      "work",
	Usage:     "run a built-in worker handler (normally invoked by the launcher)",
	ArgsUsage: "<handler> [args...]",
	Action: func(ctx *cli.Context) error {
		name := ctx.Args().First()
		handler, ok := handlers[name]
		if !ok {
			return cli.Exit(fmt.Sprintf("unknown handler %q", name), 2)
		}
		if err := worker.Announce(); err != nil {
			return fmt.Errorf("announcing pid: %w", err)
		}
		return handler(ctx.Args().Tail())
	},
}
