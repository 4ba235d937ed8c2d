package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/spawner/config"
	"github.com/guseggert/spawner/spawner"
	"github.com/guseggert/spawner/spec"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var spawnCommand = &cli.Command{
	Name:      "spawn",
	Usage:     "launch a worker and print its handle",
	ArgsUsage: "<handler> [args...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "untethered",
			Usage: "Leave the worker running when this command exits.",
		},
		&cli.BoolFlag{
			Name:  "background",
			Usage: "Detach an untethered worker from its launcher.",
		},
		&cli.StringFlag{
			Name:  "job",
			Usage: "Read the launch options from a YAML file instead of the arguments.",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "Config file to read the environment ID from. Defaults to the nearest " + config.DefaultFileName + ".",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the worker to report its pid.",
			Value: 30 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "Wait for the launched process to exit before returning.",
		},
		&cli.StringFlag{
			Name:  "field",
			Usage: "Print only this property of the handle (pid, status or running).",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		s, err := launchSpec(ctx)
		if err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return cli.Exit(err.Error(), 2)
		}

		provider, err := configProvider(ctx.String("config"))
		if err != nil {
			return err
		}
		launcher, err := spawner.NewLauncher(
			spawner.WithConfig(provider),
			spawner.WithHandshakeTimeout(ctx.Duration("timeout")),
			spawner.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("building launcher: %w", err)
		}

		h := launcher.New(s).Run(ctx.Context)
		defer h.Close()
		if err := h.Err(); err != nil {
			return fmt.Errorf("launching worker: %w", err)
		}
		logger.Info("launched worker", zap.Object("Worker", h.Snapshot()))

		if ctx.Bool("wait") {
			if err := waitExit(ctx.Context, h); err != nil {
				return err
			}
		}

		var out any = h
		if field := ctx.String("field"); field != "" {
			out, err = h.Property(field)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func launchSpec(ctx *cli.Context) (spec.LaunchSpec, error) {
	if path := ctx.String("job"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return spec.LaunchSpec{}, fmt.Errorf("reading job file: %w", err)
		}
		var opts spec.Options
		if err := yaml.Unmarshal(b, &opts); err != nil {
			return spec.LaunchSpec{}, fmt.Errorf("parsing job file %s: %w", path, err)
		}
		return opts.Spec(), nil
	}

	m := map[string]any{
		"handler":  ctx.Args().First(),
		"args":     ctx.Args().Tail(),
		"tethered": !ctx.Bool("untethered"),
	}
	if ctx.Bool("untethered") {
		m["background"] = ctx.Bool("background")
	}
	return spec.FromMap(m), nil
}

func configProvider(path string) (config.Provider, error) {
	if path == "" {
		return config.Default()
	}
	f, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return config.Chain{config.Env{Prefix: "SPAWNER_"}, f}, nil
}

func waitExit(ctx context.Context, h *spawner.Handle) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for h.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
