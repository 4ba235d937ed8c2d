package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/spawner/agent"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var agentCommand = &cli.Command{
	Name:  "agent",
	Usage: "serve the launch API over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [close,exit,none].",
			Value: "none",
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before acting. Zero disables the check.",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:  "tls-dir",
			Usage: "Directory written by the certs command. Enables mTLS.",
		},
		&cli.StringFlag{
			Name:  "ca-cert-pem",
			Usage: "The CA cert PEM bytes to use (base64-encoded). Enables mTLS.",
		},
		&cli.StringFlag{
			Name:  "cert-pem",
			Usage: "The cert PEM bytes to use (base64-encoded).",
		},
		&cli.StringFlag{
			Name:  "key-pem",
			Usage: "The key PEM bytes to use (base64-encoded).",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		var heartbeatFailureHandler func(*agent.Agent)
		switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
		case "close":
			heartbeatFailureHandler = agent.HeartbeatFailureCloseAll
		case "exit":
			heartbeatFailureHandler = agent.HeartbeatFailureExit
		case "none":
			// nothing
		default:
			return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
		}

		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithListenAddr(ctx.String("listen-addr")),
			agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
			agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		}

		switch {
		case ctx.String("tls-dir") != "":
			caCertPEMBytes, certPEMBytes, keyPEMBytes, err := readServerPEMs(ctx.String("tls-dir"))
			if err != nil {
				return err
			}
			opts = append(opts, agent.WithTLS(caCertPEMBytes, certPEMBytes, keyPEMBytes))
		case ctx.String("ca-cert-pem") != "":
			caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}
			opts = append(opts, agent.WithTLS(caCertPEMBytes, certPEMBytes, keyPEMBytes))
		}

		a, err := agent.NewAgent(opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		var group errgroup.Group
		group.Go(a.Run)
		go func() {
			select {
			case sig := <-sigs:
				logger.Sugar().Infof("received %s, stopping", sig)
			case <-ctx.Context.Done():
			}
			if err := a.Stop(); err != nil {
				logger.Sugar().Debugf("error stopping agent: %s", err)
			}
		}()
		return group.Wait()
	},
}
