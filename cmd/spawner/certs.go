package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/guseggert/spawner/agent"
	"github.com/urfave/cli/v2"
)

// PEM file names written by the certs command and read by agent --tls-dir.
const (
	caCertFile     = "ca.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
	clientCertFile = "client.pem"
	clientKeyFile  = "client-key.pem"
)

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA and mTLS certs for an agent",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "host",
			Usage:    "Host name or IP the agent is reached at. Repeatable.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory to write the PEM files to.",
			Value: ".",
		},
	},
	Action: func(ctx *cli.Context) error {
		return writeCerts(ctx.String("dir"), ctx.StringSlice("host"))
	},
}

func writeCerts(dir string, hosts []string) error {
	certs, err := agent.GenerateCerts(hosts...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		caCertFile:     certs.CA.CertPEMBytes,
		serverCertFile: certs.Server.CertPEMBytes,
		serverKeyFile:  certs.Server.KeyPEMBytes,
		clientCertFile: certs.Client.CertPEMBytes,
		clientKeyFile:  certs.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// readServerPEMs reads the agent's side of what writeCerts wrote.
func readServerPEMs(dir string) (caCert, cert, key []byte, err error) {
	read := func(name string) []byte {
		if err != nil {
			return nil
		}
		var b []byte
		b, err = os.ReadFile(filepath.Join(dir, name))
		return b
	}
	caCert, cert, key = read(caCertFile), read(serverCertFile), read(serverKeyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading TLS files: %w", err)
	}
	return caCert, cert, key, nil
}
