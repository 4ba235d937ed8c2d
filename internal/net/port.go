package net

import (
	"fmt"
	"net"
)

// LoopbackAddr returns a loopback host:port whose port was free when this was called.
func LoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
