package net

import (
	"fmt"
	"net"
)

// ListenLoopback listens on an ephemeral TCP port of the IPv4 loopback interface.
func ListenLoopback() (*net.TCPListener, error) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("listening on loopback: %w", err)
	}
	return listener, nil
}

// GetEphemeralTCPPort returns a loopback port that was free at the time of the call.
func GetEphemeralTCPPort() (int, error) {
	listener, err := ListenLoopback()
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
