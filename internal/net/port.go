package net

import (
	"fmt"
	"net"
	"time"
)

// FreeTCPPort asks the kernel for an unused port on the loopback interface.
// The port is released before returning, so it can be taken by someone else in the meantime.
func FreeTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// LoopbackAddr returns a free "127.0.0.1:port" address.
func LoopbackAddr() (string, error) {
	port, err := FreeTCPPort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}

// Listening reports whether something accepts TCP connections on addr.
func Listening(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
