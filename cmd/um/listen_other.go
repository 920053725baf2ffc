//go:build !windows

package main

import (
	"errors"
	"net"
	"os"
)

const defaultServiceAddress = "/tmp/um_service.sock"

func listen(addr string) (net.Listener, error) {
	// a socket left behind by a previous run
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", addr)
}
