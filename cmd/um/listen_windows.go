//go:build windows

package main

import (
	"net"

	"github.com/Microsoft/go-winio"
)

const defaultServiceAddress = `\\.\pipe\um_service`

func listen(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}
