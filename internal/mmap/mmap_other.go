//go:build !unix && !windows

package mmap

import "os"

func mmapFile(_ *os.File, _ int64) ([]byte, func() error, error) {
	return nil, nil, errUnsupported
}
