package utils

import (
	"context"
	"errors"
	"io"

	"unlock-music.dev/um/internal/pool"
)

// OptimizedCopy is io.Copy with a pooled buffer.
func OptimizedCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := pool.GetMediumBuffer()
	defer pool.PutBuffer(buf)
	return io.CopyBuffer(dst, src, buf)
}

// CopyContext copies like OptimizedCopy and stops between chunks once ctx is
// done.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := pool.GetMediumBuffer()
	defer pool.PutBuffer(buf)
	return CopyContextBuffer(ctx, dst, src, buf)
}

// CopyContextBuffer is CopyContext with a caller supplied buffer.
func CopyContextBuffer(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, errors.New("copy: empty buffer")
	}
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		} else if rerr != nil {
			return written, rerr
		}
	}
}
