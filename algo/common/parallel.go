package common

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the range size handed to each worker by DecryptParallel.
const DefaultChunkSize = 1 << 20

// DecryptParallel decodes buf in place, buf[0] being at payload position
// offset. The masks of every StreamDecoder here depend only on the position,
// so ranges are decoded concurrently and the result is identical to a single
// sequential Decrypt call.
func DecryptParallel(ctx context.Context, sd StreamDecoder, buf []byte, offset int, chunkSize int, workers int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(buf) <= chunkSize || workers == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		sd.Decrypt(buf, offset)
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(buf); start += chunkSize {
		end := min(start+chunkSize, len(buf))
		chunk, pos := buf[start:end], offset+start
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sd.Decrypt(chunk, pos)
			return nil
		})
	}
	return g.Wait()
}

// DecodeAll reads the whole raw payload of d and decodes it with
// DecryptParallel.
func DecodeAll(ctx context.Context, d RawPayloadGetter, chunkSize int, workers int) ([]byte, error) {
	payload, length, cipher := d.RawPayload()
	buf := make([]byte, length)
	if _, err := io.ReadFull(payload, buf); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := DecryptParallel(ctx, cipher, buf, 0, chunkSize, workers); err != nil {
		return nil, err
	}
	return buf, nil
}
