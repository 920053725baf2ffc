package common

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// StreamDecoder XORs a chunk of payload in place. offset is the absolute
// payload position of buf[0], so any range can be decoded independently.
type StreamDecoder interface {
	Decrypt(buf []byte, offset int)
}

type Decoder interface {
	// Validate parses the container and prepares the decoder for Read.
	Validate() error
	io.Reader
}

type CoverImageGetter interface {
	GetCoverImage(ctx context.Context) ([]byte, error)
}

type AudioMetaGetter interface {
	GetAudioMeta(ctx context.Context) (AudioMeta, error)
}

// FormatDeclarer is implemented by decoders whose container carries a
// declared output format (or can infer one from the input extension).
type FormatDeclarer interface {
	DeclaredFormat() string
}

type DecoderParams struct {
	Reader    io.ReadSeeker // required
	Extension string        // required, source extension, eg. ".mflac"
	FilePath  string        // optional, source file path

	Logger *zap.Logger // required
}

// RawPayloadGetter is implemented by decoders whose cipher is offset
// addressable. It hands out the still encrypted payload so that callers can
// decode ranges in parallel instead of going through Read. It must be called
// after Validate and before the first Read.
type RawPayloadGetter interface {
	RawPayload() (payload io.Reader, length int64, cipher StreamDecoder)
}
