package common

import "errors"

// Fatal for the current file; a batch records them and moves on.
var (
	ErrInvalidMagic       = errors.New("invalid magic header")
	ErrTruncatedContainer = errors.New("truncated container")
	ErrKeyUnwrap          = errors.New("key unwrap failed")
)

// Non-fatal: decoding continues without metadata or with a fallback extension.
var (
	ErrMetadataDecode           = errors.New("metadata decode failed")
	ErrUnrecognizedOutputFormat = errors.New("unrecognized output format")
)

// ErrNotEncrypted reports an input that already is a plain audio file.
var ErrNotEncrypted = errors.New("file is not encrypted")

// IsFatal reports whether err must abort the decode of the current file.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrMetadataDecode) && !errors.Is(err, ErrUnrecognizedOutputFormat)
}
