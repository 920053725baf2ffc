// Package serialization frames JSON values one per line, as spoken by the
// service socket, and writes the batch response document.
package serialization

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single request line.
const MaxLineSize = 1 << 20

var ErrLineTooLong = errors.New("json line too long")

// LineEncoder writes one compact JSON document per line. It is safe for
// concurrent use, so progress events and responses may interleave.
type LineEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewLineEncoder(w io.Writer) *LineEncoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LineEncoder{enc: enc}
}

func (e *LineEncoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(v)
}

type LineDecoder struct {
	scanner *bufio.Scanner
}

func NewLineDecoder(r io.Reader) *LineDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &LineDecoder{scanner: scanner}
}

// Next decodes the next non-empty line into v. It returns io.EOF once the
// stream is exhausted. A malformed line is reported but does not end the
// stream: the caller may call Next again.
func (d *LineDecoder) Next(v any) error {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("decode json line: %w", err)
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return ErrLineTooLong
		}
		return err
	}
	return io.EOF
}

// IsStreamError reports whether err ends the stream, as opposed to a single
// malformed line.
func IsStreamError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return err != nil && !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}

// ReadDocument decodes a whole JSON document from r.
func ReadDocument(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// WriteIndented writes v as an indented JSON document followed by a newline.
func WriteIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}
