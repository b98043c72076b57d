package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const (
	DefaultReadBuffer = 4096
	DefaultMaxFrame   = 16 << 20
)

// Framer splits a byte stream into newline-terminated frames, joining
// frames that arrive across several reads.
type Framer struct {
	r        *bufio.Reader
	maxFrame int
}

// NewFramer wraps r. Lines longer than the read buffer are assembled from
// raw chunks; lines longer than maxFrame are discarded.
func NewFramer(r io.Reader, bufSize, maxFrame int) *Framer {
	if bufSize <= 0 {
		bufSize = DefaultReadBuffer
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Framer{r: bufio.NewReaderSize(r, bufSize), maxFrame: maxFrame}
}

// Next returns the next frame without its line terminator. ErrFrameTooLarge
// is not fatal: the oversized line has been consumed and the stream is
// positioned at the following frame. Any other error ends the stream.
func (f *Framer) Next() (string, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := f.r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > f.maxFrame+1 {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return "", ErrFrameTooLarge
			}
			line = bytes.TrimSuffix(line, []byte{'\n'})
			line = bytes.TrimSuffix(line, []byte{'\r'})
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			// Partial line; keep reading raw chunks until the newline.
			continue
		default:
			return "", err
		}
	}
}
