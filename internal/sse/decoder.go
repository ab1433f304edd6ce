package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// ErrStreamClosed is returned by Decoder.Next after the stream has
// delivered the [DONE] sentinel or the underlying reader has drained.
var ErrStreamClosed = errors.New("sse: stream closed")

const dataPrefix = "data: "

// Decoder incrementally parses an SSE byte stream back into frame
// payloads. Reads from the underlying stream may split frames at
// arbitrary points; the decoder buffers until a full "\n\n"-terminated
// frame is available.
type Decoder struct {
	r      io.Reader
	buf    bytes.Buffer
	chunk  []byte
	closed bool
}

// NewDecoder wraps r for frame-by-frame reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Next returns the payload of the next frame with the "data: " prefix
// stripped. The [DONE] sentinel is returned as its raw text; every call
// after that returns ErrStreamClosed. Frames without the data prefix
// are skipped.
func (d *Decoder) Next() (string, error) {
	if d.closed {
		return "", ErrStreamClosed
	}
	for {
		if payload, ok := d.takeFrame(); ok {
			if payload == DoneSentinel {
				d.closed = true
			}
			return payload, nil
		}
		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf.Write(d.chunk[:n])
			continue
		}
		if err != nil {
			d.closed = true
			if err == io.EOF {
				return "", ErrStreamClosed
			}
			return "", err
		}
	}
}

// takeFrame pops one complete frame off the buffer if present.
func (d *Decoder) takeFrame() (string, bool) {
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return "", false
		}
		frame := string(raw[:idx])
		d.buf.Next(idx + 2)
		if strings.HasPrefix(frame, dataPrefix) {
			return strings.TrimPrefix(frame, dataPrefix), true
		}
		// Comment or unknown field; keep scanning.
	}
}
