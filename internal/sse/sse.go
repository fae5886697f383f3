// Package sse encodes hub frames as text/event-stream and reads them back.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/KKKKjl/pushkit/internal/hub"
)

const ContentType = "text/event-stream"

const maxLineBytes = 1 << 20

var dataPrefix = []byte("data:")

// WriteFrame writes one frame as a single data line.
func WriteFrame(w io.Writer, frame hub.Frame) error {
	buf, err := json.Marshal(&frame)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", buf)
	return err
}

// WriteRetry tells EventSource how long to wait before reconnecting.
func WriteRetry(w io.Writer, d time.Duration) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", d.Milliseconds())
	return err
}

// Reader yields the data payload of each event in a stream. Comments and
// fields other than data are skipped.
type Reader struct {
	scanner *bufio.Scanner
	data    bytes.Buffer
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	return &Reader{scanner: scanner}
}

// Next returns the data of the next event. It returns io.EOF once the stream
// ends cleanly.
func (r *Reader) Next() ([]byte, error) {
	r.data.Reset()

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if len(line) == 0 {
			if r.data.Len() > 0 {
				return append([]byte(nil), r.data.Bytes()...), nil
			}
			continue
		}

		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		value := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
		if r.data.Len() > 0 {
			r.data.WriteByte('\n')
		}
		r.data.Write(value)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if r.data.Len() > 0 {
		return append([]byte(nil), r.data.Bytes()...), nil
	}

	return nil, io.EOF
}
