package provider

import (
	"bufio"
	"bytes"
	"io"
)

// CaptureReader reads a JSONL capture of raw notifications, one per line.
type CaptureReader struct {
	scanner *bufio.Scanner
}

// NewCaptureReader creates a CaptureReader over r.
func NewCaptureReader(r io.Reader) *CaptureReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &CaptureReader{scanner: s}
}

// Next returns the next non-blank line, or false at EOF. Lines starting
// with '#' are comments.
func (c *CaptureReader) Next() ([]byte, bool) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, true
	}
	return nil, false
}

// Err returns the first read error, if any.
func (c *CaptureReader) Err() error {
	return c.scanner.Err()
}
