package sandbox

import (
	"bytes"
	"strings"
)

const (
	defaultMaxStdout = 1 << 20
	defaultMaxStderr = 256 * 1024
	truncatedMarker  = "\n... [output truncated]"
)

// cappedBuffer keeps at most limit bytes and silently discards the rest,
// so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	switch {
	case remaining <= 0:
		c.dropped += int64(len(p))
	case len(p) > remaining:
		c.buf.Write(p[:remaining])
		c.dropped += int64(len(p) - remaining)
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) Truncated() bool {
	return c.dropped > 0
}

// String decodes the captured bytes, replacing invalid UTF-8.
func (c *cappedBuffer) String() string {
	s := decodeOutput(c.buf.Bytes())
	if c.Truncated() {
		s += truncatedMarker
	}
	return s
}

func decodeOutput(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
