package transfer

import (
	"hash"
	"io"
)

// countingReader reports cumulative bytes read to fn.
type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    func(loaded, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.fn(c.n, c.total)
	}
	return n, err
}

// countingWriter counts and hashes payload bytes as they stream through.
type countingWriter struct {
	n int64
	h hash.Hash64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return c.h.Write(p)
}
