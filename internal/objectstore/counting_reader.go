package objectstore

import "io"

// CountingReader wraps a reader and reports cumulative bytes read after every
// chunk, giving the progress store byte-granular updates while a payload
// streams to storage.
type CountingReader struct {
	reader   io.Reader
	total    int64
	read     int64
	callback func(read, total int64)
}

// NewCountingReader wraps r. Total may be zero or negative when the payload
// size is unknown; callbacks still fire with the running byte count.
func NewCountingReader(r io.Reader, total int64, callback func(read, total int64)) *CountingReader {
	return &CountingReader{reader: r, total: total, callback: callback}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.callback != nil {
			c.callback(c.read, c.total)
		}
	}
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CountingReader) BytesRead() int64 {
	return c.read
}
