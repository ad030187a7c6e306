package executor

import (
	"net/http"
)

// captureWriter wraps the client ResponseWriter so the executor knows
// whether an attempt already committed bytes. Once anything has been
// written, fallback to another backend is impossible.
type captureWriter struct {
	http.ResponseWriter
	wroteHeader bool
	bytes       int64
	status      int
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w}
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.wroteHeader = true
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.wroteHeader = true
		c.status = http.StatusOK
	}
	n, err := c.ResponseWriter.Write(p)
	c.bytes += int64(n)
	return n, err
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Committed reports whether the response is already on the wire.
func (c *captureWriter) Committed() bool {
	return c.wroteHeader || c.bytes > 0
}
