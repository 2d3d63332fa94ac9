package ws

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"log/slog"
)

// SSEClient streams hub payloads as Server-Sent Events. Dashboards that
// cannot hold a websocket open subscribe through this instead.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  *slog.Logger
	closed  bool
}

// NewSSEClient wraps a streaming response writer.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, logger: logger}
}

// Send emits one data frame.
func (c *SSEClient) Send(payload []byte) error {
	return c.write("sse send failed", "data: %s\n\n", payload)
}

// Heartbeat emits a comment frame so proxies keep the connection open.
func (c *SSEClient) Heartbeat() error {
	return c.write("sse heartbeat failed", ": ping\n\n")
}

func (c *SSEClient) write(failMsg, format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.w, format, args...); err != nil {
		c.closed = true
		c.logger.Warn(failMsg, "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed. The HTTP handler owns the underlying
// connection.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
