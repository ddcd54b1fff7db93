// Package connio implements the per-socket Connection object: read/write
// byte buffers, a mutex, and request extraction.
package connio

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Connection owns exactly one file descriptor for its entire lifetime.
// Close is idempotent.
type Connection struct {
	fd int

	mu         sync.Mutex
	readBuf    []byte
	writeBuf   []byte
	closed     bool
	dispatcher bool     // true while a dispatch loop is draining pending for this connection
	pending    [][]byte // requests extracted but not yet handed to a dispatch loop
}

// New wraps an already-accepted, already-non-blocking fd.
func New(fd int) *Connection {
	return &Connection{fd: fd}
}

// FD returns the underlying file descriptor, for epoll registration.
func (c *Connection) FD() int { return c.fd }

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the socket. Safe to call more than once and from any
// goroutine.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = unix.Close(c.fd)
}

// OnReadable drains as much as is currently available into the read
// buffer. Returns false if the connection should be removed (peer closed
// or a hard error occurred); EAGAIN/EWOULDBLOCK is benign and returns true.
func (c *Connection) OnReadable() bool {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.mu.Lock()
			c.readBuf = append(c.readBuf, buf[:n]...)
			c.mu.Unlock()
		}
		if n == 0 {
			c.Close()
			return false
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			if err == unix.EINTR {
				continue
			}
			c.Close()
			return false
		}
		if n < len(buf) {
			// Short read: the socket is drained for this readiness event.
			return true
		}
	}
}

// ExtractRequest locates one complete HTTP request (header terminator plus
// exactly Content-Length body bytes) at the front of the read buffer,
// removing and returning it. Returns ok=false if no complete request is
// available yet.
func (c *Connection) ExtractRequest() (raw []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headerEnd := indexOf(c.readBuf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, false
	}
	header := c.readBuf[:headerEnd+4]

	contentLength := parseContentLength(header)

	totalSize := headerEnd + 4 + contentLength
	if len(c.readBuf) < totalSize {
		return nil, false
	}

	request := make([]byte, totalSize)
	copy(request, c.readBuf[:totalSize])
	c.readBuf = c.readBuf[totalSize:]
	return request, true
}

func parseContentLength(header []byte) int {
	lower := strings.ToLower(string(header))
	const key = "content-length:"
	pos := strings.Index(lower, key)
	if pos < 0 {
		return 0
	}
	valueStart := pos + len(key)
	for valueStart < len(header) && (header[valueStart] == ' ' || header[valueStart] == '\t') {
		valueStart++
	}
	valueEnd := valueStart
	for valueEnd < len(header) && header[valueEnd] != '\r' && header[valueEnd] != '\n' {
		valueEnd++
	}
	n, err := strconv.Atoi(string(header[valueStart:valueEnd]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func indexOf(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}

// AppendResponse appends response bytes to the write buffer.
func (c *Connection) AppendResponse(response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeBuf = append(c.writeBuf, response...)
}

// HasPendingWrite reports whether the write buffer currently holds data.
func (c *Connection) HasPendingWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writeBuf) > 0
}

// OnWritable sends as much of the write buffer as the socket accepts.
// Returns false if the connection should be removed.
func (c *Connection) OnWritable() bool {
	c.mu.Lock()
	if len(c.writeBuf) == 0 {
		c.mu.Unlock()
		return true
	}
	pending := c.writeBuf
	c.mu.Unlock()

	n, err := unix.Write(c.fd, pending)
	if n < 0 {
		n = 0
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
		c.Close()
		return false
	}

	c.mu.Lock()
	c.writeBuf = c.writeBuf[n:]
	c.mu.Unlock()
	return true
}

// EnqueueDispatch appends a freshly extracted request to this connection's
// pending-request queue and reports whether the caller must start a
// dispatch loop for it (started=true), or whether a dispatch loop already
// running for this connection will pick it up (started=false). This is
// the per-connection single-flight mechanism that preserves
// request/response order for pipelined requests while still letting
// different connections dispatch concurrently across the worker pool: at
// most one goroutine is ever draining one connection's queue at a time.
func (c *Connection) EnqueueDispatch(raw []byte) (first []byte, started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, raw)
	if c.dispatcher {
		return nil, false
	}
	c.dispatcher = true
	first = c.pending[0]
	c.pending = c.pending[1:]
	return first, true
}

// NextOrStop pops the next pending request for a dispatch loop to continue
// processing, or clears the in-flight flag and reports ok=false once the
// queue has drained.
func (c *Connection) NextOrStop() (raw []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.dispatcher = false
		return nil, false
	}
	raw = c.pending[0]
	c.pending = c.pending[1:]
	return raw, true
}
