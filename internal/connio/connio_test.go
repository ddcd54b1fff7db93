package connio

import (
	"testing"

	"golang.org/x/sys/unix"
)

// socketPair returns two connected, non-blocking stream socket fds for
// exercising Connection against a real fd without touching the network.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return fds[0], fds[1]
}

func TestExtractRequestWaitsForCompleteBody(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(b)
	conn := New(a)
	defer conn.Close()

	header := "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\n"
	if _, err := unix.Write(b, []byte(header)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if !conn.OnReadable() {
		t.Fatalf("expected OnReadable to succeed")
	}

	if _, ok := conn.ExtractRequest(); ok {
		t.Fatalf("expected no complete request before body arrives")
	}

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if !conn.OnReadable() {
		t.Fatalf("expected OnReadable to succeed")
	}

	raw, ok := conn.ExtractRequest()
	if !ok {
		t.Fatalf("expected a complete request once body arrives")
	}
	if string(raw) != header+"hello" {
		t.Fatalf("unexpected extracted request: %q", raw)
	}
}

func TestExtractRequestHandlesPipelinedRequests(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(b)
	conn := New(a)
	defer conn.Close()

	req := "GET /a HTTP/1.1\r\n\r\n"
	if _, err := unix.Write(b, []byte(req+req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !conn.OnReadable() {
		t.Fatalf("expected OnReadable to succeed")
	}

	first, ok := conn.ExtractRequest()
	if !ok || string(first) != req {
		t.Fatalf("expected first pipelined request, got ok=%v raw=%q", ok, first)
	}
	second, ok := conn.ExtractRequest()
	if !ok || string(second) != req {
		t.Fatalf("expected second pipelined request, got ok=%v raw=%q", ok, second)
	}
	if _, ok := conn.ExtractRequest(); ok {
		t.Fatalf("expected no third request")
	}
}

func TestOnReadablePeerClosed(t *testing.T) {
	a, b := socketPair(t)
	conn := New(a)
	defer conn.Close()

	unix.Close(b)

	if conn.OnReadable() {
		t.Fatalf("expected OnReadable to report false once the peer closed")
	}
	if !conn.Closed() {
		t.Fatalf("expected connection to be closed")
	}
}

func TestAppendResponseAndOnWritable(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(b)
	conn := New(a)
	defer conn.Close()

	conn.AppendResponse([]byte("hello"))
	if !conn.HasPendingWrite() {
		t.Fatalf("expected pending write after AppendResponse")
	}

	if !conn.OnWritable() {
		t.Fatalf("expected OnWritable to succeed")
	}
	if conn.HasPendingWrite() {
		t.Fatalf("expected write buffer drained")
	}

	buf := make([]byte, 5)
	n, err := unix.Read(b, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected peer to receive %q, got %q", "hello", buf[:n])
	}
}

func TestEnqueueDispatchSingleFlight(t *testing.T) {
	conn := &Connection{fd: -1}

	first, started := conn.EnqueueDispatch([]byte("req1"))
	if !started || string(first) != "req1" {
		t.Fatalf("expected first EnqueueDispatch to start a dispatch loop with req1, got started=%v first=%q", started, first)
	}

	_, started = conn.EnqueueDispatch([]byte("req2"))
	if started {
		t.Fatalf("expected second EnqueueDispatch to not start a new loop while one is active")
	}

	next, ok := conn.NextOrStop()
	if !ok || string(next) != "req2" {
		t.Fatalf("expected NextOrStop to return req2, got ok=%v next=%q", ok, next)
	}

	_, ok = conn.NextOrStop()
	if ok {
		t.Fatalf("expected NextOrStop to report drained queue")
	}

	// A dispatch loop must be startable again after draining.
	first, started = conn.EnqueueDispatch([]byte("req3"))
	if !started || string(first) != "req3" {
		t.Fatalf("expected a fresh dispatch loop to start after the queue drained")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := socketPair(t)
	conn := New(a)
	conn.Close()
	conn.Close() // must not panic or double-close
	if !conn.Closed() {
		t.Fatalf("expected Closed to report true")
	}
}
