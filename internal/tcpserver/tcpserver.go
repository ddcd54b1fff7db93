// Package tcpserver implements the edge-triggered epoll reactor that owns
// the listening socket, demultiplexes readiness events across accepted
// connections, and hands completed requests to a worker pool.
package tcpserver

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"deviceserver/internal/connio"
	"deviceserver/internal/logging"
	"deviceserver/internal/workerpool"
)

const (
	maxEvents   = 1024
	pollTimeout = 100 // milliseconds
)

// RequestHandler maps one complete raw HTTP request to a complete raw HTTP
// response. Implementations must not block indefinitely; this is the
// function called from within worker-pool tasks (or inline, with no pool
// attached).
type RequestHandler func(raw []byte) []byte

// Server is a single-I/O-thread epoll reactor.
type Server struct {
	log *logging.Logger

	listenFD int
	epollFD  int

	handler RequestHandler
	pool    *workerpool.Pool

	mu    sync.Mutex
	conns map[int]*connio.Connection

	running bool
	stopCh  chan struct{}
}

// New returns an unstarted server. Call Listen, then Run.
func New(log *logging.Logger) *Server {
	return &Server{
		log:      log,
		listenFD: -1,
		epollFD:  -1,
		conns:    make(map[int]*connio.Connection),
	}
}

// SetRequestHandler installs the function invoked for every extracted
// request.
func (s *Server) SetRequestHandler(h RequestHandler) { s.handler = h }

// SetWorkerPool attaches a worker pool. Requests are submitted to it
// instead of being handled inline on the I/O goroutine. A nil pool
// restores inline handling.
func (s *Server) SetWorkerPool(pool *workerpool.Pool) { s.pool = pool }

// Listen creates a non-blocking listening socket bound to host:port with
// SO_REUSEADDR and a backlog of 1024, then sets up epoll.
func (s *Server) Listen(host string, port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("tcpserver: create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: set non-blocking: %w", err)
	}

	addr, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: resolve host %q: %w", host, err)
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: listen: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcpserver: epoll_create1: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return fmt.Errorf("tcpserver: epoll_ctl add listen fd: %w", err)
	}

	s.listenFD = fd
	s.epollFD = epfd
	s.log.Info("tcpserver: listening on %s:%d", host, port)
	return nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var addr [4]byte
	if host == "" || host == "0.0.0.0" {
		return addr, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr, fmt.Errorf("not an IP address")
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return addr, fmt.Errorf("not an IPv4 address")
	}
	copy(addr[:], ip4)
	return addr, nil
}

// Run blocks, servicing readiness events, until Stop is called. EINTR from
// epoll_wait is transparently retried.
func (s *Server) Run() error {
	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(s.epollFD, events, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("tcpserver: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			s.handleEvent(int(events[i].Fd), events[i].Events)
		}
	}
}

// Stop halts the accept/readiness loop, waits for any attached worker pool
// to drain in-flight tasks, then closes every tracked connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.pool != nil {
		s.pool.WaitIdle()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for fd, conn := range s.conns {
		conn.Close()
		delete(s.conns, fd)
	}
	if s.epollFD >= 0 {
		unix.Close(s.epollFD)
		s.epollFD = -1
	}
	if s.listenFD >= 0 {
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
}

func (s *Server) handleEvent(fd int, events uint32) {
	if fd == s.listenFD {
		s.handleAccept()
		return
	}

	s.mu.Lock()
	conn, ok := s.conns[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.removeConn(fd, conn)
		return
	}

	if events&unix.EPOLLIN != 0 {
		if !conn.OnReadable() {
			s.removeConn(fd, conn)
			return
		}
		s.drainRequests(fd, conn)
		if conn.Closed() {
			s.removeConn(fd, conn)
			return
		}
	}

	if events&unix.EPOLLOUT != 0 {
		if !conn.OnWritable() {
			s.removeConn(fd, conn)
			return
		}
		if conn.Closed() {
			s.removeConn(fd, conn)
		}
	}
}

func (s *Server) handleAccept() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.Error("tcpserver: accept failed: %v", err)
			return
		}

		ev := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			s.log.Error("tcpserver: epoll_ctl add client fd: %v", err)
			unix.Close(fd)
			continue
		}

		conn := connio.New(fd)
		s.mu.Lock()
		s.conns[fd] = conn
		s.mu.Unlock()
	}
}

// drainRequests extracts every complete request currently buffered on
// conn, dispatching each one while preserving per-connection order: a
// connection's requests run one at a time, in order, even though
// different connections run concurrently across the worker pool.
func (s *Server) drainRequests(fd int, conn *connio.Connection) {
	for {
		raw, ok := conn.ExtractRequest()
		if !ok {
			return
		}
		if s.handler == nil {
			continue
		}

		first, started := conn.EnqueueDispatch(raw)
		if !started {
			// A dispatch loop is already draining this connection's queue.
			continue
		}

		if s.pool != nil {
			s.pool.Submit(func() { s.dispatchLoop(fd, conn, first) })
		} else {
			s.dispatchLoop(fd, conn, first)
		}
	}
}

func (s *Server) dispatchLoop(fd int, conn *connio.Connection, first []byte) {
	raw := first
	for {
		response := s.handler(raw)
		conn.AppendResponse(response)
		s.triggerWrite(fd)

		next, ok := conn.NextOrStop()
		if !ok {
			return
		}
		raw = next
	}
}

// triggerWrite re-arms the fd's epoll registration so the edge-triggered
// set delivers a fresh writability notification. This is the only
// cross-goroutine signal from a worker task back to the I/O loop.
func (s *Server) triggerWrite(fd int) {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		s.log.Error("tcpserver: re-arm write for fd %d: %v", fd, err)
	}
}

func (s *Server) removeConn(fd int, conn *connio.Connection) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, fd)
	s.mu.Unlock()
}

// ConnectionCount reports the number of currently tracked connections, for
// diagnostics and tests.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
