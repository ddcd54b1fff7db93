// Package dbpool implements a bounded, elastic pool of SQL connections with
// a ping-on-acquire health check and a waiter channel for callers blocked
// on Acquire past the pool's current max size.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"deviceserver/internal/logging"
)

// ErrTimeout is returned by Acquire when no connection becomes available
// before the deadline.
var ErrTimeout = errors.New("dbpool: acquire timeout")

// ErrClosed is returned by Acquire once the pool has been shut down.
var ErrClosed = errors.New("dbpool: pool is closed")

// Config controls pool sizing.
type Config struct {
	Min int
	Max int
}

// Pool manages up to Max *sql.Conn checked out of an underlying *sql.DB,
// never creating fewer than Min eagerly at startup.
type Pool struct {
	db  *sql.DB
	log *logging.Logger
	cfg Config

	mu      sync.Mutex
	idle    []*sql.Conn
	total   int
	active  int
	closed  bool
	waiters chan struct{}
}

// New opens db's minimum connections eagerly and returns the pool. db is
// typically produced by sql.Open("sqlite", dsn) in the caller.
func New(ctx context.Context, db *sql.DB, log *logging.Logger, cfg Config) (*Pool, error) {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}

	p := &Pool{
		db:      db,
		log:     log,
		cfg:     cfg,
		waiters: make(chan struct{}, cfg.Max),
	}

	for i := 0; i < cfg.Min; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("dbpool: create initial connection: %w", err)
		}
		p.idle = append(p.idle, conn)
		p.total++
	}

	log.Info("dbpool: initialized with %d connection(s), max %d", cfg.Min, cfg.Max)
	return p, nil
}

// Guard is a scoped handle returned by Acquire. Release must be called
// exactly once, typically via defer, to return the connection to the pool.
type Guard struct {
	pool *Pool
	conn *sql.Conn
	bad  bool
}

// Conn exposes the underlying *sql.Conn for query execution.
func (g *Guard) Conn() *sql.Conn { return g.conn }

// Invalidate marks the connection as broken so Release discards it instead
// of returning it to the idle set.
func (g *Guard) Invalidate() { g.bad = true }

// Release returns the connection to the pool (or discards it, if
// Invalidate was called or the pool has since been closed).
func (g *Guard) Release() {
	g.pool.release(g.conn, g.bad)
}

// Acquire blocks until a connection is available or timeout elapses.
// timeout < 0 waits forever; timeout == 0 makes exactly one non-blocking
// attempt before giving up.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active++
			p.mu.Unlock()

			if err := conn.PingContext(ctx); err != nil {
				p.log.Warn("dbpool: discarding dead connection: %v", err)
				p.dropActive(conn)
				continue
			}
			return &Guard{pool: p, conn: conn}, nil
		}

		if p.total < p.cfg.Max {
			p.total++
			p.active++
			p.mu.Unlock()

			conn, err := p.db.Conn(ctx)
			if err != nil {
				p.dropActive(nil)
				return nil, fmt.Errorf("dbpool: open connection: %w", err)
			}
			return &Guard{pool: p, conn: conn}, nil
		}
		p.mu.Unlock()

		if timeout == 0 {
			return nil, ErrTimeout
		}

		if timeout < 0 {
			<-p.waiters
			continue
		}

		select {
		case <-p.waiters:
			continue
		case <-time.After(time.Until(deadline)):
			p.log.Warn("dbpool: acquire timed out after %s", timeout)
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) dropActive(conn *sql.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
	p.mu.Lock()
	p.total--
	p.active--
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		p.notifyWaiter()
	}
}

func (p *Pool) release(conn *sql.Conn, bad bool) {
	p.mu.Lock()
	p.active--
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if bad {
		p.total--
		p.mu.Unlock()
		_ = conn.Close()
		p.log.Warn("dbpool: released invalid connection, discarding")
		p.notifyWaiter()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.notifyWaiter()
}

func (p *Pool) notifyWaiter() {
	select {
	case p.waiters <- struct{}{}:
	default:
	}
}

// Stats reports the pool's current size for diagnostics and tests.
type Stats struct {
	Total  int
	Active int
	Idle   int
}

// Stats returns a snapshot of the pool's current sizing.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, Active: p.active, Idle: len(p.idle)}
}

// Close discards all idle connections and marks the pool unusable. Checked
// out connections are closed as they're released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
