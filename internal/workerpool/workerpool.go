// Package workerpool implements the accept loop and bounded worker pool
// shared by the data server and the broadcast server: accept a connection,
// spawn a goroutine to handle it if under the configured worker cap, or
// shed the connection immediately with no reply.
//
// A weighted semaphore stands in for the live-worker count, so admission
// is a single TryAcquire rather than a lock-protected counter.
package workerpool

import (
	"log"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers is the admission cap used when a Pool is created
// without an explicit one.
const DefaultMaxWorkers = 10000

// Handler processes one accepted connection. It returns keepAlive=true to
// leave the connection open and out of the pool's accounting (used only by
// the broadcast server's OpenStream, which blocks on the connection
// indefinitely); otherwise the connection is closed once Handler returns.
type Handler func(conn net.Conn) (keepAlive bool)

// Pool runs an accept loop against a listener, admitting at most maxWorkers
// concurrent handlers and shedding the rest.
type Pool struct {
	name       string
	maxWorkers int64
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
}

// New creates a Pool. name is used only for log messages (e.g. "dataserver",
// "broadcastserver"). If maxWorkers <= 0, DefaultMaxWorkers is used.
func New(name string, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		name:       name,
		maxWorkers: int64(maxWorkers),
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// Serve accepts connections from ln until it is closed, dispatching each to
// handle. A handler panic is recovered, logged, and the connection closed;
// the accept loop itself always continues.
func (p *Pool) Serve(ln net.Listener, handle Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		if !p.sem.TryAcquire(1) {
			log.Printf("[%s] overloaded (max_workers=%d); shedding connection from %s",
				p.name, p.maxWorkers, conn.RemoteAddr())
			shed(conn)
			continue
		}

		p.wg.Add(1)
		go p.run(conn, handle)
	}
}

func (p *Pool) run(conn net.Conn, handle Handler) {
	defer p.wg.Done()
	keepAlive := false
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] worker panic: %v", p.name, r)
		}
		// A keep_alive connection (OpenStream) releases its slot only once
		// its handler actually returns, since the handler itself blocks for
		// the connection's whole lifetime.
		p.sem.Release(1)
		if !keepAlive {
			conn.Close()
		}
	}()
	keepAlive = handle(conn)
}

// Wait blocks until every in-flight handler has returned. Callers normally
// combine this with closing the listener during shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// shed closes conn immediately without replying, so an overloaded pool
// never leaves a client waiting on a connection it will never service.
func shed(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}
