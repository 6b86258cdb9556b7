// Package broadcastserver implements the server that maintains long-lived
// per-user streams and pushes server-originated messages to whichever
// subscribers currently have one open. It serves three methods on one
// listening port: OpenStream (long-lived), CloseStream and Broadcast (both
// one-shot).
package broadcastserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"talko/internal/protocol"
	"talko/internal/rpc"
	"talko/internal/workerpool"
)

// subscriber pairs a stream connection with a mutex serializing writes to
// it, so concurrent broadcasts to the same subscriber never interleave
// frames on the wire.
type subscriber struct {
	mu   sync.Mutex
	conn net.Conn
}

// subscriberTable is the in-memory user_id -> subscriber mapping the
// broadcast server owns and shares across every worker goroutine, guarded
// by a single RWMutex rather than a dedicated owning goroutine, since
// sends to different subscribers must be able to proceed concurrently.
type subscriberTable struct {
	mu      sync.RWMutex
	entries map[int64]*subscriber
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{entries: make(map[int64]*subscriber)}
}

// put registers conn for userID, replacing (but not closing) any previous
// entry.
func (t *subscriberTable) put(userID int64, conn net.Conn) *subscriber {
	sub := &subscriber{conn: conn}
	t.mu.Lock()
	t.entries[userID] = sub
	t.mu.Unlock()
	return sub
}

// remove deletes userID's entry and returns the connection that was
// registered, if any.
func (t *subscriberTable) remove(userID int64) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.entries[userID]
	if !ok {
		return nil, false
	}
	delete(t.entries, userID)
	return sub.conn, true
}

// removeIfCurrent deletes userID's entry only if it still points at conn —
// used when a stream's own connection drops so it doesn't clobber a newer
// subscriber that replaced it.
func (t *subscriberTable) removeIfCurrent(userID int64, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.entries[userID]; ok && sub.conn == conn {
		delete(t.entries, userID)
	}
}

func (t *subscriberTable) get(userID int64) (*subscriber, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.entries[userID]
	return sub, ok
}

// Server is the broadcast server.
type Server struct {
	subscribers *subscriberTable
	pool        *workerpool.Pool
	listener    net.Listener
}

// New creates a Server. maxWorkers <= 0 uses workerpool.DefaultMaxWorkers.
func New(maxWorkers int) *Server {
	return &Server{
		subscribers: newSubscriberTable(),
		pool:        workerpool.New("broadcastserver", maxWorkers),
	}
}

// ListenAndServe binds addr and serves connections until the listener is
// closed.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broadcastserver: listen: %w", err)
	}
	s.listener = ln
	log.Printf("[broadcastserver] listening on %s", addr)
	return s.pool.Serve(ln, s.handleConn)
}

// Shutdown closes the listener. Open streams are left to the worker pool's
// own teardown; the TCP connections are abandoned by the accept loop exit
// and will be torn down by the OS when the process exits.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// handleConn reads exactly one request frame and dispatches it. OpenStream
// is the only method that returns keepAlive=true; every other method
// replies once and the connection is closed.
func (s *Server) handleConn(conn net.Conn) bool {
	r := bufio.NewReader(conn)
	method, params, id, err := rpc.RecvRequest(r)
	if err != nil {
		log.Printf("[broadcastserver] recv request: %v", err)
		return false
	}

	switch method {
	case "OpenStream":
		return s.handleOpenStream(conn, r, params, id)
	case "CloseStream":
		s.handleCloseStream(conn, params, id)
		return false
	case "Broadcast":
		s.handleBroadcast(conn, params, id)
		return false
	default:
		log.Printf("[broadcastserver] unknown method %q", method)
		return false
	}
}

// handleOpenStream registers conn in the subscriber table, replies once,
// then blocks forever reading from conn so the worker pool keeps its slot
// reserved for the stream's whole lifetime. The read loop's only purpose is
// detecting the peer closing the connection (subscribers never send
// anything after OpenStream); when that happens the entry is removed, but
// only if it still points at this connection, so a later OpenStream for the
// same user isn't accidentally unregistered.
func (s *Server) handleOpenStream(conn net.Conn, r *bufio.Reader, raw json.RawMessage, id string) bool {
	var p protocol.OpenStreamParams
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("[broadcastserver] unmarshal OpenStream params: %v", err)
		return false
	}

	s.subscribers.put(p.UserID, conn)
	if err := rpc.SendResponse(conn, id, protocol.OpenStreamResult{}); err != nil {
		log.Printf("[broadcastserver] OpenStream response: %v", err)
		s.subscribers.removeIfCurrent(p.UserID, conn)
		return false
	}

	for {
		if _, err := r.ReadByte(); err != nil {
			break
		}
	}
	s.subscribers.removeIfCurrent(p.UserID, conn)
	return true
}

// handleCloseStream removes user_id from the subscriber table; user_id is
// always read from the request's params field, never the outer envelope.
// If the socket stored in the table differs from the connection
// CloseStream arrived on, the stored one is closed after this connection
// replies.
func (s *Server) handleCloseStream(conn net.Conn, raw json.RawMessage, id string) {
	var p protocol.CloseStreamParams
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("[broadcastserver] unmarshal CloseStream params: %v", err)
		return
	}

	tableConn, ok := s.subscribers.remove(p.UserID)
	if err := rpc.SendResponse(conn, id, protocol.CloseStreamResult{}); err != nil {
		log.Printf("[broadcastserver] CloseStream response: %v", err)
	}
	if ok && tableConn != conn {
		tableConn.Close()
	}
}

// handleBroadcast pushes message to every receiver_id currently present in
// the subscriber table; missing subscribers are silently skipped. Sends
// to the same subscriber are serialized by its per-entry mutex; a
// push that fails (e.g. the subscriber disconnected) removes that
// subscriber from the table.
func (s *Server) handleBroadcast(conn net.Conn, raw json.RawMessage, id string) {
	var p protocol.BroadcastParams
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("[broadcastserver] unmarshal Broadcast params: %v", err)
		return
	}

	for _, receiverID := range p.ReceiverIDs {
		sub, ok := s.subscribers.get(receiverID)
		if !ok {
			continue
		}
		sub.mu.Lock()
		err := rpc.SendPush(sub.conn, protocol.PushPayload{Message: p.Message})
		sub.mu.Unlock()
		if err != nil {
			log.Printf("[broadcastserver] push to user %d failed, dropping subscriber: %v", receiverID, err)
			s.subscribers.removeIfCurrent(receiverID, sub.conn)
		}
	}

	if err := rpc.SendResponse(conn, id, protocol.BroadcastResult{}); err != nil {
		log.Printf("[broadcastserver] Broadcast response: %v", err)
	}
}
