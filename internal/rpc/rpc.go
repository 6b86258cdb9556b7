// Package rpc implements the JSON envelope carried over one
// transport.Frame per request or response: {method, params, id} on the way
// in, {result, id} on the way out. It is deliberately not full JSON-RPC
// 2.0 — there is no batching, and an error travels as a plain string in the
// response's "error" field rather than a structured error object — but accepts
// and ignores an inbound "jsonrpc" key and stamps outbound envelopes with
// one for forward compatibility.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"talko/internal/transport"
)

// ErrProtocolMismatch is returned by SendRequest when the response's id does
// not match the request's id.
var ErrProtocolMismatch = errors.New("rpc: response id does not match request id")

// ErrUnknownMethod is returned by RecvRequest's caller's dispatcher when a
// method string isn't recognized; defined here so handlers share one
// sentinel.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// Request is the wire shape of a client-to-server call.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      string          `json:"id"`
}

// Response is the wire shape of a server-to-client reply, and also of a
// server-pushed broadcast frame (which carries no ID). Error is empty on
// success, and carries a human-readable message when the handler surfaces a
// business error (e.g. a missing user) as an ordinary reply instead of
// closing the connection outright.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// RemoteError is returned by SendRequest when the response carries a
// non-empty Error field, so callers can distinguish a surfaced business
// error (e.g. NotFound) from a transport failure with errors.As.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
}

// SendOptions configures SendRequest.
type SendOptions struct {
	// ID overrides the randomly generated request id when non-empty.
	ID string
	// KeepAlive, when true, leaves a dialed connection open after the
	// response is read instead of closing it. Only meaningful when conn is
	// obtained by dialing addr; ignored when a connection is passed
	// directly, since the caller already owns its lifecycle.
	KeepAlive bool
}

// Dial opens a plain TCP connection to addr; SendRequestTo uses it to reach
// an address given as a string.
func Dial(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// SendRequest encodes method/params as a Request, writes it as a single
// frame on conn, reads back exactly one response frame, and unmarshals its
// result into out (which may be nil to discard the result). The caller is
// responsible for closing conn; SendRequestTo is the convenience wrapper
// that dials, sends, and closes.
//
// SendRequest returns the *bufio.Reader it used to read the response. A
// caller that keeps conn open afterward (a stream subscriber, say) MUST
// keep reading from this same reader rather than wrapping conn in a second
// one: bufio fills its buffer from the socket in up to 4KB chunks, so any
// bytes written by the peer immediately after the response — the start of
// the next pushed frame, for instance — can already be sitting in this
// reader's buffer. A fresh bufio.Reader over the same conn would never see
// them.
func SendRequest(conn net.Conn, method string, params any, opts SendOptions, out any) (*bufio.Reader, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw, ID: id}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	if err := transport.SendFrame(conn, body); err != nil {
		return nil, fmt.Errorf("rpc: send request: %w", err)
	}

	r := bufio.NewReader(conn)
	frame, err := transport.RecvFrame(r)
	if err != nil {
		return r, fmt.Errorf("rpc: recv response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return r, fmt.Errorf("rpc: unmarshal response: %w", err)
	}
	if resp.ID != id {
		return r, ErrProtocolMismatch
	}
	if resp.Error != "" {
		return r, &RemoteError{Method: method, Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return r, fmt.Errorf("rpc: unmarshal result: %w", err)
	}
	return r, nil
}

// SendRequestTo dials addr, performs the request/response round trip, and
// closes the connection unless opts.KeepAlive is set, in which case the
// open connection and the *bufio.Reader SendRequest read the response with
// are both returned to the caller for further use (e.g. as a stream). See
// SendRequest's doc comment on why that same reader must be reused rather
// than replaced.
func SendRequestTo(addr, method string, params any, opts SendOptions, out any) (net.Conn, *bufio.Reader, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	r, err := SendRequest(conn, method, params, opts, out)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if !opts.KeepAlive {
		conn.Close()
		return nil, nil, nil
	}
	return conn, r, nil
}

// RecvRequest reads one request frame from r and returns its method, raw
// params, and id for dispatch by the caller.
func RecvRequest(r *bufio.Reader) (method string, params json.RawMessage, id string, err error) {
	frame, err := transport.RecvFrame(r)
	if err != nil {
		return "", nil, "", err
	}
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return "", nil, "", fmt.Errorf("rpc: unmarshal request: %w", err)
	}
	if req.Method == "" {
		return "", nil, "", fmt.Errorf("rpc: request missing method")
	}
	return req.Method, req.Params, req.ID, nil
}

// SendResponse encodes result as a Response echoing id and writes it as a
// single frame on conn.
func SendResponse(conn net.Conn, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc: marshal result: %w", err)
	}
	resp := Response{JSONRPC: "2.0", Result: raw, ID: id}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("rpc: marshal response: %w", err)
	}
	return transport.SendFrame(conn, body)
}

// SendErrorResponse encodes a business error (e.g. a missing user) as a
// Response echoing id with Error set and Result omitted, for errors that
// should surface as an ordinary reply rather than an abandoned connection;
// the connection is still closed by the caller afterward, same as any
// other one-shot request.
func SendErrorResponse(conn net.Conn, id string, message string) error {
	resp := Response{JSONRPC: "2.0", Error: message, ID: id}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("rpc: marshal error response: %w", err)
	}
	return transport.SendFrame(conn, body)
}

// SendPush writes a server-originated frame with no id, the shape used by
// the broadcast server to push new messages to subscribers.
func SendPush(conn net.Conn, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc: marshal push: %w", err)
	}
	resp := Response{JSONRPC: "2.0", Result: raw}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("rpc: marshal push envelope: %w", err)
	}
	return transport.SendFrame(conn, body)
}
