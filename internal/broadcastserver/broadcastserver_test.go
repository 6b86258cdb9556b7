package broadcastserver

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"talko/internal/protocol"
	"talko/internal/rpc"
	"talko/internal/transport"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	s := New(10)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	go s.pool.Serve(ln, s.handleConn)
	return ln.Addr().String()
}

// openStream dials addr, sends OpenStream for userID, and returns the open
// connection (caller owns it) along with the *bufio.Reader SendRequest used
// to read the reply. Any push frame the server writes right after the
// OpenStream reply can already be sitting in that reader's buffer, so
// callers must keep reading pushes from it rather than wrapping conn in a
// second bufio.Reader.
func openStream(t *testing.T, addr string, userID int64) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := rpc.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var result protocol.OpenStreamResult
	r, err := rpc.SendRequest(conn, "OpenStream", protocol.OpenStreamParams{UserID: userID}, rpc.SendOptions{KeepAlive: true}, &result)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	return conn, r
}

func recvPush(t *testing.T, conn net.Conn, r *bufio.Reader, timeout time.Duration) protocol.PushPayload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := transport.RecvFrame(r)
	if err != nil {
		t.Fatalf("recv push: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal push envelope: %v", err)
	}
	var payload protocol.PushPayload
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		t.Fatalf("unmarshal push payload: %v", err)
	}
	return payload
}

func TestFanOutToOnlineSubscribers(t *testing.T) {
	addr := newTestServer(t)

	connA, rA := openStream(t, addr, 1)
	defer connA.Close()
	connB, rB := openStream(t, addr, 2)
	defer connB.Close()

	var result protocol.BroadcastResult
	call(t, addr, "Broadcast", protocol.BroadcastParams{
		ReceiverIDs: []int64{1, 2},
		Message:     protocol.Message{MessageText: "hi", User: protocol.User{UserID: 3}},
	}, &result)

	for _, pair := range []struct {
		conn net.Conn
		r    *bufio.Reader
	}{{connA, rA}, {connB, rB}} {
		payload := recvPush(t, pair.conn, pair.r, 2*time.Second)
		if payload.Message.MessageText != "hi" {
			t.Errorf("unexpected push payload: %+v", payload)
		}
	}
}

func TestOfflineReceiverSkippedSilently(t *testing.T) {
	addr := newTestServer(t)

	var result protocol.BroadcastResult
	call(t, addr, "Broadcast", protocol.BroadcastParams{
		ReceiverIDs: []int64{42},
		Message:     protocol.Message{MessageText: "hi"},
	}, &result)
}

func TestCloseStreamRemovesSubscriber(t *testing.T) {
	addr := newTestServer(t)

	conn, r := openStream(t, addr, 7)
	defer conn.Close()

	var closeResult protocol.CloseStreamResult
	call(t, addr, "CloseStream", protocol.CloseStreamParams{UserID: 7}, &closeResult)

	var result protocol.BroadcastResult
	call(t, addr, "Broadcast", protocol.BroadcastParams{
		ReceiverIDs: []int64{7},
		Message:     protocol.Message{MessageText: "should not arrive"},
	}, &result)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := transport.RecvFrame(r); err == nil {
		t.Fatal("expected no push after CloseStream")
	}
}

func TestSubscriberReplacement(t *testing.T) {
	addr := newTestServer(t)

	s1, _ := openStream(t, addr, 9)
	defer s1.Close()
	s2, r2 := openStream(t, addr, 9)
	defer s2.Close()

	var result protocol.BroadcastResult
	call(t, addr, "Broadcast", protocol.BroadcastParams{
		ReceiverIDs: []int64{9},
		Message:     protocol.Message{MessageText: "latest wins"},
	}, &result)

	payload := recvPush(t, s2, r2, 2*time.Second)
	if payload.Message.MessageText != "latest wins" {
		t.Errorf("expected push on latest stream, got %+v", payload)
	}
}

func call(t *testing.T, addr, method string, params, out any) {
	t.Helper()
	conn, err := rpc.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := rpc.SendRequest(conn, method, params, rpc.SendOptions{}, out); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}
