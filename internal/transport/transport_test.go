package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestSendRecvFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hi"),
		bytes.Repeat([]byte("x"), 5000),
	}

	for _, payload := range cases {
		client, server := net.Pipe()
		done := make(chan error, 1)
		go func() {
			done <- SendFrame(client, payload)
		}()

		got, err := RecvFrame(bufio.NewReader(server))
		if err != nil {
			t.Fatalf("RecvFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("RecvFrame = %q, want %q", got, payload)
		}
		if err := <-done; err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
		client.Close()
		server.Close()
	}
}

func TestRecvFrameSequence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	go func() {
		for _, p := range payloads {
			_ = SendFrame(client, p)
		}
	}()

	r := bufio.NewReader(server)
	for _, want := range payloads {
		got, err := RecvFrame(r)
		if err != nil {
			t.Fatalf("RecvFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("RecvFrame = %q, want %q", got, want)
		}
	}
}

func TestRecvFrameMalformedHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("abc       hello")))
	if _, err := RecvFrame(r); err != ErrProtocol {
		t.Fatalf("RecvFrame error = %v, want ErrProtocol", err)
	}
}

func TestRecvFrameEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	if _, err := RecvFrame(r); err != io.EOF {
		t.Fatalf("RecvFrame error = %v, want io.EOF", err)
	}
}

func TestSendFramePayloadTooLarge(t *testing.T) {
	// formatHeader is exercised directly so this test doesn't need to
	// actually allocate a 10-billion-byte payload to hit the 10-digit
	// header width ceiling.
	if _, err := formatHeader(10_000_000_000); err == nil {
		t.Fatal("expected error for a length requiring 11 header digits")
	}
	if _, err := formatHeader(9_999_999_999); err != nil {
		t.Fatalf("formatHeader(9999999999) = %v, want success (fits in 10 digits)", err)
	}
}

func TestRecvAllFramesDrainsAvailable(t *testing.T) {
	// A loopback TCP pair rather than net.Pipe: the pipe has no buffer, so
	// SendFrame would block until a reader arrives and sendDone would never
	// close before RecvAllFrames is called.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	sent := [][]byte{[]byte("a"), []byte("b")}
	sendDone := make(chan struct{})
	go func() {
		for _, p := range sent {
			_ = SendFrame(client, p)
		}
		close(sendDone)
	}()
	<-sendDone
	time.Sleep(10 * time.Millisecond)

	frames, err := RecvAllFrames(server)
	if err != nil {
		t.Fatalf("RecvAllFrames: %v", err)
	}
	if len(frames) != len(sent) {
		t.Fatalf("got %d frames, want %d", len(frames), len(sent))
	}
	for i, f := range frames {
		if !bytes.Equal(f, sent[i]) {
			t.Errorf("frame %d = %q, want %q", i, f, sent[i])
		}
	}
}
