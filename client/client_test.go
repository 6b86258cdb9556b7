package client

import (
	"net"
	"testing"
	"time"

	"talko/internal/broadcastserver"
	"talko/internal/dataserver"
	"talko/internal/store"
)

func startTestServers(t *testing.T) (dataAddr, broadcastAddr string) {
	t.Helper()

	bs := broadcastserver.New(10)
	bln := listen(t)
	go bs.ListenAndServe(bln)
	t.Cleanup(bs.Shutdown)

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ds := dataserver.New(st, bln, 10)
	dln := listen(t)
	go ds.ListenAndServe(dln)
	t.Cleanup(ds.Shutdown)

	return dln, bln
}

// listen picks a free TCP port and returns its address without holding the
// listener open, since dataserver.ListenAndServe/broadcastserver.
// ListenAndServe each bind their own listener from an address string.
func listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestClientEndToEndFanOut(t *testing.T) {
	dataAddr, broadcastAddr := startTestServers(t)
	time.Sleep(20 * time.Millisecond)

	alice := New(0, dataAddr, broadcastAddr)
	defer alice.Close()
	bob := New(0, dataAddr, broadcastAddr)
	defer bob.Close()

	aliceUser, err := alice.InsertUser("alice")
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	bobUser, err := bob.InsertUser("bob")
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	alice = New(aliceUser.UserID, dataAddr, broadcastAddr)
	defer alice.Close()
	bob = New(bobUser.UserID, dataAddr, broadcastAddr)
	defer bob.Close()
	time.Sleep(20 * time.Millisecond)

	chat, err := alice.InsertChat("x", []int64{aliceUser.UserID, bobUser.UserID})
	if err != nil {
		t.Fatalf("InsertChat: %v", err)
	}

	if _, err := alice.InsertMessage(chat.ChatID, "hello bob"); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	select {
	case msg := <-bob.Messages():
		if msg.MessageText != "hello bob" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the pushed message")
	}
}
