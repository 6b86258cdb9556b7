// Package client is a small Go library for talking to the data server and
// broadcast server: one-shot convenience calls plus a background stream
// reader that publishes newly pushed messages onto a channel. It has no UI
// of its own; any terminal or web front-end is just another caller of this
// same protocol.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"talko/internal/protocol"
	"talko/internal/rpc"
	"talko/internal/transport"
)

// Client exposes the DataServer's RPCs and streams pushed messages for one
// user. On construction it opens an OpenStream connection to the broadcast
// server and runs its read loop on a background goroutine, publishing each
// pushed message onto a channel.
type Client struct {
	userID        int64
	dataAddr      string
	broadcastAddr string

	messages chan protocol.Message

	mu         sync.Mutex
	streamConn net.Conn
	closed     bool
}

// New creates a Client for userID and starts its background stream reader
// against broadcastAddr. Messages pushed by the broadcast server are
// published on the channel returned by Messages.
func New(userID int64, dataAddr, broadcastAddr string) *Client {
	c := &Client{
		userID:        userID,
		dataAddr:      dataAddr,
		broadcastAddr: broadcastAddr,
		messages:      make(chan protocol.Message, 64),
	}
	go c.streamMessages()
	return c
}

// Messages returns the channel on which pushed messages for this user are
// published. It is closed when the stream ends (Close is called, or the
// connection drops and isn't retried).
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Close ends the background stream (sending CloseStream if the connection
// is still open) and closes the Messages channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.streamConn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	var result protocol.CloseStreamResult
	_, _, err := rpc.SendRequestTo(c.broadcastAddr, "CloseStream", protocol.CloseStreamParams{UserID: c.userID}, rpc.SendOptions{}, &result)
	conn.Close()
	return err
}

// streamMessages opens the long-lived OpenStream connection and publishes
// every subsequent pushed frame onto c.messages until the connection
// closes. It runs for the lifetime of the Client.
func (c *Client) streamMessages() {
	defer close(c.messages)

	conn, r, err := rpc.SendRequestTo(c.broadcastAddr, "OpenStream",
		protocol.OpenStreamParams{UserID: c.userID},
		rpc.SendOptions{KeepAlive: true}, &protocol.OpenStreamResult{})
	if err != nil {
		log.Printf("[client] OpenStream: %v", err)
		return
	}

	c.mu.Lock()
	c.streamConn = conn
	c.mu.Unlock()
	defer conn.Close()

	// Keep reading from the same *bufio.Reader SendRequestTo used for the
	// OpenStream reply: it may already hold buffered bytes belonging to the
	// first pushed frame, and a second bufio.Reader over conn would never
	// see them.
	for {
		frame, err := readPushFrame(r)
		if err != nil {
			return
		}
		select {
		case c.messages <- frame.Message:
		default:
			log.Printf("[client] dropped push for user %d: receiver channel full", c.userID)
		}
	}
}

// readPushFrame reads one frame and decodes it as a push payload. Push
// frames carry no id, so the envelope's id field is simply ignored.
func readPushFrame(r *bufio.Reader) (protocol.PushPayload, error) {
	frame, err := transport.RecvFrame(r)
	if err != nil {
		return protocol.PushPayload{}, err
	}
	var resp rpc.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return protocol.PushPayload{}, fmt.Errorf("client: unmarshal push envelope: %w", err)
	}
	var payload protocol.PushPayload
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return protocol.PushPayload{}, fmt.Errorf("client: unmarshal push payload: %w", err)
	}
	return payload, nil
}

// GetUser fetches a user by id. A missing user surfaces as a
// *rpc.RemoteError wrapping store.ErrNotFound's message rather than a
// transport failure.
func (c *Client) GetUser(userID int64) (protocol.User, error) {
	var result protocol.GetUserResult
	err := c.callData("GetUser", protocol.GetUserParams{UserID: userID}, &result)
	return result.User, err
}

// InsertUser registers a new user.
func (c *Client) InsertUser(userName string) (protocol.User, error) {
	var result protocol.InsertUserResult
	err := c.callData("InsertUser", protocol.InsertUserParams{UserName: userName}, &result)
	return result.User, err
}

// GetChats returns every chat the client's user participates in, newest
// message first.
func (c *Client) GetChats() ([]protocol.Chat, error) {
	var result protocol.GetChatsResult
	err := c.callData("GetChats", protocol.GetChatsParams{UserID: c.userID}, &result)
	return result.Chats, err
}

// GetMessages returns every message in chatID, oldest first.
func (c *Client) GetMessages(chatID int64) ([]protocol.Message, error) {
	var result protocol.GetMessagesResult
	err := c.callData("GetMessages", protocol.GetMessagesParams{ChatID: chatID}, &result)
	return result.Messages, err
}

// InsertChat creates (or, for exactly two participants, reuses) a chat.
func (c *Client) InsertChat(chatName string, userIDs []int64) (protocol.Chat, error) {
	var result protocol.InsertChatResult
	err := c.callData("InsertChat", protocol.InsertChatParams{ChatName: chatName, UserIDs: userIDs}, &result)
	return result.Chat, err
}

// InsertMessage posts a new message as the client's user.
func (c *Client) InsertMessage(chatID int64, text string) (protocol.Message, error) {
	var result protocol.InsertMessageResult
	err := c.callData("InsertMessage", protocol.InsertMessageParams{
		ChatID: chatID, UserID: c.userID, MessageText: text,
	}, &result)
	return result.Message, err
}

func (c *Client) callData(method string, params, out any) error {
	conn, err := rpc.Dial(c.dataAddr)
	if err != nil {
		return fmt.Errorf("client: dial data server: %w", err)
	}
	defer conn.Close()
	_, err = rpc.SendRequest(conn, method, params, rpc.SendOptions{}, out)
	return err
}
