// Package dataserver implements the connection-per-request server that
// reads and writes conversation state. Each accepted connection yields
// exactly one request frame and exactly one response frame, after which the
// connection is closed regardless of what else arrives on it.
package dataserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"talko/internal/protocol"
	"talko/internal/rpc"
	"talko/internal/store"
	"talko/internal/workerpool"
)

// Server is the data server. It uses the ChatStore passed to New (the store
// itself pools and synchronizes its connections, so no separate per-worker
// handle type is needed) and knows the address of the
// broadcast server to fan out newly inserted messages to.
type Server struct {
	store            store.ChatStore
	broadcastAddr    string
	pool             *workerpool.Pool
	listener         net.Listener
	broadcastTimeout time.Duration
}

// New creates a Server. broadcastAddr is the BroadcastServer's address used
// for the post-insert fan-out RPC. maxWorkers <= 0 uses
// workerpool.DefaultMaxWorkers.
func New(st store.ChatStore, broadcastAddr string, maxWorkers int) *Server {
	return &Server{
		store:            st,
		broadcastAddr:    broadcastAddr,
		pool:             workerpool.New("dataserver", maxWorkers),
		broadcastTimeout: 5 * time.Second,
	}
}

// ListenAndServe binds addr and serves connections until the listener is
// closed (typically via Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dataserver: listen: %w", err)
	}
	s.listener = ln
	log.Printf("[dataserver] listening on %s", addr)
	return s.pool.Serve(ln, s.handleConn)
}

// Shutdown closes the listener; in-flight requests are allowed to finish
// since every connection is handled to completion in a single round trip.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.pool.Wait()
}

// handleConn reads exactly one request, dispatches it, writes at most one
// response (none for a malformed request or an unknown method), and reports
// keepAlive=false so the connection is always closed by the worker pool
// afterward.
func (s *Server) handleConn(conn net.Conn) bool {
	r := bufio.NewReader(conn)
	method, params, id, err := rpc.RecvRequest(r)
	if err != nil {
		log.Printf("[dataserver] recv request: %v", err)
		return false
	}

	result, err := s.dispatch(method, params)
	if err != nil {
		if isProtocolError(err) {
			log.Printf("[dataserver] %s: %v", method, err)
			return false
		}
		// NotFound and store failures surface as the operation's result
		// instead of aborting the connection without a reply; the
		// connection still closes right after, same as any other call.
		log.Printf("[dataserver] %s: %v", method, err)
		if sendErr := rpc.SendErrorResponse(conn, id, err.Error()); sendErr != nil {
			log.Printf("[dataserver] send error response: %v", sendErr)
		}
		return false
	}

	if err := rpc.SendResponse(conn, id, result); err != nil {
		log.Printf("[dataserver] send response: %v", err)
	}
	return false
}

// isProtocolError reports whether err is a malformed-request class failure
// (bad JSON params, unknown method) that should close the connection
// without any reply, as opposed to a business error like store.ErrNotFound
// that should still be surfaced as a normal response.
func isProtocolError(err error) bool {
	return errors.Is(err, rpc.ErrUnknownMethod) || errors.Is(err, errBadParams)
}

// errBadParams wraps json.Unmarshal failures on a method's params so
// isProtocolError can recognize them without string matching.
var errBadParams = errors.New("dataserver: malformed params")

func (s *Server) dispatch(method string, params json.RawMessage) (any, error) {
	switch method {
	case "GetUser":
		return s.handleGetUser(params)
	case "InsertUser":
		return s.handleInsertUser(params)
	case "GetChats":
		return s.handleGetChats(params)
	case "GetMessages":
		return s.handleGetMessages(params)
	case "InsertChat":
		return s.handleInsertChat(params)
	case "InsertMessage":
		return s.handleInsertMessage(params)
	default:
		return nil, fmt.Errorf("%w: %q", rpc.ErrUnknownMethod, method)
	}
}

func (s *Server) handleGetUser(raw json.RawMessage) (any, error) {
	var p protocol.GetUserParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal GetUser params: %w: %w", errBadParams, err)
	}
	user, err := s.store.GetUser(p.UserID)
	if err != nil {
		return nil, err
	}
	return protocol.GetUserResult{User: user}, nil
}

func (s *Server) handleInsertUser(raw json.RawMessage) (any, error) {
	var p protocol.InsertUserParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal InsertUser params: %w: %w", errBadParams, err)
	}
	user, err := s.store.InsertUser(p.UserName)
	if err != nil {
		return nil, err
	}
	return protocol.InsertUserResult{User: user}, nil
}

// handleGetChats hydrates every chat the user participates in with its full
// user and message list, rewrites the chat_name of private chats to the
// other participant's name, and sorts by newest-message-first.
func (s *Server) handleGetChats(raw json.RawMessage) (any, error) {
	var p protocol.GetChatsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal GetChats params: %w: %w", errBadParams, err)
	}

	bare, err := s.store.GetChats(p.UserID)
	if err != nil {
		return nil, err
	}

	chats := make([]protocol.Chat, 0, len(bare))
	for _, c := range bare {
		hydrated, err := s.hydrateChat(c, p.UserID)
		if err != nil {
			return nil, err
		}
		chats = append(chats, hydrated)
	}
	sortChatsNewestFirst(chats)
	return protocol.GetChatsResult{Chats: chats}, nil
}

func (s *Server) hydrateChat(c protocol.Chat, forUserID int64) (protocol.Chat, error) {
	users, err := s.store.GetParticipants(c.ChatID)
	if err != nil {
		return protocol.Chat{}, err
	}
	byID := make(map[int64]protocol.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}

	rawMessages, err := s.store.GetMessages(c.ChatID)
	if err != nil {
		return protocol.Chat{}, err
	}
	messages := make([]protocol.Message, len(rawMessages))
	for i, m := range rawMessages {
		m.User = byID[m.User.UserID]
		messages[i] = m
	}

	chatName := c.ChatName
	if len(users) == 2 {
		for _, u := range users {
			if u.UserID != forUserID {
				chatName = u.UserName
			}
		}
	}

	return protocol.Chat{
		ChatID:    c.ChatID,
		ChatName:  chatName,
		IsPrivate: c.IsPrivate,
		Users:     users,
		Messages:  messages,
	}, nil
}

// sortChatsNewestFirst orders chats by their newest message's message_ts
// descending. Chats with no messages sort after chats with messages,
// ordered among themselves by chat_id ascending.
func sortChatsNewestFirst(chats []protocol.Chat) {
	latest := func(c protocol.Chat) (int64, bool) {
		if len(c.Messages) == 0 {
			return 0, false
		}
		return c.Messages[len(c.Messages)-1].MessageTS, true
	}
	// Simple insertion sort is fine: chat lists per user are small.
	for i := 1; i < len(chats); i++ {
		j := i
		for j > 0 && chatLess(chats[j], chats[j-1], latest) {
			chats[j], chats[j-1] = chats[j-1], chats[j]
			j--
		}
	}
}

func chatLess(a, b protocol.Chat, latest func(protocol.Chat) (int64, bool)) bool {
	aTS, aHas := latest(a)
	bTS, bHas := latest(b)
	switch {
	case aHas && bHas:
		return aTS > bTS
	case aHas != bHas:
		return aHas
	default:
		return a.ChatID < b.ChatID
	}
}

func (s *Server) handleGetMessages(raw json.RawMessage) (any, error) {
	var p protocol.GetMessagesParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal GetMessages params: %w: %w", errBadParams, err)
	}

	users, err := s.store.GetParticipants(p.ChatID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]protocol.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}

	msgs, err := s.store.GetMessages(p.ChatID)
	if err != nil {
		return nil, err
	}
	messages := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		m.User = byID[m.User.UserID]
		messages[i] = m
	}
	return protocol.GetMessagesResult{Messages: messages}, nil
}

// handleInsertChat enforces the two-party idempotence invariant: InsertChat
// with exactly two participants returns the existing private chat if one
// exists, fully hydrated as a Chat — never a bare id.
func (s *Server) handleInsertChat(raw json.RawMessage) (any, error) {
	var p protocol.InsertChatParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal InsertChat params: %w: %w", errBadParams, err)
	}

	if len(p.UserIDs) == 2 {
		existingID, ok, err := s.store.GetPrivateChatID(p.UserIDs[0], p.UserIDs[1])
		if err != nil {
			return nil, err
		}
		if ok {
			chat, err := s.chatByID(existingID, p.UserIDs[0])
			if err != nil {
				return nil, err
			}
			return protocol.InsertChatResult{Chat: chat}, nil
		}
	}

	chat, err := s.store.InsertChat(p.ChatName, p.UserIDs)
	if err != nil {
		return nil, err
	}
	users, err := s.store.GetParticipants(chat.ChatID)
	if err != nil {
		return nil, err
	}
	chat.Users = users
	return protocol.InsertChatResult{Chat: chat}, nil
}

// chatByID hydrates an existing chat by id, rewriting its name to the other
// participant's username the way handleGetChats does for the given
// viewer. requestingUserID is one of the two participants of the private
// chat being fetched.
func (s *Server) chatByID(chatID, requestingUserID int64) (protocol.Chat, error) {
	bare, err := s.store.GetChats(requestingUserID)
	if err != nil {
		return protocol.Chat{}, err
	}
	for _, c := range bare {
		if c.ChatID == chatID {
			return s.hydrateChat(c, requestingUserID)
		}
	}
	return protocol.Chat{}, fmt.Errorf("dataserver: chat %d not found for user %d", chatID, requestingUserID)
}

// handleInsertMessage stamps the server-side timestamp, persists the
// message, and fires a best-effort Broadcast RPC to the broadcast server
// with every participant except the author as recipients. Fan-out failures
// are logged and never fail the insert.
func (s *Server) handleInsertMessage(raw json.RawMessage) (any, error) {
	var p protocol.InsertMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal InsertMessage params: %w: %w", errBadParams, err)
	}

	ts := time.Now().UnixMilli()
	stored, err := s.store.InsertMessage(p.ChatID, p.UserID, p.MessageText, ts)
	if err != nil {
		return nil, err
	}
	author, err := s.store.GetUser(p.UserID)
	if err != nil {
		return nil, err
	}
	stored.User = author

	participants, err := s.store.GetParticipants(p.ChatID)
	if err != nil {
		return nil, err
	}
	var receiverIDs []int64
	for _, u := range participants {
		if u.UserID != p.UserID {
			receiverIDs = append(receiverIDs, u.UserID)
		}
	}

	s.fanOut(receiverIDs, stored)

	return protocol.InsertMessageResult{Message: stored}, nil
}

func (s *Server) fanOut(receiverIDs []int64, message protocol.Message) {
	if len(receiverIDs) == 0 {
		return
	}
	conn, err := rpc.Dial(s.broadcastAddr)
	if err != nil {
		log.Printf("[dataserver] fan-out dial %s: %v (message stays durable)", s.broadcastAddr, err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.broadcastTimeout))

	params := protocol.BroadcastParams{ReceiverIDs: receiverIDs, Message: message}
	var result protocol.BroadcastResult
	if _, err := rpc.SendRequest(conn, "Broadcast", params, rpc.SendOptions{}, &result); err != nil {
		log.Printf("[dataserver] fan-out broadcast: %v (message stays durable)", err)
	}
}
