// Package protocol defines the domain types and per-method request/result
// payloads carried inside rpc.Request/rpc.Response envelopes. Each RPC
// method gets one params struct and one result struct; dispatch is by the
// method string on the outer envelope.
package protocol

// User is a registered chat participant. UserID is assigned by the store on
// insert and never reused.
type User struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

// Chat is a persistent conversation with a fixed participant set. IsPrivate
// is true iff the chat has exactly two participants.
type Chat struct {
	ChatID    int64     `json:"chat_id"`
	ChatName  string    `json:"chat_name"`
	IsPrivate bool      `json:"is_private"`
	Users     []User    `json:"users"`
	Messages  []Message `json:"messages"`
}

// Message is one append-only chat message. The author is always embedded
// as a full User record, never a bare id.
type Message struct {
	MessageID   int64  `json:"message_id"`
	ChatID      int64  `json:"chat_id"`
	User        User   `json:"user"`
	MessageText string `json:"message_text"`
	MessageTS   int64  `json:"message_ts"`
}

// --- GetUser ---

type GetUserParams struct {
	UserID int64 `json:"user_id"`
}

type GetUserResult struct {
	User User `json:"user"`
}

// --- InsertUser ---

type InsertUserParams struct {
	UserName string `json:"user_name"`
}

type InsertUserResult struct {
	User User `json:"user"`
}

// --- GetChats ---

type GetChatsParams struct {
	UserID int64 `json:"user_id"`
}

type GetChatsResult struct {
	Chats []Chat `json:"chats"`
}

// --- GetMessages ---

type GetMessagesParams struct {
	ChatID int64 `json:"chat_id"`
}

type GetMessagesResult struct {
	Messages []Message `json:"messages"`
}

// --- InsertChat ---

type InsertChatParams struct {
	ChatName string  `json:"chat_name"`
	UserIDs  []int64 `json:"user_ids"`
}

type InsertChatResult struct {
	Chat Chat `json:"chat"`
}

// --- InsertMessage ---

type InsertMessageParams struct {
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id"`
	MessageText string `json:"message_text"`
}

type InsertMessageResult struct {
	Message Message `json:"message"`
}

// --- OpenStream / CloseStream (BroadcastServer) ---

type OpenStreamParams struct {
	UserID int64 `json:"user_id"`
}

type OpenStreamResult struct{}

type CloseStreamParams struct {
	UserID int64 `json:"user_id"`
}

type CloseStreamResult struct{}

// --- Broadcast (DataServer -> BroadcastServer) ---

type BroadcastParams struct {
	ReceiverIDs []int64 `json:"receiver_ids"`
	Message     Message `json:"message"`
}

type BroadcastResult struct{}

// PushPayload is the result payload of a server-pushed frame: a well-formed
// rpc.Response with Result = PushPayload and no id.
type PushPayload struct {
	Message Message `json:"message"`
}
