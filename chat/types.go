package chat

import (
	"encoding/json"
	"time"
)

// DeliveryState tracks how far a message has progressed through the
// round trip with the server.
type DeliveryState string

const (
	// DeliveryOptimistic marks a locally created message that the server
	// has not confirmed yet.
	DeliveryOptimistic DeliveryState = "optimistic"

	// DeliveryConfirmed marks a server-acknowledged message.
	DeliveryConfirmed DeliveryState = "confirmed"

	// DeliveryFailed marks a message whose send was rejected or timed out.
	DeliveryFailed DeliveryState = "failed"
)

// User is a reference to a chat participant.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Participant is one member of a conversation.
type Participant struct {
	User User   `json:"user"`
	Role string `json:"role,omitempty"`
}

// Message is one chat entry. ID is assigned by the server and absent until
// confirmed; LocalID is the client-side correlation identifier for
// not-yet-confirmed sends.
type Message struct {
	ID             string    `json:"id,omitempty"`
	LocalID        string    `json:"localId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Sender         User      `json:"sender"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Edited         bool      `json:"edited,omitempty"`

	// DeliveryState is client-side only and never crosses the wire.
	DeliveryState DeliveryState `json:"-"`
}

// Conversation types.
const (
	ConversationIndividual = "individual"
	ConversationGroup      = "group"
)

// Conversation is a chat thread with its participant set.
type Conversation struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Title         string        `json:"title,omitempty"`
	Participants  []Participant `json:"participants"`
	LastMessage   *Message      `json:"lastMessage,omitempty"`
	LastMessageAt time.Time     `json:"lastMessageAt,omitzero"`
}

// DisplayTitle derives the title shown for a conversation: the explicit
// title when set, otherwise the other participant's username for
// individual conversations.
func (c *Conversation) DisplayTitle(selfID string) string {
	if c.Title != "" {
		return c.Title
	}

	if c.Type == ConversationIndividual {
		for _, p := range c.Participants {
			if p.User.ID != selfID {
				return p.User.Username
			}
		}
	}

	return c.ID
}

// Wire event kinds.

// Outbound commands.
const (
	EventInit              = "init"
	EventPing              = "ping"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventEditMessage       = "editMessage"
	EventDeleteMessage     = "deleteMessage"
)

// Inbound events.
const (
	EventAuthed         = "authed"
	EventPong           = "pong"
	EventReady          = "ready"
	EventJoined         = "joined"
	EventReceiveMessage = "receiveMessage"
	EventMessageSent    = "messageSent"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventMessageError   = "messageError"
)

// Envelope is the frame shape of every realtime event, in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InitPayload is sent as the first frame after the WebSocket connects.
type InitPayload struct {
	Token  string `json:"token"`
	Device string `json:"device"`
}

// AuthedPayload is the server reply to init.
type AuthedPayload struct {
	UserID string `json:"userId"`
}

// ReadyPayload signals that server-side session setup has completed and
// room commands are now valid.
type ReadyPayload struct{}

// RoomPayload carries join/leave commands and the joined acknowledgement.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the outbound send command.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	LocalID        string `json:"localId"`
	MessageType    string `json:"messageType"`
}

// EditMessagePayload is the outbound edit command.
type EditMessagePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// DeleteMessagePayload is the outbound delete command.
type DeleteMessagePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessagePayload wraps a full message for receiveMessage, messageSent,
// and messageEdited events.
type MessagePayload struct {
	Message Message `json:"message"`
}

// MessageDeletedPayload identifies a deleted message.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessageErrorPayload reports a rejected command. The key fields identify
// the optimistic mutation to roll back; servers that omit them still get
// the error surfaced, just without rollback.
type MessageErrorPayload struct {
	Error          string `json:"error"`
	OpType         string `json:"opType,omitempty"`
	LocalID        string `json:"localId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}
