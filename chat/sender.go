package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sender emits outbound message commands. Commands are fire-and-forget
// at the transport level: the server's answer arrives later as a
// dispatched event (messageSent, messageEdited, messageDeleted or
// messageError), correlated by local id or message id.
//
// All methods except NewLocalID must be called from the session's event
// loop goroutine.
type Sender struct {
	session *Session
}

// NewSender creates a sender bound to a session.
func NewSender(session *Session) *Sender {
	return &Sender{session: session}
}

// NewLocalID generates a client-side message identity. The timestamp
// prefix keeps ids roughly sortable in logs; the uuid suffix makes them
// unique across processes.
func NewLocalID() string {
	return fmt.Sprintf("t%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Send emits a new message command tagged with the given local id.
func (s *Sender) Send(ctx context.Context, conversationID, content, localID string) error {
	payload := SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		LocalID:        localID,
		MessageType:    "text",
	}

	if err := s.session.writeEvent(ctx, EventSendMessage, payload); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// Edit emits a content replacement command for a confirmed message.
func (s *Sender) Edit(ctx context.Context, messageID, conversationID, content string) error {
	payload := EditMessagePayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		Content:        content,
	}

	if err := s.session.writeEvent(ctx, EventEditMessage, payload); err != nil {
		return fmt.Errorf("editing message %s: %w", messageID, err)
	}

	return nil
}

// Delete emits a removal command for a confirmed message.
func (s *Sender) Delete(ctx context.Context, messageID, conversationID string) error {
	payload := DeleteMessagePayload{
		MessageID:      messageID,
		ConversationID: conversationID,
	}

	if err := s.session.writeEvent(ctx, EventDeleteMessage, payload); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	return nil
}
