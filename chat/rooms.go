package chat

import (
	"context"
	"fmt"
	"log/slog"

	cherrors "github.com/mpetrov/chatwire/internal/errors"
)

// Membership tracks which conversation rooms this connection has joined.
// Room state is connection-scoped: the server forgets it on disconnect,
// so Reset is called whenever the session drops and the active room is
// re-joined once the server signals ready again.
//
// All methods must be called from the session's event loop goroutine.
type Membership struct {
	session *Session
	logger  *slog.Logger
	joined  map[string]bool
}

// NewMembership creates an empty membership tracker bound to a session.
func NewMembership(session *Session, logger *slog.Logger) *Membership {
	return &Membership{
		session: session,
		logger:  logger,
		joined:  make(map[string]bool),
	}
}

// Join subscribes the connection to a conversation's room. A no-op if
// already joined. Fails with ErrNotReady before the server's ready
// signal; the server discards room operations sent earlier.
func (m *Membership) Join(ctx context.Context, conversationID string) error {
	if m.joined[conversationID] {
		return nil
	}

	if !m.session.Ready() {
		return fmt.Errorf("joining conversation %s: %w", conversationID, cherrors.ErrNotReady)
	}

	if err := m.session.writeEvent(ctx, EventJoinConversation, RoomPayload{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("joining conversation %s: %w", conversationID, err)
	}

	m.joined[conversationID] = true
	m.logger.Debug("joined conversation", slog.String("conversation_id", conversationID))

	return nil
}

// Leave unsubscribes from a conversation's room. A no-op if not joined.
func (m *Membership) Leave(ctx context.Context, conversationID string) error {
	if !m.joined[conversationID] {
		return nil
	}

	delete(m.joined, conversationID)

	if !m.session.Ready() {
		// Connection already dropped; the server forgot the room anyway.
		return nil
	}

	if err := m.session.writeEvent(ctx, EventLeaveConversation, RoomPayload{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("leaving conversation %s: %w", conversationID, err)
	}

	m.logger.Debug("left conversation", slog.String("conversation_id", conversationID))

	return nil
}

// Joined reports whether the connection is subscribed to the room.
func (m *Membership) Joined(conversationID string) bool {
	return m.joined[conversationID]
}

// Reset forgets all room subscriptions. Called on disconnect.
func (m *Membership) Reset() {
	clear(m.joined)
}
