package chat

import (
	"sort"
	"sync"
)

// Timeline holds the ordered message history of one conversation and
// reconciles it against server events. Messages are ordered by creation
// time; ties keep arrival order. Identity is resolved strictly by
// server id first, then local id — never by content, so two identical
// texts sent in a row stay distinct.
//
// Mutations happen on the session's event loop goroutine. The mutex
// exists only so Messages and Len can be called as snapshots from other
// goroutines.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	messages       []Message
}

// NewTimeline creates an empty timeline for a conversation.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{conversationID: conversationID}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Load replaces the timeline with a history page. Input order is not
// trusted: messages are sorted by creation time (stable, preserving the
// server's order for equal timestamps), deduplicated by server id, and
// marked confirmed.
func (t *Timeline) Load(history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := make([]Message, 0, len(history))
	seen := make(map[string]bool, len(history))

	for _, m := range history {
		if m.ID != "" && seen[m.ID] {
			continue
		}

		if m.ID != "" {
			seen[m.ID] = true
		}

		m.DeliveryState = DeliveryConfirmed
		msgs = append(msgs, m)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	t.messages = msgs
}

// Messages returns a copy of the current timeline in display order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)

	return out
}

// Len returns the number of messages in the timeline.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.messages)
}

// indexOf resolves a message's position by server id first, then local
// id. Returns -1 if no identity matches. Callers hold t.mu.
func (t *Timeline) indexOf(id, localID string) int {
	if id != "" {
		for i := range t.messages {
			if t.messages[i].ID == id {
				return i
			}
		}
	}

	if localID != "" {
		for i := range t.messages {
			if t.messages[i].LocalID == localID {
				return i
			}
		}
	}

	return -1
}

// ApplyServer merges a server-delivered message. A message whose server
// id is already present is a redelivery and is discarded. A message
// matching an optimistic entry by local id upgrades it in place —
// server fields replace local ones but the entry keeps its position, so
// confirmation never makes a message jump. Anything else is a genuinely
// new message, inserted in timestamp order. Returns true if the
// timeline changed.
func (t *Timeline) ApplyServer(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" {
		for i := range t.messages {
			if t.messages[i].ID == msg.ID {
				return false
			}
		}
	}

	if msg.LocalID != "" {
		for i := range t.messages {
			if t.messages[i].LocalID == msg.LocalID {
				local := t.messages[i]
				msg.DeliveryState = DeliveryConfirmed
				// Keep the optimistic timestamp so confirmation does
				// not reorder the entry relative to its neighbors.
				msg.CreatedAt = local.CreatedAt
				t.messages[i] = msg

				return true
			}
		}
	}

	msg.DeliveryState = DeliveryConfirmed
	t.insertSorted(msg)

	return true
}

// insertSorted places msg at the position its creation time dictates.
// Equal timestamps go after existing entries. Callers hold t.mu.
func (t *Timeline) insertSorted(msg Message) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(msg.CreatedAt)
	})

	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
}

// ApplyEdit merges an edit notification into the matching message:
// content and edit flag update, identity and position stay. Returns
// false if no message matches; the notification is then dropped (the
// target may have been deleted already).
func (t *Timeline) ApplyEdit(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(msg.ID, msg.LocalID)
	if i < 0 {
		return false
	}

	t.messages[i].Content = msg.Content
	t.messages[i].Edited = true
	t.messages[i].DeliveryState = DeliveryConfirmed

	if t.messages[i].ID == "" {
		t.messages[i].ID = msg.ID
	}

	return true
}

// ApplyDelete removes the message with the given server id. Returns
// false if it was not present (already removed, or never known).
func (t *Timeline) ApplyDelete(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(messageID, "")
	if i < 0 {
		return false
	}

	t.messages = append(t.messages[:i], t.messages[i+1:]...)

	return true
}

// AppendLocal adds an optimistic message at the end of the timeline.
func (t *Timeline) AppendLocal(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.DeliveryState = DeliveryOptimistic
	t.messages = append(t.messages, msg)
}

// EditLocal optimistically replaces a message's content, returning the
// previous content and edit flag for rollback. Returns false if the
// message is not present.
func (t *Timeline) EditLocal(messageID, content string) (prevContent string, prevEdited bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(messageID, "")
	if i < 0 {
		return "", false, false
	}

	prevContent = t.messages[i].Content
	prevEdited = t.messages[i].Edited
	t.messages[i].Content = content
	t.messages[i].Edited = true
	t.messages[i].DeliveryState = DeliveryOptimistic

	return prevContent, prevEdited, true
}

// RevertEdit undoes an optimistic edit, restoring the saved content and
// edit flag. A no-op if the message has since been removed.
func (t *Timeline) RevertEdit(messageID, prevContent string, prevEdited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(messageID, "")
	if i < 0 {
		return
	}

	t.messages[i].Content = prevContent
	t.messages[i].Edited = prevEdited
	t.messages[i].DeliveryState = DeliveryConfirmed
}

// RemoveLocal optimistically removes a message, returning a copy for
// reinsertion if the deletion is later rejected. Returns nil if the
// message is not present.
func (t *Timeline) RemoveLocal(messageID string) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(messageID, "")
	if i < 0 {
		return nil
	}

	removed := t.messages[i]
	t.messages = append(t.messages[:i], t.messages[i+1:]...)

	return &removed
}

// Reinsert puts a previously removed message back at the position its
// timestamp dictates. Used to roll back a failed deletion. A no-op if a
// message with the same server id reappeared in the meantime.
func (t *Timeline) Reinsert(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" && t.indexOf(msg.ID, "") >= 0 {
		return
	}

	t.insertSorted(msg)
}

// MarkFailed flags an optimistic message as failed-to-deliver. The
// message stays visible so the user can see what was lost. Returns
// false if no message carries the local id.
func (t *Timeline) MarkFailed(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf("", localID)
	if i < 0 {
		return false
	}

	t.messages[i].DeliveryState = DeliveryFailed

	return true
}
