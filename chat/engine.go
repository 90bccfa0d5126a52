package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cherrors "github.com/mpetrov/chatwire/internal/errors"
)

// Engine coordinates one active conversation: it loads history over
// REST, joins the conversation's room, applies server events to the
// timeline, and runs optimistic local mutations with rollback when the
// server rejects them or never answers.
//
// Public mutation methods hand their work to the session's event loop
// via Do, so all timeline and room state is owned by a single
// goroutine. Messages and IsPending are safe snapshot reads from
// anywhere.
type Engine struct {
	session *Session
	client  *Client
	rooms   *Membership
	sender  *Sender
	pending *PendingOps
	logger  *slog.Logger

	self            User
	historyPageSize int
	pendingTimeout  time.Duration

	// timeline is swapped on the event loop when the active
	// conversation changes. The mutex guards the pointer for snapshot
	// readers; the timeline itself has its own lock.
	timeline   *Timeline
	timelineMu sync.RWMutex

	// onChange fires after every timeline mutation, onNotice carries
	// human-readable delivery failures. Both are called from the event
	// loop; implementations must not call back into the engine's
	// mutation methods.
	onChange func()
	onNotice func(text string)
}

// EngineConfig holds the engine's tuning parameters and identity.
type EngineConfig struct {
	Self            User
	HistoryPageSize int
	PendingTimeout  time.Duration
}

// NewEngine wires an engine to a session, dispatcher, and API client,
// and registers all event handlers. The dispatcher must be the one the
// session routes to.
func NewEngine(cfg EngineConfig, session *Session, dispatcher *Dispatcher, client *Client, logger *slog.Logger) *Engine {
	e := &Engine{
		session:         session,
		client:          client,
		rooms:           NewMembership(session, logger),
		sender:          NewSender(session),
		pending:         NewPendingOps(),
		logger:          logger,
		self:            cfg.Self,
		historyPageSize: cfg.HistoryPageSize,
		pendingTimeout:  cfg.PendingTimeout,
	}

	dispatcher.OnReady(e.handleReady)
	dispatcher.OnJoined(e.handleJoined)
	dispatcher.OnReceiveMessage(e.handleServerMessage)
	dispatcher.OnMessageSent(e.handleMessageSent)
	dispatcher.OnMessageEdited(e.handleMessageEdited)
	dispatcher.OnMessageDeleted(e.handleMessageDeleted)
	dispatcher.OnMessageError(e.handleMessageError)

	session.OnStateChange(e.handleStateChange)
	session.OnTick(e.sweepExpired)

	return e
}

// OnChange registers a callback fired after every timeline mutation.
// Must be set before the session starts listening.
func (e *Engine) OnChange(fn func()) {
	e.onChange = fn
}

// OnNotice registers a callback for delivery failure notices.
// Must be set before the session starts listening.
func (e *Engine) OnNotice(fn func(text string)) {
	e.onNotice = fn
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

func (e *Engine) notice(text string) {
	if e.onNotice != nil {
		e.onNotice(text)
	}
}

// activeTimeline returns the current timeline, or nil when no
// conversation is open.
func (e *Engine) activeTimeline() *Timeline {
	e.timelineMu.RLock()
	defer e.timelineMu.RUnlock()

	return e.timeline
}

func (e *Engine) setTimeline(t *Timeline) {
	e.timelineMu.Lock()
	e.timeline = t
	e.timelineMu.Unlock()
}

// ActiveConversation returns the id of the open conversation, or empty.
func (e *Engine) ActiveConversation() string {
	if t := e.activeTimeline(); t != nil {
		return t.ConversationID()
	}

	return ""
}

// Messages returns a snapshot of the open conversation's timeline in
// display order. Nil when no conversation is open.
func (e *Engine) Messages() []Message {
	if t := e.activeTimeline(); t != nil {
		return t.Messages()
	}

	return nil
}

// IsPending reports whether any operation is awaiting a server verdict
// for the given message identity (server id or local id).
func (e *Engine) IsPending(key string) bool {
	return e.pending.IsPending(key)
}

// Open makes a conversation the active one: loads its most recent
// history page, replaces the timeline, drops verdicts still pending
// against the previous conversation, and joins the room. Safe to call
// while disconnected; the room is joined when the server next signals
// ready.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	history, err := e.client.GetMessages(ctx, conversationID, 1, e.historyPageSize)
	if err != nil {
		return fmt.Errorf("loading history for %s: %w", conversationID, err)
	}

	return e.session.Do(ctx, func(ctx context.Context) error {
		if prev := e.activeTimeline(); prev != nil && prev.ConversationID() != conversationID {
			if err := e.rooms.Leave(ctx, prev.ConversationID()); err != nil {
				e.logger.Warn("leaving previous conversation",
					slog.String("conversation_id", prev.ConversationID()),
					slog.String("error", err.Error()),
				)
			}
		}

		e.pending.Reset()

		t := NewTimeline(conversationID)
		t.Load(history)
		e.setTimeline(t)

		if err := e.rooms.Join(ctx, conversationID); err != nil && !errors.Is(err, cherrors.ErrNotReady) {
			return err
		}

		e.notify()

		return nil
	})
}

// Send submits a new message to the open conversation. The message
// appears in the timeline immediately, marked unconfirmed until the
// server echoes it back.
func (e *Engine) Send(ctx context.Context, content string) error {
	return e.session.Do(ctx, func(ctx context.Context) error {
		t := e.activeTimeline()
		if t == nil {
			return cherrors.ErrNoConversation
		}

		localID := NewLocalID()

		op := &PendingOp{Type: OpSend, Key: localID}
		if !e.pending.Begin(op) {
			return cherrors.ErrDuplicateOperation
		}

		t.AppendLocal(Message{
			LocalID:        localID,
			ConversationID: t.ConversationID(),
			Sender:         e.self,
			Content:        content,
			MessageType:    "text",
			CreatedAt:      time.Now(),
		})
		e.notify()

		return e.sender.Send(ctx, t.ConversationID(), content, localID)
	})
}

// Edit submits a content replacement for a confirmed message. The new
// content shows immediately and reverts if the server rejects the edit
// or never answers.
func (e *Engine) Edit(ctx context.Context, messageID, content string) error {
	return e.session.Do(ctx, func(ctx context.Context) error {
		t := e.activeTimeline()
		if t == nil {
			return cherrors.ErrNoConversation
		}

		op := &PendingOp{Type: OpEdit, Key: messageID}
		if !e.pending.Begin(op) {
			return cherrors.ErrDuplicateOperation
		}

		prevContent, prevEdited, ok := t.EditLocal(messageID, content)
		if !ok {
			e.pending.End(OpEdit, messageID)
			return fmt.Errorf("editing message %s: not in timeline", messageID)
		}

		op.PrevContent = prevContent
		op.PrevEdited = prevEdited
		e.notify()

		return e.sender.Edit(ctx, messageID, t.ConversationID(), content)
	})
}

// Delete submits a removal for a confirmed message. The message
// disappears immediately and reappears if the server rejects the
// deletion or never answers.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	return e.session.Do(ctx, func(ctx context.Context) error {
		t := e.activeTimeline()
		if t == nil {
			return cherrors.ErrNoConversation
		}

		op := &PendingOp{Type: OpDelete, Key: messageID}
		if !e.pending.Begin(op) {
			return cherrors.ErrDuplicateOperation
		}

		removed := t.RemoveLocal(messageID)
		if removed == nil {
			e.pending.End(OpDelete, messageID)
			return fmt.Errorf("deleting message %s: not in timeline", messageID)
		}

		op.Removed = removed
		e.notify()

		return e.sender.Delete(ctx, messageID, t.ConversationID())
	})
}

// handleReady re-joins the active conversation after (re)connection.
// Room membership is connection-scoped, so every ready signal starts
// from a clean slate.
func (e *Engine) handleReady(ctx context.Context) error {
	t := e.activeTimeline()
	if t == nil {
		return nil
	}

	return e.rooms.Join(ctx, t.ConversationID())
}

func (e *Engine) handleJoined(_ context.Context, conversationID string) error {
	e.logger.Debug("room join confirmed", slog.String("conversation_id", conversationID))
	return nil
}

// stale reports whether an event targets a conversation other than the
// open one. Events for a previously open conversation can still arrive
// until the server processes the leave; they must not touch the new
// timeline.
func (e *Engine) stale(t *Timeline, conversationID string) bool {
	return conversationID != "" && conversationID != t.ConversationID()
}

// handleServerMessage applies a message authored by another participant.
func (e *Engine) handleServerMessage(_ context.Context, msg Message) error {
	t := e.activeTimeline()
	if t == nil || e.stale(t, msg.ConversationID) {
		e.logger.Debug("dropping message for inactive conversation",
			slog.String("conversation_id", msg.ConversationID),
		)

		return nil
	}

	if t.ApplyServer(msg) {
		e.notify()
	}

	return nil
}

// handleMessageSent applies the server's confirmation of our own send:
// the optimistic entry upgrades in place and the pending op settles.
func (e *Engine) handleMessageSent(_ context.Context, msg Message) error {
	t := e.activeTimeline()
	if t == nil || e.stale(t, msg.ConversationID) {
		return nil
	}

	if msg.LocalID != "" {
		e.pending.End(OpSend, msg.LocalID)
	}

	if t.ApplyServer(msg) {
		e.notify()
	}

	return nil
}

func (e *Engine) handleMessageEdited(_ context.Context, msg Message) error {
	t := e.activeTimeline()
	if t == nil || e.stale(t, msg.ConversationID) {
		return nil
	}

	if msg.ID != "" {
		e.pending.End(OpEdit, msg.ID)
	}

	if t.ApplyEdit(msg) {
		e.notify()
	}

	return nil
}

func (e *Engine) handleMessageDeleted(_ context.Context, messageID, conversationID string) error {
	t := e.activeTimeline()
	if t == nil || e.stale(t, conversationID) {
		return nil
	}

	e.pending.End(OpDelete, messageID)

	if t.ApplyDelete(messageID) {
		e.notify()
	}

	return nil
}

// handleMessageError rolls back the optimistic mutation of a rejected
// operation. Correlation is by local id for sends, message id for edits
// and deletes; when the server names the operation type it
// disambiguates an edit and delete in flight for the same message.
func (e *Engine) handleMessageError(_ context.Context, p MessageErrorPayload) error {
	t := e.activeTimeline()
	if t == nil || e.stale(t, p.ConversationID) {
		return nil
	}

	rolled := false

	switch {
	case p.LocalID != "":
		if op := e.pending.End(OpSend, p.LocalID); op != nil {
			e.rollback(t, op)
			rolled = true
		}

	case p.MessageID != "":
		for _, opType := range errorCandidates(p.OpType) {
			if op := e.pending.End(opType, p.MessageID); op != nil {
				e.rollback(t, op)
				rolled = true
				break
			}
		}
	}

	// The rejection reaches the user even when the server sent no
	// correlation keys and there was nothing to roll back.
	if p.Error != "" {
		e.notice("operation rejected: " + p.Error)
	}

	if !rolled {
		e.logger.Warn("server error for unknown operation",
			slog.String("error", p.Error),
			slog.String("local_id", p.LocalID),
			slog.String("message_id", p.MessageID),
		)

		return nil
	}

	e.notify()

	return nil
}

// errorCandidates orders the operation types to try when correlating a
// server rejection by message id.
func errorCandidates(opType string) []OpType {
	switch opType {
	case "edit":
		return []OpType{OpEdit}
	case "delete":
		return []OpType{OpDelete}
	default:
		return []OpType{OpEdit, OpDelete}
	}
}

// rollback undoes the optimistic mutation recorded in op.
func (e *Engine) rollback(t *Timeline, op *PendingOp) {
	switch op.Type {
	case OpSend:
		t.MarkFailed(op.Key)
	case OpEdit:
		t.RevertEdit(op.Key, op.PrevContent, op.PrevEdited)
	case OpDelete:
		if op.Removed != nil {
			t.Reinsert(*op.Removed)
		}
	}
}

// sweepExpired rolls back operations the server never answered. Runs on
// the event loop's sweep tick.
func (e *Engine) sweepExpired(_ context.Context) error {
	expired := e.pending.Expired(e.pendingTimeout)
	if len(expired) == 0 {
		return nil
	}

	t := e.activeTimeline()

	for _, op := range expired {
		e.logger.Warn("pending operation timed out",
			slog.String("op", op.Type.String()),
			slog.String("key", op.Key),
		)

		if t != nil {
			e.rollback(t, op)
		}

		e.notice(fmt.Sprintf("%s timed out for %s", op.Type, op.Key))
	}

	e.notify()

	return nil
}

// handleStateChange resets connection-scoped room state on disconnect.
func (e *Engine) handleStateChange(state SessionState) {
	if state == StateDisconnected {
		e.rooms.Reset()
	}
}
