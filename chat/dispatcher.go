package chat

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Dispatcher routes inbound server events to registered handlers. Each
// event kind has at most one handler; registering again replaces the
// previous one. Payloads are decoded and validated here so handlers
// only ever see well-formed data. Handlers run on the session's event
// loop goroutine, one at a time, to completion.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[string]func(ctx context.Context, data []byte) error
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string]func(ctx context.Context, data []byte) error),
	}
}

// Reset removes all registered handlers.
func (d *Dispatcher) Reset() {
	clear(d.handlers)
}

// dispatch decodes and routes one event. Unknown events and malformed
// payloads are logged and dropped; a bad frame must never kill the
// connection. Handler errors propagate to the event loop.
func (d *Dispatcher) dispatch(ctx context.Context, event string, data []byte) error {
	handler, ok := d.handlers[event]
	if !ok {
		d.logger.Debug("no handler for event", slog.String("event", event))
		return nil
	}

	return handler(ctx, data)
}

// OnReady registers the handler for the server's ready signal.
func (d *Dispatcher) OnReady(fn func(ctx context.Context) error) {
	d.handlers[EventReady] = func(ctx context.Context, _ []byte) error {
		return fn(ctx)
	}
}

// OnJoined registers the handler for room join acknowledgements.
func (d *Dispatcher) OnJoined(fn func(ctx context.Context, conversationID string) error) {
	d.handlers[EventJoined] = func(ctx context.Context, data []byte) error {
		var p RoomPayload
		if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
			d.logger.Warn("dropping malformed joined event", slog.Int("bytes", len(data)))
			return nil
		}

		return fn(ctx, p.ConversationID)
	}
}

// OnReceiveMessage registers the handler for messages authored by other
// participants.
func (d *Dispatcher) OnReceiveMessage(fn func(ctx context.Context, msg Message) error) {
	d.handlers[EventReceiveMessage] = d.messageHandler(EventReceiveMessage, fn)
}

// OnMessageSent registers the handler for the server's confirmation of
// this client's own sends.
func (d *Dispatcher) OnMessageSent(fn func(ctx context.Context, msg Message) error) {
	d.handlers[EventMessageSent] = d.messageHandler(EventMessageSent, fn)
}

// OnMessageEdited registers the handler for edit notifications.
func (d *Dispatcher) OnMessageEdited(fn func(ctx context.Context, msg Message) error) {
	d.handlers[EventMessageEdited] = d.messageHandler(EventMessageEdited, fn)
}

// messageHandler builds a decoder shared by the three message-carrying
// events. A message must name its conversation and carry at least one
// identity (server id or local id) to be applicable to a timeline.
func (d *Dispatcher) messageHandler(event string, fn func(ctx context.Context, msg Message) error) func(ctx context.Context, data []byte) error {
	return func(ctx context.Context, data []byte) error {
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			d.logger.Warn("dropping undecodable event",
				slog.String("event", event),
				slog.Int("bytes", len(data)),
			)

			return nil
		}

		msg := p.Message
		if msg.ConversationID == "" || (msg.ID == "" && msg.LocalID == "") {
			d.logger.Warn("dropping message without identity",
				slog.String("event", event),
				slog.String("conversation_id", msg.ConversationID),
			)

			return nil
		}

		return fn(ctx, msg)
	}
}

// OnMessageDeleted registers the handler for delete notifications.
func (d *Dispatcher) OnMessageDeleted(fn func(ctx context.Context, messageID, conversationID string) error) {
	d.handlers[EventMessageDeleted] = func(ctx context.Context, data []byte) error {
		var p MessageDeletedPayload
		if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
			d.logger.Warn("dropping malformed delete event", slog.Int("bytes", len(data)))
			return nil
		}

		return fn(ctx, p.MessageID, p.ConversationID)
	}
}

// OnMessageError registers the handler for server-side operation
// rejections.
func (d *Dispatcher) OnMessageError(fn func(ctx context.Context, p MessageErrorPayload) error) {
	d.handlers[EventMessageError] = func(ctx context.Context, data []byte) error {
		var p MessageErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			d.logger.Warn("dropping malformed error event", slog.Int("bytes", len(data)))
			return nil
		}

		return fn(ctx, p)
	}
}
