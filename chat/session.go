package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cherrors "github.com/mpetrov/chatwire/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// sweepInterval is how often the event loop fires the onTick hook
	// used to expire stalled pending operations.
	sweepInterval = 5 * time.Second

	// wsReadLimit bounds inbound frame size. Chat payloads are small;
	// 1MB leaves generous headroom for large group message bursts.
	wsReadLimit = 1 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// postChanSize is the buffer size for the channel carrying posted
	// closures from caller goroutines to the event loop.
	postChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// SessionState is the connection lifecycle phase of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sessionOp is a closure submitted to the event loop by Do.
type sessionOp struct {
	fn     func(ctx context.Context) error
	result chan error
}

// wsConn abstracts the WebSocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Session manages a WebSocket connection to a chat server.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine (Listen) processes inbound
// frames, posted closures (postCh), and heartbeat ticks. All writes to
// the connection happen from the event loop, so no write mutex is
// needed and event handlers can never deadlock against senders.
type Session struct {
	conn   wsConn
	logger *slog.Logger

	url    string
	token  string
	device string
	userID string

	dispatcher *Dispatcher

	// postCh receives closures from caller goroutines via Do.
	// The event loop runs them one at a time.
	postCh chan sessionOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	state   SessionState
	stateMu sync.RWMutex

	// onState is invoked after every state transition. Called from the
	// session's own goroutines; implementations must not block.
	onState func(SessionState)

	// onTick runs on the event loop at sweepInterval. Used by the
	// engine to expire stalled operations.
	onTick func(ctx context.Context) error
}

// SessionConfig holds the parameters needed to connect to a chat server.
type SessionConfig struct {
	URL    string
	Token  string
	Device string
}

// NewSession creates a Session from the given config. The dispatcher's
// handlers run on the session's event loop.
func NewSession(cfg SessionConfig, dispatcher *Dispatcher, logger *slog.Logger) *Session {
	return &Session{
		logger:     logger,
		url:        cfg.URL,
		token:      cfg.Token,
		device:     cfg.Device,
		dispatcher: dispatcher,
		postCh:     make(chan sessionOp, postChanSize),
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Must be called before Listen.
func (s *Session) OnStateChange(fn func(SessionState)) {
	s.onState = fn
}

// OnTick registers a callback the event loop runs every sweep interval.
// Must be called before Listen.
func (s *Session) OnTick(fn func(ctx context.Context) error) {
	s.onTick = fn
}

// Connect dials the WebSocket, sends init, and waits for auth
// confirmation. Idempotent: with a live authenticated connection it
// returns without dialing or re-running the handshake.
func (s *Session) Connect(ctx context.Context) error {
	if s.conn != nil && s.State() >= StateConnected {
		return nil
	}

	// Cancel any previous reader goroutine from a prior connection.
	if s.connCancel != nil {
		s.connCancel()
	}

	s.setState(StateConnecting)
	s.logger.Debug("connecting", slog.String("url", s.url))

	conn, _, err := websocket.Dial(ctx, s.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dialing websocket: %w", err)
	}

	if err := s.handshake(ctx, conn); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	return nil
}

// handshake performs the post-dial init/auth sequence. Extracted from
// Connect so the auth logic can be tested with a mock wsConn without
// needing a real network connection.
func (s *Session) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	init := InitPayload{
		Token:  s.token,
		Device: s.device,
	}

	if err := s.writeEvent(ctx, EventInit, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// Read the auth response. This happens before Listen starts, so we
	// read directly without going through the event loop.
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	s.touchLastMessage()

	event := gjson.GetBytes(data, "event").String()
	if event != EventAuthed {
		msg := gjson.GetBytes(data, "data.error").String()
		if msg == "" {
			msg = event
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", cherrors.ErrAuthFailed, msg)
	}

	var authed AuthedPayload
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, "data").Raw), &authed); err != nil {
		s.conn.Close(websocket.StatusInternalError, "bad auth payload")
		return fmt.Errorf("decoding auth response: %w", err)
	}

	s.userID = authed.UserID
	s.setState(StateConnected)
	s.logger.Info("websocket authenticated", slog.String("user_id", authed.UserID))

	return nil
}

// UserID returns the identity confirmed by the server during the
// handshake. Empty until the first successful Connect.
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current connection lifecycle phase.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	v := s.state
	s.stateMu.RUnlock()

	return v
}

// Ready reports whether the server has finished replaying state for
// this connection and accepts room operations.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

func (s *Session) setState(v SessionState) {
	s.stateMu.Lock()
	changed := s.state != v
	s.state = v
	s.stateMu.Unlock()

	if changed && s.onState != nil {
		s.onState(v)
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so that if startReader is
// called again for a new connection, the old goroutine cannot send
// stale frames into the new channel.
func (s *Session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Processes inbound events, posted closures,
// and heartbeat ticks. Returns only on permanent errors or context
// cancellation. Connect must have succeeded before Listen is called.
func (s *Session) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)

	for {
		err := s.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		s.setState(StateDisconnected)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)

		backoff = reconnectMin

		s.logger.Info("reconnected")
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, posted closures, and the heartbeat ticker. All writes
// happen here, so no mutex is needed. Returns on read error or context
// cancellation.
func (s *Session) eventLoop(ctx context.Context, connCtx context.Context) error {
	heartbeat := time.NewTicker(heartbeatCheckAt)
	defer heartbeat.Stop()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleFrame(ctx, msg.data); err != nil {
				return err
			}

		case op := <-s.postCh:
			op.result <- op.fn(ctx)

		case <-heartbeat.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeEvent(ctx, EventPing, struct{}{}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-sweep.C:
			if s.onTick != nil {
				if err := s.onTick(ctx); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame routes a single inbound text frame. Ready flips the
// session state before dispatching so handlers observe the new phase.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	event := gjson.GetBytes(data, "event").String()
	if event == "" {
		s.logger.Debug("frame without event field", slog.Int("bytes", len(data)))
		return nil
	}

	if event == EventPong {
		return nil
	}

	if event == EventReady {
		s.setState(StateReady)
	}

	payload := []byte(gjson.GetBytes(data, "data").Raw)

	return s.dispatcher.dispatch(ctx, event, payload)
}

// Do submits a closure to the event loop and waits for it to complete.
// The closure runs on the loop goroutine, where it may freely read and
// mutate loop-owned state and write to the connection. Blocks until the
// closure has run or ctx is cancelled.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := sessionOp{fn: fn, result: make(chan error, 1)}

	select {
	case s.postCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeEvent marshals an envelope and writes it as a text frame.
// Only called from the event loop or during Connect (before Listen starts).
func (s *Session) writeEvent(ctx context.Context, event string, payload interface{}) error {
	if s.conn == nil {
		return cherrors.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", event, err)
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshalling %s envelope: %w", event, err)
	}

	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// Close cleanly shuts down the WebSocket connection.
func (s *Session) Close() error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.setState(StateDisconnected)

	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// isPermanentError returns true for errors that won't resolve on retry.
// Rejected credentials stay rejected; reconnecting would loop forever.
func isPermanentError(err error) bool {
	return errors.Is(err, cherrors.ErrAuthFailed)
}
