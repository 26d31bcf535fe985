package sentira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the transport connection state.
type ConnState string

const (
	StateClosed        ConnState = "closed"
	StateConnecting    ConnState = "connecting"
	StateOpen          ConnState = "open"
	StateReconnectWait ConnState = "reconnect_wait"
)

func (s ConnState) String() string { return string(s) }

// reconnectDialTimeout bounds each automatic redial handshake.
const reconnectDialTimeout = 15 * time.Second

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic subscription callback type. Handlers registered
// through On receive the raw payload of every envelope of their type.
type EventHandler func(eventType string, data json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]EventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
	onChatStream   []func(StreamingResponse)
	onChatComplete []func(StreamingResponse)
	onChatMessage  []func(ChatMessage)
	onChatError    []func(ChatError)
	onNotification []func(Notification)
	onSystemUpdate []func(SystemUpdate)
	onError        []func(error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// Chat events run synchronously on the reader goroutine so fragments for a
// stream are observed in arrival order and invocations never overlap.

func (d *eventDispatcher) emitChatStream(r StreamingResponse) {
	d.mu.RLock()
	handlers := append([]func(StreamingResponse){}, d.onChatStream...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}

func (d *eventDispatcher) emitChatComplete(r StreamingResponse) {
	d.mu.RLock()
	handlers := append([]func(StreamingResponse){}, d.onChatComplete...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}

func (d *eventDispatcher) emitChatMessage(m ChatMessage) {
	d.mu.RLock()
	handlers := append([]func(ChatMessage){}, d.onChatMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

func (d *eventDispatcher) emitChatError(e ChatError) {
	d.mu.RLock()
	handlers := append([]func(ChatError){}, d.onChatError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// Notifications and system updates are fire-and-forget: handlers run on their
// own goroutines and can never stall the router.

func (d *eventDispatcher) emitNotification(n Notification) {
	d.mu.RLock()
	handlers := append([]func(Notification){}, d.onNotification...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(n)
	}
}

func (d *eventDispatcher) emitSystemUpdate(u SystemUpdate) {
	d.mu.RLock()
	handlers := append([]func(SystemUpdate){}, d.onSystemUpdate...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(u)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) dispatchGeneric(eventType string, data json.RawMessage) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.generic[eventType]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(eventType, data)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// nextDelay computes the backoff before retry number attempt (1-based):
// min(base * 2^(attempt-1) + jitter, max) with jitter in [0, base/2).
func (r *reconnector) nextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(attempt-1))+float64(jitter),
		float64(r.maxDelay),
	))
}

func (r *reconnector) exhausted(attempt int) bool {
	return attempt >= r.maxAttempts
}

// ============================================================================
// ChatTransport
// ============================================================================

// ChatTransport is a persistent duplex WebSocket client for the Sentira
// assistant. It owns one connection at a time, reassembles streamed replies
// into normalized responses, keeps the socket alive with heartbeats, and
// recovers from socket loss with bounded exponential backoff.
//
// Every NewChatTransport call returns an independent instance; there is no
// shared state between transports.
type ChatTransport struct {
	wsURL  string
	config *transportConfig
	log    zerolog.Logger

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	cancelConn  context.CancelFunc
	sessionID   string
	manualClose bool
	attempt     int
	retryTimer  *time.Timer
	// epoch invalidates in-flight work: every transition that makes older
	// timers, dials or read loops stale bumps it, and those callbacks check
	// it before acting.
	epoch uint64

	dispatcher *eventDispatcher
	assembler  *streamAssembler
	recon      *reconnector
}

// NewChatTransport creates a transport for the assistant WebSocket endpoint.
// baseURL is the HTTP(S) origin of the Sentira backend; token is the JWT for
// the analyst session, carried as a query parameter on the handshake. The
// transport starts closed; call Connect.
func NewChatTransport(baseURL, token string, opts ...TransportOption) *ChatTransport {
	config := defaultTransportConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.normalize()

	return &ChatTransport{
		wsURL:      assistantWSURL(baseURL, token),
		config:     config,
		log:        config.logger.With().Str("component", "chat-transport").Logger(),
		state:      StateClosed,
		dispatcher: newEventDispatcher(),
		assembler:  newStreamAssembler(),
		recon: &reconnector{
			baseDelay:   config.reconnectDelay,
			maxDelay:    config.reconnectMaxDelay,
			maxAttempts: config.maxReconnectAttempts,
		},
	}
}

// ============================================================================
// Handler Registration
// ============================================================================

// OnConnected registers a handler invoked whenever a socket opens, including
// automatic reconnections.
func (t *ChatTransport) OnConnected(h func()) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onConnected = append(t.dispatcher.onConnected, h)
	t.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the terminal close: a manual
// Disconnect or exhausted reconnection attempts. Transient drops that the
// transport is still retrying surface through OnReconnecting instead.
func (t *ChatTransport) OnDisconnected(h func(code int, reason string)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onDisconnected = append(t.dispatcher.onDisconnected, h)
	t.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler invoked before each reconnect wait.
func (t *ChatTransport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onReconnecting = append(t.dispatcher.onReconnecting, h)
	t.dispatcher.mu.Unlock()
}

// OnChatStream registers a handler for every normalized streaming snapshot.
// Handlers run on the reader goroutine and must not block.
func (t *ChatTransport) OnChatStream(h func(StreamingResponse)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onChatStream = append(t.dispatcher.onChatStream, h)
	t.dispatcher.mu.Unlock()
}

// OnChatComplete registers a handler for completed streams.
func (t *ChatTransport) OnChatComplete(h func(StreamingResponse)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onChatComplete = append(t.dispatcher.onChatComplete, h)
	t.dispatcher.mu.Unlock()
}

// OnChatMessage registers a handler receiving each completed reply as a
// discrete message.
func (t *ChatTransport) OnChatMessage(h func(ChatMessage)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onChatMessage = append(t.dispatcher.onChatMessage, h)
	t.dispatcher.mu.Unlock()
}

// OnChatError registers a handler for failures scoped to a single reply.
func (t *ChatTransport) OnChatError(h func(ChatError)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onChatError = append(t.dispatcher.onChatError, h)
	t.dispatcher.mu.Unlock()
}

// OnNotification registers a handler for server-pushed notifications.
// Handlers run on their own goroutine.
func (t *ChatTransport) OnNotification(h func(Notification)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onNotification = append(t.dispatcher.onNotification, h)
	t.dispatcher.mu.Unlock()
}

// OnSystemUpdate registers a handler for backend status changes. Handlers
// run on their own goroutine.
func (t *ChatTransport) OnSystemUpdate(h func(SystemUpdate)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onSystemUpdate = append(t.dispatcher.onSystemUpdate, h)
	t.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors that do not correlate with
// an active stream.
func (t *ChatTransport) OnError(h func(error)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onError = append(t.dispatcher.onError, h)
	t.dispatcher.mu.Unlock()
}

// On registers a generic handler for a raw envelope type.
func (t *ChatTransport) On(eventType string, h EventHandler) {
	t.dispatcher.mu.Lock()
	t.dispatcher.generic[eventType] = append(t.dispatcher.generic[eventType], h)
	t.dispatcher.mu.Unlock()
}

// ============================================================================
// Lifecycle
// ============================================================================

// State returns the current connection state.
func (t *ChatTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the socket is open.
func (t *ChatTransport) IsConnected() bool {
	return t.State() == StateOpen
}

// Connect dials the assistant endpoint. Its result reports only this initial
// attempt: once the socket is open, later drops are handled by the
// reconnection machinery and surface through OnReconnecting / OnConnected /
// OnDisconnected, never through a past Connect call.
//
// Connect is valid from closed and reconnect_wait; calling it during a
// backoff wait cancels the pending retry and dials immediately. ctx bounds
// the handshake only, not the connection lifetime.
func (t *ChatTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.stopRetryTimerLocked()
	t.manualClose = false
	t.attempt = 0
	t.state = StateConnecting
	t.epoch++
	epoch := t.epoch
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		if epoch == t.epoch && t.state == StateConnecting {
			t.state = StateClosed
		}
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	if !t.install(conn, epoch) {
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return fmt.Errorf("connect aborted: transport closed during dial")
	}
	return nil
}

// Disconnect closes the transport and synchronously cancels any pending
// reconnect. It is idempotent and safe from any goroutine, including event
// handlers. The terminal transition is observed at most once through
// OnDisconnected.
func (t *ChatTransport) Disconnect() {
	t.mu.Lock()
	if t.state == StateClosed && t.manualClose {
		t.mu.Unlock()
		return
	}
	wasTerminal := t.state == StateClosed
	t.manualClose = true
	t.stopRetryTimerLocked()
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateClosed
	t.attempt = 0
	t.epoch++
	t.mu.Unlock()

	t.assembler.reset()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !wasTerminal {
		t.log.Info().Msg("transport closed by client")
		t.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	}
}

// Send transmits one assistant query. It returns false, never an error, when
// the transport is not open or the write fails; replies arrive through the
// chat callbacks.
func (t *ChatTransport) Send(ctx context.Context, req *ChatRequest) bool {
	if req == nil {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	state := t.state
	sessionID := t.sessionID
	t.mu.Unlock()
	if conn == nil || state != StateOpen {
		return false
	}

	env, err := newChatMessageEnvelope(req, sessionID)
	if err != nil {
		t.log.Warn().Err(err).Msg("dropping outbound chat message")
		return false
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.log.Warn().Err(err).Msg("dropping outbound chat message")
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.log.Warn().Err(err).Msg("chat message write failed")
		return false
	}
	return true
}

func (t *ChatTransport) stopRetryTimerLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *ChatTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.wsURL, &websocket.DialOptions{
		HTTPClient: t.config.httpClient,
		HTTPHeader: http.Header{"User-Agent": {"sentira-go/" + Version}},
	})
	return conn, err
}

// install promotes a freshly dialed socket to the active connection and
// starts its reader and heartbeat. Returns false if the transport moved on
// (manual disconnect) while the dial was in flight.
func (t *ChatTransport) install(conn *websocket.Conn, epoch uint64) bool {
	connCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if epoch != t.epoch || t.manualClose {
		t.mu.Unlock()
		cancel()
		return false
	}
	t.conn = conn
	t.cancelConn = cancel
	t.state = StateOpen
	t.attempt = 0
	t.sessionID = uuid.NewString()
	t.epoch++
	connEpoch := t.epoch
	sessionID := t.sessionID
	t.mu.Unlock()

	t.log.Info().Str("session_id", sessionID).Msg("assistant socket open")
	t.dispatcher.emitConnected()

	go t.readLoop(connCtx, conn, connEpoch)
	go t.heartbeatLoop(connCtx, conn, sessionID)
	return true
}

// ============================================================================
// Read Loop & Router
// ============================================================================

func (t *ChatTransport) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleSocketLoss(epoch, err)
			return
		}
		t.handleFrame(data)
	}
}

func (t *ChatTransport) handleFrame(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}
	t.route(env)
}

// route dispatches one decoded envelope. A bad or unrecognized payload never
// takes the connection down: the frame is dropped with a debug line.
func (t *ChatTransport) route(env *Envelope) {
	switch env.Type {
	case TypeChatResponse:
		var frag ChatResponseData
		if err := json.Unmarshal(env.Data, &frag); err != nil {
			t.log.Debug().Err(err).Msg("dropping chat_response with bad payload")
			break
		}
		t.routeChatResponse(&frag)

	case TypeNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			t.log.Debug().Err(err).Msg("dropping notification with bad payload")
			break
		}
		t.dispatcher.emitNotification(n)

	case TypeSystemUpdate:
		var u SystemUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			t.log.Debug().Err(err).Msg("dropping system_update with bad payload")
			break
		}
		t.dispatcher.emitSystemUpdate(u)

	case TypeError:
		var e ErrorData
		if err := json.Unmarshal(env.Data, &e); err != nil {
			t.log.Debug().Err(err).Msg("dropping error envelope with bad payload")
			break
		}
		t.routeError(&e)

	case TypePing, TypePong:
		// Heartbeat traffic, consumed silently.

	default:
		t.log.Debug().Str("type", env.Type).Msg("dropping unrecognized envelope type")
	}

	t.dispatcher.dispatchGeneric(env.Type, env.Data)
}

func (t *ChatTransport) routeChatResponse(frag *ChatResponseData) {
	resp := t.assembler.ingest(frag)
	if resp.Err != nil {
		t.log.Debug().
			Str("conversation_id", resp.ConversationID).
			Str("stage", resp.Stage).
			Msg("assistant stream failed")
		t.dispatcher.emitChatError(*resp.Err)
		return
	}
	t.dispatcher.emitChatStream(resp)
	if resp.IsComplete {
		t.dispatcher.emitChatComplete(resp)
		t.dispatcher.emitChatMessage(messageFromStream(resp))
	}
}

// routeError forwards an error envelope to the stream it concerns, tearing
// that stream down; errors with no active stream go to OnError.
func (t *ChatTransport) routeError(e *ErrorData) {
	if s, ok := t.assembler.takeForError(e.MessageID, e.ConversationID); ok {
		ce := ChatError{
			ConversationID: e.ConversationID,
			MessageID:      e.MessageID,
			Code:           e.Code,
			Message:        e.Message,
		}
		if ce.ConversationID == "" {
			ce.ConversationID = s.conversationID
		}
		if ce.MessageID == "" {
			ce.MessageID = s.messageID
		}
		t.dispatcher.emitChatError(ce)
		return
	}
	t.dispatcher.emitError(&ServerError{Code: e.Code, Message: e.Message})
}

// ============================================================================
// Heartbeat
// ============================================================================

// heartbeatLoop emits a ping envelope every interval while the connection is
// up. A failed write closes the socket; the read loop then drives recovery.
// The loop itself never reconnects.
func (t *ChatTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(t.config.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := EncodeEnvelope(newPingEnvelope(sessionID))
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				t.log.Warn().Err(err).Msg("heartbeat write failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// ============================================================================
// Reconnection
// ============================================================================

// handleSocketLoss tears down the connection a read loop just lost and
// decides what happens next. The epoch check makes stale loops harmless: if
// a manual disconnect or a newer connection already took over, the loop
// exits without side effects.
func (t *ChatTransport) handleSocketLoss(epoch uint64, readErr error) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	t.conn = nil
	manual := t.manualClose
	t.mu.Unlock()

	t.assembler.reset()
	if manual {
		return
	}

	code, reason := closeInfo(readErr)
	t.log.Warn().Int("code", code).Str("reason", reason).Msg("assistant socket lost")
	t.scheduleOrFinish(epoch, code, reason)
}

// retryConnect runs when the reconnect timer fires. A stale timer (armed
// before a manual disconnect or an explicit Connect) observes a bumped epoch
// and does nothing.
func (t *ChatTransport) retryConnect(epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch || t.state != StateReconnectWait || t.manualClose {
		t.mu.Unlock()
		return
	}
	t.retryTimer = nil
	t.state = StateConnecting
	t.epoch++
	dialEpoch := t.epoch
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
	conn, err := t.dial(ctx)
	cancel()

	if err == nil {
		if !t.install(conn, dialEpoch) {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}

	t.log.Warn().Err(err).Msg("reconnect dial failed")
	t.scheduleOrFinish(dialEpoch, -1, "dial failed")
}

// scheduleOrFinish either arms the next retry or finishes the transport.
// prevEpoch is the epoch the caller observed when it detected the failure;
// any transition since then wins and the call becomes a no-op.
func (t *ChatTransport) scheduleOrFinish(prevEpoch uint64, code int, reason string) {
	t.mu.Lock()
	if prevEpoch != t.epoch || t.manualClose || t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	if !t.config.autoReconnect || t.recon.exhausted(t.attempt) {
		exhausted := t.recon.exhausted(t.attempt)
		t.state = StateClosed
		t.epoch++
		t.mu.Unlock()
		if exhausted {
			t.log.Error().Int("attempts", t.config.maxReconnectAttempts).Msg("reconnect attempts exhausted")
			reason = "reconnect attempts exhausted"
		} else {
			t.log.Info().Int("code", code).Str("reason", reason).Msg("transport closed")
		}
		t.dispatcher.emitDisconnected(code, reason)
		return
	}
	t.attempt++
	attempt := t.attempt
	delay := t.recon.nextDelay(attempt)
	t.state = StateReconnectWait
	t.epoch++
	retryEpoch := t.epoch
	t.mu.Unlock()

	t.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	t.dispatcher.emitReconnecting(attempt, delay)

	// Re-check after the handlers ran: a Disconnect or explicit Connect that
	// raced the announcement must not leave a live timer behind.
	t.mu.Lock()
	if retryEpoch == t.epoch && t.state == StateReconnectWait && t.retryTimer == nil {
		t.retryTimer = time.AfterFunc(delay, func() { t.retryConnect(retryEpoch) })
	}
	t.mu.Unlock()
}

// closeInfo extracts the close code and reason from a read error. A read
// failure with no close frame reports code -1, mirroring the statuses nhooyr
// cannot decode.
func closeInfo(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return -1, err.Error()
}
