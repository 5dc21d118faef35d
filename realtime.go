package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all realtime traffic, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// OutgoingMessage is the payload of send_message and send_group_message.
// ConversationID names the thread in both cases; ReceiverID additionally
// addresses the counterpart on direct sends. ClientKey is filled in by the
// socket when left empty.
type OutgoingMessage struct {
	Content        string      `json:"content"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Type           MessageType `json:"messageType"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	ParentID       string      `json:"parentMessageId,omitempty"`
	IsForwarded    bool        `json:"isForwarded,omitempty"`
	OriginalID     string      `json:"originalMessageId,omitempty"`
	ClientKey      string      `json:"clientKey,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures a realtime socket.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, data json.RawMessage)

type dispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]EventHandler
	onMessage       []func(Message)
	onMessageSent   []func(Message)
	onGroupCreated  []func(Group)
	onGroupUpdated  []func(Group)
	onMemberRemoved []func(MemberRemovedEvent)
	onTyping        []func(TypingEvent, bool)
	onPresence      []func(string, bool)
	onStatus        []func(MessageStatusEvent)
	onConnected     []func()
	onDisconnected  []func(reason string)
	onReconnecting  []func(attempt int, delay time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// dispatch runs handlers synchronously on the read loop goroutine so that
// events for the same conversation are applied in arrival order.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case "receive_message", "message_sent":
		var m Message
		if json.Unmarshal(env.Data, &m) == nil {
			handlers := d.onMessage
			if env.Event == "message_sent" {
				handlers = d.onMessageSent
			}
			for _, h := range handlers {
				h(m)
			}
		}
	case "receive_group_message":
		var p groupMessageEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onMessage {
				h(p.Message)
			}
		}
	case "group_created":
		var g Group
		if json.Unmarshal(env.Data, &g) == nil {
			for _, h := range d.onGroupCreated {
				h(g)
			}
		}
	case "group_updated":
		var g Group
		if json.Unmarshal(env.Data, &g) == nil {
			for _, h := range d.onGroupUpdated {
				h(g)
			}
		}
	case "group_member_removed":
		var p MemberRemovedEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onMemberRemoved {
				h(p)
			}
		}
	case "typing", "stop_typing":
		var p TypingEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onTyping {
				h(p, env.Event == "typing")
			}
		}
	case "user_online", "user_offline":
		var p PresenceEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onPresence {
				h(p.UserID, env.Event == "user_online")
			}
		}
	case "message_status_updated":
		var p MessageStatusEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onStatus {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Event] {
		h(env.Event, env.Data)
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Socket
// ============================================================================

// Socket owns one logical realtime connection with optional auto-reconnect.
// Emissions while disconnected are dropped, not queued; after a reconnect the
// engine's dedupe makes any server redelivery harmless.
type Socket struct {
	baseURL          string
	config           *SocketConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            SocketState
	intentionalClose bool
	dispatcher       *dispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewSocket creates a standalone socket for the given base URL. Prefer
// Client.Realtime.Socket when a REST client already exists.
func NewSocket(baseURL string, config *SocketConfig) *Socket {
	cfg := *config
	cfg.defaults()
	return &Socket{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnMessage registers a handler for inbound messages (direct and group).
func (ws *Socket) OnMessage(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessage = append(ws.dispatcher.onMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageSent registers a handler for the server echo of an own send.
func (ws *Socket) OnMessageSent(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageSent = append(ws.dispatcher.onMessageSent, h)
	ws.dispatcher.mu.Unlock()
}

// OnGroupCreated registers a handler for new groups.
func (ws *Socket) OnGroupCreated(h func(Group)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onGroupCreated = append(ws.dispatcher.onGroupCreated, h)
	ws.dispatcher.mu.Unlock()
}

// OnGroupUpdated registers a handler for group changes (members, name,
// settings).
func (ws *Socket) OnGroupUpdated(h func(Group)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onGroupUpdated = append(ws.dispatcher.onGroupUpdated, h)
	ws.dispatcher.mu.Unlock()
}

// OnMemberRemoved registers a handler for member removals.
func (ws *Socket) OnMemberRemoved(h func(MemberRemovedEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMemberRemoved = append(ws.dispatcher.onMemberRemoved, h)
	ws.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing and stop_typing; typing is true for
// the former.
func (ws *Socket) OnTyping(h func(ev TypingEvent, typing bool)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for user_online and user_offline.
func (ws *Socket) OnPresence(h func(userID string, online bool)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onPresence = append(ws.dispatcher.onPresence, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageStatus registers a handler for delivery status changes.
func (ws *Socket) OnMessageStatus(h func(MessageStatusEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onStatus = append(ws.dispatcher.onStatus, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *Socket) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *Socket) OnDisconnected(h func(reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *Socket) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic handler for a named event.
func (ws *Socket) On(event string, h EventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[event] = append(ws.dispatcher.generic[event], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *Socket) State() SocketState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection. Calling it while connected or
// connecting is a no-op.
func (ws *Socket) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(ws.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. Safe to call when already
// disconnected.
func (ws *Socket) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.dispatcher.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a named event. While disconnected the emission is silently
// dropped; the returned error covers only encode and write failures.
func (ws *Socket) Emit(ctx context.Context, event string, data interface{}) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// SendMessage sends a direct message. A client correlation key is attached
// when the caller did not set one.
func (ws *Socket) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	out := *msg
	if out.Type == "" {
		out.Type = MessageText
	}
	if out.ClientKey == "" {
		out.ClientKey = uuid.NewString()
	}
	return ws.Emit(ctx, "send_message", &out)
}

// SendGroupMessage sends a message into a group conversation.
func (ws *Socket) SendGroupMessage(ctx context.Context, msg *OutgoingMessage) error {
	out := *msg
	if out.Type == "" {
		out.Type = MessageText
	}
	if out.ClientKey == "" {
		out.ClientKey = uuid.NewString()
	}
	return ws.Emit(ctx, "send_group_message", &out)
}

// typingSignal is the outbound typing payload. The server resolves the
// sender's username before broadcasting, so the client only names the thread
// and, for direct chats, the counterpart.
type typingSignal struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// StartTyping announces that the user is typing in a conversation.
// receiverID is the counterpart for direct chats, empty for groups.
func (ws *Socket) StartTyping(ctx context.Context, conversationID, receiverID string) error {
	return ws.Emit(ctx, "typing", &typingSignal{ConversationID: conversationID, ReceiverID: receiverID})
}

// StopTyping retracts a typing announcement.
func (ws *Socket) StopTyping(ctx context.Context, conversationID, receiverID string) error {
	return ws.Emit(ctx, "stop_typing", &typingSignal{ConversationID: conversationID, ReceiverID: receiverID})
}

// MarkMessageSeen reports a message as seen by the local user.
func (ws *Socket) MarkMessageSeen(ctx context.Context, messageID, senderID string) error {
	return ws.Emit(ctx, "mark_message_seen", map[string]string{
		"messageId": messageID,
		"senderId":  senderID,
	})
}

// JoinGroup subscribes the connection to a group's room. The payload is the
// bare group id.
func (ws *Socket) JoinGroup(ctx context.Context, groupID string) error {
	return ws.Emit(ctx, "join_group", groupID)
}

func (ws *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			// Malformed frames are skipped, never fatal.
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead connection; force close so the read loop notices.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *Socket) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
		}
	}
}
