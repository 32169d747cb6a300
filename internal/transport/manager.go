// Package transport owns the single live websocket connection to the chat
// server: lifecycle, credential injection, reconnection and frame fan-out.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateErroring     State = "erroring"
)

// DefaultReconnectDelay is the fixed delay between an unexpected close and
// the single scheduled reconnection attempt.
const DefaultReconnectDelay = 5 * time.Second

// FrameHandler receives decoded inbound frames for a subscribed chat.
type FrameHandler func(protocol.Frame)

// StatusHandler receives every connection state transition.
type StatusHandler func(State)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// Manager holds at most one live websocket connection, addressed by a
// logical chat id. It is an owned instance, not a package singleton, so a
// process can run one per session and tests can run their own.
type Manager struct {
	baseURL        string
	dialer         *websocket.Dialer
	log            *zap.Logger
	reconnectDelay time.Duration

	mu         sync.Mutex
	userID     string
	token      string
	codec      *protocol.Codec
	conn       *websocket.Conn
	state      State
	chatID     string
	generation uint64
	reconnect  *time.Timer
	nextSub    int
	frameSubs  map[string]map[int]FrameHandler
	statusSubs map[int]StatusHandler
}

// NewManager builds a manager that dials baseURL (e.g. "ws://localhost:8000").
func NewManager(baseURL string, opts ...Option) *Manager {
	m := &Manager{
		baseURL:        baseURL,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:            zap.NewNop(),
		reconnectDelay: DefaultReconnectDelay,
		state:          StateDisconnected,
		frameSubs:      make(map[string]map[int]FrameHandler),
		statusSubs:     make(map[int]StatusHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCredentials stores the identity used on every future connect. It does
// not touch an existing connection.
func (m *Manager) SetCredentials(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
	m.token = token
	m.codec = protocol.NewCodec(userID)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect tears down any existing connection and dials the transport for
// chatID using the stored credentials. Dialing happens off the caller's
// goroutine; progress is observable through status subscriptions.
//
// Calling Connect with no credentials set is a caller contract violation:
// the manager lands in StateErroring and does not retry.
func (m *Manager) Connect(chatID string) {
	m.mu.Lock()

	if m.userID == "" {
		m.log.Error("connect without credentials", zap.String("chat", chatID))
		m.setStateLocked(StateErroring)
		m.mu.Unlock()
		return
	}

	m.teardownLocked()
	m.chatID = chatID
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)

	url := fmt.Sprintf("%s/ws/%s?user_id=%s&token=%s", m.baseURL, chatID, m.userID, m.token)
	m.mu.Unlock()

	go m.dial(gen, chatID, url)
}

func (m *Manager) dial(gen uint64, chatID, url string) {
	conn, resp, err := m.dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.log.Warn("websocket dial failed", zap.String("chat", chatID), zap.Error(err))
		m.setStateLocked(StateErroring)
		m.scheduleReconnectLocked(chatID)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("websocket connected", zap.String("chat", chatID))
	go m.readLoop(gen, chatID, conn)
}

// Disconnect closes the transport and cancels any pending reconnection
// attempt. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.chatID = ""
	m.setStateLocked(StateDisconnected)
}

// teardownLocked closes the current connection, invalidates in-flight dials
// and readers, and cancels the reconnect timer.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// SendRaw transmits one text frame. Being offline is control flow here, not
// an error: the result is a boolean and the call never panics or blocks on
// reconnection.
func (m *Manager) SendRaw(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Warn("websocket write failed", zap.Error(err))
		return false
	}
	return true
}

// SubscribeFrames registers fn for decoded inbound frames on chatID and
// returns its unsubscribe func.
func (m *Manager) SubscribeFrames(chatID string, fn func(protocol.Frame)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	if m.frameSubs[chatID] == nil {
		m.frameSubs[chatID] = make(map[int]FrameHandler)
	}
	m.frameSubs[chatID][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.frameSubs[chatID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.frameSubs, chatID)
			}
		}
	}
}

// SubscribeStatus registers fn for every state transition and returns its
// unsubscribe func.
func (m *Manager) SubscribeStatus(fn StatusHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.statusSubs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.statusSubs, id)
	}
}

func (m *Manager) readLoop(gen uint64, chatID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()

		m.mu.Lock()
		stale := gen != m.generation
		codec := m.codec
		m.mu.Unlock()

		if stale {
			return
		}

		if err != nil {
			m.mu.Lock()
			if gen != m.generation {
				m.mu.Unlock()
				return
			}
			m.log.Info("websocket closed", zap.String("chat", chatID), zap.Error(err))
			m.conn = nil
			m.setStateLocked(StateDisconnected)
			m.scheduleReconnectLocked(chatID)
			m.mu.Unlock()
			return
		}

		frame, err := codec.Decode(data)
		if err != nil {
			// Self-echoes are expected; anything else is dropped with a
			// diagnostic and the connection stays up.
			if errors.Is(err, protocol.ErrSelfEcho) {
				m.log.Debug("dropped self-echo frame", zap.String("chat", chatID))
			} else {
				m.log.Warn("dropped undecodable frame", zap.String("chat", chatID), zap.Error(err))
			}
			continue
		}

		m.broadcastFrame(chatID, frame)
	}
}

func (m *Manager) broadcastFrame(chatID string, frame protocol.Frame) {
	m.mu.Lock()
	handlers := make([]FrameHandler, 0, len(m.frameSubs[chatID]))
	for _, fn := range m.frameSubs[chatID] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(frame)
	}
}

// scheduleReconnectLocked arms the single reconnect slot. A new arm replaces
// the previous timer, so repeated failures never stack attempts. Retries are
// perpetual at a fixed delay until Disconnect is called.
func (m *Manager) scheduleReconnectLocked(chatID string) {
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	gen := m.generation
	m.reconnect = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.log.Info("attempting websocket reconnect", zap.String("chat", chatID))
		m.Connect(chatID)
	})
}

// setStateLocked records the transition and notifies status subscribers.
// Callers must hold mu; handlers run on their own goroutine so a subscriber
// can call back into the manager.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s

	handlers := make([]StatusHandler, 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		handlers = append(handlers, fn)
	}
	go func() {
		for _, fn := range handlers {
			fn(s)
		}
	}()
}
