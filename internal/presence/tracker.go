// Package presence tracks who is typing in the active chat.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/protocol"
)

const (
	// DefaultRemoteExpiry is how long a remote user stays in the typing set
	// without a refreshing typing frame.
	DefaultRemoteExpiry = 1500 * time.Millisecond

	// DefaultLocalIdle is the keystroke silence after which a stop-typing
	// frame is emitted.
	DefaultLocalIdle = 3 * time.Second
)

// SendFunc transmits a raw control frame. It reports delivery the way the
// transport does: false when offline, which is fine to ignore here.
type SendFunc func([]byte) bool

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithTimings overrides the remote expiry and local idle windows.
func WithTimings(remoteExpiry, localIdle time.Duration) Option {
	return func(t *Tracker) {
		t.remoteExpiry = remoteExpiry
		t.localIdle = localIdle
	}
}

// Tracker owns the typing state for the active chat. Every timer is
// single-slot: arming cancels the previous one, and Teardown cancels all of
// them, so no indicator survives a chat switch.
type Tracker struct {
	localUser    string
	send         SendFunc
	log          *zap.Logger
	remoteExpiry time.Duration
	localIdle    time.Duration

	mu         sync.Mutex
	activeChat string
	remote     map[string]*time.Timer
	localTimer *time.Timer
	typing     bool
}

// NewTracker builds a tracker for localUser that emits control frames
// through send.
func NewTracker(localUser string, send SendFunc, opts ...Option) *Tracker {
	t := &Tracker{
		localUser:    localUser,
		send:         send,
		log:          zap.NewNop(),
		remoteExpiry: DefaultRemoteExpiry,
		localIdle:    DefaultLocalIdle,
		remote:       make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetActiveChat repoints the tracker at chatID and clears all prior state.
func (t *Tracker) SetActiveChat(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	t.activeChat = chatID
}

// HandleTyping refreshes username in the typing set if the frame belongs to
// the active chat. Frames about the local user are ignored.
func (t *Tracker) HandleTyping(chatID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chatID != t.activeChat || username == t.localUser {
		return
	}

	if prev, ok := t.remote[username]; ok {
		prev.Stop()
	}
	t.remote[username] = time.AfterFunc(t.remoteExpiry, func() {
		t.expire(username)
	})
}

// HandleStopTyping removes username immediately.
func (t *Tracker) HandleStopTyping(chatID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chatID != t.activeChat {
		return
	}
	if timer, ok := t.remote[username]; ok {
		timer.Stop()
		delete(t.remote, username)
	}
}

// NotifyLocalTyping is invoked on every non-submit keystroke. The first
// keystroke of a burst sends one typing frame; each keystroke re-arms the
// idle timer, and only its expiry sends the stop frame (debounce).
func (t *Tracker) NotifyLocalTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeChat == "" {
		return
	}

	if !t.typing {
		t.typing = true
		t.send(protocol.EncodeTyping(t.activeChat, t.localUser))
	}

	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	chatID := t.activeChat
	t.localTimer = time.AfterFunc(t.localIdle, func() {
		t.stopLocal(chatID)
	})
}

// TypingUsers returns the remote users currently typing, sorted for stable
// display.
func (t *Tracker) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.remote))
	for u := range t.remote {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Teardown cancels every outstanding timer and clears the typing set.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	t.activeChat = ""
}

func (t *Tracker) teardownLocked() {
	for u, timer := range t.remote {
		timer.Stop()
		delete(t.remote, u)
	}
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	t.typing = false
}

func (t *Tracker) expire(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.remote, username)
	t.log.Debug("typing entry expired", zap.String("user", username))
}

func (t *Tracker) stopLocal(chatID string) {
	t.mu.Lock()
	if !t.typing || chatID != t.activeChat {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.localTimer = nil
	t.mu.Unlock()

	t.send(protocol.EncodeStopTyping(chatID, t.localUser))
}
