// Package session owns the per-active-chat message view and the mutation API
// exposed to the UI: optimistic sends, edit/delete, inbound reconciliation
// and the group access gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/model/chat"
	"github.com/loquihq/loqui/internal/presence"
	"github.com/loquihq/loqui/internal/protocol"
)

// ErrAccessDenied is returned when the local user tries to activate a group
// they are not a member of. The switch is rejected before any message fetch
// or transport connect for that group.
var ErrAccessDenied = errors.New("session: not a member of this group")

// Collaborator is the REST surface the store consumes.
type Collaborator interface {
	Groups(ctx context.Context) ([]chat.Group, error)
	GroupByID(ctx context.Context, groupID string) (chat.Group, error)
	PrivateChat(ctx context.Context, otherUID string) (chat.PrivateChat, error)
	SendGroupMessage(ctx context.Context, groupID, content string) (chat.Message, error)
	SendPrivateMessage(ctx context.Context, chatID, content string) (chat.Message, error)
	EditGroupMessage(ctx context.Context, groupID, messageID, content string) (chat.Message, error)
	EditPrivateMessage(ctx context.Context, chatID, messageID, content string) (chat.Message, error)
	DeleteGroupMessage(ctx context.Context, groupID, messageID string) (chat.Message, error)
	DeletePrivateMessage(ctx context.Context, chatID, messageID string) (chat.Message, error)
}

// Transport is the connection surface the store drives. Exactly one live
// connection exists at a time; Connect re-points it.
type Transport interface {
	Connect(chatID string)
	Disconnect()
	SendRaw(data []byte) bool
	SubscribeFrames(chatID string, fn func(protocol.Frame)) func()
}

// NoticeKind classifies user-visible signals.
type NoticeKind string

const (
	NoticeAccessDenied NoticeKind = "access_denied"
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeEditFailed   NoticeKind = "edit_failed"
	NoticeDeleteFailed NoticeKind = "delete_failed"
	NoticeLoadFailed   NoticeKind = "load_failed"
)

// Notice is a transient, user-visible signal (the toast surface).
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithNotifier registers the user-visible signal callback.
func WithNotifier(fn func(Notice)) Option {
	return func(s *Store) { s.notify = fn }
}

// WithPresenceOptions forwards options to the owned typing tracker.
func WithPresenceOptions(opts ...presence.Option) Option {
	return func(s *Store) { s.presenceOpts = opts }
}

// WithOnMessage registers a callback fired for every inbound message that
// survives deduplication. The UI uses it to render live arrivals.
func WithOnMessage(fn func(chat.Message)) Option {
	return func(s *Store) { s.onMessage = fn }
}

// Store is the authoritative client-side view of the active chat. Each
// signed-in session owns its own instance; nothing here is shared.
type Store struct {
	user      chat.User
	api       Collaborator
	transport Transport
	codec     *protocol.Codec
	presence  *presence.Tracker
	log       *zap.Logger
	notify    func(Notice)
	onMessage func(chat.Message)

	presenceOpts []presence.Option

	mu          sync.Mutex
	active      *chat.ActiveChatRef
	chatID      string
	messages    []chat.Message
	groups      map[string]chat.Group
	sending     bool
	unsubscribe func()

	// generation invalidates in-flight completions when the active chat
	// changes: a stale REST response must never mutate the new chat's list.
	generation uint64
}

// NewStore wires a session store for user on top of the REST collaborator
// and the transport.
func NewStore(user chat.User, collab Collaborator, tr Transport, opts ...Option) *Store {
	s := &Store{
		user:      user,
		api:       collab,
		transport: tr,
		codec:     protocol.NewCodec(user.ID),
		log:       zap.NewNop(),
		notify:    func(Notice) {},
		groups:    make(map[string]chat.Group),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.presence = presence.NewTracker(user.Username, tr.SendRaw, s.presenceOpts...)
	return s
}

// RefreshDirectory reloads the group directory used by the access gate.
func (s *Store) RefreshDirectory(ctx context.Context) error {
	groups, err := s.api.Groups(ctx)
	if err != nil {
		return fmt.Errorf("refresh group directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = make(map[string]chat.Group, len(groups))
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	return nil
}

// SetActiveChat switches the session to ref. A nil ref clears the session.
//
// Group switches are gated on membership using the group directory, not the
// group's message payload, so a non-member switch causes no message fetch and
// no transport connect. On denial the prior active chat is left untouched.
func (s *Store) SetActiveChat(ctx context.Context, ref *chat.ActiveChatRef) error {
	if ref == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.teardownLocked()
		s.active = nil
		s.chatID = ""
		s.messages = nil
		return nil
	}

	var (
		chatID  string
		history []chat.Message
	)

	switch ref.Kind {
	case chat.KindGroup:
		if err := s.gateGroup(ctx, ref.ID); err != nil {
			return err
		}
		g, err := s.api.GroupByID(ctx, ref.ID)
		if err != nil {
			s.notify(Notice{Kind: NoticeLoadFailed, Message: "failed to load messages"})
			return fmt.Errorf("load group %s: %w", ref.ID, err)
		}
		chatID = g.ID
		history = g.Messages

	case chat.KindPrivate:
		// ref.ID is the other participant; the durable chat id comes from
		// the idempotent lookup-or-create.
		pc, err := s.api.PrivateChat(ctx, ref.ID)
		if err != nil {
			s.notify(Notice{Kind: NoticeLoadFailed, Message: "failed to load messages"})
			return fmt.Errorf("resolve private chat with %s: %w", ref.ID, err)
		}
		chatID = pc.ID
		history = pc.Messages

	default:
		return fmt.Errorf("unknown chat kind %q", ref.Kind)
	}

	s.mu.Lock()
	s.teardownLocked()

	refCopy := *ref
	s.active = &refCopy
	s.chatID = chatID
	s.messages = append([]chat.Message(nil), history...)
	s.presence.SetActiveChat(chatID)
	s.unsubscribe = s.transport.SubscribeFrames(chatID, s.handleFrame)
	s.mu.Unlock()

	s.transport.Connect(chatID)
	return nil
}

// gateGroup rejects non-member activation using the cached directory,
// refreshing it once when the group is unknown.
func (s *Store) gateGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()

	if !ok {
		if err := s.RefreshDirectory(ctx); err != nil {
			s.notify(Notice{Kind: NoticeLoadFailed, Message: "failed to load data"})
			return err
		}
		s.mu.Lock()
		g, ok = s.groups[groupID]
		s.mu.Unlock()
	}

	if !ok || !g.HasMember(s.user.ID) {
		s.notify(Notice{Kind: NoticeAccessDenied, Message: "you are not a member of this group"})
		return ErrAccessDenied
	}
	return nil
}

// SendMessage appends an optimistic copy immediately, fans the content out
// over the transport, then persists it. On confirmation the provisional
// entry is swapped in place for the server copy so ids converge. A failed
// persist keeps the optimistic copy and surfaces a notice instead of rolling
// back.
//
// No active chat, no user, or a send already in flight makes this a no-op.
func (s *Store) SendMessage(ctx context.Context, content string) error {
	s.mu.Lock()
	if s.active == nil || s.user.ID == "" || s.sending {
		s.mu.Unlock()
		s.log.Debug("send ignored", zap.Bool("in_flight", s.sending))
		return nil
	}

	s.sending = true
	gen := s.generation
	ref := *s.active
	chatID := s.chatID
	tempID := "local-" + uuid.NewString()
	s.messages = append(s.messages, chat.Message{
		ID:        tempID,
		Author:    s.user.ID,
		Content:   content,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()

	// Low-latency fan-out to connected participants. Being offline is fine;
	// the durable write below is what matters.
	if data, err := s.codec.EncodeChat(content); err == nil {
		s.transport.SendRaw(data)
	}

	var confirmed chat.Message
	var err error
	if ref.Kind == chat.KindGroup {
		confirmed, err = s.api.SendGroupMessage(ctx, chatID, content)
	} else {
		confirmed, err = s.api.SendPrivateMessage(ctx, chatID, content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false

	if gen != s.generation {
		// The active chat changed while the send was in flight; the old
		// chat's optimistic state is already gone.
		return nil
	}

	if err != nil {
		s.notify(Notice{Kind: NoticeSendFailed, Message: "failed to send message"})
		return fmt.Errorf("persist message: %w", err)
	}

	for i := range s.messages {
		if s.messages[i].ID == tempID {
			s.messages[i] = confirmed
			return nil
		}
	}
	// Provisional entry is gone (e.g. a full refresh raced the send); fall
	// back to the dedup-guarded append.
	s.appendLocked(confirmed)
	return nil
}

// EditMessage applies the edit optimistically by id and persists it. On
// failure the optimistic change is discarded by refetching the authoritative
// list.
func (s *Store) EditMessage(ctx context.Context, messageID, content string) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	ref := *s.active
	chatID := s.chatID
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Content = content
			s.messages[i].Edited = true
			break
		}
	}
	s.mu.Unlock()

	var err error
	if ref.Kind == chat.KindGroup {
		_, err = s.api.EditGroupMessage(ctx, chatID, messageID, content)
	} else {
		_, err = s.api.EditPrivateMessage(ctx, chatID, messageID, content)
	}
	if err != nil {
		s.notify(Notice{Kind: NoticeEditFailed, Message: "failed to edit message"})
		s.refresh(ctx, ref)
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage tombstones the message optimistically and persists the
// delete. Content stays in the list; only the flag flips.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	ref := *s.active
	chatID := s.chatID
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Deleted = true
			break
		}
	}
	s.mu.Unlock()

	var err error
	if ref.Kind == chat.KindGroup {
		_, err = s.api.DeleteGroupMessage(ctx, chatID, messageID)
	} else {
		_, err = s.api.DeletePrivateMessage(ctx, chatID, messageID)
	}
	if err != nil {
		s.notify(Notice{Kind: NoticeDeleteFailed, Message: "failed to delete message"})
		s.refresh(ctx, ref)
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// Refresh reloads the authoritative message list for the active chat.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	ref := *s.active
	s.mu.Unlock()
	return s.refresh(ctx, ref)
}

func (s *Store) refresh(ctx context.Context, ref chat.ActiveChatRef) error {
	s.mu.Lock()
	gen := s.generation
	chatID := s.chatID
	s.mu.Unlock()

	var history []chat.Message
	var err error
	if ref.Kind == chat.KindGroup {
		var g chat.Group
		g, err = s.api.GroupByID(ctx, chatID)
		history = g.Messages
	} else {
		var pc chat.PrivateChat
		pc, err = s.api.PrivateChat(ctx, ref.ID)
		history = pc.Messages
	}
	if err != nil {
		s.notify(Notice{Kind: NoticeLoadFailed, Message: "failed to load messages"})
		return fmt.Errorf("refresh messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil
	}
	s.messages = append([]chat.Message(nil), history...)
	return nil
}

// NotifyTyping forwards a local keystroke to the typing tracker.
func (s *Store) NotifyTyping() {
	s.presence.NotifyLocalTyping()
}

// TypingUsers returns the remote users currently typing in the active chat.
func (s *Store) TypingUsers() []string {
	return s.presence.TypingUsers()
}

// Messages returns a copy of the active chat's message list.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// MessagesByDate returns the date-grouped display projection.
func (s *Store) MessagesByDate(loc *time.Location) []chat.DateGroup {
	return chat.GroupByDate(s.Messages(), loc)
}

// ActiveChat returns the current selection, nil when none.
func (s *Store) ActiveChat() *chat.ActiveChatRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	ref := *s.active
	return &ref
}

// ChatID returns the durable id the transport is addressed by.
func (s *Store) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Close releases the session: subscriptions, timers and the transport.
func (s *Store) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.active = nil
	s.chatID = ""
	s.messages = nil
	s.mu.Unlock()
}

// teardownLocked cancels the old chat's subscription, typing timers and
// in-flight completions before a new chat is established. Strictly
// teardown-then-establish: nothing from the old chat may deliver afterwards.
func (s *Store) teardownLocked() {
	s.generation++
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.presence.Teardown()
	s.transport.Disconnect()
}

// handleFrame merges one decoded inbound frame into session state.
func (s *Store) handleFrame(f protocol.Frame) {
	switch f.Kind {
	case protocol.FrameTyping:
		s.presence.HandleTyping(f.ChatID, f.Username)
	case protocol.FrameStopTyping:
		s.presence.HandleStopTyping(f.ChatID, f.Username)
	case protocol.FrameChat:
		s.mu.Lock()
		appended := s.appendLocked(f.Message)
		fn := s.onMessage
		s.mu.Unlock()
		if appended && fn != nil {
			fn(f.Message)
		}
	}
}

// appendLocked appends msg unless it duplicates an existing entry, first by
// id, then by logical identity (same author, same normalized content, same
// second). The second pass covers a legacy-frame synthetic id racing the
// REST-confirmed id for the same human action.
func (s *Store) appendLocked(msg chat.Message) bool {
	if ContainsMessage(s.messages, msg) {
		s.log.Debug("dropped duplicate inbound message", zap.String("id", msg.ID))
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}
