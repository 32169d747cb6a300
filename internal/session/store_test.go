package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquihq/loqui/internal/model/chat"
	"github.com/loquihq/loqui/internal/protocol"
	"github.com/loquihq/loqui/internal/session"
)

var alice = chat.User{ID: "u_alice", Username: "alice"}

// fakeTransport records connection lifecycle calls and lets tests inject
// inbound frames through the store's subscription.
type fakeTransport struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
	sent        []string
	handlers    map[string]func(protocol.Frame)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(protocol.Frame))}
}

func (f *fakeTransport) Connect(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, chatID)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) SendRaw(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return true
}

func (f *fakeTransport) SubscribeFrames(chatID string, fn func(protocol.Frame)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[chatID] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, chatID)
	}
}

func (f *fakeTransport) deliver(chatID string, frame protocol.Frame) bool {
	f.mu.Lock()
	fn := f.handlers[chatID]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(frame)
	return true
}

func (f *fakeTransport) connectsTo(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.connects {
		if c == chatID {
			n++
		}
	}
	return n
}

// fakeCollaborator is an in-memory stand-in for the REST backend.
type fakeCollaborator struct {
	mu       sync.Mutex
	groups   map[string]chat.Group
	privates map[string]chat.PrivateChat // keyed by other participant

	confirm  chat.Message
	sendGate chan struct{} // when non-nil, sends block until closed
	sendErr  error
	editErr  error
	delErr   error

	groupFetches int
	sendCalls    int
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{
		groups:   make(map[string]chat.Group),
		privates: make(map[string]chat.PrivateChat),
	}
}

func (f *fakeCollaborator) Groups(context.Context) ([]chat.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Group, 0, len(f.groups))
	for _, g := range f.groups {
		g.Messages = nil
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeCollaborator) GroupByID(_ context.Context, id string) (chat.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupFetches++
	g, ok := f.groups[id]
	if !ok {
		return chat.Group{}, errors.New("group not found")
	}
	return g, nil
}

func (f *fakeCollaborator) PrivateChat(_ context.Context, otherUID string) (chat.PrivateChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.privates[otherUID]
	if !ok {
		return chat.PrivateChat{}, errors.New("no such user")
	}
	return pc, nil
}

func (f *fakeCollaborator) send(content string) (chat.Message, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	confirmed := f.confirm
	if confirmed.ID == "" {
		confirmed = chat.Message{ID: "m_confirmed", Author: alice.ID, Content: content, Timestamp: time.Now()}
	}
	return confirmed, nil
}

func (f *fakeCollaborator) SendGroupMessage(_ context.Context, _, content string) (chat.Message, error) {
	return f.send(content)
}

func (f *fakeCollaborator) SendPrivateMessage(_ context.Context, _, content string) (chat.Message, error) {
	return f.send(content)
}

func (f *fakeCollaborator) EditGroupMessage(_ context.Context, _, id, content string) (chat.Message, error) {
	return chat.Message{ID: id, Content: content, Edited: true}, f.editErr
}

func (f *fakeCollaborator) EditPrivateMessage(ctx context.Context, chatID, id, content string) (chat.Message, error) {
	return f.EditGroupMessage(ctx, chatID, id, content)
}

func (f *fakeCollaborator) DeleteGroupMessage(_ context.Context, _, id string) (chat.Message, error) {
	return chat.Message{ID: id, Deleted: true}, f.delErr
}

func (f *fakeCollaborator) DeletePrivateMessage(ctx context.Context, chatID, id string) (chat.Message, error) {
	return f.DeleteGroupMessage(ctx, chatID, id)
}

func seededGroup(id string, members []string, msgs ...chat.Message) chat.Group {
	return chat.Group{ID: id, Name: "name-" + id, Creator: members[0], Members: members, Messages: msgs}
}

func newStore(t *testing.T, collab *fakeCollaborator, tr *fakeTransport, opts ...session.Option) *session.Store {
	t.Helper()
	return session.NewStore(alice, collab, tr, opts...)
}

func TestSetActiveChatGroupLoadsHistory(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	history := chat.Message{ID: "m_1", Author: "u_bob", Content: "hello", Timestamp: time.Now()}
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice", "u_bob"}, history)

	store := newStore(t, collab, tr)
	ref := &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}
	require.NoError(t, store.SetActiveChat(context.Background(), ref))

	assert.Equal(t, "g1", store.ChatID())
	require.Len(t, store.Messages(), 1)
	assert.Equal(t, "m_1", store.Messages()[0].ID)
	assert.Equal(t, 1, tr.connectsTo("g1"))
}

func TestSetActiveChatGroupDeniedForNonMember(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_bob", "u_carol"})
	collab.privates["u_bob"] = chat.PrivateChat{ID: "p1", Members: []string{"u_alice", "u_bob"}}

	var notices []session.Notice
	store := newStore(t, collab, tr, session.WithNotifier(func(n session.Notice) {
		notices = append(notices, n)
	}))

	// Establish a prior active chat; denial must leave it untouched.
	prior := &chat.ActiveChatRef{Kind: chat.KindPrivate, ID: "u_bob"}
	require.NoError(t, store.SetActiveChat(context.Background(), prior))

	err := store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"})
	require.ErrorIs(t, err, session.ErrAccessDenied)

	assert.Equal(t, 0, collab.groupFetches, "no message fetch for a non-member")
	assert.Equal(t, 0, tr.connectsTo("g1"), "no transport connect for a non-member")
	require.NotNil(t, store.ActiveChat())
	assert.Equal(t, chat.KindPrivate, store.ActiveChat().Kind)
	require.NotEmpty(t, notices)
	assert.Equal(t, session.NoticeAccessDenied, notices[len(notices)-1].Kind)
}

func TestSetActiveChatPrivateResolvesDurableID(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.privates["u_bob"] = chat.PrivateChat{
		ID:      "p_42",
		Members: []string{"u_alice", "u_bob"},
		Messages: []chat.Message{
			{ID: "m_1", Author: "u_bob", Content: "yo", Timestamp: time.Now()},
		},
	}

	store := newStore(t, collab, tr)
	ref := &chat.ActiveChatRef{Kind: chat.KindPrivate, ID: "u_bob"}
	require.NoError(t, store.SetActiveChat(context.Background(), ref))

	assert.Equal(t, "p_42", store.ChatID(), "transport addressed by the durable chat id")
	assert.Equal(t, 1, tr.connectsTo("p_42"))
	assert.Len(t, store.Messages(), 1)
}

func TestSendMessageOptimisticThenConfirmed(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g123"] = seededGroup("g123", []string{"u_alice"})
	collab.confirm = chat.Message{ID: "m_77", Author: "u_alice", Content: "hi", Timestamp: time.Now()}
	collab.sendGate = make(chan struct{})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g123"}))

	done := make(chan error, 1)
	go func() { done <- store.SendMessage(context.Background(), "hi") }()

	// While persistence is in flight the optimistic copy is already visible.
	require.Eventually(t, func() bool { return len(store.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	optimistic := store.Messages()[0]
	assert.Contains(t, optimistic.ID, "local-")
	assert.Equal(t, "u_alice", optimistic.Author)
	assert.False(t, optimistic.Edited)
	assert.False(t, optimistic.Deleted)

	close(collab.sendGate)
	require.NoError(t, <-done)

	msgs := store.Messages()
	require.Len(t, msgs, 1, "confirmation swaps in place, never duplicates")
	assert.Equal(t, "m_77", msgs[0].ID)
	assert.False(t, msgs[0].Edited)
	assert.False(t, msgs[0].Deleted)
}

func TestSendMessageFansOutOverTransport(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))
	require.NoError(t, store.SendMessage(context.Background(), "hi"))

	require.Len(t, tr.sent, 1)
	assert.Contains(t, tr.sent[0], `"type":"chat"`)
	assert.Contains(t, tr.sent[0], `"content":"hi"`)
	assert.Contains(t, tr.sent[0], `"author":"u_alice"`)
}

func TestSendMessageFailureKeepsOptimisticCopy(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"})
	collab.sendErr = errors.New("backend down")

	var notices []session.Notice
	store := newStore(t, collab, tr, session.WithNotifier(func(n session.Notice) {
		notices = append(notices, n)
	}))
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	err := store.SendMessage(context.Background(), "hi")
	require.Error(t, err)

	require.Len(t, store.Messages(), 1, "optimistic copy is not rolled back")
	assert.Contains(t, store.Messages()[0].ID, "local-")
	require.NotEmpty(t, notices)
	assert.Equal(t, session.NoticeSendFailed, notices[len(notices)-1].Kind)
}

func TestSendMessageSingleFlight(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"})
	collab.sendGate = make(chan struct{})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	done := make(chan error, 1)
	go func() { done <- store.SendMessage(context.Background(), "first") }()
	require.Eventually(t, func() bool { return len(store.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	// Rapid re-invocation while the first send is in flight is a no-op.
	require.NoError(t, store.SendMessage(context.Background(), "second"))
	assert.Len(t, store.Messages(), 1)

	close(collab.sendGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, collab.sendCalls)
}

func TestSendMessageNoActiveChatIsNoOp(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()

	store := newStore(t, collab, tr)
	require.NoError(t, store.SendMessage(context.Background(), "into the void"))
	assert.Empty(t, store.Messages())
	assert.Equal(t, 0, collab.sendCalls)
}

func TestInboundDedupByID(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice", "u_bob"})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	msg := chat.Message{ID: "m_1", Author: "u_bob", Content: "hello", Timestamp: time.Now()}
	require.True(t, tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: msg}))
	require.True(t, tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: msg}))

	assert.Len(t, store.Messages(), 1)
}

func TestInboundDedupByLogicalIdentity(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice", "u_bob"})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	ts := time.Date(2025, 6, 1, 12, 0, 0, 100, time.UTC)
	tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: chat.Message{
		ID: "m_rest", Author: "u_bob", Content: "see you later", Timestamp: ts,
	}})
	// Same human action arriving via the legacy path: synthetic id, slightly
	// different sub-second timestamp, extra whitespace.
	tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: chat.Message{
		ID: "synthetic-9", Author: "u_bob", Content: " see  you later ", Timestamp: ts.Add(300 * time.Millisecond),
	}})

	require.Len(t, store.Messages(), 1)
	assert.Equal(t, "m_rest", store.Messages()[0].ID)

	// A genuinely different message still lands.
	tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: chat.Message{
		ID: "m_2", Author: "u_bob", Content: "something else", Timestamp: ts,
	}})
	assert.Len(t, store.Messages(), 2)
}

func TestSwitchingChatsDoesNotBleedMessages(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	msgA := chat.Message{ID: "m_a", Author: "u_bob", Content: "in A", Timestamp: time.Now()}
	msgB := chat.Message{ID: "m_b", Author: "u_bob", Content: "in B", Timestamp: time.Now()}
	collab.groups["gA"] = seededGroup("gA", []string{"u_alice", "u_bob"}, msgA)
	collab.groups["gB"] = seededGroup("gB", []string{"u_alice", "u_bob"}, msgB)

	store := newStore(t, collab, tr)
	refA := &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "gA"}
	refB := &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "gB"}

	require.NoError(t, store.SetActiveChat(context.Background(), refA))
	before := store.Messages()

	require.NoError(t, store.SetActiveChat(context.Background(), refB))
	require.Len(t, store.Messages(), 1)
	assert.Equal(t, "m_b", store.Messages()[0].ID)

	// The old chat's subscription is gone: frames for A cannot reach the
	// store while B is active.
	assert.False(t, tr.deliver("gA", protocol.Frame{Kind: protocol.FrameChat, Message: msgA}))

	require.NoError(t, store.SetActiveChat(context.Background(), refA))
	assert.Equal(t, before, store.Messages())
}

func TestEditMessageOptimisticAndPersisted(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	orig := chat.Message{ID: "m_1", Author: "u_alice", Content: "helo", Timestamp: time.Now()}
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"}, orig)

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))
	require.NoError(t, store.EditMessage(context.Background(), "m_1", "hello"))

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, msgs[0].Edited)
}

func TestEditMessageFailureRefetchesAuthoritativeList(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	orig := chat.Message{ID: "m_1", Author: "u_alice", Content: "original", Timestamp: time.Now()}
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"}, orig)
	collab.editErr = errors.New("rejected")

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	err := store.EditMessage(context.Background(), "m_1", "tampered")
	require.Error(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content, "optimistic change discarded via full refresh")
	assert.False(t, msgs[0].Edited)
}

func TestDeleteMessageTombstones(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	orig := chat.Message{ID: "m_1", Author: "u_alice", Content: "oops", Timestamp: time.Now()}
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"}, orig)

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))
	require.NoError(t, store.DeleteMessage(context.Background(), "m_1"))

	msgs := store.Messages()
	require.Len(t, msgs, 1, "tombstone keeps the record in place")
	assert.True(t, msgs[0].Deleted)
	assert.Equal(t, "oops", msgs[0].Content)
}

func TestStaleSendCompletionDiscardedAfterSwitch(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"})
	collab.groups["g2"] = seededGroup("g2", []string{"u_alice"})
	collab.confirm = chat.Message{ID: "m_stale", Author: "u_alice", Content: "late", Timestamp: time.Now()}
	collab.sendGate = make(chan struct{})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	done := make(chan error, 1)
	go func() { done <- store.SendMessage(context.Background(), "late") }()
	require.Eventually(t, func() bool { return len(store.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g2"}))

	close(collab.sendGate)
	require.NoError(t, <-done)

	for _, m := range store.Messages() {
		assert.NotEqual(t, "m_stale", m.ID, "stale completion must not leak into the new chat")
	}
}

func TestTypingFramesReachTracker(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice", "u_bob"})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))

	tr.deliver("g1", protocol.Frame{Kind: protocol.FrameTyping, ChatID: "g1", Username: "bob"})
	assert.Equal(t, []string{"bob"}, store.TypingUsers())

	tr.deliver("g1", protocol.Frame{Kind: protocol.FrameStopTyping, ChatID: "g1", Username: "bob"})
	assert.Empty(t, store.TypingUsers())
}

func TestCloseClearsSession(t *testing.T) {
	collab := newFakeCollaborator()
	tr := newFakeTransport()
	collab.groups["g1"] = seededGroup("g1", []string{"u_alice"})

	store := newStore(t, collab, tr)
	require.NoError(t, store.SetActiveChat(context.Background(), &chat.ActiveChatRef{Kind: chat.KindGroup, ID: "g1"}))
	store.Close()

	assert.Nil(t, store.ActiveChat())
	assert.Empty(t, store.Messages())
	assert.False(t, tr.deliver("g1", protocol.Frame{Kind: protocol.FrameChat, Message: chat.Message{ID: "x"}}))
}
