// Package devserver is a self-contained stub backend: the collaborator REST
// contract plus websocket fan-out, backed by in-memory state. It exists so
// the client can be exercised end to end without a real deployment.
package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loquihq/loqui/internal/model/chat"
)

var (
	ErrNotFound  = errors.New("devserver: not found")
	ErrForbidden = errors.New("devserver: not a member")
)

// Store holds all backend state behind one mutex.
type Store struct {
	mu       sync.Mutex
	users    map[string]chat.User
	groups   map[string]*chat.Group
	privates map[string]*chat.PrivateChat // keyed by durable chat id
	pairs    map[string]string            // unordered member pair -> chat id
}

// NewStore builds an empty backend store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]chat.User),
		groups:   make(map[string]*chat.Group),
		privates: make(map[string]*chat.PrivateChat),
		pairs:    make(map[string]string),
	}
}

// UpsertUser registers or refreshes a user record.
func (s *Store) UpsertUser(u chat.User) chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = "online"
	}
	s.users[u.ID] = u
	return u
}

// User looks a user up by id.
func (s *Store) User(id string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return chat.User{}, ErrNotFound
	}
	return u, nil
}

// ActiveUsers lists all registered users, sorted by id for stable output.
func (s *Store) ActiveUsers() []chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]chat.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// CreateGroup creates a group with the creator as its first member.
func (s *Store) CreateGroup(name, creator string) chat.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &chat.Group{
		ID:      uuid.NewString(),
		Name:    name,
		Creator: creator,
		Members: []string{creator},
	}
	s.groups[g.ID] = g
	return *g
}

// Groups lists all groups without message history.
func (s *Store) Groups() []chat.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]chat.Group, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		cp.Messages = nil
		groups = append(groups, cp)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

// Group returns one group with history, gated on membership.
func (s *Store) Group(id, callerID string) (chat.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return chat.Group{}, ErrNotFound
	}
	if !g.HasMember(callerID) {
		return chat.Group{}, ErrForbidden
	}
	return *g, nil
}

// JoinGroup adds callerID to the member set, idempotently.
func (s *Store) JoinGroup(id, callerID string) (chat.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return chat.Group{}, ErrNotFound
	}
	if !g.HasMember(callerID) {
		g.Members = append(g.Members, callerID)
	}
	return *g, nil
}

// PrivateChat resolves the chat for the unordered pair (callerID, otherUID),
// creating it on first use. The pair key guarantees idempotence.
func (s *Store) PrivateChat(callerID, otherUID string) (chat.PrivateChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(callerID, otherUID)
	if id, ok := s.pairs[key]; ok {
		return *s.privates[id], nil
	}

	pc := &chat.PrivateChat{
		ID:      uuid.NewString(),
		Members: []string{callerID, otherUID},
	}
	s.privates[pc.ID] = pc
	s.pairs[key] = pc.ID
	return *pc, nil
}

// AppendGroupMessage persists a message into a group, gated on membership.
func (s *Store) AppendGroupMessage(groupID, author, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	if !g.HasMember(author) {
		return chat.Message{}, ErrForbidden
	}
	msg := newMessage(author, content)
	g.Messages = append(g.Messages, msg)
	return msg, nil
}

// AppendPrivateMessage persists a message into a private chat.
func (s *Store) AppendPrivateMessage(chatID, author, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.privates[chatID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	if !hasMember(pc.Members, author) {
		return chat.Message{}, ErrForbidden
	}
	msg := newMessage(author, content)
	pc.Messages = append(pc.Messages, msg)
	return msg, nil
}

// EditMessage rewrites a message's content and marks it edited. Only the
// author may edit.
func (s *Store) EditMessage(kind chat.Kind, chatID, messageID, callerID, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.messagesLocked(kind, chatID)
	if err != nil {
		return chat.Message{}, err
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Author != callerID {
				return chat.Message{}, ErrForbidden
			}
			msgs[i].Content = content
			msgs[i].Edited = true
			return msgs[i], nil
		}
	}
	return chat.Message{}, ErrNotFound
}

// DeleteMessage tombstones a message. The record stays in place.
func (s *Store) DeleteMessage(kind chat.Kind, chatID, messageID, callerID string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.messagesLocked(kind, chatID)
	if err != nil {
		return chat.Message{}, err
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Author != callerID {
				return chat.Message{}, ErrForbidden
			}
			msgs[i].Deleted = true
			return msgs[i], nil
		}
	}
	return chat.Message{}, ErrNotFound
}

func (s *Store) messagesLocked(kind chat.Kind, chatID string) ([]chat.Message, error) {
	switch kind {
	case chat.KindGroup:
		g, ok := s.groups[chatID]
		if !ok {
			return nil, ErrNotFound
		}
		return g.Messages, nil
	default:
		pc, ok := s.privates[chatID]
		if !ok {
			return nil, ErrNotFound
		}
		return pc.Messages, nil
	}
}

func newMessage(author, content string) chat.Message {
	return chat.Message{
		ID:        "m_" + uuid.NewString(),
		Author:    author,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func hasMember(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// normalizeName trims and lowercases a display name for registration.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
