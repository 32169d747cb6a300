// Package api is the REST collaborator client: durable chats, message
// persistence and the identity endpoints. Wire shapes use the backend's
// field names and are transformed to the domain model at this boundary.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/model/chat"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the chat backend over REST.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds a client for baseURL (e.g. "http://localhost:8000").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken stores the bearer token sent on every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// wire shapes

type wireUser struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

func (w wireUser) toModel() chat.User {
	return chat.User{ID: w.UID, Username: w.Name, Email: w.Email, Status: w.Status}
}

type wireMessage struct {
	ID        string    `json:"_id"`
	FromUser  string    `json:"from_user"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
}

func (w wireMessage) toModel() chat.Message {
	return chat.Message{
		ID:        w.ID,
		Author:    w.FromUser,
		Content:   w.Content,
		Timestamp: w.Timestamp,
		Edited:    w.Edited,
		Deleted:   w.Deleted,
	}
}

type wireGroup struct {
	ID       string        `json:"_id"`
	Name     string        `json:"name"`
	Creator  string        `json:"creator"`
	Members  []string      `json:"members"`
	Messages []wireMessage `json:"messages"`
}

func (w wireGroup) toModel() chat.Group {
	return chat.Group{
		ID:       w.ID,
		Name:     w.Name,
		Creator:  w.Creator,
		Members:  w.Members,
		Messages: toMessages(w.Messages),
	}
}

type wirePrivateChat struct {
	ID       string        `json:"_id"`
	Members  []string      `json:"members"`
	Messages []wireMessage `json:"messages"`
}

func (w wirePrivateChat) toModel() chat.PrivateChat {
	return chat.PrivateChat{ID: w.ID, Members: w.Members, Messages: toMessages(w.Messages)}
}

func toMessages(ws []wireMessage) []chat.Message {
	msgs := make([]chat.Message, 0, len(ws))
	for _, w := range ws {
		msgs = append(msgs, w.toModel())
	}
	return msgs
}

// Register creates the backend user record for the credential holder.
func (c *Client) Register(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/auth/register", map[string]string{"name": name}, nil)
}

// CurrentUser resolves the signed-in identity.
func (c *Client) CurrentUser(ctx context.Context) (chat.User, error) {
	var w wireUser
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &w); err != nil {
		return chat.User{}, err
	}
	return w.toModel(), nil
}

// ActiveUsers lists users currently marked online.
func (c *Client) ActiveUsers(ctx context.Context) ([]chat.User, error) {
	var ws []wireUser
	if err := c.do(ctx, http.MethodGet, "/users/active", nil, &ws); err != nil {
		return nil, err
	}
	users := make([]chat.User, 0, len(ws))
	for _, w := range ws {
		users = append(users, w.toModel())
	}
	return users, nil
}

// Groups lists all groups (without message history).
func (c *Client) Groups(ctx context.Context) ([]chat.Group, error) {
	var ws []wireGroup
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &ws); err != nil {
		return nil, err
	}
	groups := make([]chat.Group, 0, len(ws))
	for _, w := range ws {
		groups = append(groups, w.toModel())
	}
	return groups, nil
}

// GroupByID fetches one group including its message history.
func (c *Client) GroupByID(ctx context.Context, groupID string) (chat.Group, error) {
	var w wireGroup
	if err := c.do(ctx, http.MethodGet, "/groups/"+groupID, nil, &w); err != nil {
		return chat.Group{}, err
	}
	return w.toModel(), nil
}

// CreateGroup creates a group owned by the caller.
func (c *Client) CreateGroup(ctx context.Context, name string) (chat.Group, error) {
	var w wireGroup
	if err := c.do(ctx, http.MethodPost, "/groups", map[string]string{"name": name}, &w); err != nil {
		return chat.Group{}, err
	}
	return w.toModel(), nil
}

// JoinGroup adds the caller to the group's member set.
func (c *Client) JoinGroup(ctx context.Context, groupID string) (chat.Group, error) {
	var w wireGroup
	if err := c.do(ctx, http.MethodPost, "/groups/join/"+groupID, nil, &w); err != nil {
		return chat.Group{}, err
	}
	return w.toModel(), nil
}

// SendGroupMessage persists a message and returns the server-confirmed copy
// with its durable id.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, content string) (chat.Message, error) {
	var w wireMessage
	err := c.do(ctx, http.MethodPatch, "/groups/"+groupID+"/messages", map[string]string{"content": content}, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.toModel(), nil
}

// EditGroupMessage updates a message's content and sets its edited flag.
func (c *Client) EditGroupMessage(ctx context.Context, groupID, messageID, content string) (chat.Message, error) {
	var w wireMessage
	err := c.do(ctx, http.MethodPatch, "/groups/"+groupID+"/messages/"+messageID, map[string]string{"content": content}, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.toModel(), nil
}

// DeleteGroupMessage tombstones a message. Content is retained server-side.
func (c *Client) DeleteGroupMessage(ctx context.Context, groupID, messageID string) (chat.Message, error) {
	var w struct {
		Data wireMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodDelete, "/groups/"+groupID+"/messages/"+messageID, nil, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.Data.toModel(), nil
}

// PrivateChat resolves the 1:1 chat with otherUID, creating it if it does
// not exist. The same unordered member pair always yields the same chat.
func (c *Client) PrivateChat(ctx context.Context, otherUID string) (chat.PrivateChat, error) {
	var w struct {
		Chat wirePrivateChat `json:"chat"`
	}
	err := c.do(ctx, http.MethodPost, "/private-chats", map[string]string{"other_uid": otherUID}, &w)
	if err != nil {
		return chat.PrivateChat{}, err
	}
	return w.Chat.toModel(), nil
}

// SendPrivateMessage persists a message into a private chat.
func (c *Client) SendPrivateMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	var w wireMessage
	err := c.do(ctx, http.MethodPatch, "/private-chats/"+chatID+"/messages", map[string]string{"content": content}, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.toModel(), nil
}

// EditPrivateMessage updates a private message's content.
func (c *Client) EditPrivateMessage(ctx context.Context, chatID, messageID, content string) (chat.Message, error) {
	var w wireMessage
	err := c.do(ctx, http.MethodPatch, "/private-chats/"+chatID+"/messages/"+messageID, map[string]string{"content": content}, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.toModel(), nil
}

// DeletePrivateMessage tombstones a private message.
func (c *Client) DeletePrivateMessage(ctx context.Context, chatID, messageID string) (chat.Message, error) {
	var w struct {
		Data wireMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodDelete, "/private-chats/"+chatID+"/messages/"+messageID, nil, &w)
	if err != nil {
		return chat.Message{}, err
	}
	return w.Data.toModel(), nil
}

// do issues one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		if detail.Detail != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, detail.Detail, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
