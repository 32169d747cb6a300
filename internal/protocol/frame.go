// Package protocol translates between wire frames and typed events.
//
// Three inbound framings coexist on the wire: typing control strings,
// structured JSON chat messages, and legacy "author: content" lines. The
// decoder tries them in that order and never lets malformed input past this
// boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loquihq/loqui/internal/model/chat"
)

const (
	typingTag     = "TYPING:"
	stopTypingTag = "STOP_TYPING:"
)

var (
	// ErrSelfEcho marks a frame authored by the local user. The sender
	// already holds the optimistic copy, so the frame is dropped.
	ErrSelfEcho = errors.New("protocol: frame authored by local user")

	// ErrMalformed marks input that matches none of the supported framings.
	ErrMalformed = errors.New("protocol: malformed frame")
)

// FrameKind discriminates decoded frames.
type FrameKind int

const (
	FrameChat FrameKind = iota
	FrameTyping
	FrameStopTyping
)

// Frame is the decoded form of one inbound wire frame.
type Frame struct {
	Kind FrameKind

	// Message is set for FrameChat.
	Message chat.Message

	// ChatID and Username are set for FrameTyping / FrameStopTyping.
	ChatID   string
	Username string
}

// Codec decodes inbound frames and encodes outbound ones on behalf of a
// single local user.
type Codec struct {
	localUser string
	now       func() time.Time
	newID     func() string
}

// NewCodec builds a codec for localUser. The user id drives self-echo
// suppression on decode and the author field on encode.
func NewCodec(localUser string) *Codec {
	return &Codec{
		localUser: localUser,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// NewCodecWithClock is NewCodec with an injectable clock and id source.
func NewCodecWithClock(localUser string, now func() time.Time, newID func() string) *Codec {
	return &Codec{localUser: localUser, now: now, newID: newID}
}

// Decode parses one inbound text frame. Self-echo frames return ErrSelfEcho;
// anything unparseable returns ErrMalformed (possibly wrapped).
func (c *Codec) Decode(data []byte) (Frame, error) {
	text := strings.TrimSpace(string(data))

	if strings.HasPrefix(text, typingTag) || strings.HasPrefix(text, stopTypingTag) {
		return c.decodeTyping(text)
	}
	if strings.HasPrefix(text, "{") {
		return c.decodeStructured(text)
	}
	return c.decodeLegacy(text)
}

func (c *Codec) decodeTyping(text string) (Frame, error) {
	parts := strings.SplitN(text, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Frame{}, fmt.Errorf("%w: typing frame %q", ErrMalformed, text)
	}

	kind := FrameTyping
	if parts[0]+":" == stopTypingTag {
		kind = FrameStopTyping
	}
	return Frame{Kind: kind, ChatID: parts[1], Username: parts[2]}, nil
}

func (c *Codec) decodeStructured(text string) (Frame, error) {
	var raw struct {
		ID        string `json:"id"`
		Author    string `json:"author"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
		Edited    bool   `json:"edited"`
		Deleted   bool   `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Author == "" {
		return Frame{}, fmt.Errorf("%w: structured frame without author", ErrMalformed)
	}
	if raw.Author == c.localUser {
		return Frame{}, ErrSelfEcho
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		// Tolerate peers with a sloppy clock field; the message itself
		// is still deliverable.
		ts = c.now()
	}

	id := raw.ID
	if id == "" {
		id = c.newID()
	}

	return Frame{
		Kind: FrameChat,
		Message: chat.Message{
			ID:        id,
			Author:    raw.Author,
			Content:   raw.Content,
			Timestamp: ts,
			Edited:    raw.Edited,
			Deleted:   raw.Deleted,
		},
	}, nil
}

func (c *Codec) decodeLegacy(text string) (Frame, error) {
	idx := strings.Index(text, ":")
	if idx <= 0 {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformed, text)
	}

	author := strings.TrimSpace(text[:idx])
	content := strings.TrimSpace(text[idx+1:])
	if author == "" {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformed, text)
	}
	if author == c.localUser {
		return Frame{}, ErrSelfEcho
	}

	// Legacy frames carry no id or timestamp on the wire; synthesize both.
	return Frame{
		Kind: FrameChat,
		Message: chat.Message{
			ID:        c.newID(),
			Author:    author,
			Content:   content,
			Timestamp: c.now(),
		},
	}, nil
}

// EncodeChat serializes an outbound chat send as the structured JSON frame.
func (c *Codec) EncodeChat(content string) ([]byte, error) {
	payload := struct {
		Type      string `json:"type"`
		Content   string `json:"content"`
		Author    string `json:"author"`
		Timestamp string `json:"timestamp"`
	}{
		Type:      "chat",
		Content:   content,
		Author:    c.localUser,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat frame: %w", err)
	}
	return data, nil
}

// EncodeTyping serializes a typing-start control frame. The tagged string
// form is kept for wire compatibility with older peers.
func EncodeTyping(chatID, username string) []byte {
	return []byte(typingTag + chatID + ":" + username)
}

// EncodeStopTyping serializes a typing-stop control frame.
func EncodeStopTyping(chatID, username string) []byte {
	return []byte(stopTypingTag + chatID + ":" + username)
}
