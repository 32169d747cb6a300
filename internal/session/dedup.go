package session

import (
	"strings"
	"time"

	"github.com/loquihq/loqui/internal/model/chat"
)

// ContainsMessage reports whether msgs already holds msg, either by id or by
// logical identity. Pure over its inputs.
func ContainsMessage(msgs []chat.Message, msg chat.Message) bool {
	key := logicalKey(msg)
	for _, m := range msgs {
		if m.ID == msg.ID {
			return true
		}
		if logicalKey(m) == key {
			return true
		}
	}
	return false
}

// logicalKey identifies one human send independent of which wire path
// assigned the id: author, whitespace-normalized content, and the timestamp
// truncated to the second.
func logicalKey(m chat.Message) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	return m.Author + "\x00" + content + "\x00" + m.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339)
}
