// Package chat holds the domain types shared by the session store, the
// wire codec and the REST client.
package chat

import (
	"sort"
	"time"
)

// Message is a single chat message. Identity is ID; Deleted is a tombstone
// flag, the content stays in place so a placeholder can be rendered.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
}

// User identifies a signed-in participant.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Status   string `json:"status"`
}

// Group is a named multi-member chat. Delivery is gated on membership.
type Group struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Creator  string    `json:"creator"`
	Members  []string  `json:"members"`
	Messages []Message `json:"messages"`
}

// HasMember reports whether userID belongs to the group.
func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// PrivateChat is a 1:1 chat. Its identity is derived server-side from the
// unordered member pair and resolved idempotently (lookup-or-create).
type PrivateChat struct {
	ID       string    `json:"id"`
	Members  []string  `json:"members"`
	Messages []Message `json:"messages"`
}

// Kind discriminates the two logical chat shapes.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private_chat"
)

// ActiveChatRef is the transient UI selection. For KindPrivate the ID is the
// other participant's user id; the durable chat id is resolved on activation.
type ActiveChatRef struct {
	Kind Kind
	ID   string
}

// DateGroup is one calendar day of messages, already in display order.
type DateGroup struct {
	Date     string
	Messages []Message
}

// GroupByDate projects an ordered message list into per-day buckets in the
// given location. It never mutates its input.
func GroupByDate(msgs []Message, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}

	byDay := make(map[string][]Message)
	for _, m := range msgs {
		day := m.Timestamp.In(loc).Format("2006-01-02")
		byDay[day] = append(byDay[day], m)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	groups := make([]DateGroup, 0, len(days))
	for _, day := range days {
		msgs := byDay[day]
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})
		groups = append(groups, DateGroup{Date: day, Messages: msgs})
	}
	return groups
}

// FormatDate renders a day heading the way the UI shows it.
func FormatDate(ts time.Time, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	ts = ts.In(loc)
	now = now.In(loc)

	day := ts.Format("2006-01-02")
	switch day {
	case now.Format("2006-01-02"):
		return "Today"
	case now.AddDate(0, 0, -1).Format("2006-01-02"):
		return "Yesterday"
	default:
		return ts.Format("Monday, January 2, 2006")
	}
}
