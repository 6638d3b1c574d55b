package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Thread is the message history and display metadata for one contact.
type Thread struct {
	ContactID      UserID    `json:"contactId"`
	ContactName    string    `json:"contactName"`
	AvatarInitials string    `json:"avatarInitials"`
	Messages       []Message `json:"messages"`
	LastMessage    string    `json:"lastMessage"`
	LastTimestamp  time.Time `json:"lastTimestamp"`
	UnreadCount    int       `json:"unreadCount"`
}

// Normalize sorts messages ascending by timestamp and recomputes the derived
// fields. A thread without messages keeps its LastMessage/LastTimestamp as
// given, since there is no tail to mirror.
func (t *Thread) Normalize() {
	SortMessages(t.Messages)
	if n := len(t.Messages); n > 0 {
		tail := t.Messages[n-1]
		t.LastMessage = tail.Content
		t.LastTimestamp = tail.Timestamp
	}
	t.UnreadCount = t.CountUnread()
	if t.AvatarInitials == "" {
		t.AvatarInitials = Initials(t.ContactName)
	}
}

// CountUnread counts unread messages authored by the contact.
func (t Thread) CountUnread() int {
	n := 0
	for _, m := range t.Messages {
		if m.SenderID == t.ContactID && !m.IsRead {
			n++
		}
	}
	return n
}

// Append adds a message and restores the invariants. Messages arriving out of
// order land in timestamp position, not arrival position.
func (t *Thread) Append(m Message) {
	t.Messages = append(t.Messages, m)
	t.Normalize()
}

// MarkInboundRead flags every message authored by the contact as read and
// returns how many flipped.
func (t *Thread) MarkInboundRead() int {
	flipped := 0
	for i := range t.Messages {
		if t.Messages[i].SenderID == t.ContactID && t.Messages[i].MarkRead() {
			flipped++
		}
	}
	t.UnreadCount = t.CountUnread()
	return flipped
}

// MarkOutboundRead flags every message authored by operator as read (a read
// receipt from the contact) and returns how many flipped.
func (t *Thread) MarkOutboundRead(operator UserID) int {
	flipped := 0
	for i := range t.Messages {
		if t.Messages[i].SenderID == operator && t.Messages[i].MarkRead() {
			flipped++
		}
	}
	return flipped
}

// Clone returns a deep copy. Open windows hold clones so that later store
// mutations never leak into a rendered panel.
func (t Thread) Clone() Thread {
	out := t
	if t.Messages != nil {
		out.Messages = make([]Message, len(t.Messages))
		copy(out.Messages, t.Messages)
	}
	return out
}

// SortMessages sorts ascending by timestamp. The sort is stable so messages
// sharing a timestamp keep their arrival order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// IsSorted reports whether msgs is ascending by timestamp.
func IsSorted(msgs []Message) bool {
	return sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// PlaceholderName is the display name used for a contact the history
// endpoint has not described yet.
func PlaceholderName(contactID UserID) string {
	return fmt.Sprintf("User #%d", contactID)
}

// Placeholder synthesizes a single-message thread for an unknown contact.
// The backfill fetch later replaces the display name and initials.
func Placeholder(contactID UserID, first Message) Thread {
	t := Thread{
		ContactID:      contactID,
		ContactName:    PlaceholderName(contactID),
		AvatarInitials: "U",
		Messages:       []Message{first},
	}
	t.Normalize()
	return t
}

// IsPlaceholder reports whether the thread still carries synthesized metadata.
func (t Thread) IsPlaceholder() bool {
	return t.ContactName == PlaceholderName(t.ContactID)
}

// Initials derives up to two avatar initials from a display name.
func Initials(name string) string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_' || r == '.'
	})
	var sb strings.Builder
	for _, f := range fields {
		for _, r := range f {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				sb.WriteRune(unicode.ToUpper(r))
				break
			}
		}
		if sb.Len() > 0 && len([]rune(sb.String())) == 2 {
			break
		}
	}
	if sb.Len() == 0 {
		return "?"
	}
	return sb.String()
}
