// Package chat defines the conversation data model shared by the sync core.
//
// A Thread is the full message history for one contact. Threads are keyed by
// contact id and must satisfy three invariants after every mutation:
//   - Messages is sorted ascending by Timestamp
//   - LastMessage/LastTimestamp mirror the tail of Messages
//   - UnreadCount equals the number of unread messages authored by the contact
//
// Normalize re-establishes all three; callers that build or modify a Thread
// by hand must call it before handing the thread to the store.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID identifies a customer or operator account.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user id. A leading '#' is accepted so that
// ids copied from "User #42" placeholders work.
func ParseUserID(s string) (UserID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return 0, fmt.Errorf("user id is empty")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("user id must be positive, got %d", n)
	}
	return UserID(n), nil
}

// UnmarshalJSON accepts both JSON numbers and numeric strings; the hub
// serializes ids as strings on some deployments.
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*id = 0
			return nil
		}
		parsed, err := ParseUserID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid user id %s", string(data))
	}
	*id = UserID(n)
	return nil
}

// Message is a single chat message. It is immutable once created except for
// IsRead, which may only flip from false to true.
type Message struct {
	// ID is unique per origin only: optimistic sends carry a local id that
	// the server never echoes back.
	ID string `json:"id"`

	// ClientKey is a client-generated idempotency key. Optimistic sends set
	// it; pushed or fetched messages carry it only when the server echoes it.
	ClientKey string `json:"clientKey,omitempty"`

	SenderID   UserID    `json:"senderId"`
	ReceiverID UserID    `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"isRead"`
}

// MarkRead flags the message read. It reports whether the flag changed.
func (m *Message) MarkRead() bool {
	if m.IsRead {
		return false
	}
	m.IsRead = true
	return true
}

// IsFrom reports whether the message was authored by id.
func (m Message) IsFrom(id UserID) bool {
	return m.SenderID == id
}

// Counterpart returns the contact id of the conversation this message belongs
// to, as seen by operator.
func (m Message) Counterpart(operator UserID) UserID {
	if m.SenderID == operator {
		return m.ReceiverID
	}
	return m.SenderID
}

// SameAs reports whether two messages are the same logical message: equal
// non-empty ids, or equal non-empty client keys.
func (m Message) SameAs(other Message) bool {
	if m.ClientKey != "" && m.ClientKey == other.ClientKey {
		return true
	}
	return m.ID != "" && m.ID == other.ID
}
