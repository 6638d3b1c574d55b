package chat

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// MessageRecord is a message as it appears on the wire, both in history
// snapshots and in hub pushes. Ids may be numbers or strings and the
// timestamp may be missing or zone-less.
type MessageRecord struct {
	ID         FlexString `json:"id"`
	ClientKey  string     `json:"clientKey,omitempty"`
	SenderID   UserID     `json:"senderId"`
	ReceiverID UserID     `json:"receiverId"`
	Content    string     `json:"content"`
	Timestamp  string     `json:"timestamp,omitempty"`
	IsRead     bool       `json:"isRead"`
}

// ToMessage converts the record. A missing or unparseable timestamp yields a
// zero Timestamp; the reconciler stamps those with the current time.
func (r MessageRecord) ToMessage() Message {
	ts, _ := ParseTimestamp(r.Timestamp)
	return Message{
		ID:         string(r.ID),
		ClientKey:  r.ClientKey,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		Timestamp:  ts,
		IsRead:     r.IsRead,
	}
}

// ThreadRecord is one entry of the history endpoint response.
type ThreadRecord struct {
	ContactID      UserID          `json:"contactId"`
	ContactName    string          `json:"contactName"`
	AvatarInitials string          `json:"avatarInitials"`
	LastMessage    string          `json:"lastMessage"`
	LastTimestamp  string          `json:"lastTimestamp"`
	UnreadCount    int             `json:"unreadCount"`
	Messages       []MessageRecord `json:"messages"`
}

// ToThread converts the record and normalizes it. Server ordering and the
// server's unread count are not trusted; both are recomputed.
func (r ThreadRecord) ToThread() Thread {
	t := Thread{
		ContactID:      r.ContactID,
		ContactName:    strings.TrimSpace(r.ContactName),
		AvatarInitials: strings.TrimSpace(r.AvatarInitials),
		LastMessage:    r.LastMessage,
		Messages:       make([]Message, 0, len(r.Messages)),
	}
	if t.ContactName == "" {
		t.ContactName = PlaceholderName(r.ContactID)
	}
	if ts, ok := ParseTimestamp(r.LastTimestamp); ok {
		t.LastTimestamp = ts
	}
	for _, m := range r.Messages {
		t.Messages = append(t.Messages, m.ToMessage())
	}
	t.Normalize()
	return t
}

// ReadReceipt is the payload of the thread-marked-read hub event.
type ReadReceipt struct {
	ContactID    UserID `json:"contactId"`
	UpdatedCount int    `json:"updatedCount"`
}

// FlexString decodes a JSON string or number into its string form.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// timestampLayouts lists accepted server timestamp formats, most common first.
// Zone-less layouts are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a server timestamp best-effort.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
