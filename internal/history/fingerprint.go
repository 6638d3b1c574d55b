package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopdesk/deskchat/internal/chat"
)

// FingerprintVersion prefixes every thread hash. Bump it when the hashed
// fields change so stale fingerprints never compare equal.
const FingerprintVersion = "v2"

// Snapshot maps contact id to thread hash.
type Snapshot map[chat.UserID]string

// canonicalMessage is the hashed form of a message. Snapshots are compared
// with earlier snapshots, never with the store, so local read flips do not
// show up here while server-side ones do.
type canonicalMessage struct {
	ID         string      `json:"id"`
	ClientKey  string      `json:"clientKey,omitempty"`
	SenderID   chat.UserID `json:"senderId"`
	ReceiverID chat.UserID `json:"receiverId"`
	Content    string      `json:"content"`
	Timestamp  string      `json:"timestamp"`
	IsRead     bool        `json:"isRead"`
}

type canonicalThread struct {
	ContactID      chat.UserID        `json:"contactId"`
	ContactName    string             `json:"contactName"`
	AvatarInitials string             `json:"avatarInitials"`
	Messages       []canonicalMessage `json:"messages"`
}

// ThreadHash computes a deterministic SHA256 hash of one thread. Messages are
// hashed as a set: their order in the slice does not matter.
func ThreadHash(t chat.Thread) (string, error) {
	c := canonicalThread{
		ContactID:      t.ContactID,
		ContactName:    t.ContactName,
		AvatarInitials: t.AvatarInitials,
		Messages:       make([]canonicalMessage, len(t.Messages)),
	}
	for i, m := range t.Messages {
		c.Messages[i] = canonicalMessage{
			ID:         m.ID,
			ClientKey:  m.ClientKey,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
			IsRead:     m.IsRead,
		}
	}
	sort.Slice(c.Messages, func(i, j int) bool {
		a, b := c.Messages[i], c.Messages[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Content < b.Content
	})

	// Struct field order makes the encoding deterministic.
	canonical, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s", FingerprintVersion, hex.EncodeToString(sum[:])), nil
}

// Fingerprint hashes every thread of a snapshot.
func Fingerprint(threads []chat.Thread) (Snapshot, error) {
	out := make(Snapshot, len(threads))
	for _, t := range threads {
		h, err := ThreadHash(t)
		if err != nil {
			return nil, fmt.Errorf("hashing thread %d: %w", t.ContactID, err)
		}
		out[t.ContactID] = h
	}
	return out, nil
}

// Changed returns the contacts that are new in next or whose hash differs
// from prev, sorted ascending.
func Changed(prev, next Snapshot) []chat.UserID {
	var changed []chat.UserID
	for id, h := range next {
		if old, ok := prev[id]; !ok || old != h {
			changed = append(changed, id)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}
