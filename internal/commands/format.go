package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/session"
)

func marshalJSONOrFallback(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		return string(data) + "\n"
	}

	// Best-effort fallback: always return valid JSON for --json callers.
	fallback, fallbackErr := json.Marshal(map[string]string{
		"error": "failed to marshal JSON output",
	})
	if fallbackErr != nil {
		return "{}\n"
	}
	return string(fallback) + "\n"
}

// formatTimeAgo renders ts relative to now ("3 minutes ago"). A zero time
// renders as "never".
func formatTimeAgo(ts, now time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	if ts.After(now) {
		ts = now
	}
	return humanize.RelTime(ts, now, "ago", "from now")
}

// displayName is how a contact is shown in one-line output.
func displayName(t chat.Thread) string {
	if t.IsPlaceholder() || t.ContactName == "" {
		return chat.PlaceholderName(t.ContactID)
	}
	return fmt.Sprintf("%s (#%d)", t.ContactName, t.ContactID)
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

type inboxEntry struct {
	ContactID     chat.UserID `json:"contact_id"`
	ContactName   string      `json:"contact_name"`
	Initials      string      `json:"avatar_initials"`
	UnreadCount   int         `json:"unread_count"`
	LastMessage   string      `json:"last_message"`
	LastTimestamp time.Time   `json:"last_timestamp"`
}

// formatInboxOutput lists threads in store order.
func formatInboxOutput(threads []chat.Thread, now time.Time, unreadOnly, asJSON bool) string {
	var shown []chat.Thread
	for _, t := range threads {
		if unreadOnly && t.UnreadCount == 0 {
			continue
		}
		shown = append(shown, t)
	}

	if asJSON {
		entries := make([]inboxEntry, 0, len(shown))
		for _, t := range shown {
			entries = append(entries, inboxEntry{
				ContactID:     t.ContactID,
				ContactName:   t.ContactName,
				Initials:      t.AvatarInitials,
				UnreadCount:   t.UnreadCount,
				LastMessage:   t.LastMessage,
				LastTimestamp: t.LastTimestamp,
			})
		}
		return marshalJSONOrFallback(map[string]any{"threads": entries})
	}

	if len(shown) == 0 {
		if unreadOnly {
			return "No unread conversations.\n"
		}
		return "No conversations.\n"
	}

	unread := 0
	for _, t := range shown {
		unread += t.UnreadCount
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Conversations (%d, %d unread)\n", len(shown), unread))
	for _, t := range shown {
		marker := " "
		badge := ""
		if t.UnreadCount > 0 {
			marker = "●"
			badge = fmt.Sprintf("  %d unread", t.UnreadCount)
		}
		sb.WriteString(fmt.Sprintf("%s %s%s — %s\n", marker, displayName(t), badge, formatTimeAgo(t.LastTimestamp, now)))
		if t.LastMessage != "" {
			sb.WriteString(fmt.Sprintf("    %s\n", truncate(t.LastMessage, 72)))
		}
	}
	return sb.String()
}

type historyOutput struct {
	ContactID   chat.UserID    `json:"contact_id"`
	ContactName string         `json:"contact_name"`
	UnreadCount int            `json:"unread_count"`
	Messages    []chat.Message `json:"messages"`
}

// formatHistoryOutput prints a thread oldest first, limited to the last
// limit messages when limit > 0.
func formatHistoryOutput(t chat.Thread, operator chat.UserID, limit int, asJSON bool) string {
	msgs := t.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	if asJSON {
		return marshalJSONOrFallback(historyOutput{
			ContactID:   t.ContactID,
			ContactName: t.ContactName,
			UnreadCount: t.UnreadCount,
			Messages:    msgs,
		})
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Conversation with %s\n", displayName(t)))
	if len(msgs) == 0 {
		sb.WriteString("No messages.\n")
		return sb.String()
	}
	if hidden := len(t.Messages) - len(msgs); hidden > 0 {
		sb.WriteString(fmt.Sprintf("(%d earlier messages)\n", hidden))
	}
	for _, m := range msgs {
		sb.WriteString(formatMessageLine(m, t.ContactName, operator))
	}
	if t.UnreadCount > 0 {
		sb.WriteString(fmt.Sprintf("%d unread\n", t.UnreadCount))
	}
	return sb.String()
}

func formatMessageLine(m chat.Message, contactName string, operator chat.UserID) string {
	who := contactName
	status := ""
	if m.IsFrom(operator) {
		who = "You"
		if m.IsRead {
			status = " ✓"
		}
	} else if !m.IsRead {
		status = " •"
	}
	return fmt.Sprintf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), who, m.Content, status)
}

type tailEvent struct {
	Kind      string        `json:"kind"`
	ContactID chat.UserID   `json:"contact_id,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	State     string        `json:"state,omitempty"`
	Changed   []chat.UserID `json:"changed,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func eventKindName(k session.EventKind) string {
	switch k {
	case session.EventMessage:
		return "message"
	case session.EventReadReceipt:
		return "read_receipt"
	case session.EventState:
		return "state"
	case session.EventDegraded:
		return "degraded"
	case session.EventSnapshot:
		return "snapshot"
	case session.EventError:
		return "error"
	}
	return "unknown"
}

// formatEvent renders one session event as a single line. names resolves
// contact display names from the latest view.
func formatEvent(ev session.Event, names func(chat.UserID) string, operator chat.UserID, asJSON bool) string {
	if asJSON {
		out := tailEvent{Kind: eventKindName(ev.Kind), ContactID: ev.ContactID, Changed: ev.Changed}
		switch ev.Kind {
		case session.EventMessage:
			msg := ev.Message
			out.Message = &msg
		case session.EventState:
			out.State = ev.State.String()
		case session.EventError:
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "{}\n"
		}
		return string(data) + "\n"
	}

	switch ev.Kind {
	case session.EventMessage:
		if ev.Message.IsFrom(operator) {
			return fmt.Sprintf("→ %s: %s\n", names(ev.ContactID), ev.Message.Content)
		}
		return fmt.Sprintf("← %s: %s\n", names(ev.ContactID), ev.Message.Content)
	case session.EventReadReceipt:
		return fmt.Sprintf("✓ %s read your messages\n", names(ev.ContactID))
	case session.EventState:
		return fmt.Sprintf("[hub] %s\n", ev.State)
	case session.EventDegraded:
		return "[hub] live updates stopped after repeated connection failures; restart to retry\n"
	case session.EventSnapshot:
		return fmt.Sprintf("[history] %d conversations updated\n", len(ev.Changed))
	case session.EventError:
		return fmt.Sprintf("[history] load failed: %v\n", ev.Err)
	}
	return ""
}
