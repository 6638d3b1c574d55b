// Package windows tracks the conversation panels the operator has open.
//
// Entries are thread snapshots, not references into the store. An entry's
// index is its screen slot: refreshing an entry never moves it, and closing
// one shifts the later slots down.
package windows

import (
	"github.com/shopdesk/deskchat/internal/chat"
)

// Source is the read side of the thread store.
type Source interface {
	Get(contactID chat.UserID) (chat.Thread, bool)
}

// Registry is the ordered list of open windows. Not goroutine-safe.
type Registry struct {
	// MaxWindows caps the number of open windows; zero means unbounded.
	// Opening past the cap evicts the oldest slot.
	MaxWindows int

	entries []chat.Thread
}

func New(maxWindows int) *Registry {
	return &Registry{MaxWindows: maxWindows}
}

// Open shows thread in a window, marked read locally. A contact that is
// already open is replaced in place. It returns the stored snapshot and the
// contact evicted to make room, if any.
func (r *Registry) Open(thread chat.Thread) (chat.Thread, chat.UserID, bool) {
	entry := thread.Clone()
	entry.MarkInboundRead()

	if i := r.index(entry.ContactID); i >= 0 {
		r.entries[i] = entry
		return entry.Clone(), 0, false
	}

	var evicted chat.UserID
	didEvict := false
	if r.MaxWindows > 0 && len(r.entries) >= r.MaxWindows {
		evicted = r.entries[0].ContactID
		didEvict = true
		r.entries = append(r.entries[:0], r.entries[1:]...)
	}
	r.entries = append(r.entries, entry)
	return entry.Clone(), evicted, didEvict
}

// Close removes the contact's window. It reports whether one was open.
func (r *Registry) Close(contactID chat.UserID) bool {
	i := r.index(contactID)
	if i < 0 {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true
}

// Replace refreshes an open entry in place. Contacts without a window are
// ignored; it reports whether an entry changed.
func (r *Registry) Replace(thread chat.Thread) bool {
	i := r.index(thread.ContactID)
	if i < 0 {
		return false
	}
	r.entries[i] = thread.Clone()
	return true
}

// RefreshFrom pulls the latest thread for every open window from src,
// keeping slot order.
func (r *Registry) RefreshFrom(src Source) {
	for i, e := range r.entries {
		if t, ok := src.Get(e.ContactID); ok {
			r.entries[i] = t.Clone()
		}
	}
}

// IsOpen reports whether the contact has an open window.
func (r *Registry) IsOpen(contactID chat.UserID) bool {
	return r.index(contactID) >= 0
}

// Entries returns copies of the open windows in slot order.
func (r *Registry) Entries() []chat.Thread {
	out := make([]chat.Thread, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Clone()
	}
	return out
}

// ContactIDs returns the open contacts in slot order.
func (r *Registry) ContactIDs() []chat.UserID {
	out := make([]chat.UserID, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.ContactID
	}
	return out
}

// Len returns the number of open windows.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) index(contactID chat.UserID) int {
	for i, e := range r.entries {
		if e.ContactID == contactID {
			return i
		}
	}
	return -1
}
