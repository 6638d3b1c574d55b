// Package threadstore holds the session's in-memory collection of threads.
//
// The store is pure data: no I/O and no locking. It is owned by the session
// event queue and only the reconciler holds it for writing. Upsert replaces a
// thread wholesale; there are no partial patches, so merge logic lives in one
// place (the reconciler) rather than at every call site.
package threadstore

import (
	"sort"

	"github.com/shopdesk/deskchat/internal/chat"
)

// Store is an ordered collection of threads keyed by contact id, kept sorted
// by LastTimestamp descending (most recent conversation first).
type Store struct {
	threads []chat.Thread
	index   map[chat.UserID]int
}

// New creates an empty store.
func New() *Store {
	return &Store{index: make(map[chat.UserID]int)}
}

// Upsert inserts or replaces the thread for t.ContactID and restores the
// ordering. The store keeps its own copy.
func (s *Store) Upsert(t chat.Thread) {
	t = t.Clone()
	if i, ok := s.index[t.ContactID]; ok {
		s.threads[i] = t
	} else {
		s.threads = append(s.threads, t)
	}
	s.resort()
}

// Get returns a copy of the thread for contactID.
func (s *Store) Get(contactID chat.UserID) (chat.Thread, bool) {
	i, ok := s.index[contactID]
	if !ok {
		return chat.Thread{}, false
	}
	return s.threads[i].Clone(), true
}

// Has reports whether a thread exists for contactID.
func (s *Store) Has(contactID chat.UserID) bool {
	_, ok := s.index[contactID]
	return ok
}

// All returns copies of every thread in display order.
func (s *Store) All() []chat.Thread {
	out := make([]chat.Thread, len(s.threads))
	for i, t := range s.threads {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of threads.
func (s *Store) Len() int {
	return len(s.threads)
}

// TotalUnread sums UnreadCount across threads.
func (s *Store) TotalUnread() int {
	n := 0
	for _, t := range s.threads {
		n += t.UnreadCount
	}
	return n
}

// resort orders threads by LastTimestamp descending. Ties break on contact id
// so that equal timestamps render in a stable order.
func (s *Store) resort() {
	sort.SliceStable(s.threads, func(i, j int) bool {
		a, b := s.threads[i], s.threads[j]
		if !a.LastTimestamp.Equal(b.LastTimestamp) {
			return a.LastTimestamp.After(b.LastTimestamp)
		}
		return a.ContactID < b.ContactID
	})
	for i, t := range s.threads {
		s.index[t.ContactID] = i
	}
}
