// Package reconcile merges history snapshots, pushed hub events and local
// optimistic sends into the thread store.
//
// The Reconciler is the only writer of the store. Every message, whatever
// its origin, goes through ApplyInboundMessage so optimistic and pushed
// messages cannot diverge in behavior. All methods must run on the owner's
// event queue; network side effects (mark-read calls, backfill fetches) are
// handed to collaborators that run them asynchronously.
package reconcile

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/metrics"
	"github.com/shopdesk/deskchat/internal/threadstore"
	"github.com/shopdesk/deskchat/internal/windows"
)

// LocalIDPrefix marks ids generated for optimistic sends. The hub never
// echoes these back.
const LocalIDPrefix = "local-"

// ReadMarker issues the outbound mark-thread-read call. Implementations must
// not block.
type ReadMarker interface {
	MarkRead(ctx context.Context, contactID chat.UserID)
}

// Backfiller schedules a history refetch to replace placeholder metadata.
// Implementations must not block.
type Backfiller interface {
	RequestBackfill(contactID chat.UserID)
}

type Config struct {
	OperatorID chat.UserID
	Store      *threadstore.Store
	Windows    *windows.Registry
	Marker     ReadMarker
	Backfill   Backfiller

	// Context is passed to outbound calls. Defaults to Background.
	Context context.Context
	// Now stamps messages that arrive without a timestamp.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Reconciler struct {
	operator chat.UserID
	store    *threadstore.Store
	windows  *windows.Registry
	marker   ReadMarker
	backfill Backfiller
	ctx      context.Context
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config) *Reconciler {
	if cfg.Store == nil {
		cfg.Store = threadstore.New()
	}
	if cfg.Windows == nil {
		cfg.Windows = windows.New(0)
	}
	if cfg.Marker == nil {
		cfg.Marker = noopMarker{}
	}
	if cfg.Backfill == nil {
		cfg.Backfill = noopBackfill{}
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		operator: cfg.OperatorID,
		store:    cfg.Store,
		windows:  cfg.Windows,
		marker:   cfg.Marker,
		backfill: cfg.Backfill,
		ctx:      cfg.Context,
		now:      cfg.Now,
		logger:   logger.With("component", "reconcile"),
		metrics:  cfg.Metrics,
	}
}

// OperatorID returns the operator the reconciler merges for.
func (r *Reconciler) OperatorID() chat.UserID { return r.operator }

// NewLocalMessage builds an optimistic operator message with a local id and
// a fresh client key.
func NewLocalMessage(operator, receiver chat.UserID, content string, now time.Time) chat.Message {
	key := uuid.NewString()
	return chat.Message{
		ID:         LocalIDPrefix + key,
		ClientKey:  key,
		SenderID:   operator,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  now.UTC(),
	}
}

// IsLocal reports whether m was created by NewLocalMessage.
func IsLocal(m chat.Message) bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// ApplyInboundMessage applies one message to the store and returns the
// canonical message that was stored.
//
//  1. A missing timestamp becomes now.
//  2. The contact is the receiver for operator messages, the sender otherwise.
//  3. An inbound message for an open window is marked read locally and a
//     mark-read call is issued.
//  4. An unknown contact gets a placeholder thread and a backfill request;
//     a known one gets the message inserted in timestamp order. A message
//     whose client key matches one already in the thread replaces it.
//  5. The store re-sorts and the open window, if any, is refreshed in place.
func (r *Reconciler) ApplyInboundMessage(raw chat.Message) chat.Message {
	msg := raw
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	fromOperator := msg.IsFrom(r.operator)
	contactID := msg.Counterpart(r.operator)
	if contactID == 0 || contactID == r.operator {
		r.logger.Warn("dropping message without a counterpart", "id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID)
		return msg
	}

	windowOpen := r.windows.IsOpen(contactID)
	if !fromOperator && windowOpen {
		r.marker.MarkRead(r.ctx, contactID)
		msg.IsRead = true
	}

	origin := metrics.OriginPush
	if IsLocal(msg) {
		origin = metrics.OriginLocal
	}
	r.metrics.MessageApplied(origin)

	thread, ok := r.store.Get(contactID)
	if !ok {
		thread = chat.Placeholder(contactID, msg)
		r.store.Upsert(thread)
		r.metrics.PlaceholderCreated()
		r.logger.Debug("placeholder thread created", "contact", contactID)
		r.backfill.RequestBackfill(contactID)
	} else {
		if i := indexByClientKey(thread.Messages, msg.ClientKey); i >= 0 {
			msg.IsRead = msg.IsRead || thread.Messages[i].IsRead
			thread.Messages[i] = msg
			thread.Normalize()
		} else {
			thread.Append(msg)
		}
		r.store.Upsert(thread)
	}

	r.windows.Replace(thread)
	return msg
}

// ApplyReadReceipt handles a thread-marked-read event: every operator
// message in the contact's thread is flagged read. Unknown contacts are
// ignored. It returns how many messages flipped.
func (r *Reconciler) ApplyReadReceipt(receipt chat.ReadReceipt) int {
	thread, ok := r.store.Get(receipt.ContactID)
	if !ok {
		r.logger.Debug("read receipt for unknown contact", "contact", receipt.ContactID)
		return 0
	}
	flipped := thread.MarkOutboundRead(r.operator)
	r.metrics.ReadReceiptApplied()
	if flipped == 0 {
		return 0
	}
	r.store.Upsert(thread)
	r.windows.Replace(thread)
	return flipped
}

// MarkThreadRead flags the contact's inbound messages read locally. It never
// calls out; the caller pairs it with the outbound mark-read.
func (r *Reconciler) MarkThreadRead(contactID chat.UserID) (chat.Thread, bool) {
	thread, ok := r.store.Get(contactID)
	if !ok {
		return chat.Thread{}, false
	}
	if thread.MarkInboundRead() > 0 {
		r.store.Upsert(thread)
		r.windows.Replace(thread)
	}
	return thread, true
}

// MergeSnapshot merges a history snapshot into the store. Display metadata
// comes from the server; messages are the union of both sides; read flags
// only move towards read. Threads missing from the snapshot are kept. It
// returns the contacts that were added or updated.
func (r *Reconciler) MergeSnapshot(threads []chat.Thread) []chat.UserID {
	touched := make([]chat.UserID, 0, len(threads))
	for _, incoming := range threads {
		if incoming.ContactID == 0 {
			continue
		}
		merged := r.mergeThread(incoming)
		if r.windows.IsOpen(merged.ContactID) {
			merged.MarkInboundRead()
		}
		r.store.Upsert(merged)
		touched = append(touched, merged.ContactID)
	}
	r.windows.RefreshFrom(r.store)
	r.metrics.SnapshotMerged()
	return touched
}

func (r *Reconciler) mergeThread(incoming chat.Thread) chat.Thread {
	existing, ok := r.store.Get(incoming.ContactID)
	if !ok {
		t := incoming.Clone()
		t.Normalize()
		return t
	}

	merged := existing
	if !incoming.IsPlaceholder() || existing.IsPlaceholder() {
		merged.ContactName = incoming.ContactName
		if incoming.AvatarInitials != "" {
			merged.AvatarInitials = incoming.AvatarInitials
		}
	}
	if len(merged.Messages) == 0 && len(incoming.Messages) == 0 {
		merged.LastMessage = incoming.LastMessage
		merged.LastTimestamp = incoming.LastTimestamp
	}

	for _, m := range incoming.Messages {
		if i := indexOf(merged.Messages, m); i >= 0 {
			read := merged.Messages[i].IsRead || m.IsRead
			if IsLocal(merged.Messages[i]) && !IsLocal(m) {
				// Server copy of an optimistic send: adopt its id and timestamp.
				merged.Messages[i] = m
			}
			merged.Messages[i].IsRead = read
			continue
		}
		merged.Messages = append(merged.Messages, m)
	}
	merged.Normalize()
	return merged
}

// indexOf finds m in msgs by client key or id. Messages with neither are
// matched on their full content.
func indexOf(msgs []chat.Message, m chat.Message) int {
	for i := range msgs {
		if msgs[i].SameAs(m) {
			return i
		}
		if m.ID == "" && m.ClientKey == "" && msgs[i].ID == "" && msgs[i].ClientKey == "" &&
			msgs[i].SenderID == m.SenderID && msgs[i].ReceiverID == m.ReceiverID &&
			msgs[i].Content == m.Content && msgs[i].Timestamp.Equal(m.Timestamp) {
			return i
		}
	}
	return -1
}

func indexByClientKey(msgs []chat.Message, key string) int {
	if key == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ClientKey == key {
			return i
		}
	}
	return -1
}

type noopMarker struct{}

func (noopMarker) MarkRead(context.Context, chat.UserID) {}

type noopBackfill struct{}

func (noopBackfill) RequestBackfill(chat.UserID) {}
