// Package session is the operator's chat session: the thread store, the
// open-window registry, the reconciler and the live client, driven by one
// event queue.
//
// Every mutation runs on the queue goroutine started by Run, so none of the
// owned components need locks. Network calls (history fetches, hub
// invocations, connect attempts) run on their own goroutines and post their
// results back as new queue events. Presenters read immutable View snapshots
// and wait on Updates for changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/history"
	"github.com/shopdesk/deskchat/internal/hub"
	"github.com/shopdesk/deskchat/internal/live"
	"github.com/shopdesk/deskchat/internal/metrics"
	"github.com/shopdesk/deskchat/internal/reconcile"
	"github.com/shopdesk/deskchat/internal/threadstore"
	"github.com/shopdesk/deskchat/internal/windows"
)

// DefaultBackfillInterval is the minimum spacing between backfill fetches.
const DefaultBackfillInterval = 2 * time.Second

const queueSize = 256

// ErrNotRunning is returned by calls that need the event loop before Run
// starts or after it returns.
var ErrNotRunning = errors.New("session: not running")

// HistorySource fetches a history snapshot.
type HistorySource interface {
	FetchThreads(ctx context.Context) ([]chat.Thread, error)
}

// Config configures a Session.
type Config struct {
	OperatorID chat.UserID
	History    HistorySource

	// Dial enables the live channel; nil runs the session history-only.
	Dial        hub.Dialer
	HubURL      string
	Credentials hub.CredentialProvider

	MaxConnectAttempts int
	RetryDelay         time.Duration
	BackfillInterval   time.Duration
	MaxWindows         int

	// Observer, when set, is called on the queue for every applied event,
	// after the view that includes it has been published.
	Observer func(Event)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now and After are overridable for tests.
	Now   func() time.Time
	After func(d time.Duration, f func())
}

// EventKind classifies Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventReadReceipt
	EventState
	EventDegraded
	EventSnapshot
	EventError
)

// Event describes one applied change, for line-oriented presenters.
type Event struct {
	Kind      EventKind
	Message   chat.Message
	ContactID chat.UserID
	State     live.State
	Changed   []chat.UserID
	Err       error
	// View is the published view right after the event was applied.
	View View
}

// View is an immutable snapshot of the session for presenters.
type View struct {
	OperatorID chat.UserID
	Threads    []chat.Thread
	Windows    []chat.Thread
	State      live.State
	Degraded   bool
	Live       bool
	Loaded     bool
	LastError  error
}

// Thread returns the thread for contactID from the view.
func (v View) Thread(contactID chat.UserID) (chat.Thread, bool) {
	for _, t := range v.Threads {
		if t.ContactID == contactID {
			return t, true
		}
	}
	return chat.Thread{}, false
}

// TotalUnread sums unread counts across threads.
func (v View) TotalUnread() int {
	n := 0
	for _, t := range v.Threads {
		n += t.UnreadCount
	}
	return n
}

// Session owns the sync core for one operator.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue   chan func()
	done    chan struct{}
	startMu sync.Mutex
	running bool
	ctx     context.Context

	// Owned by the queue.
	store       *threadstore.Store
	windows     *windows.Registry
	rec         *reconcile.Reconciler
	live        *live.Client
	fingerprint history.Snapshot
	loaded      bool
	lastErr     error
	degraded    bool
	// outbox holds events for the observer until the next publish.
	outbox []Event

	backfillInFlight bool
	backfillQueued   bool
	limiter          *rate.Limiter

	viewMu  sync.RWMutex
	view    View
	updates chan struct{}
}

// New builds a session. Nothing runs until Run.
func New(cfg Config) (*Session, error) {
	if cfg.OperatorID <= 0 {
		return nil, fmt.Errorf("operator id must be positive, got %d", cfg.OperatorID)
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history source is required")
	}
	if cfg.BackfillInterval == 0 {
		cfg.BackfillInterval = DefaultBackfillInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		metrics: cfg.Metrics,
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		store:   threadstore.New(),
		windows: windows.New(cfg.MaxWindows),
		updates: make(chan struct{}, 1),
	}
	limit := rate.Every(cfg.BackfillInterval)
	if cfg.BackfillInterval < 0 {
		limit = rate.Inf
	}
	s.limiter = rate.NewLimiter(limit, 1)

	var marker reconcile.ReadMarker
	if cfg.Dial != nil {
		s.live = live.New(live.Config{
			URL:           cfg.HubURL,
			Credentials:   cfg.Credentials,
			Dial:          cfg.Dial,
			MaxAttempts:   cfg.MaxConnectAttempts,
			RetryDelay:    cfg.RetryDelay,
			Dispatch:      s.post,
			After:         cfg.After,
			OpenContacts:  s.windows.ContactIDs,
			OnMessage:     s.onMessage,
			OnReadReceipt: s.onReadReceipt,
			OnStateChange: s.onStateChange,
			OnDegraded:    s.onDegraded,
			Logger:        logger,
			Metrics:       cfg.Metrics,
		})
		marker = s.live
	}

	s.rec = reconcile.New(reconcile.Config{
		OperatorID: cfg.OperatorID,
		Store:      s.store,
		Windows:    s.windows,
		Marker:     marker,
		Backfill:   s,
		Now:        cfg.Now,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	s.publish()
	return s, nil
}

// Run drains the event queue until ctx ends. It starts the live channel
// first when one is configured.
func (s *Session) Run(ctx context.Context) error {
	s.startMu.Lock()
	if s.running {
		s.startMu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.ctx = ctx
	s.startMu.Unlock()
	defer close(s.done)

	if s.live != nil {
		s.live.Start(ctx)
		s.publish()
	}

	for {
		select {
		case f := <-s.queue:
			f()
			s.publish()
		case <-ctx.Done():
			if s.live != nil {
				s.live.Stop()
				s.publish()
			}
			return ctx.Err()
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// post enqueues f. It drops f once Run has returned.
func (s *Session) post(f func()) {
	select {
	case s.queue <- f:
	case <-s.done:
	}
}

// do enqueues f and waits for it to run.
func (s *Session) do(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	s.post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runCtx() context.Context {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.ctx
}

// Load fetches history and merges it, waiting for the merge. On failure the
// store keeps its current contents and the error is recorded in the view.
func (s *Session) Load(ctx context.Context) error {
	threads, err := s.cfg.History.FetchThreads(ctx)
	if werr := s.do(ctx, func() { s.applySnapshot(threads, err) }); werr != nil {
		return werr
	}
	return err
}

// Refresh reloads history in the background.
func (s *Session) Refresh() {
	ctx := s.runCtx()
	go func() {
		if err := s.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("refresh failed", "error", err)
		}
	}()
}

// Sync waits until every event posted before the call has been applied.
func (s *Session) Sync(ctx context.Context) error {
	return s.do(ctx, func() {})
}

// OpenThread opens the contact's window: the thread is marked read locally
// and on the hub. Unknown contacts are ignored.
func (s *Session) OpenThread(contactID chat.UserID) {
	s.post(func() {
		thread, ok := s.rec.MarkThreadRead(contactID)
		if !ok {
			s.logger.Debug("open of unknown contact", "contact", contactID)
			return
		}
		_, evicted, didEvict := s.windows.Open(thread)
		if didEvict {
			s.logger.Debug("window evicted", "contact", evicted)
		}
		if s.live != nil {
			s.live.MarkRead(s.runCtx(), contactID)
		}
	})
}

// CloseThread closes the contact's window. In-flight calls are unaffected.
func (s *Session) CloseThread(contactID chat.UserID) {
	s.post(func() { s.windows.Close(contactID) })
}

// SendMessage applies an optimistic operator message and sends it over the
// hub when connected. The local copy is never rolled back.
func (s *Session) SendMessage(contactID chat.UserID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("message is empty")
	}
	if contactID <= 0 || contactID == s.cfg.OperatorID {
		return fmt.Errorf("invalid recipient %d", contactID)
	}
	s.post(func() {
		msg := reconcile.NewLocalMessage(s.cfg.OperatorID, contactID, content, s.cfg.Now())
		applied := s.rec.ApplyInboundMessage(msg)
		if s.live != nil {
			s.live.Send(s.runCtx(), contactID, content, applied.ClientKey)
		}
		s.emit(Event{Kind: EventMessage, Message: applied, ContactID: contactID})
	})
	return nil
}

// WaitOutbound blocks until hub calls issued so far have completed.
func (s *Session) WaitOutbound(ctx context.Context) error {
	if s.live == nil {
		return nil
	}
	return s.live.WaitIdle(ctx)
}

// Snapshot returns the latest view.
func (s *Session) Snapshot() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// Updates signals after the view changes. Signals coalesce: a reader sees at
// least one signal after any number of changes.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// WaitFor blocks until cond holds for the current view.
func (s *Session) WaitFor(ctx context.Context, cond func(View) bool) (View, error) {
	for {
		v := s.Snapshot()
		if cond(v) {
			return v, nil
		}
		select {
		case <-s.updates:
		case <-s.done:
			v = s.Snapshot()
			if cond(v) {
				return v, nil
			}
			return v, ErrNotRunning
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

// RequestBackfill implements reconcile.Backfiller: at most one backfill
// fetch runs at a time and at most one more waits behind it, spaced by the
// backfill rate limit.
func (s *Session) RequestBackfill(contactID chat.UserID) {
	if s.backfillInFlight {
		if s.backfillQueued {
			s.metrics.BackfillCoalesced()
		}
		s.backfillQueued = true
		s.logger.Debug("backfill queued", "contact", contactID)
		return
	}
	s.startBackfill()
}

func (s *Session) startBackfill() {
	s.backfillInFlight = true
	s.metrics.BackfillRun()
	ctx := s.runCtx()
	go func() {
		if err := s.limiter.Wait(ctx); err != nil {
			s.post(func() {
				s.backfillInFlight = false
				s.backfillQueued = false
			})
			return
		}
		threads, err := s.cfg.History.FetchThreads(ctx)
		s.post(func() {
			s.applySnapshot(threads, err)
			s.backfillInFlight = false
			if s.backfillQueued {
				s.backfillQueued = false
				s.startBackfill()
			}
		})
	}()
}

func (s *Session) applySnapshot(threads []chat.Thread, err error) {
	if err != nil {
		s.lastErr = err
		s.logger.Warn("history load failed, keeping current threads", "error", err)
		s.emit(Event{Kind: EventError, Err: err})
		return
	}
	s.lastErr = nil

	fp, ferr := history.Fingerprint(threads)
	if ferr == nil && s.loaded && len(history.Changed(s.fingerprint, fp)) == 0 {
		s.metrics.SnapshotUnchanged()
		s.logger.Debug("history unchanged")
		return
	}
	changed := s.rec.MergeSnapshot(threads)
	if ferr == nil {
		changed = history.Changed(s.fingerprint, fp)
		s.fingerprint = fp
	}
	s.loaded = true
	s.emit(Event{Kind: EventSnapshot, Changed: changed})
}

func (s *Session) onMessage(rec chat.MessageRecord) {
	msg := s.rec.ApplyInboundMessage(rec.ToMessage())
	s.emit(Event{Kind: EventMessage, Message: msg, ContactID: msg.Counterpart(s.cfg.OperatorID)})
}

func (s *Session) onReadReceipt(receipt chat.ReadReceipt) {
	s.rec.ApplyReadReceipt(receipt)
	s.emit(Event{Kind: EventReadReceipt, ContactID: receipt.ContactID})
}

func (s *Session) onStateChange(state live.State) {
	s.emit(Event{Kind: EventState, State: state})
}

func (s *Session) onDegraded() {
	s.degraded = true
	s.logger.Warn("live updates stopped; restart to recover")
	s.emit(Event{Kind: EventDegraded})
}

// emit queues ev for the observer; publish delivers it.
func (s *Session) emit(ev Event) {
	if s.cfg.Observer != nil {
		s.outbox = append(s.outbox, ev)
	}
}

// publish rebuilds the view. Runs on the queue (or before Run starts).
func (s *Session) publish() {
	v := View{
		OperatorID: s.cfg.OperatorID,
		Threads:    s.store.All(),
		Windows:    s.windows.Entries(),
		Degraded:   s.degraded,
		Live:       s.live != nil,
		Loaded:     s.loaded,
		LastError:  s.lastErr,
	}
	if s.live != nil {
		v.State = s.live.State()
	}
	s.metrics.SetStore(len(v.Threads), v.TotalUnread(), len(v.Windows))

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()

	select {
	case s.updates <- struct{}{}:
	default:
	}

	events := s.outbox
	s.outbox = nil
	for _, ev := range events {
		ev.View = v
		s.cfg.Observer(ev)
	}
}
