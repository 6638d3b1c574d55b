// Package metrics holds the Prometheus collectors of the sync core.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "deskchat"

// Message origins for MessagesApplied.
const (
	OriginLocal = "local"
	OriginPush  = "push"
)

type Metrics struct {
	MessagesApplied     *prometheus.CounterVec
	PlaceholdersCreated prometheus.Counter
	ReadReceipts        prometheus.Counter
	SnapshotMerges      prometheus.Counter
	SnapshotsUnchanged  prometheus.Counter
	HistoryFetches      *prometheus.CounterVec
	BackfillsRun        prometheus.Counter
	BackfillsCoalesced  prometheus.Counter
	OutboundCalls       *prometheus.CounterVec
	OutboundSkipped     *prometheus.CounterVec
	ConnectAttempts     prometheus.Counter
	ConnectFailures     prometheus.Counter

	ConnectionState prometheus.Gauge
	Degraded        prometheus.Gauge
	OpenWindows     prometheus.Gauge
	Threads         prometheus.Gauge
	UnreadTotal     prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Messages applied to the thread store, by origin.",
		}, []string{"origin"}),
		PlaceholdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholder_threads_total",
			Help:      "Threads synthesized for unknown contacts.",
		}),
		ReadReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipts_total",
			Help:      "Thread-marked-read events applied.",
		}),
		SnapshotMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_merges_total",
			Help:      "History snapshots merged into the thread store.",
		}),
		SnapshotsUnchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_unchanged_total",
			Help:      "History snapshots skipped because nothing changed.",
		}),
		HistoryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "History endpoint requests, by result.",
		}, []string{"result"}),
		BackfillsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfills_run_total",
			Help:      "Placeholder backfill fetches started.",
		}),
		BackfillsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfills_coalesced_total",
			Help:      "Backfill requests folded into a pending fetch.",
		}),
		OutboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Hub invocations issued, by method and result.",
		}, []string{"method", "result"}),
		OutboundSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_skipped_total",
			Help:      "Hub invocations skipped while not connected, by method.",
		}, []string{"method"}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Hub connect attempts.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed hub connect attempts.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Hub connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 once live updates are disabled for the session.",
		}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_windows",
			Help:      "Conversation windows currently open.",
		}),
		Threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threads",
			Help:      "Threads in the store.",
		}),
		UnreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Unread inbound messages across all threads.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesApplied, m.PlaceholdersCreated, m.ReadReceipts,
			m.SnapshotMerges, m.SnapshotsUnchanged, m.HistoryFetches,
			m.BackfillsRun, m.BackfillsCoalesced,
			m.OutboundCalls, m.OutboundSkipped,
			m.ConnectAttempts, m.ConnectFailures,
			m.ConnectionState, m.Degraded, m.OpenWindows, m.Threads, m.UnreadTotal,
		)
	}
	return m
}

func (m *Metrics) MessageApplied(origin string) {
	if m == nil {
		return
	}
	m.MessagesApplied.WithLabelValues(origin).Inc()
}

func (m *Metrics) PlaceholderCreated() {
	if m == nil {
		return
	}
	m.PlaceholdersCreated.Inc()
}

func (m *Metrics) ReadReceiptApplied() {
	if m == nil {
		return
	}
	m.ReadReceipts.Inc()
}

func (m *Metrics) SnapshotMerged() {
	if m == nil {
		return
	}
	m.SnapshotMerges.Inc()
}

func (m *Metrics) SnapshotUnchanged() {
	if m == nil {
		return
	}
	m.SnapshotsUnchanged.Inc()
}

func (m *Metrics) HistoryFetched(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HistoryFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) BackfillRun() {
	if m == nil {
		return
	}
	m.BackfillsRun.Inc()
}

func (m *Metrics) BackfillCoalesced() {
	if m == nil {
		return
	}
	m.BackfillsCoalesced.Inc()
}

func (m *Metrics) OutboundCall(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboundCalls.WithLabelValues(method, result).Inc()
}

// OutboundFailures returns how many calls to method have failed so far.
func (m *Metrics) OutboundFailures(method string) float64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.OutboundCalls.WithLabelValues(method, "error").Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

func (m *Metrics) OutboundSkip(method string) {
	if m == nil {
		return
	}
	m.OutboundSkipped.WithLabelValues(method).Inc()
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) ConnectFailure() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

// SetConnection records the connection state (0, 1 or 2) and degraded flag.
func (m *Metrics) SetConnection(state int, degraded bool) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
	if degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}

// SetStore records the store-level gauges.
func (m *Metrics) SetStore(threads, unread, openWindows int) {
	if m == nil {
		return
	}
	m.Threads.Set(float64(threads))
	m.UnreadTotal.Set(float64(unread))
	m.OpenWindows.Set(float64(openWindows))
}
