// Package history loads thread snapshots from the back office history
// endpoint.
//
// Concurrent FetchThreads calls share one request, so a burst of placeholder
// backfills costs a single round trip. Snapshots are fingerprinted per thread
// (see fingerprint.go) so callers can tell when a refetch changed nothing.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/metrics"
)

// Fetcher is the request side of the history endpoint.
type Fetcher interface {
	Threads(ctx context.Context) ([]chat.ThreadRecord, error)
}

// Loader fetches and normalizes history snapshots. Safe for concurrent use.
type Loader struct {
	api     Fetcher
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewLoader(api Fetcher, logger *slog.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{
		api:     api,
		logger:  logger.With("component", "history"),
		metrics: m,
	}
}

// FetchThreads returns every thread with its recent messages, each normalized
// (messages ascending by timestamp, derived fields recomputed). Duplicate
// records for one contact are folded into a single thread.
//
// A caller whose ctx ends stops waiting, but the shared request keeps going
// for the other callers.
func (l *Loader) FetchThreads(ctx context.Context) ([]chat.Thread, error) {
	ch := l.group.DoChan("threads", func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			l.logger.Debug("history fetch shared")
		}
		shared := res.Val.([]chat.Thread)
		out := make([]chat.Thread, len(shared))
		for i, t := range shared {
			out[i] = t.Clone()
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) fetch(ctx context.Context) ([]chat.Thread, error) {
	records, err := l.api.Threads(ctx)
	l.metrics.HistoryFetched(err)
	if err != nil {
		l.logger.Warn("history fetch failed", "error", err)
		return nil, fmt.Errorf("fetching threads: %w", err)
	}

	threads := make([]chat.Thread, 0, len(records))
	index := make(map[chat.UserID]int, len(records))
	for _, rec := range records {
		if rec.ContactID == 0 {
			l.logger.Warn("skipping thread record without contact id")
			continue
		}
		t := rec.ToThread()
		if i, ok := index[t.ContactID]; ok {
			merged := t
			merged.Messages = append(threads[i].Messages, t.Messages...)
			merged.Normalize()
			threads[i] = merged
			continue
		}
		index[t.ContactID] = len(threads)
		threads = append(threads, t)
	}
	l.logger.Debug("history fetched", "threads", len(threads))
	return threads, nil
}
