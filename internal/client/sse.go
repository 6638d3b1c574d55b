package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxSSELineSize is the maximum size of a single SSE line (64KB).
	// Lines exceeding this will cause the connection to close.
	MaxSSELineSize = 64 * 1024

	// MaxSSEEventSize is the maximum total size of an SSE event's data (1MB).
	// Events exceeding this will be discarded.
	MaxSSEEventSize = 1024 * 1024
)

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	// Type is the event type (from "event:" line). Defaults to "message".
	Type string

	// Data is the event payload (from "data:" lines, joined with newlines).
	Data string

	// ID is the optional event ID (from "id:" line). The hub uses it to
	// resume a dropped stream via Last-Event-ID.
	ID string

	// Retry is the server-suggested reconnection delay, zero when absent.
	Retry time.Duration
}

// SSE is a Server-Sent Events client for the hub push stream.
type SSE struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSSE creates a new SSE client.
func NewSSE(logger *slog.Logger) *SSE {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SSE{
		httpClient: &http.Client{
			// No timeout - SSE connections are long-lived
		},
		logger: logger,
	}
}

// Connect establishes an SSE connection and returns a channel of events.
// The channel is closed when the connection ends or ctx is cancelled; the
// returned error channel then yields the read error, if any (nil on clean EOF
// or cancellation).
func (s *SSE) Connect(ctx context.Context, url string, header http.Header) (<-chan SSEEvent, <-chan error, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to SSE: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, nil, &Error{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	// Buffered channel improves throughput; goroutine exits via ctx.Done()
	events := make(chan SSEEvent, 100)
	done := make(chan error, 1)

	go func() {
		done <- s.readEvents(ctx, resp.Body, events)
		close(done)
	}()

	return events, done, nil
}

// readEvents parses the stream into events until EOF, error or cancellation.
func (s *SSE) readEvents(ctx context.Context, body io.ReadCloser, events chan<- SSEEvent) error {
	defer close(events)
	defer func() { _ = body.Close() }()

	// Explicit buffer limit so a hostile server cannot grow lines unbounded.
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), MaxSSELineSize)

	var acc eventAccumulator
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()

		if line == "" {
			ev, ok := acc.flush()
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue // field name only, no value
		}
		value = strings.TrimPrefix(value, " ")
		if dropped := acc.add(field, value); dropped > 0 {
			s.logger.Warn("discarding oversized SSE event", "bytes", dropped, "limit", MaxSSEEventSize)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// eventAccumulator collects the fields of one SSE event.
type eventAccumulator struct {
	event     SSEEvent
	data      []string
	size      int
	oversized bool
}

// add applies one field line. It returns the would-be event size the first
// time the data limit is exceeded, zero otherwise.
func (a *eventAccumulator) add(field, value string) int {
	switch field {
	case "event":
		a.event.Type = value
	case "id":
		a.event.ID = value
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			a.event.Retry = time.Duration(ms) * time.Millisecond
		}
	case "data":
		if a.oversized {
			return 0
		}
		next := a.size + len(value)
		if a.size > 0 {
			next++ // joining newline
		}
		if next > MaxSSEEventSize {
			a.oversized = true
			a.data = nil
			return next
		}
		a.data = append(a.data, value)
		a.size = next
	}
	return 0
}

// flush returns the completed event (if it carried data) and resets state.
func (a *eventAccumulator) flush() (SSEEvent, bool) {
	ev := a.event
	ok := len(a.data) > 0 && !a.oversized
	if ok {
		ev.Data = strings.Join(a.data, "\n")
		if ev.Type == "" {
			ev.Type = "message"
		}
	}
	*a = eventAccumulator{}
	return ev, ok
}
