package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/observability"
)

// UnreadFetcher loads the per-room unread aggregate.
type UnreadFetcher interface {
	UnreadCounts(ctx context.Context) ([]dto.UnreadCount, error)
}

// ReadMarker flags a room as read on the backend.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID string) error
}

// UnreadTracker polls the unread aggregate on a fixed interval, independent of
// room activation. Activating a room triggers an immediate best-effort
// mark-read; the local counts are never zeroed synchronously — the backend
// stays the single source of truth and the next poll reflects the change.
type UnreadTracker struct {
	fetcher  UnreadFetcher
	marker   ReadMarker
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	counts map[string]int
}

// NewUnreadTracker creates an unread tracker.
func NewUnreadTracker(fetcher UnreadFetcher, marker ReadMarker, interval time.Duration, logger zerolog.Logger) *UnreadTracker {
	return &UnreadTracker{
		fetcher:  fetcher,
		marker:   marker,
		interval: interval,
		logger:   logger.With().Str("component", "unread_tracker").Logger(),
		counts:   make(map[string]int),
	}
}

// Start runs the poll loop until the context is cancelled. The first poll
// happens immediately so the UI has counts before the first tick.
func (t *UnreadTracker) Start(ctx context.Context) {
	go func() {
		t.poll(ctx)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.poll(ctx)
			}
		}
	}()
}

// Counts returns a snapshot of the last polled per-room unread counts.
func (t *UnreadTracker) Counts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.counts))
	for roomID, count := range t.counts {
		out[roomID] = count
	}
	return out
}

// Count returns the last polled unread count for one room.
func (t *UnreadTracker) Count(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.counts[roomID]
}

// RoomActivated issues the mark-read call for a just-activated room.
// Fire-and-forget: failure is logged, never surfaced. The call is detached
// from the activation context so a quick room switch cannot cancel it.
func (t *UnreadTracker) RoomActivated(roomID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := t.marker.MarkRead(ctx, roomID); err != nil {
			t.logger.Warn().Err(err).Str("room_id", roomID).Msg("mark-read failed")
		}
	}()
}

func (t *UnreadTracker) poll(ctx context.Context) {
	counts, err := t.fetcher.UnreadCounts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.UnreadPollErrors().Inc()
		t.logger.Warn().Err(err).Msg("unread poll failed")
		return
	}

	next := make(map[string]int, len(counts))
	for _, entry := range counts {
		next[entry.RoomID] = entry.Count
	}

	t.mu.Lock()
	t.counts = next
	t.mu.Unlock()
}
