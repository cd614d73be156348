package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexlance/chatsync/internal/api"
	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/observability"
	"github.com/nexlance/chatsync/internal/store"
)

// HistoryFetcher loads one page of room history from the backend.
type HistoryFetcher interface {
	History(ctx context.Context, roomID string, page, pageSize int) (dto.ChatHistoryResponse, error)
}

// ErrLoadInFlight is returned when a history load is requested while another
// one is outstanding for the same room. Callers retry after completion;
// requests are rejected, never queued.
var ErrLoadInFlight = errors.New("chat sync: history load already in flight")

type loadPhase int

const (
	phaseIdle loadPhase = iota
	phaseLoading
	phaseLoaded
	phaseExhausted
)

type roomSyncState struct {
	phase    loadPhase
	page     int
	hasMore  bool
	inFlight bool
}

// Paginator drives REST history loading per room. It guarantees at most one
// in-flight load per room and never lets a slow or failed request regress an
// already-populated log.
type Paginator struct {
	mu       sync.Mutex
	rooms    map[string]*roomSyncState
	fetcher  HistoryFetcher
	store    *store.Store
	pageSize int
	timeout  time.Duration
	liveness func(roomID string) bool
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewPaginator creates a pagination controller over the given fetcher and store.
func NewPaginator(fetcher HistoryFetcher, messageStore *store.Store, pageSize int, timeout time.Duration, logger zerolog.Logger) *Paginator {
	return &Paginator{
		rooms:    make(map[string]*roomSyncState),
		fetcher:  fetcher,
		store:    messageStore,
		pageSize: pageSize,
		timeout:  timeout,
		logger:   logger.With().Str("component", "paginator").Logger(),
		tracer:   otel.Tracer("github.com/nexlance/chatsync/internal/engine/paginator"),
	}
}

// SetLiveness registers the check consulted before a completed load is merged.
// A load whose room is no longer live is discarded, not applied.
func (p *Paginator) SetLiveness(fn func(roomID string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveness = fn
}

// LoadInitial fetches page 1 and replaces the room log with it. Allowed only
// from the idle state; a redundant call on an already-loaded room is a no-op.
func (p *Paginator) LoadInitial(ctx context.Context, roomID string) error {
	p.mu.Lock()
	st := p.state(roomID)
	if st.inFlight {
		p.mu.Unlock()
		return ErrLoadInFlight
	}
	if st.phase != phaseIdle {
		p.mu.Unlock()
		return nil
	}
	st.phase = phaseLoading
	st.inFlight = true
	p.mu.Unlock()

	resp, err := p.fetchPage(ctx, roomID, 1)

	p.mu.Lock()
	st.inFlight = false

	switch {
	case err == nil:
		if !p.live(roomID) {
			st.phase = phaseIdle
			p.mu.Unlock()
			observability.StaleResults().Inc()
			p.logger.Debug().Str("room_id", roomID).Msg("discarding stale initial page")
			return nil
		}
		st.page = 1
		st.hasMore = resp.Page < resp.TotalPages
		if st.hasMore {
			st.phase = phaseLoaded
		} else {
			st.phase = phaseExhausted
		}
		p.mu.Unlock()
		p.store.Merge(roomID, resp.Messages, store.Replace)
		return nil

	case errors.Is(err, api.ErrNotFound):
		// No history yet: a valid, confirmed-complete empty state.
		st.page = 1
		st.hasMore = false
		st.phase = phaseExhausted
		p.mu.Unlock()
		p.store.Merge(roomID, nil, store.Replace)
		return nil

	case errors.Is(err, api.ErrTimeout):
		// Absorbed: the room stays idle so the next activation retries,
		// and whatever the log already holds is preserved.
		st.phase = phaseIdle
		p.mu.Unlock()
		p.logger.Warn().Str("room_id", roomID).Msg("initial history load timed out")
		return nil

	default:
		st.phase = phaseIdle
		p.mu.Unlock()
		return err
	}
}

// LoadMore fetches the next older page and prepends it. A call while the room
// is exhausted or not yet loaded is a no-op; a call while a load is in flight
// is rejected with ErrLoadInFlight.
func (p *Paginator) LoadMore(ctx context.Context, roomID string) error {
	p.mu.Lock()
	st := p.state(roomID)
	if st.inFlight {
		p.mu.Unlock()
		return ErrLoadInFlight
	}
	if st.phase != phaseLoaded || !st.hasMore {
		p.mu.Unlock()
		return nil
	}
	next := st.page + 1
	st.inFlight = true
	p.mu.Unlock()

	resp, err := p.fetchPage(ctx, roomID, next)

	p.mu.Lock()
	st.inFlight = false

	switch {
	case err == nil:
		if !p.live(roomID) {
			p.mu.Unlock()
			observability.StaleResults().Inc()
			p.logger.Debug().Str("room_id", roomID).Int("page", next).Msg("discarding stale older page")
			return nil
		}
		st.page = next
		st.hasMore = next < resp.TotalPages
		if !st.hasMore {
			st.phase = phaseExhausted
		}
		p.mu.Unlock()
		p.store.Merge(roomID, resp.Messages, store.Prepend)
		return nil

	case errors.Is(err, api.ErrNotFound):
		st.hasMore = false
		st.phase = phaseExhausted
		p.mu.Unlock()
		return nil

	case errors.Is(err, api.ErrTimeout):
		// hasMore stays as it was: conservative, retryable.
		p.mu.Unlock()
		p.logger.Warn().Str("room_id", roomID).Int("page", next).Msg("older page load timed out")
		return nil

	default:
		p.mu.Unlock()
		return err
	}
}

// HasMore reports whether older pages remain for the room.
func (p *Paginator) HasMore(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.rooms[roomID]
	return ok && st.hasMore
}

// Page returns the last loaded page cursor for the room.
func (p *Paginator) Page(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.rooms[roomID]
	if !ok {
		return 0
	}
	return st.page
}

// Reset discards the room's pagination state. In-flight results for the room
// are discarded by the liveness check when they land.
func (p *Paginator) Reset(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.rooms, roomID)
}

func (p *Paginator) state(roomID string) *roomSyncState {
	st, ok := p.rooms[roomID]
	if !ok {
		st = &roomSyncState{phase: phaseIdle}
		p.rooms[roomID] = st
	}
	return st
}

func (p *Paginator) live(roomID string) bool {
	return p.liveness == nil || p.liveness(roomID)
}

func (p *Paginator) fetchPage(ctx context.Context, roomID string, page int) (dto.ChatHistoryResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("chat.room_id", roomID),
		attribute.Int("chat.page", page),
	}
	spanCtx, span := p.tracer.Start(ctx, "chat.history_page", trace.WithAttributes(attrs...))
	defer span.End()

	loadCtx, cancel := context.WithTimeout(spanCtx, p.timeout)
	defer cancel()

	started := time.Now()
	resp, err := p.fetcher.History(loadCtx, roomID, page, p.pageSize)
	observability.HistoryLoadLatency().Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		observability.HistoryLoads().WithLabelValues("ok").Inc()
	case errors.Is(err, api.ErrNotFound):
		observability.HistoryLoads().WithLabelValues("not_found").Inc()
	case errors.Is(err, api.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		observability.HistoryLoads().WithLabelValues("timeout").Inc()
		span.RecordError(err)
		err = api.ErrTimeout
	default:
		observability.HistoryLoads().WithLabelValues("error").Inc()
		span.RecordError(err)
	}

	return resp, err
}
