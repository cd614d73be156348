package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nexlance/chatsync/internal/api"
	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/store"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type historyStub struct {
	mu      sync.Mutex
	calls   int
	pages   map[int]dto.ChatHistoryResponse
	err     error
	release chan struct{}
}

func (h *historyStub) History(ctx context.Context, roomID string, page, pageSize int) (dto.ChatHistoryResponse, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return dto.ChatHistoryResponse{}, ctx.Err()
		}
	}

	if h.err != nil {
		return dto.ChatHistoryResponse{}, h.err
	}

	resp, ok := h.pages[page]
	if !ok {
		return dto.ChatHistoryResponse{}, api.ErrNotFound
	}
	return resp, nil
}

func (h *historyStub) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func historyMessage(id string, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		Sender:    models.Participant{ID: "user-1", Role: "engineer"},
		Content:   "message " + id,
		Kind:      models.MessageKindText,
		CreatedAt: at,
	}
}

func TestLoadInitialReplacesLog(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{pages: map[int]dto.ChatHistoryResponse{
		1: {Messages: []models.Message{historyMessage("m1", base), historyMessage("m2", base.Add(time.Second))}, Page: 1, TotalPages: 2},
	}}
	messageStore := store.New(testLogger())
	messageStore.Merge("room-1", []models.Message{historyMessage("stale", base.Add(-time.Hour))}, store.Append)

	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())
	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))

	log := messageStore.Read("room-1")
	require.Len(t, log, 2)
	require.Equal(t, "m1", log[0].ID)
	require.True(t, p.HasMore("room-1"))
	require.Equal(t, 1, p.Page("room-1"))
}

func TestLoadInitialTreatsNotFoundAsEmpty(t *testing.T) {
	fetcher := &historyStub{pages: map[int]dto.ChatHistoryResponse{}}
	messageStore := store.New(testLogger())

	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())
	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))

	require.Equal(t, 0, messageStore.Len("room-1"))
	require.False(t, p.HasMore("room-1"))

	// Exhausted: loadMore must be a silent no-op with no network call.
	before := fetcher.callCount()
	require.NoError(t, p.LoadMore(context.Background(), "room-1"))
	require.Equal(t, before, fetcher.callCount())
}

func TestLoadMorePrependsOlderPage(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{pages: map[int]dto.ChatHistoryResponse{
		1: {Messages: []models.Message{historyMessage("m3", base.Add(2 * time.Second))}, Page: 1, TotalPages: 2},
		2: {Messages: []models.Message{historyMessage("m1", base), historyMessage("m2", base.Add(time.Second))}, Page: 2, TotalPages: 2},
	}}
	messageStore := store.New(testLogger())

	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())
	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))
	require.NoError(t, p.LoadMore(context.Background(), "room-1"))

	log := messageStore.Read("room-1")
	require.Len(t, log, 3)
	require.Equal(t, "m1", log[0].ID)
	require.Equal(t, "m3", log[2].ID)
	require.Equal(t, 2, p.Page("room-1"))
	require.False(t, p.HasMore("room-1"))

	before := fetcher.callCount()
	require.NoError(t, p.LoadMore(context.Background(), "room-1"))
	require.Equal(t, before, fetcher.callCount())
}

func TestConcurrentLoadsProduceOneCall(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{
		pages: map[int]dto.ChatHistoryResponse{
			1: {Messages: []models.Message{historyMessage("m1", base)}, Page: 1, TotalPages: 1},
		},
		release: make(chan struct{}),
	}
	messageStore := store.New(testLogger())
	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- p.LoadInitial(context.Background(), "room-1")
	}()

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, p.LoadInitial(context.Background(), "room-1"), ErrLoadInFlight)
	require.ErrorIs(t, p.LoadMore(context.Background(), "room-1"), ErrLoadInFlight)

	close(fetcher.release)
	require.NoError(t, <-done)
	require.Equal(t, 1, fetcher.callCount())
}

func TestTimeoutPreservesExistingLog(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{release: make(chan struct{})} // never released: forces timeout
	messageStore := store.New(testLogger())
	messageStore.Merge("room-1", []models.Message{historyMessage("kept", base)}, store.Append)

	p := NewPaginator(fetcher, messageStore, 30, 20*time.Millisecond, testLogger())

	// Absorbed internally: a slow network must never regress a populated view.
	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))
	require.Equal(t, 1, messageStore.Len("room-1"))
	require.Equal(t, "kept", messageStore.Read("room-1")[0].ID)
}

func TestLoadMoreSurfacesTransportError(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{pages: map[int]dto.ChatHistoryResponse{
		1: {Messages: []models.Message{historyMessage("m1", base)}, Page: 1, TotalPages: 3},
	}}
	messageStore := store.New(testLogger())
	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())
	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))

	fetcher.err = &api.TransportError{Op: "history", Status: 502, Body: "bad gateway"}
	err := p.LoadMore(context.Background(), "room-1")

	var transportErr *api.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, 1, messageStore.Len("room-1"))
	require.Equal(t, 1, p.Page("room-1"))
	require.True(t, p.HasMore("room-1"))

	// Loaded state survives the failure, so a retry is possible.
	fetcher.err = nil
	fetcher.pages[2] = dto.ChatHistoryResponse{Messages: []models.Message{historyMessage("m0", base.Add(-time.Second))}, Page: 2, TotalPages: 3}
	require.NoError(t, p.LoadMore(context.Background(), "room-1"))
	require.Equal(t, 2, p.Page("room-1"))
}

func TestLivenessDiscardsStaleResult(t *testing.T) {
	base := time.Now().UTC()
	fetcher := &historyStub{pages: map[int]dto.ChatHistoryResponse{
		1: {Messages: []models.Message{historyMessage("m1", base)}, Page: 1, TotalPages: 1},
	}}
	messageStore := store.New(testLogger())
	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())
	p.SetLiveness(func(roomID string) bool { return false })

	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))
	require.Equal(t, 0, messageStore.Len("room-1"))
}

func TestPageNeverDecreases(t *testing.T) {
	base := time.Now().UTC()
	pages := map[int]dto.ChatHistoryResponse{1: {Messages: []models.Message{historyMessage("m9", base)}, Page: 1, TotalPages: 5}}
	for i := 2; i <= 5; i++ {
		pages[i] = dto.ChatHistoryResponse{
			Messages:   []models.Message{historyMessage(fmt.Sprintf("m%d", 9-i), base.Add(-time.Duration(i)*time.Second))},
			Page:       i,
			TotalPages: 5,
		}
	}
	fetcher := &historyStub{pages: pages}
	messageStore := store.New(testLogger())
	p := NewPaginator(fetcher, messageStore, 30, time.Second, testLogger())

	require.NoError(t, p.LoadInitial(context.Background(), "room-1"))
	last := p.Page("room-1")
	for i := 0; i < 6; i++ {
		require.NoError(t, p.LoadMore(context.Background(), "room-1"))
		require.GreaterOrEqual(t, p.Page("room-1"), last)
		last = p.Page("room-1")
	}
	require.Equal(t, 5, last)
	require.False(t, p.HasMore("room-1"))
}
