package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/models"
)

func TestHistoryDecodesPage(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/chat/rooms/room-1/messages", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "25", r.URL.Query().Get("page_size"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(dto.ChatHistoryResponse{
			Messages: []models.Message{{
				ID:        "m1",
				RoomID:    "room-1",
				Sender:    models.Participant{ID: "u1", Role: "client"},
				Content:   "hello",
				Kind:      models.MessageKindText,
				CreatedAt: now,
			}},
			Page:       2,
			TotalPages: 4,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", zerolog.Nop())
	resp, err := client.History(context.Background(), "room-1", 2, 25)

	require.NoError(t, err)
	require.Equal(t, 2, resp.Page)
	require.Equal(t, 4, resp.TotalPages)
	require.Len(t, resp.Messages, 1)
	require.Equal(t, "m1", resp.Messages[0].ID)
	require.True(t, now.Equal(resp.Messages[0].CreatedAt))
}

func TestHistoryMapsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such room"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	_, err := client.History(context.Background(), "room-1", 1, 30)

	require.ErrorIs(t, err, ErrNotFound)
}

func TestSendPostsPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/rooms/room-1/messages", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload dto.ChatSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "hello", payload.Content)
		require.Equal(t, "text", payload.Kind)

		_ = json.NewEncoder(w).Encode(models.Message{
			ID:        "srv-1",
			Content:   payload.Content,
			Kind:      models.MessageKindText,
			CreatedAt: time.Now().UTC(),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	message, err := client.Send(context.Background(), "room-1", dto.ChatSendRequest{Content: "hello", Kind: "text"})

	require.NoError(t, err)
	require.Equal(t, "srv-1", message.ID)
	require.Equal(t, "room-1", message.RoomID)
}

func TestServerErrorSurfacesTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	err := client.MarkRead(context.Background(), "room-1")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusInternalServerError, transportErr.Status)
	require.Equal(t, "boom", transportErr.Body)
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	client := NewClient(server.URL, "", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.UnreadCounts(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestUnreadCountsDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/unread", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]dto.UnreadCount{
			{RoomID: "room-a", Count: 4},
			{RoomID: "room-b", Count: 0},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())
	counts, err := client.UnreadCounts(context.Background())

	require.NoError(t, err)
	require.Len(t, counts, 2)
	require.Equal(t, "room-a", counts[0].RoomID)
	require.Equal(t, 4, counts[0].Count)
}
