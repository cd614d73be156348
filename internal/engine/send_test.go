package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/nexlance/chatsync/internal/api"
	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/store"
)

type senderStub struct {
	mu       sync.Mutex
	calls    int
	response models.Message
	err      error
}

func (s *senderStub) Send(ctx context.Context, roomID string, payload dto.ChatSendRequest) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return models.Message{}, s.err
	}

	response := s.response
	response.RoomID = roomID
	response.Content = payload.Content
	return response, nil
}

func (s *senderStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestSender(t *testing.T, backend *senderStub, messageStore *store.Store, window time.Duration) *Sender {
	t.Helper()
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewSender(backend, messageStore, window, 50*1024*1024, validate, testLogger())
}

func TestSubmitRejectsOversizedAttachmentLocally(t *testing.T) {
	backend := &senderStub{}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 50*time.Millisecond)

	_, err := s.Submit(context.Background(), "room-1", "see attached", []dto.AttachmentPayload{
		{Filename: "spec.pdf", URL: "https://cdn.example.com/spec.pdf", Size: 10 * 1024 * 1024},
		{Filename: "dump.bin", URL: "https://cdn.example.com/dump.bin", Size: 60 * 1024 * 1024},
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, 0, backend.callCount())
	require.Equal(t, 0, messageStore.Len("room-1"))
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	backend := &senderStub{}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 50*time.Millisecond)

	_, err := s.Submit(context.Background(), "room-1", "   ", nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, 0, backend.callCount())
}

func TestSubmitAllowsEmptyContentWithAttachment(t *testing.T) {
	backend := &senderStub{response: models.Message{
		ID:        "srv-1",
		Kind:      models.MessageKindFile,
		CreatedAt: time.Now().UTC(),
	}}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 10*time.Millisecond)

	message, err := s.Submit(context.Background(), "room-1", "", []dto.AttachmentPayload{
		{Filename: "design.png", URL: "https://cdn.example.com/design.png", Size: 1024},
	})

	require.NoError(t, err)
	require.Equal(t, "srv-1", message.ID)
	require.Equal(t, 1, backend.callCount())
}

func TestReconcileInsertsWhenEchoNeverArrives(t *testing.T) {
	backend := &senderStub{response: models.Message{
		ID:        "srv-42",
		Kind:      models.MessageKindText,
		CreatedAt: time.Now().UTC(),
	}}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 20*time.Millisecond)

	message, err := s.Submit(context.Background(), "room-1", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "srv-42", message.ID)

	// Not inserted immediately: the echo is expected on the push channel.
	require.Equal(t, 0, messageStore.Len("room-1"))

	require.Eventually(t, func() bool {
		return messageStore.Contains("room-1", "srv-42")
	}, time.Second, 5*time.Millisecond)

	log := messageStore.Read("room-1")
	require.Len(t, log, 1)
	require.Equal(t, "hello", log[0].Content)
	require.Empty(t, s.Pending())
}

func TestReconcileIsNoopWhenEchoArrives(t *testing.T) {
	now := time.Now().UTC()
	backend := &senderStub{response: models.Message{ID: "srv-7", Kind: models.MessageKindText, CreatedAt: now}}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 30*time.Millisecond)

	message, err := s.Submit(context.Background(), "room-1", "hi there", nil)
	require.NoError(t, err)

	// Echo lands on the push path before the window closes.
	echo := message
	messageStore.Merge("room-1", []models.Message{echo}, store.Append)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, messageStore.Len("room-1"))
}

func TestSubmitSurfacesTransportError(t *testing.T) {
	backend := &senderStub{err: &api.TransportError{Op: "send", Status: 503, Body: "unavailable"}}
	messageStore := store.New(testLogger())
	s := newTestSender(t, backend, messageStore, 20*time.Millisecond)

	_, err := s.Submit(context.Background(), "room-1", "hello", nil)

	var transportErr *api.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, 503, transportErr.Status)
	require.Equal(t, 0, messageStore.Len("room-1"))
	require.Empty(t, s.Pending())
}
