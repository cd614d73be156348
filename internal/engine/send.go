package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/observability"
	"github.com/nexlance/chatsync/internal/store"
)

// MessageSender submits an outgoing message to the backend.
type MessageSender interface {
	Send(ctx context.Context, roomID string, payload dto.ChatSendRequest) (models.Message, error)
}

// ValidationError reports a submission rejected before any network call.
// Never retried automatically.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "chat send: " + e.Reason
}

// Sender runs the outgoing message pipeline: validate locally, post to the
// backend, then reconcile against the push echo within a bounded window. If
// the echo never arrives the server-returned message is force-inserted, so a
// successful send is always eventually visible exactly once.
type Sender struct {
	sender   MessageSender
	store    *store.Store
	window   time.Duration
	maxBytes int64
	validate *validator.Validate
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	pending map[string]models.PendingSend
}

// NewSender creates the send pipeline.
func NewSender(messageSender MessageSender, messageStore *store.Store, window time.Duration, maxAttachmentBytes int64, validate *validator.Validate, logger zerolog.Logger) *Sender {
	return &Sender{
		sender:   messageSender,
		store:    messageStore,
		window:   window,
		maxBytes: maxAttachmentBytes,
		validate: validate,
		logger:   logger.With().Str("component", "send_pipeline").Logger(),
		tracer:   otel.Tracer("github.com/nexlance/chatsync/internal/engine/sender"),
	}
}

// Submit validates and posts a message. The returned message carries the
// server-assigned id; it is not inserted into the store immediately because
// the authoritative echo is expected on the push channel. Validation and
// transport errors surface to the caller; reconciliation gaps do not.
func (s *Sender) Submit(ctx context.Context, roomID, content string, attachments []dto.AttachmentPayload) (models.Message, error) {
	payload, err := s.buildRequest(content, attachments)
	if err != nil {
		observability.Sends().WithLabelValues("rejected").Inc()
		return models.Message{}, err
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.type", payload.Kind),
		attribute.Int("chat.attachments", len(payload.Attachments)),
	}
	spanCtx, span := s.tracer.Start(ctx, "chat.submit", trace.WithAttributes(attrs...))
	defer span.End()

	local := models.PendingSend{
		LocalID:     uuid.NewString(),
		RoomID:      roomID,
		SubmittedAt: time.Now().UTC(),
		Content:     payload.Content,
		Attachments: dto.NewAttachments(payload.Attachments),
	}
	s.track(local)

	message, err := s.sender.Send(spanCtx, roomID, payload)
	if err != nil {
		s.resolve(local.LocalID)
		span.RecordError(err)
		observability.Sends().WithLabelValues("failed").Inc()
		return models.Message{}, err
	}

	observability.Sends().WithLabelValues("ok").Inc()
	s.scheduleReconcile(roomID, message, local.LocalID)

	return message, nil
}

// Pending returns a snapshot of the unresolved optimistic sends.
func (s *Sender) Pending() []models.PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PendingSend, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	return out
}

func (s *Sender) buildRequest(content string, attachments []dto.AttachmentPayload) (dto.ChatSendRequest, error) {
	for i := range attachments {
		if attachments[i].Size > s.maxBytes {
			return dto.ChatSendRequest{}, &ValidationError{
				Reason: fmt.Sprintf("attachment %q exceeds the %d byte ceiling", attachments[i].Filename, s.maxBytes),
			}
		}
		if attachments[i].ContentType == "" && attachments[i].LocalPath != "" {
			if mime, err := mimetype.DetectFile(attachments[i].LocalPath); err == nil {
				attachments[i].ContentType = mime.String()
			}
		}
	}

	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return dto.ChatSendRequest{}, &ValidationError{Reason: "message is empty and has no attachments"}
	}

	kind := string(models.MessageKindText)
	if len(attachments) > 0 {
		kind = string(models.MessageKindFile)
	}

	payload := dto.ChatSendRequest{
		Content:     content,
		Kind:        kind,
		Attachments: attachments,
	}

	if err := s.validate.Struct(payload); err != nil {
		return dto.ChatSendRequest{}, &ValidationError{Reason: err.Error()}
	}

	return payload, nil
}

func (s *Sender) track(p models.PendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		s.pending = make(map[string]models.PendingSend)
	}
	s.pending[p.LocalID] = p
}

func (s *Sender) resolve(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, localID)
}

// scheduleReconcile arms the reconciliation timer. When it fires, the send is
// force-inserted unless the echo already landed; the merge is id-idempotent,
// so running after a racing echo is harmless. The insert applies even when the
// user has since switched rooms: the store retains inactive logs, and a
// successful send must be visible exactly once wherever the room is reopened.
func (s *Sender) scheduleReconcile(roomID string, message models.Message, localID string) {
	time.AfterFunc(s.window, func() {
		defer s.resolve(localID)

		if s.store.Contains(roomID, message.ID) {
			return
		}

		s.logger.Debug().
			Str("room_id", roomID).
			Str("message_id", message.ID).
			Msg("echo missing after reconciliation window, inserting send")
		observability.ReconcileInserts().Inc()
		s.store.Merge(roomID, []models.Message{message}, store.Append)
	})
}
