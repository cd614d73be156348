package dto

import (
	"github.com/nexlance/chatsync/internal/models"
)

// ChatHistoryResponse is the page envelope returned by the history endpoint.
// Messages are ordered oldest-first within the page.
type ChatHistoryResponse struct {
	Messages   []models.Message `json:"messages"`
	Page       int              `json:"page"`
	TotalPages int              `json:"total_pages"`
}

// AttachmentPayload describes one attachment of an outgoing message.
// LocalPath optionally points at the staged file on disk and is used to
// detect ContentType when the caller did not supply one; it is never sent
// over the wire.
type AttachmentPayload struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	URL         string `json:"url" validate:"required,url"`
	Size        int64  `json:"size" validate:"min=0"`
	ContentType string `json:"content_type,omitempty"`
	LocalPath   string `json:"-"`
}

// ChatSendRequest is the payload posted to create a message. Content may be
// empty only when at least one attachment is present, which is enforced by
// the send pipeline ahead of struct validation.
type ChatSendRequest struct {
	Content     string              `json:"content" validate:"max=4000"`
	Kind        string              `json:"type" validate:"omitempty,oneof=text file system"`
	Attachments []AttachmentPayload `json:"attachments,omitempty" validate:"omitempty,max=10,dive"`
}

// UnreadCount is one entry of the per-room unread aggregate.
type UnreadCount struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}

// NewAttachments converts wire payloads into model attachments.
func NewAttachments(payloads []AttachmentPayload) []models.Attachment {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(payloads))
	for _, payload := range payloads {
		out = append(out, models.Attachment{
			Filename:    payload.Filename,
			URL:         payload.URL,
			Size:        payload.Size,
			ContentType: payload.ContentType,
		})
	}
	return out
}
