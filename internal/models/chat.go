package models

import "time"

// RoomKind distinguishes the channel types a marketplace project can carry.
type RoomKind string

const (
	RoomKindClient   RoomKind = "client-channel"
	RoomKindEngineer RoomKind = "engineer-channel"
	RoomKindGroup    RoomKind = "group"
)

// RoomStatus reflects the server-side lifecycle of a chat room.
type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusArchived RoomStatus = "archived"
)

// Participant identifies a member of a chat room together with their marketplace role.
type Participant struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// LastMessageSummary is the denormalized preview shown in room lists. It is
// updated by both REST list refreshes and inbound push events and is never
// authoritative for message content.
type LastMessageSummary struct {
	Content  string    `json:"content"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
}

// ChatRoom is a conversation channel scoped to a project engagement.
type ChatRoom struct {
	ID           string              `json:"id"`
	Kind         RoomKind            `json:"kind"`
	Status       RoomStatus          `json:"status"`
	Participants []Participant       `json:"participants"`
	LastMessage  *LastMessageSummary `json:"last_message,omitempty"`
}

// ProjectRoom groups the chat rooms belonging to one project. Read-only
// aggregate used by the admin "by project" view.
type ProjectRoom struct {
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Rooms     []ChatRoom `json:"rooms"`
}

// MessageKind classifies a chat message payload.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// Attachment describes an opaque uploaded blob referenced by a message.
type Attachment struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Message is a single chat message. ID is server-assigned and empty until the
// backend has acknowledged the message; (CreatedAt, ID) is the authoritative
// ordering key within a room.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	Sender      Participant  `json:"sender"`
	Content     string       `json:"content"`
	Kind        MessageKind  `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ReadBy      []string     `json:"read_by,omitempty"`
}

// Before reports whether m sorts ahead of other in a room log.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Complete reports whether the message carries the fields required to take
// part in a room log. Entries failing this check are dropped on merge.
func (m Message) Complete() bool {
	return m.ID != "" && !m.CreatedAt.IsZero()
}

// PendingSend is the ephemeral record of an in-flight optimistic send. It is
// resolved when the authoritative echo lands or the reconciliation window
// closes, whichever comes first.
type PendingSend struct {
	LocalID     string       `json:"local_id"`
	RoomID      string       `json:"room_id"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
