// Package store holds the canonical per-room message logs. It is the single
// mutable resource all sync paths converge on: pagination, push events, and
// send reconciliation each land through Merge, and readers only ever see
// snapshot copies.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/observability"
)

// MergeMode selects where a batch of messages joins a room log.
type MergeMode int

const (
	// Prepend merges an older history page.
	Prepend MergeMode = iota
	// Append merges new arrivals (push events, reconciled sends).
	Append
	// Replace resets the room log to exactly the given batch.
	Replace
)

func (m MergeMode) String() string {
	switch m {
	case Prepend:
		return "prepend"
	case Append:
		return "append"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// MergeListener observes accepted merges. Used for cache write-behind and
// view invalidation.
type MergeListener func(roomID string, accepted []models.Message)

type roomLog struct {
	messages []models.Message
	ids      map[string]struct{}
}

// Store is the in-memory, deduplicated, ordered message log keyed by room.
type Store struct {
	mu        sync.RWMutex
	rooms     map[string]*roomLog
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	listener  MergeListener
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	sanitizer := bluemonday.StrictPolicy()
	sanitizer.AllowElements("br")

	return &Store{
		rooms:     make(map[string]*roomLog),
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "message_store").Logger(),
	}
}

// SetMergeListener registers the single merge observer. Must be called before
// the engine starts feeding the store.
func (s *Store) SetMergeListener(listener MergeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Merge folds a batch of messages into the room log. It is total: malformed
// entries (missing id or timestamp) are dropped and logged as a data-quality
// signal, and a message whose id already exists is a no-op. The log is
// re-sorted by (CreatedAt, ID) after every merge, so arrival order never
// affects presentation order. Returns the number of newly accepted messages.
func (s *Store) Merge(roomID string, messages []models.Message, mode MergeMode) int {
	s.mu.Lock()

	log, ok := s.rooms[roomID]
	if !ok {
		log = &roomLog{ids: make(map[string]struct{})}
		s.rooms[roomID] = log
	}

	if mode == Replace {
		log.messages = log.messages[:0]
		log.ids = make(map[string]struct{})
	}

	accepted := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		if !message.Complete() {
			s.logger.Warn().
				Str("room_id", roomID).
				Str("message_id", message.ID).
				Msg("dropping malformed message")
			observability.MalformedDropped().Inc()
			continue
		}

		if _, exists := log.ids[message.ID]; exists {
			continue
		}

		if message.Kind == "" {
			message.Kind = models.MessageKindText
		}
		if message.Kind == models.MessageKindText {
			message.Content = strings.TrimSpace(s.sanitizer.Sanitize(message.Content))
		}
		message.RoomID = roomID

		log.ids[message.ID] = struct{}{}
		log.messages = append(log.messages, message)
		accepted = append(accepted, message)
	}

	if len(accepted) > 0 {
		sort.SliceStable(log.messages, func(i, j int) bool {
			return log.messages[i].Before(log.messages[j])
		})
		observability.MessagesMerged().WithLabelValues(mode.String()).Add(float64(len(accepted)))
	}

	listener := s.listener
	s.mu.Unlock()

	if listener != nil && len(accepted) > 0 {
		listener(roomID, accepted)
	}

	return len(accepted)
}

// Read returns a snapshot of the room log, oldest first. Callers must treat
// the slice as immutable and re-read after each merge notification.
func (s *Store) Read(roomID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok || len(log.messages) == 0 {
		return []models.Message{}
	}

	out := make([]models.Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// Contains reports whether the room log already holds the given message id.
func (s *Store) Contains(roomID, messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, exists := log.ids[messageID]
	return exists
}

// Len returns the number of messages held for the room.
func (s *Store) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(log.messages)
}

// Reset clears the room log. Used on activation before the initial page load.
func (s *Store) Reset(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
}
