// Package cache persists the most recent messages per room in a local sqlite
// database so a re-activated room renders instantly, even offline. It is a
// warm-start optimisation only: authoritative REST data always replaces
// whatever was seeded from here.
package cache

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nexlance/chatsync/internal/models"
)

// CachedMessage is the sqlite row shape for one message.
type CachedMessage struct {
	ID          string         `gorm:"primaryKey;size:64"`
	RoomID      string         `gorm:"size:128;index:idx_room_created,priority:1"`
	SenderID    string         `gorm:"size:64"`
	SenderRole  string         `gorm:"size:32"`
	Content     string         `gorm:"type:text"`
	Kind        string         `gorm:"size:32;default:text"`
	Attachments datatypes.JSON `gorm:"type:json"`
	ReadBy      datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time      `gorm:"index:idx_room_created,priority:2"`
}

// History is the room-scoped message cache.
type History struct {
	db     *gorm.DB
	limit  int
	logger zerolog.Logger
}

// Open creates or opens the cache database at path and migrates its schema.
func Open(path string, roomLimit int, logger zerolog.Logger) (*History, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&CachedMessage{}); err != nil {
		return nil, err
	}

	if roomLimit <= 0 {
		roomLimit = 200
	}

	return &History{
		db:     db,
		limit:  roomLimit,
		logger: logger.With().Str("component", "history_cache").Logger(),
	}, nil
}

// Put upserts a batch of messages for a room and prunes the room back to the
// configured limit. Failures are logged, never surfaced: the cache is not
// allowed to degrade the live sync path.
func (h *History) Put(roomID string, messages []models.Message) {
	if len(messages) == 0 {
		return
	}

	rows := make([]CachedMessage, 0, len(messages))
	for _, message := range messages {
		if !message.Complete() {
			continue
		}
		rows = append(rows, toRow(roomID, message))
	}
	if len(rows) == 0 {
		return
	}

	err := h.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&rows).Error
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to cache messages")
		return
	}

	h.prune(roomID)
}

// Recent returns the cached messages for a room, oldest first.
func (h *History) Recent(roomID string) ([]models.Message, error) {
	var rows []CachedMessage
	err := h.db.
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(h.limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for the store.
	out := make([]models.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, fromRow(rows[i]))
	}

	return out, nil
}

// Close releases the underlying database handle.
func (h *History) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (h *History) prune(roomID string) {
	var count int64
	if err := h.db.Model(&CachedMessage{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		return
	}
	if count <= int64(h.limit) {
		return
	}

	var stale []string
	err := h.db.Model(&CachedMessage{}).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Offset(h.limit).
		Pluck("id", &stale).Error
	if err != nil || len(stale) == 0 {
		return
	}

	if err := h.db.Delete(&CachedMessage{}, "id IN ?", stale).Error; err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to prune cache")
	}
}

func toRow(roomID string, message models.Message) CachedMessage {
	row := CachedMessage{
		ID:         message.ID,
		RoomID:     roomID,
		SenderID:   message.Sender.ID,
		SenderRole: message.Sender.Role,
		Content:    message.Content,
		Kind:       string(message.Kind),
		CreatedAt:  message.CreatedAt,
	}

	if len(message.Attachments) > 0 {
		if data, err := json.Marshal(message.Attachments); err == nil {
			row.Attachments = datatypes.JSON(data)
		}
	}
	if len(message.ReadBy) > 0 {
		if data, err := json.Marshal(message.ReadBy); err == nil {
			row.ReadBy = datatypes.JSON(data)
		}
	}

	return row
}

func fromRow(row CachedMessage) models.Message {
	message := models.Message{
		ID:        row.ID,
		RoomID:    row.RoomID,
		Sender:    models.Participant{ID: row.SenderID, Role: row.SenderRole},
		Content:   row.Content,
		Kind:      models.MessageKind(row.Kind),
		CreatedAt: row.CreatedAt,
	}

	if len(row.Attachments) > 0 {
		_ = json.Unmarshal(row.Attachments, &message.Attachments)
	}
	if len(row.ReadBy) > 0 {
		_ = json.Unmarshal(row.ReadBy, &message.ReadBy)
	}

	return message
}
