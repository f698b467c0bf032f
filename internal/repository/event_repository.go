package repository

import (
	"cardgame_web/internal/models"
	"cardgame_web/internal/storage"
)

// EventRepository 只允許追加與讀取，事件永不修改或刪除
type EventRepository interface {
	Append(event *models.GameEvent) error
	ListBySession(sessionID uint, limit, offset int) ([]models.GameEvent, error)
}

type eventRepository struct {
	db *storage.PostgresDB
}

func NewEventRepository(db *storage.PostgresDB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Append(event *models.GameEvent) error {
	return r.db.Create(event).Error
}

func (r *eventRepository) ListBySession(sessionID uint, limit, offset int) ([]models.GameEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var events []models.GameEvent
	err := r.db.Where("session_id = ?", sessionID).
		Order("created_at asc, id asc").
		Limit(limit).Offset(offset).
		Find(&events).Error
	return events, err
}
