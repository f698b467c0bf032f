package repository

import (
	"cardgame_web/internal/models"
	"cardgame_web/internal/storage"

	"gorm.io/gorm"
)

type ResponseRepository interface {
	Create(response *models.SessionResponse) error
	FindByID(id uint) (*models.SessionResponse, error)
	ListBySessionAndQuestion(sessionID uint, questionID string) ([]models.SessionResponse, error)
	CountByRound(sessionID uint, round int) (int64, error)
	HasCurrentTurn(sessionID uint, questionID string, userID uint, round int) (bool, error)
	ClearCurrentTurn(sessionID uint, questionID string, userID uint, round int) error
	Like(id uint) error
}

type responseRepository struct {
	db *storage.PostgresDB
}

func NewResponseRepository(db *storage.PostgresDB) ResponseRepository {
	return &responseRepository{db: db}
}

func (r *responseRepository) Create(response *models.SessionResponse) error {
	return r.db.Create(response).Error
}

func (r *responseRepository) FindByID(id uint) (*models.SessionResponse, error) {
	var response models.SessionResponse
	err := r.db.First(&response, id).Error
	if err != nil {
		return nil, err
	}
	return &response, nil
}

func (r *responseRepository) ListBySessionAndQuestion(sessionID uint, questionID string) ([]models.SessionResponse, error) {
	var responses []models.SessionResponse
	err := r.db.Where("session_id = ? AND question_id = ?", sessionID, questionID).
		Order("round_number asc, response_order asc").
		Find(&responses).Error
	return responses, err
}

func (r *responseRepository) CountByRound(sessionID uint, round int) (int64, error) {
	var count int64
	err := r.db.Model(&models.SessionResponse{}).
		Where("session_id = ? AND round_number = ?", sessionID, round).
		Count(&count).Error
	return count, err
}

// HasCurrentTurn 回報該玩家在此回合是否已有代表性的回答
func (r *responseRepository) HasCurrentTurn(sessionID uint, questionID string, userID uint, round int) (bool, error) {
	var count int64
	err := r.db.Model(&models.SessionResponse{}).
		Where("session_id = ? AND question_id = ? AND user_id = ? AND round_number = ? AND is_current_turn = ?",
			sessionID, questionID, userID, round, true).
		Count(&count).Error
	return count > 0, err
}

// ClearCurrentTurn 取消同一組 (session, question, user, round) 先前回答的代表性標記，
// 確保每組恰好只有一筆 is_current_turn
func (r *responseRepository) ClearCurrentTurn(sessionID uint, questionID string, userID uint, round int) error {
	return r.db.Model(&models.SessionResponse{}).
		Where("session_id = ? AND question_id = ? AND user_id = ? AND round_number = ?",
			sessionID, questionID, userID, round).
		Update("is_current_turn", false).Error
}

// Like 是回答建立後唯一允許的變更
func (r *responseRepository) Like(id uint) error {
	return r.db.Model(&models.SessionResponse{}).
		Where("id = ?", id).
		Update("likes_count", gorm.Expr("likes_count + 1")).Error
}
