package repository

import (
	"time"

	"cardgame_web/internal/models"
	"cardgame_web/internal/storage"

	"gorm.io/gorm"
)

// SessionExpectation 描述條件更新時對既有狀態的期望，
// 任一欄位不符即不套用更新
type SessionExpectation struct {
	Status             models.SessionStatus  // 期望的現況
	StatusNot          models.SessionStatus  // 不可處於的狀態（用於 end）
	CurrentRound       *int
	CurrentPlayerIndex *int
}

// SessionRepository 是遊戲狀態的儲存介面。
// UpdateIf 是回合推進正確性的基礎：同一份期望狀態只有一個呼叫者能成功套用。
type SessionRepository interface {
	Create(session *models.GameSession) error
	FindByID(id uint) (*models.GameSession, error)
	UpdateIf(id uint, expected SessionExpectation, fields map[string]interface{}) (bool, error)

	ListPlayers(sessionID uint) ([]models.PlayerSession, error)
	FindPlayer(sessionID, userID uint) (*models.PlayerSession, error)
	CreatePlayer(player *models.PlayerSession) error
	CountPlayers(sessionID uint) (int64, error)
	UpdatePlayerStatus(sessionID, userID uint, status models.PlayerStatus) error
	IncrementPlayerStats(sessionID, userID uint, scoreDelta int) error
}

type sessionRepository struct {
	db *storage.PostgresDB
}

func NewSessionRepository(db *storage.PostgresDB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(session *models.GameSession) error {
	return r.db.Create(session).Error
}

func (r *sessionRepository) FindByID(id uint) (*models.GameSession, error) {
	var session models.GameSession
	err := r.db.First(&session, id).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateIf 以單一條件更新套用欄位變更。
// 回傳值表示更新是否真的影響了資料列；
// 併發的呼叫者中只有一個會得到 true，其餘應重新讀取後決定如何回應。
func (r *sessionRepository) UpdateIf(id uint, expected SessionExpectation, fields map[string]interface{}) (bool, error) {
	tx := r.db.Model(&models.GameSession{}).Where("id = ?", id)

	if expected.Status != "" {
		tx = tx.Where("status = ?", expected.Status)
	}
	if expected.StatusNot != "" {
		tx = tx.Where("status <> ?", expected.StatusNot)
	}
	if expected.CurrentRound != nil {
		tx = tx.Where("current_round = ?", *expected.CurrentRound)
	}
	if expected.CurrentPlayerIndex != nil {
		tx = tx.Where("current_player_index = ?", *expected.CurrentPlayerIndex)
	}

	result := tx.Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sessionRepository) ListPlayers(sessionID uint) ([]models.PlayerSession, error) {
	var players []models.PlayerSession
	err := r.db.Where("session_id = ?", sessionID).Order("position asc").Find(&players).Error
	return players, err
}

func (r *sessionRepository) FindPlayer(sessionID, userID uint) (*models.PlayerSession, error) {
	var player models.PlayerSession
	err := r.db.Where("session_id = ? AND user_id = ?", sessionID, userID).First(&player).Error
	if err != nil {
		return nil, err
	}
	return &player, nil
}

func (r *sessionRepository) CreatePlayer(player *models.PlayerSession) error {
	return r.db.Create(player).Error
}

func (r *sessionRepository) CountPlayers(sessionID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.PlayerSession{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

func (r *sessionRepository) UpdatePlayerStatus(sessionID, userID uint, status models.PlayerStatus) error {
	return r.db.Model(&models.PlayerSession{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Updates(map[string]interface{}{
			"status":    status,
			"last_seen": time.Now(),
		}).Error
}

// IncrementPlayerStats 累加玩家的得分與回答數
func (r *sessionRepository) IncrementPlayerStats(sessionID, userID uint, scoreDelta int) error {
	return r.db.Model(&models.PlayerSession{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Updates(map[string]interface{}{
			"score":           gorm.Expr("score + ?", scoreDelta),
			"responses_count": gorm.Expr("responses_count + 1"),
		}).Error
}
