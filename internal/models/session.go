package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GameSession 表示一場進行中的遊戲
//
// 狀態轉換遵循 waiting → active → {paused ⇄ active} → completed，
// completed 為終止狀態。所有欄位只由 TurnCoordinator 透過條件更新修改。
type GameSession struct {
	gorm.Model
	RoomID             uint                        `json:"room_id" gorm:"index;not null"`
	Status             SessionStatus               `json:"status" gorm:"type:varchar(20);not null;default:'waiting'"`
	CurrentQuestionID  *string                     `json:"current_question_id" gorm:"type:varchar(64)"`
	CurrentPlayerIndex int                         `json:"current_player_index" gorm:"not null;default:0"`
	QuestionQueue      datatypes.JSONSlice[string] `json:"question_queue" gorm:"type:jsonb"` // 開始後凍結
	CurrentRound       int                         `json:"current_round" gorm:"not null;default:0"`
	TotalRounds        int                         `json:"total_rounds" gorm:"not null;default:0"`
	StartedAt          *time.Time                  `json:"started_at"`
	EndedAt            *time.Time                  `json:"ended_at"`
}

// SessionStatus 定義遊戲狀態的類型
type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
)

// PlayerSession 表示一位玩家在某場遊戲中的參與紀錄
//
// Position 在加入時分配，同一場遊戲內從 0 開始連續且不重複，
// 整場遊戲期間不會改變。紀錄只標記狀態，永不刪除。
type PlayerSession struct {
	gorm.Model
	SessionID      uint         `json:"session_id" gorm:"not null;uniqueIndex:idx_session_user;uniqueIndex:idx_session_position"`
	UserID         uint         `json:"user_id" gorm:"not null;uniqueIndex:idx_session_user"`
	Position       int          `json:"position" gorm:"not null;uniqueIndex:idx_session_position"`
	Status         PlayerStatus `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	LastSeen       time.Time    `json:"last_seen"`
	Score          int          `json:"score" gorm:"not null;default:0"`
	ResponsesCount int          `json:"responses_count" gorm:"not null;default:0"`
}

// PlayerStatus 定義玩家狀態的類型
type PlayerStatus string

const (
	PlayerStatusActive       PlayerStatus = "active"
	PlayerStatusInactive     PlayerStatus = "inactive"
	PlayerStatusDisconnected PlayerStatus = "disconnected"
)
