package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GameEvent 是只追加的事件紀錄，用於重播與稽核，
// 與訂閱頻道上的即時廣播互相獨立
type GameEvent struct {
	gorm.Model
	SessionID uint           `json:"session_id" gorm:"index;not null"`
	UserID    uint           `json:"user_id" gorm:"index;not null"`
	EventType string         `json:"event_type" gorm:"type:varchar(64);not null"`
	EventData datatypes.JSON `json:"event_data" gorm:"type:jsonb;not null"`
}

// 事件類型是封閉集合，發送集合以外的事件屬於契約違反
const (
	EventPlayerJoined      = "PLAYER_JOINED"
	EventPlayerLeft        = "PLAYER_LEFT"
	EventTurnChanged       = "TURN_CHANGED"
	EventResponseSubmitted = "RESPONSE_SUBMITTED"
	EventGameStarted       = "GAME_STARTED"
	EventGameCompleted     = "GAME_COMPLETED"
	EventPlayerPresence    = "PLAYER_PRESENCE"
)

var validEventTypes = map[string]bool{
	EventPlayerJoined:      true,
	EventPlayerLeft:        true,
	EventTurnChanged:       true,
	EventResponseSubmitted: true,
	EventGameStarted:       true,
	EventGameCompleted:     true,
	EventPlayerPresence:    true,
}

// IsValidEventType 回報事件類型是否屬於封閉集合
func IsValidEventType(eventType string) bool {
	return validEventTypes[eventType]
}

// 各事件類型對應的結構化內容

type PlayerJoinedPayload struct {
	Player PlayerSession `json:"player"`
}

type PlayerLeftPayload struct {
	PlayerID uint `json:"player_id"`
}

type TurnChangedPayload struct {
	CurrentPlayerIndex int    `json:"current_player_index"`
	QuestionID         string `json:"question_id"`
}

type ResponseSubmittedPayload struct {
	Response SessionResponse `json:"response"`
}

type GameStartedPayload struct {
	SessionID uint      `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

type GameCompletedPayload struct {
	SessionID uint      `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

type PlayerPresencePayload struct {
	UserID uint   `json:"user_id"`
	Status string `json:"status"`
}
