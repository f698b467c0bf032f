package models

import (
	"gorm.io/gorm"
)

// SessionResponse 表示一則已提交的回答
//
// 建立後除了 LikesCount 以外皆不可變。同一組
// (session, question, user, round) 中恰好有一筆 IsCurrentTurn 為 true。
type SessionResponse struct {
	gorm.Model
	SessionID     uint   `json:"session_id" gorm:"index;not null"`
	QuestionID    string `json:"question_id" gorm:"type:varchar(64);index;not null"`
	UserID        uint   `json:"user_id" gorm:"index;not null"`
	ResponseText  string `json:"response_text" gorm:"type:text;not null"`
	RoundNumber   int    `json:"round_number" gorm:"not null"`
	ResponseOrder int    `json:"response_order" gorm:"not null"` // 該回合內的提交順序
	IsCurrentTurn bool   `json:"is_current_turn" gorm:"not null;default:false"`
	LikesCount    int    `json:"likes_count" gorm:"not null;default:0"`
}
