package service

import (
	"context"
	"encoding/json"

	"cardgame_web/internal/models"
	"cardgame_web/internal/repository"

	"go.uber.org/zap"
)

// EventBroadcaster 把應用層事件同時寫進持久事件紀錄與訂閱頻道。
// 事件屬於次要關注：永遠不回傳錯誤給觸發它的狀態變更
type EventBroadcaster struct {
	events  repository.EventRepository
	channel *SubscriptionChannel
	logger  *zap.Logger
}

func NewEventBroadcaster(events repository.EventRepository, channel *SubscriptionChannel, logger *zap.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		events:  events,
		channel: channel,
		logger:  logger,
	}
}

// Emit 追加一筆 GameEvent 並推送即時廣播。
// 無法確認呼叫者身份時什麼都不做；
// 持久寫入失敗只記錄不往上拋——狀態變更本身才是事實來源，
// 事件紀錄是盡力而為的次要副本
func (b *EventBroadcaster) Emit(ctx context.Context, sessionID, userID uint, eventType string, payload interface{}) {
	if userID == 0 {
		return
	}

	if !models.IsValidEventType(eventType) {
		b.logger.Error("event type outside contract, dropping",
			zap.String("event_type", eventType),
			zap.Uint("session_id", sessionID))
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal event payload failed",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}

	event := &models.GameEvent{
		SessionID: sessionID,
		UserID:    userID,
		EventType: eventType,
		EventData: data,
	}
	if err := b.events.Append(event); err != nil {
		b.logger.Warn("durable event append failed",
			zap.String("event_type", eventType),
			zap.Uint("session_id", sessionID),
			zap.Error(err))
	}

	b.channel.PublishBroadcast(ctx, sessionID, eventType, data)
}
