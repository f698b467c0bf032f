package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cardgame_web/internal/storage"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MessageCategory 區分訂閱頻道上的三類通知
type MessageCategory string

const (
	CategoryRecordChange MessageCategory = "record_change" // 資料表變更
	CategoryPresence     MessageCategory = "presence"      // 在線狀態
	CategoryBroadcast    MessageCategory = "broadcast"     // 具名事件廣播
)

// RecordTable 標示變更通知所屬的資料表
type RecordTable string

const (
	TableSessions  RecordTable = "game_sessions"
	TablePlayers   RecordTable = "player_sessions"
	TableResponses RecordTable = "session_responses"
)

type PresenceKind string

const (
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
	PresenceSync  PresenceKind = "sync"
)

type PresenceNotice struct {
	Kind   PresenceKind `json:"kind"`
	UserID uint         `json:"user_id,omitempty"`
	Users  []uint       `json:"users,omitempty"` // sync 時的完整名單
}

// ChannelMessage 是消費者從附掛佇列取出的型別化訊息。
// 廣播內容僅供提示，客戶端收到後應重新讀取權威紀錄，
// 不應直接採信 Payload 的內容。
type ChannelMessage struct {
	Category  MessageCategory `json:"category"`
	SessionID uint            `json:"session_id"`
	Table     RecordTable     `json:"table,omitempty"`
	Presence  *PresenceNotice `json:"presence,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Attachment 代表一個客戶端對某場遊戲頻道的附掛，
// 訊息由頻道推入 Messages，消費者自行拉取
type Attachment struct {
	ID        uuid.UUID
	SessionID uint
	UserID    uint
	Messages  chan ChannelMessage
}

// SubscriptionChannel 管理每場遊戲一個的訂閱主題（session:{id}）。
// 本機附掛用兩層 map 記錄，跨實例的遞送透過 redis pub/sub 橋接：
// 某場遊戲出現第一個本機附掛時啟動訂閱者，最後一個離開時停止。
type SubscriptionChannel struct {
	redis  *storage.RedisClient // 可為 nil，此時只做本機遞送
	logger *zap.Logger

	mu          sync.RWMutex
	attachments map[uint]map[uint]*Attachment // sessionID -> userID -> attachment
	subscribers map[uint]*sessionSubscriber
}

// sessionSubscriber 先在鎖裡佔位、再到鎖外確認訂閱：
// 確認完成前 pubsub 是 nil，redis 的網路往返不會卡住整個 hub
type sessionSubscriber struct {
	pubsub *redis.PubSub
}

const (
	attachmentBuffer = 64
	subscribeTimeout = 5 * time.Second
)

func NewSubscriptionChannel(redisClient *storage.RedisClient, logger *zap.Logger) *SubscriptionChannel {
	return &SubscriptionChannel{
		redis:       redisClient,
		logger:      logger,
		attachments: make(map[uint]map[uint]*Attachment),
		subscribers: make(map[uint]*sessionSubscriber),
	}
}

func sessionTopic(sessionID uint) string {
	return fmt.Sprintf("session:%d", sessionID)
}

// Attach 為 (session, user) 建立附掛。
// 同一位使用者在同一場遊戲已有附掛時，必須先拆除舊附掛再建立新的，
// 否則同一筆資料變更會被重複遞送、動作副作用加倍。
func (c *SubscriptionChannel) Attach(ctx context.Context, sessionID, userID uint) (*Attachment, error) {
	if userID == 0 {
		return nil, ErrNotAuthenticated
	}

	att := &Attachment{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    userID,
		Messages:  make(chan ChannelMessage, attachmentBuffer),
	}

	c.mu.Lock()
	sessionAttachments, ok := c.attachments[sessionID]
	if !ok {
		sessionAttachments = make(map[uint]*Attachment)
		c.attachments[sessionID] = sessionAttachments
	}

	if old, exists := sessionAttachments[userID]; exists {
		c.logger.Info("replacing existing attachment",
			zap.Uint("session_id", sessionID),
			zap.Uint("user_id", userID))
		delete(sessionAttachments, userID)
		close(old.Messages)
	}

	sessionAttachments[userID] = att

	var starting *sessionSubscriber
	if c.redis != nil && c.subscribers[sessionID] == nil {
		starting = &sessionSubscriber{}
		c.subscribers[sessionID] = starting
	}
	c.mu.Unlock()

	if starting != nil {
		if err := c.confirmSubscriber(sessionID, starting); err != nil {
			c.dropAttachment(att)
			return nil, fmt.Errorf("subscribe to %s: %w", sessionTopic(sessionID), ErrChannelAttach)
		}
	}

	c.PublishPresence(ctx, sessionID, PresenceNotice{Kind: PresenceJoin, UserID: userID})

	return att, nil
}

// Detach 拆除附掛並關閉其訊息佇列，之後不會再有任何遞送。
// 重複拆除或拆除已被新附掛取代的舊 handle 都是無害的
func (c *SubscriptionChannel) Detach(ctx context.Context, att *Attachment) {
	if att == nil {
		return
	}
	if !c.dropAttachment(att) {
		return
	}

	c.PublishPresence(ctx, att.SessionID, PresenceNotice{Kind: PresenceLeave, UserID: att.UserID})
}

// dropAttachment 移除附掛並在那是最後一個時停掉訂閱者，
// 回報 handle 是否仍然有效
func (c *SubscriptionChannel) dropAttachment(att *Attachment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionAttachments, ok := c.attachments[att.SessionID]
	if !ok || sessionAttachments[att.UserID] != att {
		return false
	}

	delete(sessionAttachments, att.UserID)
	close(att.Messages)

	if len(sessionAttachments) == 0 {
		delete(c.attachments, att.SessionID)
		c.stopSubscriberLocked(att.SessionID)
	}
	return true
}

// PublishRecordChange 通知某張資料表在這場遊戲範圍內有變更
func (c *SubscriptionChannel) PublishRecordChange(ctx context.Context, sessionID uint, table RecordTable) {
	c.publish(ctx, ChannelMessage{
		Category:  CategoryRecordChange,
		SessionID: sessionID,
		Table:     table,
	})
}

// PublishBroadcast 推送具名事件給所有附掛者（包含發送者自己）
func (c *SubscriptionChannel) PublishBroadcast(ctx context.Context, sessionID uint, event string, payload json.RawMessage) {
	c.publish(ctx, ChannelMessage{
		Category:  CategoryBroadcast,
		SessionID: sessionID,
		Event:     event,
		Payload:   payload,
	})
}

func (c *SubscriptionChannel) PublishPresence(ctx context.Context, sessionID uint, notice PresenceNotice) {
	c.publish(ctx, ChannelMessage{
		Category:  CategoryPresence,
		SessionID: sessionID,
		Presence:  &notice,
	})
}

// AttachmentCount 回報某場遊戲目前的本機附掛數
func (c *SubscriptionChannel) AttachmentCount(sessionID uint) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.attachments[sessionID])
}

// publish 送出一則訊息。有 redis 時走 pub/sub，
// 由訂閱者統一遞送給本機附掛，避免本機與跨實例雙重遞送；
// 廣播本身是盡力而為，失敗時退回本機遞送並記錄
func (c *SubscriptionChannel) publish(ctx context.Context, msg ChannelMessage) {
	if c.redis == nil {
		c.deliverLocal(msg)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal channel message failed", zap.Error(err))
		return
	}

	if err := c.redis.Publish(ctx, sessionTopic(msg.SessionID), payload).Err(); err != nil {
		c.logger.Warn("redis publish failed, delivering locally",
			zap.Uint("session_id", msg.SessionID), zap.Error(err))
		c.deliverLocal(msg)
	}
}

// deliverLocal 將訊息送進所有本機附掛的佇列。
// 佇列滿的消費者直接略過這一則，不阻塞其他人；
// 客戶端本來就會在收到通知後重抓權威資料，漏掉單則通知不影響正確性
func (c *SubscriptionChannel) deliverLocal(msg ChannelMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, att := range c.attachments[msg.SessionID] {
		select {
		case att.Messages <- msg:
		default:
			c.logger.Warn("attachment queue full, dropping message",
				zap.Uint("session_id", msg.SessionID),
				zap.Uint("user_id", att.UserID),
				zap.String("category", string(msg.Category)))
		}
	}
}

// confirmSubscriber 在鎖外完成佔位訂閱者的網路確認。
// 訂閱生命週期跟著本機附掛走，不跟著單一請求，因此用 background context
func (c *SubscriptionChannel) confirmSubscriber(sessionID uint, slot *sessionSubscriber) error {
	pubsub := c.redis.Subscribe(context.Background(), sessionTopic(sessionID))

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		c.mu.Lock()
		if c.subscribers[sessionID] == slot {
			delete(c.subscribers, sessionID)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.subscribers[sessionID] != slot {
		// 確認期間最後一個附掛已經離開，訂閱作廢
		c.mu.Unlock()
		pubsub.Close()
		return nil
	}
	slot.pubsub = pubsub
	c.mu.Unlock()

	go func() {
		for m := range pubsub.Channel() {
			var msg ChannelMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Warn("bad channel payload", zap.Error(err))
				continue
			}
			c.deliverLocal(msg)
		}
	}()

	return nil
}

func (c *SubscriptionChannel) stopSubscriberLocked(sessionID uint) {
	if slot, ok := c.subscribers[sessionID]; ok {
		if slot.pubsub != nil {
			slot.pubsub.Close()
		}
		delete(c.subscribers, sessionID)
	}
}
