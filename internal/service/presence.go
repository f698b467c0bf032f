package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"cardgame_web/internal/storage"

	"go.uber.org/zap"
)

// PresenceTracker 回答「現在誰在線上」，完全不碰永久儲存。
//
// 心跳寫入 redis（每場遊戲一個 hash，欄位是 userID、值是最後心跳時間），
// 同步迴圈定期讀回完整名單並「整份替換」記憶體快照——不做增量修補，
// 以免漏掉 leave 通知造成漂移。斷線而沒有送出 leave 的客戶端
// 要到下一次同步才會消失，這是設計上接受的不一致視窗。
type PresenceTracker struct {
	redis   *storage.RedisClient // 可為 nil，此時心跳記在本機
	channel *SubscriptionChannel
	logger  *zap.Logger

	heartbeatTTL time.Duration
	syncInterval time.Duration

	mu        sync.RWMutex
	snapshots map[uint]map[uint]time.Time // sessionID -> userID -> 最後心跳
	beats     map[uint]map[uint]time.Time // redis 不可用時的心跳來源
	loops     map[uint]*presenceLoop
}

type presenceLoop struct {
	refs int
	stop chan struct{}
}

func NewPresenceTracker(redisClient *storage.RedisClient, channel *SubscriptionChannel, heartbeatTTL, syncInterval time.Duration, logger *zap.Logger) *PresenceTracker {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}

	return &PresenceTracker{
		redis:        redisClient,
		channel:      channel,
		logger:       logger,
		heartbeatTTL: heartbeatTTL,
		syncInterval: syncInterval,
		snapshots:    make(map[uint]map[uint]time.Time),
		beats:        make(map[uint]map[uint]time.Time),
		loops:        make(map[uint]*presenceLoop),
	}
}

func presenceKey(sessionID uint) string {
	return fmt.Sprintf("presence:session:%d", sessionID)
}

// Heartbeat 回報某位使用者仍然在線。附掛成功後必須同步呼叫一次，
// 之後由客戶端定期重送
func (t *PresenceTracker) Heartbeat(ctx context.Context, sessionID, userID uint) error {
	now := time.Now()

	if t.redis != nil {
		key := presenceKey(sessionID)
		if err := t.redis.HSet(ctx, key, strconv.FormatUint(uint64(userID), 10), now.UnixMilli()).Err(); err != nil {
			return fmt.Errorf("presence heartbeat: %w", err)
		}
		// 整個 hash 的保險絲：遊戲沒人之後讓 redis 自行回收
		t.redis.Expire(ctx, key, t.heartbeatTTL*4)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.beats[sessionID] == nil {
		t.beats[sessionID] = make(map[uint]time.Time)
	}
	t.beats[sessionID][userID] = now
	return nil
}

// HeartbeatInterval 是維持在線所需的心跳週期。
// 取 TTL 的三分之一：漏掉一次心跳仍留在名單上，
// 傳輸層的 keep-alive 必須至少以這個頻率呼叫 Heartbeat
func (t *PresenceTracker) HeartbeatInterval() time.Duration {
	return t.heartbeatTTL / 3
}

// SyncNow 重建某場遊戲的在線快照並發出 presence sync 通知。
// 快照永遠整份替換，空名單也一樣照換
func (t *PresenceTracker) SyncNow(ctx context.Context, sessionID uint) {
	fresh := t.collectBeats(ctx, sessionID)

	t.mu.Lock()
	t.snapshots[sessionID] = fresh
	t.mu.Unlock()

	users := make([]uint, 0, len(fresh))
	for userID := range fresh {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	if t.channel != nil {
		t.channel.PublishPresence(ctx, sessionID, PresenceNotice{Kind: PresenceSync, Users: users})
	}
}

// collectBeats 讀出尚未過期的心跳，過期的順手清掉
func (t *PresenceTracker) collectBeats(ctx context.Context, sessionID uint) map[uint]time.Time {
	fresh := make(map[uint]time.Time)
	cutoff := time.Now().Add(-t.heartbeatTTL)

	if t.redis != nil {
		entries, err := t.redis.HGetAll(ctx, presenceKey(sessionID)).Result()
		if err != nil {
			t.logger.Warn("presence sync read failed", zap.Uint("session_id", sessionID), zap.Error(err))
			return fresh
		}
		for field, value := range entries {
			userID, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				continue
			}
			millis, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			beat := time.UnixMilli(millis)
			if beat.Before(cutoff) {
				t.redis.HDel(ctx, presenceKey(sessionID), field)
				continue
			}
			fresh[uint(userID)] = beat
		}
		return fresh
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, beat := range t.beats[sessionID] {
		if beat.Before(cutoff) {
			delete(t.beats[sessionID], userID)
			continue
		}
		fresh[userID] = beat
	}
	return fresh
}

// OnlineCount 回傳目前快照的人數
func (t *PresenceTracker) OnlineCount(sessionID uint) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.snapshots[sessionID])
}

// OnlineUsers 回傳目前快照中的使用者（遞增排序）
func (t *PresenceTracker) OnlineUsers(sessionID uint) []uint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]uint, 0, len(t.snapshots[sessionID]))
	for userID := range t.snapshots[sessionID] {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// EnsureSyncLoop 以引用計數啟動某場遊戲的同步迴圈，
// 第一個附掛的控制器啟動、最後一個離開的停止
func (t *PresenceTracker) EnsureSyncLoop(sessionID uint) {
	t.mu.Lock()
	loop, ok := t.loops[sessionID]
	if ok {
		loop.refs++
		t.mu.Unlock()
		return
	}

	loop = &presenceLoop{refs: 1, stop: make(chan struct{})}
	t.loops[sessionID] = loop
	t.mu.Unlock()

	go func() {
		// 先同步一次，附掛後的第一次讀取就有快照，不用等一整個週期
		t.SyncNow(context.Background(), sessionID)

		ticker := time.NewTicker(t.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.SyncNow(context.Background(), sessionID)
			case <-loop.stop:
				return
			}
		}
	}()
}

// ReleaseSyncLoop 對應 EnsureSyncLoop，引用數歸零時停止迴圈並丟棄快照
func (t *PresenceTracker) ReleaseSyncLoop(sessionID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	loop, ok := t.loops[sessionID]
	if !ok {
		return
	}

	loop.refs--
	if loop.refs > 0 {
		return
	}

	close(loop.stop)
	delete(t.loops, sessionID)
	delete(t.snapshots, sessionID)
	delete(t.beats, sessionID)
}
