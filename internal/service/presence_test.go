package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHeartbeatThenSyncPopulatesSnapshot(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	require.NoError(t, tracker.Heartbeat(ctx, 1, 11))

	// 心跳只寫來源，快照要等同步才更新
	assert.Equal(t, 0, tracker.OnlineCount(1))

	tracker.SyncNow(ctx, 1)
	assert.Equal(t, 2, tracker.OnlineCount(1))
	assert.Equal(t, []uint{10, 11}, tracker.OnlineUsers(1))
}

func TestSyncReplacesSnapshotWholesale(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, 20*time.Millisecond, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	require.NoError(t, tracker.Heartbeat(ctx, 1, 11))
	tracker.SyncNow(ctx, 1)
	require.Equal(t, 2, tracker.OnlineCount(1))

	// 心跳全部過期之後，同步必須換成空名單而不是保留舊快照
	time.Sleep(50 * time.Millisecond)
	tracker.SyncNow(ctx, 1)
	assert.Equal(t, 0, tracker.OnlineCount(1))
	assert.Empty(t, tracker.OnlineUsers(1))
}

func TestStaleHeartbeatPrunedWhileFreshSurvives(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, 40*time.Millisecond, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, tracker.Heartbeat(ctx, 1, 11))

	tracker.SyncNow(ctx, 1)
	assert.Equal(t, []uint{11}, tracker.OnlineUsers(1))
}

func TestSyncPublishesSortedUserList(t *testing.T) {
	channel := NewSubscriptionChannel(nil, zap.NewNop())
	tracker := NewPresenceTracker(nil, channel, time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	att, err := channel.Attach(ctx, 1, 10)
	require.NoError(t, err)
	drainAttachment(att)

	require.NoError(t, tracker.Heartbeat(ctx, 1, 12))
	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	require.NoError(t, tracker.Heartbeat(ctx, 1, 11))
	tracker.SyncNow(ctx, 1)

	msg := receiveMessage(t, att)
	require.Equal(t, CategoryPresence, msg.Category)
	require.NotNil(t, msg.Presence)
	assert.Equal(t, PresenceSync, msg.Presence.Kind)
	assert.Equal(t, []uint{10, 11, 12}, msg.Presence.Users)
}

func TestPresenceIsolatedBetweenSessions(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	require.NoError(t, tracker.Heartbeat(ctx, 2, 20))
	tracker.SyncNow(ctx, 1)
	tracker.SyncNow(ctx, 2)

	assert.Equal(t, []uint{10}, tracker.OnlineUsers(1))
	assert.Equal(t, []uint{20}, tracker.OnlineUsers(2))
}

func TestHeartbeatIntervalSustainsPresence(t *testing.T) {
	ttl := 90 * time.Millisecond
	tracker := NewPresenceTracker(nil, nil, ttl, time.Minute, zap.NewNop())
	ctx := context.Background()

	interval := tracker.HeartbeatInterval()
	// 照著公告的週期送心跳，就算漏掉一次也不能被同步清掉
	require.Less(t, interval*2, ttl)

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	for i := 0; i < 5; i++ {
		time.Sleep(interval)
		tracker.SyncNow(ctx, 1)
		require.Equal(t, []uint{10}, tracker.OnlineUsers(1), "dropped on sync %d", i)
		require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	}
}

func TestSyncLoopRefCounting(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	tracker.EnsureSyncLoop(1)
	tracker.EnsureSyncLoop(1)

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	tracker.SyncNow(ctx, 1)
	require.Equal(t, 1, tracker.OnlineCount(1))

	// 還有一個引用時快照必須保留
	tracker.ReleaseSyncLoop(1)
	assert.Equal(t, 1, tracker.OnlineCount(1))

	// 最後一個引用離開後快照一併丟棄
	tracker.ReleaseSyncLoop(1)
	assert.Equal(t, 0, tracker.OnlineCount(1))

	// 沒有引用時再釋放是無害的
	tracker.ReleaseSyncLoop(1)
}

func TestSyncLoopPeriodicallyRebuildsSnapshot(t *testing.T) {
	tracker := NewPresenceTracker(nil, nil, time.Minute, 10*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	tracker.EnsureSyncLoop(1)
	defer tracker.ReleaseSyncLoop(1)

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))

	assert.Eventually(t, func() bool {
		return tracker.OnlineCount(1) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSyncLoopSyncsImmediatelyOnStart(t *testing.T) {
	// 同步週期長到測試期間不會走到第二次 tick，
	// 快照出現只能來自迴圈啟動時的那一次同步
	tracker := NewPresenceTracker(nil, nil, time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, 1, 10))
	tracker.EnsureSyncLoop(1)
	defer tracker.ReleaseSyncLoop(1)

	assert.Eventually(t, func() bool {
		return tracker.OnlineCount(1) == 1
	}, time.Second, 5*time.Millisecond)
}
