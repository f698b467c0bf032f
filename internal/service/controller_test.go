package service

import (
	"context"
	"testing"
	"time"

	"cardgame_web/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (f *coordinatorFixture) newController(sessionID, userID uint) *SessionController {
	return NewSessionController(
		sessionID, userID,
		f.coordinator, f.sessions, f.responses, f.channel, f.presence,
		zap.NewNop(),
	)
}

func TestControllerAttachLoadsFullState(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	require.NotNil(t, c.Session())
	assert.Equal(t, models.SessionStatusActive, c.Session().Status)
	assert.Len(t, c.Players(), 2)
	assert.Equal(t, ConnectionConnected, c.ConnectionStatus())
	assert.True(t, c.IsMyTurn())
	assert.Equal(t, 1, f.channel.AttachmentCount(session.ID))

	// 附掛完成的當下自己就在在線名單裡，不用等下一個同步週期
	assert.Equal(t, 1, c.PresenceCount())
}

func TestHeartbeatIntervalComesFromTracker(t *testing.T) {
	f := newCoordinatorFixture()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	c := f.newController(session.ID, 10)
	interval := c.HeartbeatInterval()
	assert.Equal(t, f.presence.HeartbeatInterval(), interval)
	// 傳輸層照這個週期送心跳必須足以維持在線
	assert.Less(t, interval*2, 30*time.Second)
}

func TestControllerAttachFailsWhenStoreDown(t *testing.T) {
	f := newCoordinatorFixture()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	f.sessions.failRead = true
	c := f.newController(session.ID, 10)

	err := c.Attach(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, ConnectionDisconnected, c.ConnectionStatus())
	assert.Equal(t, 0, f.channel.AttachmentCount(session.ID))
}

func TestIsMyTurnHoldsForExactlyOnePlayer(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11, 12}, 1, []string{"q1"})

	var controllers []*SessionController
	for _, userID := range []uint{10, 11, 12} {
		c := f.newController(session.ID, userID)
		require.NoError(t, c.Attach(ctx))
		defer c.Detach(ctx)
		controllers = append(controllers, c)
	}

	myTurn := 0
	for _, c := range controllers {
		if c.IsMyTurn() {
			myTurn++
		}
	}
	assert.Equal(t, 1, myTurn)
}

func TestCurrentPlayerNilBeforeAttach(t *testing.T) {
	f := newCoordinatorFixture()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	c := f.newController(session.ID, 10)
	assert.Nil(t, c.CurrentPlayer())
	assert.False(t, c.IsMyTurn())
}

func TestStartGameRefreshesOptimistically(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.setupSession(t, []uint{10, 11}, 2)

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)
	require.Equal(t, models.SessionStatusWaiting, c.Session().Status)

	// 動作成功後本地視圖立即更新，不等頻道通知
	require.True(t, c.StartGame(ctx, []string{"q1", "q2"}))
	assert.Equal(t, models.SessionStatusActive, c.Session().Status)
	assert.Equal(t, "q1", *c.Session().CurrentQuestionID)
	assert.Empty(t, c.LastError())
}

func TestActionFailureSetsLastError(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 11)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	// 還沒輪到位置 1 的玩家
	assert.False(t, c.SubmitResponse(ctx, "太早了"))
	assert.NotEmpty(t, c.LastError())
	assert.Empty(t, c.Responses())

	// 下一個成功的動作清掉錯誤
	assert.True(t, c.AdvanceTurn(ctx))
	assert.Empty(t, c.LastError())
	assert.Equal(t, 1, c.Session().CurrentPlayerIndex)
	assert.True(t, c.IsMyTurn())
}

func TestSubmitThenAdvanceRoundTrip(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	require.True(t, c.SubmitResponse(ctx, "我的回答"))
	responses := c.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "我的回答", responses[0].ResponseText)
	assert.True(t, responses[0].IsCurrentTurn)

	require.True(t, c.AdvanceTurn(ctx))
	assert.False(t, c.IsMyTurn())
}

func TestChannelNotificationTriggersTargetedRefresh(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 11)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)
	require.Equal(t, 0, c.Session().CurrentPlayerIndex)

	// 別的參與者透過協調器推進回合，通知經頻道送達後視圖跟上
	_, err := f.coordinator.Advance(ctx, session.ID, 10)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.Session().CurrentPlayerIndex == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsMyTurn())
}

func TestDuplicateNotificationIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	msg := ChannelMessage{Category: CategoryRecordChange, SessionID: session.ID, Table: TableSessions}
	c.apply(ctx, msg)
	first := *c.Session()

	// 同一筆邏輯更新重複套用不產生任何額外效果
	c.apply(ctx, msg)
	c.apply(ctx, msg)
	assert.Equal(t, first.Status, c.Session().Status)
	assert.Equal(t, first.CurrentRound, c.Session().CurrentRound)
	assert.Equal(t, first.CurrentPlayerIndex, c.Session().CurrentPlayerIndex)
}

func TestReadFailureKeepsLastKnownState(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	f.sessions.failRead = true
	err := c.refreshSession(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// 舊資料勝過空資料：快取保留，只標記斷線
	require.NotNil(t, c.Session())
	assert.Equal(t, models.SessionStatusActive, c.Session().Status)
	assert.Equal(t, ConnectionDisconnected, c.ConnectionStatus())
}

func TestReconnectReplacesAttachment(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))

	require.NoError(t, c.Reconnect(ctx))
	defer c.Detach(ctx)

	assert.Equal(t, 1, f.channel.AttachmentCount(session.ID))
	assert.Equal(t, ConnectionConnected, c.ConnectionStatus())

	// 重連後的附掛仍然收得到通知
	_, err := f.coordinator.Advance(ctx, session.ID, 11)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return c.Session().CurrentPlayerIndex == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDetachMarksDisconnected(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))

	c.Detach(ctx)
	assert.Equal(t, ConnectionDisconnected, c.ConnectionStatus())
	assert.Equal(t, 0, f.channel.AttachmentCount(session.ID))

	// 視圖保留最後狀態供畫面顯示
	assert.NotNil(t, c.Session())
}

func TestSnapshotReflectsCurrentView(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 1, []string{"q1"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	f.presence.SyncNow(ctx, session.ID)

	snapshot := c.Snapshot()
	require.NotNil(t, snapshot.Session)
	assert.Equal(t, "q1", snapshot.CurrentQuestion)
	assert.Len(t, snapshot.Players, 2)
	assert.True(t, snapshot.IsMyTurn)
	require.NotNil(t, snapshot.CurrentPlayer)
	assert.EqualValues(t, 10, snapshot.CurrentPlayer.UserID)
	assert.Equal(t, ConnectionConnected, snapshot.ConnectionStatus)
	assert.Equal(t, 1, snapshot.PresenceCount)
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	f := newCoordinatorFixture()
	ctx := context.Background()
	session := f.startSession(t, []uint{10, 11}, 2, []string{"q1", "q2"})

	c := f.newController(session.ID, 10)
	require.NoError(t, c.Attach(ctx))
	defer c.Detach(ctx)

	// 連續多次變更最多留下一個待取信號，取完即空
	require.True(t, c.AdvanceTurn(ctx))
	require.True(t, c.PauseGame(ctx))

	select {
	case <-c.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected a pending update signal")
	}

	select {
	case <-c.Updates():
		// 合併後可能剛好還有一個來自消費迴圈的信號，不算錯
	default:
	}
}
