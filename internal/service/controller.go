package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cardgame_web/internal/models"
	"cardgame_web/internal/repository"

	"go.uber.org/zap"
)

// ConnectionStatus 定義客戶端連線狀態的類型
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// SessionController 持有單一客戶端對一場遊戲的視圖：
// 快取的 session、玩家、目前題目的回答，以及一個頻道附掛。
//
// 視圖的更新一律是「整份替換」而非增量修補，
// 因此動作成功後的主動刷新與稍後到達的頻道通知
// 即使重複套用同一筆邏輯更新也不會產生重複效果。
type SessionController struct {
	sessionID uint
	userID    uint

	coordinator *TurnCoordinator
	sessions    repository.SessionRepository
	responses   repository.ResponseRepository
	channel     *SubscriptionChannel
	presence    *PresenceTracker
	logger      *zap.Logger

	mu               sync.RWMutex
	session          *models.GameSession
	players          []models.PlayerSession
	responseList     []models.SessionResponse
	connectionStatus ConnectionStatus
	lastError        string
	attachment       *Attachment

	updates chan struct{} // 供傳輸層取用的變更信號，合併不保序
}

func NewSessionController(
	sessionID, userID uint,
	coordinator *TurnCoordinator,
	sessions repository.SessionRepository,
	responses repository.ResponseRepository,
	channel *SubscriptionChannel,
	presence *PresenceTracker,
	logger *zap.Logger,
) *SessionController {
	return &SessionController{
		sessionID:        sessionID,
		userID:           userID,
		coordinator:      coordinator,
		sessions:         sessions,
		responses:        responses,
		channel:          channel,
		presence:         presence,
		logger:           logger,
		connectionStatus: ConnectionDisconnected,
		updates:          make(chan struct{}, 1),
	}
}

// Attach 執行完整的上線流程：先整份抓取 session 與玩家
// （頻道只保證附掛後的增量，不保證送出完整快照），
// 再附掛頻道，最後同步送出一次心跳，之後才算在線
func (c *SessionController) Attach(ctx context.Context) error {
	c.mu.Lock()
	c.connectionStatus = ConnectionConnecting
	c.mu.Unlock()

	if err := c.refreshSession(ctx); err != nil {
		return err
	}
	if err := c.refreshPlayers(ctx); err != nil {
		return err
	}
	if err := c.refreshResponses(ctx); err != nil {
		return err
	}

	att, err := c.channel.Attach(ctx, c.sessionID, c.userID)
	if err != nil {
		c.mu.Lock()
		c.connectionStatus = ConnectionDisconnected
		c.lastError = err.Error()
		c.mu.Unlock()
		return err
	}

	c.presence.EnsureSyncLoop(c.sessionID)
	if err := c.presence.Heartbeat(ctx, c.sessionID, c.userID); err != nil {
		c.logger.Warn("initial heartbeat failed",
			zap.Uint("session_id", c.sessionID), zap.Error(err))
	}
	// 首次心跳後立刻同步，上線者自己馬上出現在在線名單裡
	c.presence.SyncNow(ctx, c.sessionID)

	c.mu.Lock()
	c.attachment = att
	c.connectionStatus = ConnectionConnected
	c.lastError = ""
	c.mu.Unlock()

	go c.consume(att)
	c.notify()
	return nil
}

// Detach 拆除附掛並停止後續遞送；
// 已發出的讀取允許完成，但結果不會再套用到這個控制器
func (c *SessionController) Detach(ctx context.Context) {
	c.mu.Lock()
	att := c.attachment
	c.attachment = nil
	c.connectionStatus = ConnectionDisconnected
	c.mu.Unlock()

	if att != nil {
		c.channel.Detach(ctx, att)
		c.presence.ReleaseSyncLoop(c.sessionID)
	}
}

// Reconnect 是斷線後唯一的恢復路徑：整個拆掉重來，
// 不嘗試沿用舊 handle——部分恢復會漏掉斷線期間的增量
func (c *SessionController) Reconnect(ctx context.Context) error {
	c.Detach(ctx)
	return c.Attach(ctx)
}

// Heartbeat 轉送定期心跳，傳輸層的 keep-alive 週期呼叫
func (c *SessionController) Heartbeat(ctx context.Context) {
	if err := c.presence.Heartbeat(ctx, c.sessionID, c.userID); err != nil {
		c.logger.Warn("heartbeat failed", zap.Uint("session_id", c.sessionID), zap.Error(err))
	}
}

// HeartbeatInterval 告訴傳輸層多久要呼叫一次 Heartbeat 才不會掉出在線名單
func (c *SessionController) HeartbeatInterval() time.Duration {
	return c.presence.HeartbeatInterval()
}

// consume 逐一處理附掛佇列中的通知，佇列關閉後結束
func (c *SessionController) consume(att *Attachment) {
	ctx := context.Background()
	for msg := range att.Messages {
		c.apply(ctx, msg)
		c.notify()
	}

	c.mu.Lock()
	if c.attachment == att {
		c.connectionStatus = ConnectionDisconnected
	}
	c.mu.Unlock()
	c.notify()
}

// apply 依通知類別只重抓受影響的實體，不整份重載。
// 廣播內容一律不直接採信，收到後重抓權威紀錄
func (c *SessionController) apply(ctx context.Context, msg ChannelMessage) {
	switch msg.Category {
	case CategoryRecordChange:
		switch msg.Table {
		case TableSessions:
			c.refreshSession(ctx)
		case TablePlayers:
			c.refreshPlayers(ctx)
		case TableResponses:
			c.refreshResponses(ctx)
		}
	case CategoryBroadcast:
		switch msg.Event {
		case models.EventTurnChanged, models.EventGameStarted, models.EventGameCompleted:
			c.refreshSession(ctx)
		case models.EventResponseSubmitted:
			c.refreshResponses(ctx)
			c.refreshPlayers(ctx)
		case models.EventPlayerJoined, models.EventPlayerLeft, models.EventPlayerPresence:
			c.refreshPlayers(ctx)
		}
	case CategoryPresence:
		// 在線人數直接問 tracker，這裡只需要把變更信號傳出去
	}
}

// refreshSession 整份替換快取的 session。
// 讀取失敗時保留最後一次成功的狀態並標記斷線——舊資料勝過空資料
func (c *SessionController) refreshSession(ctx context.Context) error {
	session, err := c.sessions.FindByID(c.sessionID)
	if err != nil {
		c.markReadFailure(err)
		return fmt.Errorf("refresh session: %w", ErrStoreUnavailable)
	}

	c.mu.Lock()
	c.session = session
	if c.connectionStatus == ConnectionDisconnected && c.attachment != nil {
		c.connectionStatus = ConnectionConnected
	}
	c.mu.Unlock()
	return nil
}

func (c *SessionController) refreshPlayers(ctx context.Context) error {
	players, err := c.sessions.ListPlayers(c.sessionID)
	if err != nil {
		c.markReadFailure(err)
		return fmt.Errorf("refresh players: %w", ErrStoreUnavailable)
	}

	c.mu.Lock()
	c.players = players
	c.mu.Unlock()
	return nil
}

func (c *SessionController) refreshResponses(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil || session.CurrentQuestionID == nil {
		c.mu.Lock()
		c.responseList = nil
		c.mu.Unlock()
		return nil
	}

	responses, err := c.responses.ListBySessionAndQuestion(c.sessionID, *session.CurrentQuestionID)
	if err != nil {
		c.markReadFailure(err)
		return fmt.Errorf("refresh responses: %w", ErrStoreUnavailable)
	}

	c.mu.Lock()
	c.responseList = responses
	c.mu.Unlock()
	return nil
}

func (c *SessionController) markReadFailure(err error) {
	c.logger.Warn("read from store failed, keeping last known state",
		zap.Uint("session_id", c.sessionID), zap.Error(err))
	c.mu.Lock()
	c.connectionStatus = ConnectionDisconnected
	c.mu.Unlock()
}

// fail 記錄動作失敗，預期中的業務失敗不重試
func (c *SessionController) fail(err error) bool {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	c.notify()
	return false
}

func (c *SessionController) clearError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
}

// StartGame 啟動遊戲。成功後主動刷新本地狀態，
// 不等頻道通知繞一圈回來
func (c *SessionController) StartGame(ctx context.Context, questionQueue []string) bool {
	session, err := c.coordinator.Start(ctx, c.sessionID, c.userID, questionQueue)
	if err != nil {
		return c.fail(err)
	}

	c.clearError()
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.refreshResponses(ctx)
	c.notify()
	return true
}

// SubmitResponse 提交回答並主動刷新回答與玩家清單
func (c *SessionController) SubmitResponse(ctx context.Context, text string) bool {
	if _, err := c.coordinator.SubmitResponse(ctx, c.sessionID, c.userID, text); err != nil {
		return c.fail(err)
	}

	c.clearError()
	c.refreshResponses(ctx)
	c.refreshPlayers(ctx)
	c.notify()
	return true
}

// AdvanceTurn 推進回合；輸掉併發競爭也算成功，直接採用觀察到的新狀態
func (c *SessionController) AdvanceTurn(ctx context.Context) bool {
	result, err := c.coordinator.Advance(ctx, c.sessionID, c.userID)
	if err != nil {
		return c.fail(err)
	}

	c.clearError()
	c.mu.Lock()
	c.session = result.Session
	c.mu.Unlock()
	c.refreshResponses(ctx)
	c.notify()
	return true
}

func (c *SessionController) PauseGame(ctx context.Context) bool {
	if err := c.coordinator.Pause(ctx, c.sessionID, c.userID); err != nil {
		return c.fail(err)
	}
	c.clearError()
	c.refreshSession(ctx)
	c.notify()
	return true
}

func (c *SessionController) ResumeGame(ctx context.Context) bool {
	if err := c.coordinator.Resume(ctx, c.sessionID, c.userID); err != nil {
		return c.fail(err)
	}
	c.clearError()
	c.refreshSession(ctx)
	c.notify()
	return true
}

func (c *SessionController) EndGame(ctx context.Context) bool {
	if err := c.coordinator.End(ctx, c.sessionID, c.userID); err != nil {
		return c.fail(err)
	}
	c.clearError()
	c.refreshSession(ctx)
	c.notify()
	return true
}

// CurrentPlayer 回傳位於 current_player_index 的玩家，
// 玩家清單還沒載入時回傳 nil
func (c *SessionController) CurrentPlayer() *models.PlayerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil
	}
	for i := range c.players {
		if c.players[i].Position == c.session.CurrentPlayerIndex {
			player := c.players[i]
			return &player
		}
	}
	return nil
}

// IsMyTurn 回報目前是否輪到本機使用者：
// position 等於 current_player_index 的玩家其 user 參照等於本機身份
func (c *SessionController) IsMyTurn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil || c.session.Status != models.SessionStatusActive {
		return false
	}
	for i := range c.players {
		if c.players[i].Position == c.session.CurrentPlayerIndex {
			return c.players[i].UserID == c.userID
		}
	}
	return false
}

func (c *SessionController) Session() *models.GameSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *SessionController) Players() []models.PlayerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	players := make([]models.PlayerSession, len(c.players))
	copy(players, c.players)
	return players
}

func (c *SessionController) Responses() []models.SessionResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	responses := make([]models.SessionResponse, len(c.responseList))
	copy(responses, c.responseList)
	return responses
}

func (c *SessionController) ConnectionStatus() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionStatus
}

func (c *SessionController) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *SessionController) PresenceCount() int {
	return c.presence.OnlineCount(c.sessionID)
}

// Updates 提供合併後的變更信號，傳輸層據此推送新快照
func (c *SessionController) Updates() <-chan struct{} {
	return c.updates
}

func (c *SessionController) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Snapshot 把目前視圖整理成可序列化的快照
func (c *SessionController) Snapshot() ControllerSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var currentQuestion string
	if c.session != nil && c.session.CurrentQuestionID != nil {
		currentQuestion = *c.session.CurrentQuestionID
	}

	snapshot := ControllerSnapshot{
		Session:          c.session,
		Players:          c.players,
		Responses:        c.responseList,
		CurrentQuestion:  currentQuestion,
		ConnectionStatus: c.connectionStatus,
		PresenceCount:    c.presence.OnlineCount(c.sessionID),
		LastError:        c.lastError,
	}

	if c.session != nil {
		for i := range c.players {
			if c.players[i].Position == c.session.CurrentPlayerIndex {
				player := c.players[i]
				snapshot.CurrentPlayer = &player
				snapshot.IsMyTurn = c.session.Status == models.SessionStatusActive &&
					player.UserID == c.userID
				break
			}
		}
	}

	return snapshot
}

// ControllerSnapshot 是推送給客戶端的完整視圖
type ControllerSnapshot struct {
	Session          *models.GameSession      `json:"session"`
	Players          []models.PlayerSession   `json:"players"`
	Responses        []models.SessionResponse `json:"responses"`
	CurrentQuestion  string                   `json:"current_question,omitempty"`
	CurrentPlayer    *models.PlayerSession    `json:"current_player,omitempty"`
	IsMyTurn         bool                     `json:"is_my_turn"`
	ConnectionStatus ConnectionStatus         `json:"connection_status"`
	PresenceCount    int                      `json:"presence_count"`
	LastError        string                   `json:"last_error,omitempty"`
}
