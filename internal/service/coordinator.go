package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardgame_web/internal/models"
	"cardgame_web/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TurnCoordinator 是唯一允許修改 GameSession 的元件。
//
// 每個轉換都是 Session Store 上的單一條件更新：併發呼叫者中
// 恰好一個成功套用，其餘重新讀取後把已推進的狀態當作無操作的成功回傳，
// 不會重複推進回合。狀態機：waiting → active → {paused ⇄ active} → completed。
type TurnCoordinator struct {
	sessions    repository.SessionRepository
	responses   repository.ResponseRepository
	broadcaster *EventBroadcaster
	channel     *SubscriptionChannel
	logger      *zap.Logger
}

func NewTurnCoordinator(
	sessions repository.SessionRepository,
	responses repository.ResponseRepository,
	broadcaster *EventBroadcaster,
	channel *SubscriptionChannel,
	logger *zap.Logger,
) *TurnCoordinator {
	return &TurnCoordinator{
		sessions:    sessions,
		responses:   responses,
		broadcaster: broadcaster,
		channel:     channel,
		logger:      logger,
	}
}

// AdvanceResult 描述一次 Advance 呼叫之後觀察到的狀態。
// Applied 表示狀態變更是否由本次呼叫套用；
// 輸掉併發競爭的呼叫者拿到 Applied=false 與對方套用後的狀態
type AdvanceResult struct {
	Session   *models.GameSession
	Completed bool
	Applied   bool
}

func storeErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}

// CreateSession 建立一場等待中的遊戲並讓建立者以位置 0 加入
func (s *TurnCoordinator) CreateSession(ctx context.Context, roomID, userID uint, totalRounds int) (*models.GameSession, error) {
	if userID == 0 {
		return nil, ErrNotAuthenticated
	}
	if totalRounds <= 0 {
		totalRounds = 1
	}

	session := &models.GameSession{
		RoomID:      roomID,
		Status:      models.SessionStatusWaiting,
		TotalRounds: totalRounds,
	}
	if err := s.sessions.Create(session); err != nil {
		return nil, storeErr("create session", err)
	}

	if _, err := s.Join(ctx, session.ID, userID); err != nil {
		return nil, err
	}

	s.channel.PublishRecordChange(ctx, session.ID, TableSessions)
	return session, nil
}

// Join 讓使用者加入遊戲。位置在首次加入時分配，之後不變；
// 已是玩家的使用者重新加入只會恢復 active 狀態，不改變位置
func (s *TurnCoordinator) Join(ctx context.Context, sessionID, userID uint) (*models.PlayerSession, error) {
	if userID == 0 {
		return nil, ErrNotAuthenticated
	}

	session, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("find session", err)
	}

	existing, err := s.sessions.FindPlayer(sessionID, userID)
	if err == nil {
		if err := s.sessions.UpdatePlayerStatus(sessionID, userID, models.PlayerStatusActive); err != nil {
			return nil, storeErr("reactivate player", err)
		}
		existing.Status = models.PlayerStatusActive
		s.broadcaster.Emit(ctx, sessionID, userID, models.EventPlayerPresence,
			models.PlayerPresencePayload{UserID: userID, Status: string(models.PlayerStatusActive)})
		s.channel.PublishRecordChange(ctx, sessionID, TablePlayers)
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeErr("find player", err)
	}

	// 新玩家只能在開始前加入，位置才能保持凍結
	if session.Status != models.SessionStatusWaiting {
		return nil, fmt.Errorf("遊戲已開始，無法加入: %w", ErrStateConflict)
	}

	var player *models.PlayerSession
	// (session_id, position) 有唯一索引，
	// 兩個同時加入的玩家算出同一個位置時輸家重算一次
	for attempt := 0; attempt < 3; attempt++ {
		count, err := s.sessions.CountPlayers(sessionID)
		if err != nil {
			return nil, storeErr("count players", err)
		}

		player = &models.PlayerSession{
			SessionID: sessionID,
			UserID:    userID,
			Position:  int(count),
			Status:    models.PlayerStatusActive,
			LastSeen:  time.Now(),
		}
		if err := s.sessions.CreatePlayer(player); err == nil {
			break
		} else if attempt == 2 {
			return nil, storeErr("create player", err)
		}
	}

	s.broadcaster.Emit(ctx, sessionID, userID, models.EventPlayerJoined,
		models.PlayerJoinedPayload{Player: *player})
	s.channel.PublishRecordChange(ctx, sessionID, TablePlayers)
	return player, nil
}

// Leave 將玩家標記為 inactive，紀錄保留不刪除
func (s *TurnCoordinator) Leave(ctx context.Context, sessionID, userID uint) error {
	if userID == 0 {
		return ErrNotAuthenticated
	}

	player, err := s.sessions.FindPlayer(sessionID, userID)
	if err != nil {
		return storeErr("find player", err)
	}

	if err := s.sessions.UpdatePlayerStatus(sessionID, userID, models.PlayerStatusInactive); err != nil {
		return storeErr("update player status", err)
	}

	s.broadcaster.Emit(ctx, sessionID, userID, models.EventPlayerLeft,
		models.PlayerLeftPayload{PlayerID: player.ID})
	s.channel.PublishRecordChange(ctx, sessionID, TablePlayers)
	return nil
}

// Start 從 waiting 啟動遊戲並凍結題目佇列。
// 每回合一題，current_question_id 指向 queue[current_round-1]；
// total_rounds 取原設定與佇列長度的較小值，佇列不可能先於回合數耗盡
func (s *TurnCoordinator) Start(ctx context.Context, sessionID, userID uint, queue []string) (*models.GameSession, error) {
	if userID == 0 {
		return nil, ErrNotAuthenticated
	}
	if len(queue) == 0 {
		return nil, fmt.Errorf("題目佇列不可為空: %w", ErrStateConflict)
	}

	session, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("find session", err)
	}
	if session.Status != models.SessionStatusWaiting {
		return nil, fmt.Errorf("遊戲不在等待狀態: %w", ErrStateConflict)
	}

	total := session.TotalRounds
	if total <= 0 || total > len(queue) {
		total = len(queue)
	}

	now := time.Now()
	applied, err := s.sessions.UpdateIf(sessionID,
		repository.SessionExpectation{Status: models.SessionStatusWaiting},
		map[string]interface{}{
			"status":               models.SessionStatusActive,
			"current_round":        1,
			"current_player_index": 0,
			"current_question_id":  queue[0],
			"question_queue":       datatypes.NewJSONSlice(queue),
			"total_rounds":         total,
			"started_at":           now,
		})
	if err != nil {
		return nil, storeErr("start session", err)
	}
	if !applied {
		return nil, fmt.Errorf("遊戲不在等待狀態: %w", ErrStateConflict)
	}

	started, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("reload session", err)
	}

	s.broadcaster.Emit(ctx, sessionID, userID, models.EventGameStarted,
		models.GameStartedPayload{SessionID: sessionID, StartedAt: now})
	s.broadcaster.Emit(ctx, sessionID, userID, models.EventTurnChanged,
		models.TurnChangedPayload{CurrentPlayerIndex: 0, QuestionID: queue[0]})
	s.channel.PublishRecordChange(ctx, sessionID, TableSessions)

	return started, nil
}

// Advance 把回合輪給下一位玩家。
// 索引繞回 0 時回合數加一；超過 total_rounds 則在同一個條件更新中
// 直接轉為 completed，不會出現超出範圍的 active 回合。
// 兩個併發的 Advance 只有一個會套用，另一個觀察到新狀態後以無操作成功返回
func (s *TurnCoordinator) Advance(ctx context.Context, sessionID, userID uint) (*AdvanceResult, error) {
	session, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("find session", err)
	}

	switch session.Status {
	case models.SessionStatusCompleted:
		// 已結束的遊戲再推進視同輸掉競爭：回報結束狀態，不再變更
		return &AdvanceResult{Session: session, Completed: true}, nil
	case models.SessionStatusActive:
	default:
		return nil, fmt.Errorf("遊戲不在進行狀態: %w", ErrStateConflict)
	}

	count, err := s.sessions.CountPlayers(sessionID)
	if err != nil {
		return nil, storeErr("count players", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("遊戲沒有任何玩家: %w", ErrStateConflict)
	}

	playerCount := int(count)
	nextIndex := (session.CurrentPlayerIndex + 1) % playerCount
	nextRound := session.CurrentRound
	completes := false
	if nextIndex == 0 {
		nextRound++
		if nextRound > session.TotalRounds {
			completes = true
		}
	}

	priorRound := session.CurrentRound
	priorIndex := session.CurrentPlayerIndex
	expected := repository.SessionExpectation{
		Status:             models.SessionStatusActive,
		CurrentRound:       &priorRound,
		CurrentPlayerIndex: &priorIndex,
	}

	var fields map[string]interface{}
	var nextQuestion string
	now := time.Now()
	if completes {
		fields = map[string]interface{}{
			"status":   models.SessionStatusCompleted,
			"ended_at": now,
		}
	} else {
		queueIndex := nextRound - 1
		if queueIndex >= len(session.QuestionQueue) {
			queueIndex = len(session.QuestionQueue) - 1
		}
		nextQuestion = session.QuestionQueue[queueIndex]
		fields = map[string]interface{}{
			"current_player_index": nextIndex,
			"current_round":        nextRound,
			"current_question_id":  nextQuestion,
		}
	}

	applied, err := s.sessions.UpdateIf(sessionID, expected, fields)
	if err != nil {
		return nil, storeErr("advance session", err)
	}

	post, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("reload session", err)
	}

	if !applied {
		// 期望不成立且狀態也沒變，代表不是單純輸掉 Advance 競爭
		if post.Status == session.Status &&
			post.CurrentRound == session.CurrentRound &&
			post.CurrentPlayerIndex == session.CurrentPlayerIndex {
			return nil, fmt.Errorf("回合狀態已變更: %w", ErrStateConflict)
		}
		return &AdvanceResult{
			Session:   post,
			Completed: post.Status == models.SessionStatusCompleted,
		}, nil
	}

	if completes {
		s.broadcaster.Emit(ctx, sessionID, userID, models.EventGameCompleted,
			models.GameCompletedPayload{SessionID: sessionID, EndedAt: now})
	} else {
		s.broadcaster.Emit(ctx, sessionID, userID, models.EventTurnChanged,
			models.TurnChangedPayload{CurrentPlayerIndex: nextIndex, QuestionID: nextQuestion})
	}
	s.channel.PublishRecordChange(ctx, sessionID, TableSessions)

	return &AdvanceResult{Session: post, Completed: completes, Applied: true}, nil
}

// Pause 暫停進行中的遊戲，除狀態外不動任何欄位
func (s *TurnCoordinator) Pause(ctx context.Context, sessionID, userID uint) error {
	return s.toggle(ctx, sessionID, userID, models.SessionStatusActive, models.SessionStatusPaused)
}

// Resume 恢復暫停中的遊戲
func (s *TurnCoordinator) Resume(ctx context.Context, sessionID, userID uint) error {
	return s.toggle(ctx, sessionID, userID, models.SessionStatusPaused, models.SessionStatusActive)
}

func (s *TurnCoordinator) toggle(ctx context.Context, sessionID, userID uint, from, to models.SessionStatus) error {
	applied, err := s.sessions.UpdateIf(sessionID,
		repository.SessionExpectation{Status: from},
		map[string]interface{}{"status": to})
	if err != nil {
		return storeErr("toggle session", err)
	}

	if !applied {
		post, err := s.sessions.FindByID(sessionID)
		if err != nil {
			return storeErr("reload session", err)
		}
		// 併發的重複呼叫已經到達目標狀態，視為無操作的成功
		if post.Status == to {
			return nil
		}
		return fmt.Errorf("無法從 %s 轉換到 %s: %w", post.Status, to, ErrStateConflict)
	}

	s.channel.PublishRecordChange(ctx, sessionID, TableSessions)
	return nil
}

// End 從任何非終止狀態結束遊戲。
// 對已結束的遊戲再呼叫會直接回報成功，不再寫入
func (s *TurnCoordinator) End(ctx context.Context, sessionID, userID uint) error {
	now := time.Now()
	applied, err := s.sessions.UpdateIf(sessionID,
		repository.SessionExpectation{StatusNot: models.SessionStatusCompleted},
		map[string]interface{}{
			"status":   models.SessionStatusCompleted,
			"ended_at": now,
		})
	if err != nil {
		return storeErr("end session", err)
	}

	if !applied {
		post, err := s.sessions.FindByID(sessionID)
		if err != nil {
			return storeErr("reload session", err)
		}
		if post.Status == models.SessionStatusCompleted {
			return nil
		}
		return fmt.Errorf("無法結束遊戲: %w", ErrStateConflict)
	}

	s.broadcaster.Emit(ctx, sessionID, userID, models.EventGameCompleted,
		models.GameCompletedPayload{SessionID: sessionID, EndedAt: now})
	s.channel.PublishRecordChange(ctx, sessionID, TableSessions)
	return nil
}

// SubmitResponse 提交目前題目的回答。只有輪到的玩家可以提交；
// 同一回合重複提交時，舊回答的代表性標記會被取消，
// 確保每組 (session, question, user, round) 恰好一筆 is_current_turn
func (s *TurnCoordinator) SubmitResponse(ctx context.Context, sessionID, userID uint, text string) (*models.SessionResponse, error) {
	if userID == 0 {
		return nil, ErrNotAuthenticated
	}
	if text == "" {
		return nil, fmt.Errorf("回答內容不可為空: %w", ErrStateConflict)
	}

	session, err := s.sessions.FindByID(sessionID)
	if err != nil {
		return nil, storeErr("find session", err)
	}
	if session.Status != models.SessionStatusActive || session.CurrentQuestionID == nil {
		return nil, fmt.Errorf("目前無法提交回答: %w", ErrStateConflict)
	}

	player, err := s.sessions.FindPlayer(sessionID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("尚未加入此遊戲: %w", ErrStateConflict)
		}
		return nil, storeErr("find player", err)
	}
	if player.Position != session.CurrentPlayerIndex {
		return nil, fmt.Errorf("還沒輪到你: %w", ErrStateConflict)
	}

	questionID := *session.CurrentQuestionID
	round := session.CurrentRound

	hadPrior, err := s.responses.HasCurrentTurn(sessionID, questionID, userID, round)
	if err != nil {
		return nil, storeErr("check prior response", err)
	}
	if hadPrior {
		if err := s.responses.ClearCurrentTurn(sessionID, questionID, userID, round); err != nil {
			return nil, storeErr("clear current turn", err)
		}
	}

	order, err := s.responses.CountByRound(sessionID, round)
	if err != nil {
		return nil, storeErr("count responses", err)
	}

	response := &models.SessionResponse{
		SessionID:     sessionID,
		QuestionID:    questionID,
		UserID:        userID,
		ResponseText:  text,
		RoundNumber:   round,
		ResponseOrder: int(order) + 1,
		IsCurrentTurn: true,
	}
	if err := s.responses.Create(response); err != nil {
		return nil, storeErr("create response", err)
	}

	// 得分只算每回合的第一次提交，重送修改不重複計分
	if !hadPrior {
		if err := s.sessions.IncrementPlayerStats(sessionID, userID, 1); err != nil {
			s.logger.Warn("increment player stats failed",
				zap.Uint("session_id", sessionID), zap.Uint("user_id", userID), zap.Error(err))
		}
	}

	s.broadcaster.Emit(ctx, sessionID, userID, models.EventResponseSubmitted,
		models.ResponseSubmittedPayload{Response: *response})
	s.channel.PublishRecordChange(ctx, sessionID, TableResponses)
	s.channel.PublishRecordChange(ctx, sessionID, TablePlayers)

	return response, nil
}

// LikeResponse 對回答按讚，likes_count 是回答建立後唯一可變的欄位
func (s *TurnCoordinator) LikeResponse(ctx context.Context, sessionID, responseID uint) error {
	response, err := s.responses.FindByID(responseID)
	if err != nil {
		return storeErr("find response", err)
	}
	if response.SessionID != sessionID {
		return fmt.Errorf("回答不屬於這場遊戲: %w", ErrStateConflict)
	}

	if err := s.responses.Like(responseID); err != nil {
		return storeErr("like response", err)
	}

	s.channel.PublishRecordChange(ctx, sessionID, TableResponses)
	return nil
}
