package service

import (
	"errors"
	"sync"
	"time"

	"cardgame_web/internal/models"
	"cardgame_web/internal/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 記憶體版的儲存介面，條件更新在單一互斥鎖下誠實模擬
// 資料庫的 conditional update 語義，供併發測試使用

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[uint]*models.GameSession
	players  map[uint][]*models.PlayerSession
	nextID   uint
	failRead bool
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{
		sessions: make(map[uint]*models.GameSession),
		players:  make(map[uint][]*models.PlayerSession),
	}
}

func copySession(s *models.GameSession) *models.GameSession {
	dup := *s
	if s.CurrentQuestionID != nil {
		q := *s.CurrentQuestionID
		dup.CurrentQuestionID = &q
	}
	if s.QuestionQueue != nil {
		dup.QuestionQueue = append(datatypes.JSONSlice[string]{}, s.QuestionQueue...)
	}
	return &dup
}

func (r *memorySessionRepo) Create(session *models.GameSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	session.ID = r.nextID
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *memorySessionRepo) FindByID(id uint) (*models.GameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRead {
		return nil, errors.New("store down")
	}
	session, ok := r.sessions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copySession(session), nil
}

func (r *memorySessionRepo) UpdateIf(id uint, expected repository.SessionExpectation, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	if expected.Status != "" && session.Status != expected.Status {
		return false, nil
	}
	if expected.StatusNot != "" && session.Status == expected.StatusNot {
		return false, nil
	}
	if expected.CurrentRound != nil && session.CurrentRound != *expected.CurrentRound {
		return false, nil
	}
	if expected.CurrentPlayerIndex != nil && session.CurrentPlayerIndex != *expected.CurrentPlayerIndex {
		return false, nil
	}

	for key, value := range fields {
		switch key {
		case "status":
			session.Status = value.(models.SessionStatus)
		case "current_round":
			session.CurrentRound = value.(int)
		case "current_player_index":
			session.CurrentPlayerIndex = value.(int)
		case "current_question_id":
			q := value.(string)
			session.CurrentQuestionID = &q
		case "question_queue":
			session.QuestionQueue = value.(datatypes.JSONSlice[string])
		case "total_rounds":
			session.TotalRounds = value.(int)
		case "started_at":
			t := value.(time.Time)
			session.StartedAt = &t
		case "ended_at":
			t := value.(time.Time)
			session.EndedAt = &t
		}
	}
	return true, nil
}

func (r *memorySessionRepo) ListPlayers(sessionID uint) ([]models.PlayerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRead {
		return nil, errors.New("store down")
	}
	players := make([]models.PlayerSession, 0, len(r.players[sessionID]))
	for _, p := range r.players[sessionID] {
		players = append(players, *p)
	}
	return players, nil
}

func (r *memorySessionRepo) FindPlayer(sessionID, userID uint) (*models.PlayerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players[sessionID] {
		if p.UserID == userID {
			dup := *p
			return &dup, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memorySessionRepo) CreatePlayer(player *models.PlayerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players[player.SessionID] {
		if p.Position == player.Position {
			return errors.New("duplicate position")
		}
	}
	r.nextID++
	player.ID = r.nextID
	dup := *player
	r.players[player.SessionID] = append(r.players[player.SessionID], &dup)
	return nil
}

func (r *memorySessionRepo) CountPlayers(sessionID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.players[sessionID])), nil
}

func (r *memorySessionRepo) UpdatePlayerStatus(sessionID, userID uint, status models.PlayerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players[sessionID] {
		if p.UserID == userID {
			p.Status = status
			p.LastSeen = time.Now()
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memorySessionRepo) IncrementPlayerStats(sessionID, userID uint, scoreDelta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players[sessionID] {
		if p.UserID == userID {
			p.Score += scoreDelta
			p.ResponsesCount++
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type memoryResponseRepo struct {
	mu        sync.Mutex
	responses []*models.SessionResponse
	nextID    uint
}

func newMemoryResponseRepo() *memoryResponseRepo {
	return &memoryResponseRepo{}
}

func (r *memoryResponseRepo) Create(response *models.SessionResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	response.ID = r.nextID
	dup := *response
	r.responses = append(r.responses, &dup)
	return nil
}

func (r *memoryResponseRepo) FindByID(id uint) (*models.SessionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses {
		if resp.ID == id {
			dup := *resp
			return &dup, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryResponseRepo) ListBySessionAndQuestion(sessionID uint, questionID string) ([]models.SessionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SessionResponse
	for _, resp := range r.responses {
		if resp.SessionID == sessionID && resp.QuestionID == questionID {
			out = append(out, *resp)
		}
	}
	return out, nil
}

func (r *memoryResponseRepo) CountByRound(sessionID uint, round int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, resp := range r.responses {
		if resp.SessionID == sessionID && resp.RoundNumber == round {
			count++
		}
	}
	return count, nil
}

func (r *memoryResponseRepo) HasCurrentTurn(sessionID uint, questionID string, userID uint, round int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses {
		if resp.SessionID == sessionID && resp.QuestionID == questionID &&
			resp.UserID == userID && resp.RoundNumber == round && resp.IsCurrentTurn {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryResponseRepo) ClearCurrentTurn(sessionID uint, questionID string, userID uint, round int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses {
		if resp.SessionID == sessionID && resp.QuestionID == questionID &&
			resp.UserID == userID && resp.RoundNumber == round {
			resp.IsCurrentTurn = false
		}
	}
	return nil
}

func (r *memoryResponseRepo) Like(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses {
		if resp.ID == id {
			resp.LikesCount++
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type memoryEventRepo struct {
	mu         sync.Mutex
	events     []models.GameEvent
	failAppend bool
}

func newMemoryEventRepo() *memoryEventRepo {
	return &memoryEventRepo{}
}

func (r *memoryEventRepo) Append(event *models.GameEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAppend {
		return errors.New("event store down")
	}
	event.ID = uint(len(r.events) + 1)
	r.events = append(r.events, *event)
	return nil
}

func (r *memoryEventRepo) ListBySession(sessionID uint, limit, offset int) ([]models.GameEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.GameEvent
	for _, e := range r.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryEventRepo) countByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			count++
		}
	}
	return count
}
