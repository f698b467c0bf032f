package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cardgame_web/internal/repository"
	"cardgame_web/internal/service"
)

// SessionHandler 處理與遊戲場次相關的請求
type SessionHandler struct {
	coordinator *service.TurnCoordinator
	presence    *service.PresenceTracker
	sessions    repository.SessionRepository
	responses   repository.ResponseRepository
	events      repository.EventRepository
}

func NewSessionHandler(
	coordinator *service.TurnCoordinator,
	presence *service.PresenceTracker,
	repos *repository.Repositories,
) *SessionHandler {
	return &SessionHandler{
		coordinator: coordinator,
		presence:    presence,
		sessions:    repos.Session,
		responses:   repos.Response,
		events:      repos.Event,
	}
}

func sessionIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的場次ID"})
		return 0, false
	}
	return uint(id), true
}

func callerID(c *gin.Context) uint {
	userID, exists := c.Get("userID")
	if !exists {
		return 0
	}
	return userID.(uint)
}

// respondError 把服務層的錯誤分類轉成 HTTP 狀態碼
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "場次不存在"})
	case errors.Is(err, service.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "資料庫暫時無法使用"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateSession 建立一場新遊戲，建立者自動成為位置 0 的玩家
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var input struct {
		RoomID      uint `json:"room_id" binding:"required"`
		TotalRounds int  `json:"total_rounds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.coordinator.CreateSession(c.Request.Context(), input.RoomID, callerID(c), input.TotalRounds)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// GetSession 回傳場次、玩家清單與目前在線人數
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	session, err := h.sessions.FindByID(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	players, err := h.sessions.ListPlayers(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":        session,
		"players":        players,
		"presence_count": h.presence.OnlineCount(sessionID),
	})
}

// JoinSession 處理加入場次的請求
func (h *SessionHandler) JoinSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	player, err := h.coordinator.Join(c.Request.Context(), sessionID, callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, player)
}

// LeaveSession 處理離開場次的請求
func (h *SessionHandler) LeaveSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	if err := h.coordinator.Leave(c.Request.Context(), sessionID, callerID(c)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "已離開場次"})
}

// StartSession 以給定的題目佇列啟動遊戲
func (h *SessionHandler) StartSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var input struct {
		QuestionQueue []string `json:"question_queue" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.coordinator.Start(c.Request.Context(), sessionID, callerID(c), input.QuestionQueue)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// AdvanceTurn 把回合輪給下一位玩家
func (h *SessionHandler) AdvanceTurn(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	result, err := h.coordinator.Advance(c.Request.Context(), sessionID, callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":   result.Session,
		"completed": result.Completed,
	})
}

func (h *SessionHandler) PauseSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	if err := h.coordinator.Pause(c.Request.Context(), sessionID, callerID(c)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "遊戲已暫停"})
}

func (h *SessionHandler) ResumeSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	if err := h.coordinator.Resume(c.Request.Context(), sessionID, callerID(c)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "遊戲已恢復"})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	if err := h.coordinator.End(c.Request.Context(), sessionID, callerID(c)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "遊戲已結束"})
}

// SubmitResponse 提交目前題目的回答
func (h *SessionHandler) SubmitResponse(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var input struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	response, err := h.coordinator.SubmitResponse(c.Request.Context(), sessionID, callerID(c), input.Text)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response)
}

// ListResponses 列出指定題目的回答
func (h *SessionHandler) ListResponses(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	questionID := c.Query("question_id")
	if questionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 question_id 參數"})
		return
	}

	responses, err := h.responses.ListBySessionAndQuestion(sessionID, questionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, responses)
}

// LikeResponse 對回答按讚
func (h *SessionHandler) LikeResponse(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	responseID, err := strconv.ParseUint(c.Param("rid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的回答ID"})
		return
	}

	if err := h.coordinator.LikeResponse(c.Request.Context(), sessionID, uint(responseID)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "已按讚"})
}

// ListEvents 分頁讀取持久事件紀錄
func (h *SessionHandler) ListEvents(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.events.ListBySession(sessionID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}
