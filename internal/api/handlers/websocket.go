package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cardgame_web/internal/service"
)

// 定義 WebSocket 升級器
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 注意：在生產環境中，應該檢查 origin
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WebSocketHandler 把一條 WebSocket 連線接到一個 SessionController：
// 客戶端送動作訊息進來，控制器的視圖快照推出去
type WebSocketHandler struct {
	services *service.Services
	logger   *zap.Logger
}

func NewWebSocketHandler(services *service.Services, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{services: services, logger: logger}
}

// clientAction 是客戶端經由 WebSocket 送出的動作訊息
type clientAction struct {
	Action        string   `json:"action"` // start / submit / advance / pause / resume / end / heartbeat
	QuestionQueue []string `json:"question_queue,omitempty"`
	Text          string   `json:"text,omitempty"`
}

// HandleWebSocket 處理 WebSocket 連接請求
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	sessionID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無效的場次ID"})
		return
	}

	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "升級WebSocket失敗"})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	controller := h.services.NewController(uint(sessionID), userID.(uint))
	if err := controller.Attach(ctx); err != nil {
		h.logger.Warn("controller attach failed",
			zap.Uint64("session_id", sessionID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "attach failed"),
			time.Now().Add(writeWait))
		return
	}
	defer controller.Detach(context.Background())

	go h.writePump(ctx, cancel, conn, controller)
	h.readPump(ctx, conn, controller)
}

// readPump 持續讀取客戶端的動作訊息，連線斷開時結束
func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, controller *service.SessionController) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket unexpected close", zap.Error(err))
			}
			return
		}

		var action clientAction
		if err := json.Unmarshal(message, &action); err != nil {
			h.logger.Warn("action parse error", zap.Error(err))
			continue
		}

		h.dispatch(ctx, controller, action)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, controller *service.SessionController, action clientAction) {
	switch action.Action {
	case "start":
		controller.StartGame(ctx, action.QuestionQueue)
	case "submit":
		controller.SubmitResponse(ctx, action.Text)
	case "advance":
		controller.AdvanceTurn(ctx)
	case "pause":
		controller.PauseGame(ctx)
	case "resume":
		controller.ResumeGame(ctx)
	case "end":
		controller.EndGame(ctx)
	case "heartbeat":
		controller.Heartbeat(ctx)
	default:
		h.logger.Warn("unknown client action", zap.String("action", action.Action))
	}
}

// writePump 是這條連線唯一的寫入者：
// 控制器發出變更信號就推一份新快照，定期送 ping 與心跳。
// 心跳有自己的節拍器——週期由在線 TTL 決定，比 ping 週期短，
// 不然活著的連線會在兩次 ping 之間被在線同步清掉
func (h *WebSocketHandler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, controller *service.SessionController) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	heartbeat := time.NewTicker(controller.HeartbeatInterval())
	defer heartbeat.Stop()
	defer cancel()

	// 附掛完成後先推一份完整快照
	if err := h.writeSnapshot(conn, controller); err != nil {
		return
	}

	for {
		select {
		case <-controller.Updates():
			if err := h.writeSnapshot(conn, controller); err != nil {
				return
			}
		case <-heartbeat.C:
			controller.Heartbeat(ctx)
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *WebSocketHandler) writeSnapshot(conn *websocket.Conn, controller *service.SessionController) error {
	payload, err := json.Marshal(controller.Snapshot())
	if err != nil {
		h.logger.Error("snapshot encoding error", zap.Error(err))
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
