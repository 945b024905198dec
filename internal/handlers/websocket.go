package handlers

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // 1回の書き込みの制限時間
	maxMessageSize = 4096             // 受信メッセージの最大サイズ
)

// WebSocketHandler はWebSocket接続をHubのオブザーバーとして扱うハンドラー
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// allowedOrigins が空の場合はすべてのOriginを許可します
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logging.OrDefault(logger).With("component", "websocket"),
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. Hubへの登録（スナップショットの送信）
// 3. 送信ループの開始と受信ループの実行
// 4. 切断時の登録解除
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	o := h.hub.Connect()
	go h.writePump(conn, o)
	h.readPump(conn, o)
}

// readPump は受信メッセージをHubのコマンドとして処理します
func (h *WebSocketHandler) readPump(conn *websocket.Conn, o *Observer) {
	defer h.hub.Disconnect(o)

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		o.MarkAlive()
		return nil
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "observer_id", o.ID(), "error", err)
			}
			return
		}
		h.hub.HandleCommand(o, message)
	}
}

// writePump は送信キューの内容とハートビートのpingを書き込みます
// オブザーバーが切断されると接続を閉じます
func (h *WebSocketHandler) writePump(conn *websocket.Conn, o *Observer) {
	defer conn.Close()

	for {
		select {
		case msg := <-o.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", "observer_id", o.ID(), "error", err)
				h.hub.Disconnect(o)
				return
			}
		case <-o.Ping():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.hub.Disconnect(o)
				return
			}
		case <-o.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
