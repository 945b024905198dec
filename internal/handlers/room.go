package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/service"
	"github.com/SteamVC/soundboard/internal/voice"
	"github.com/go-chi/chi/v5"
)

// VoiceController はルームへのボイス接続を開始・終了します（voice.LocalTransport が実装）
type VoiceController interface {
	Join(ctx context.Context, roomID string) error
	Leave(roomID string) error
}

// RoomHandler はルーム一覧とボイス接続の操作を処理するハンドラー
type RoomHandler struct {
	hub         *Hub
	voice       VoiceController
	sessions    SessionVerifier
	joinTimeout time.Duration
	logger      *slog.Logger
}

// NewRoomHandler は新しいRoomHandlerを作成します
func NewRoomHandler(hub *Hub, vc VoiceController, sessions SessionVerifier, joinTimeout time.Duration, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		hub:         hub,
		voice:       vc,
		sessions:    sessions,
		joinTimeout: joinTimeout,
		logger:      logging.OrDefault(logger).With("component", "room_handler"),
	}
}

type roomView struct {
	models.Room
	Connected  bool              `json:"connected"`
	NowPlaying string            `json:"nowPlaying,omitempty"`
	State      service.RoomState `json:"state"`
}

type roomsResponse struct {
	Rooms  []roomView `json:"rooms"`
	Volume float64    `json:"volume"`
}

// List はルーム一覧と各ルームの状態を返します
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, statuses, volume := h.hub.Rooms()
	views := make([]roomView, 0, len(rooms))
	for i, room := range rooms {
		v := roomView{Room: room}
		if i < len(statuses) {
			v.Connected = statuses[i].Connected
			v.NowPlaying = statuses[i].NowPlaying
			v.State = statuses[i].State
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, roomsResponse{Rooms: views, Volume: volume})
}

// Join はルームのボイスチャンネルに接続します
// 接続は joinTimeout 以内に完了しなければ504を返します
func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	logger := logging.FromContext(r.Context(), h.logger)

	ctx, cancel := context.WithTimeout(r.Context(), h.joinTimeout)
	defer cancel()
	if err := h.voice.Join(ctx, roomID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("voice join timed out", "room_id", roomID, "timeout", h.joinTimeout)
			respondError(w, http.StatusGatewayTimeout, "timed out joining voice channel")
			return
		}
		logger.Error("voice join failed", "room_id", roomID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "roomId": roomID})
}

// Leave はルームのボイスチャンネルから切断します
func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.voice.Leave(roomID); err != nil {
		if errors.Is(err, voice.ErrNotJoined) {
			respondErrorCode(w, http.StatusConflict, CodeNotConnected, "not connected to this room")
			return
		}
		logging.FromContext(r.Context(), h.logger).Error("voice leave failed", "room_id", roomID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "roomId": roomID})
}

// authorize はルームIDとセッションを検証し、許可されたルームIDを返します
func (h *RoomHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomID(roomID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if _, ok := h.sessions.Verify(bearerToken(r)); !ok {
		respondErrorCode(w, http.StatusUnauthorized, CodeAuthenticationRequired, "authentication required")
		return "", false
	}
	if !h.hub.AllowsRoom(roomID) {
		respondError(w, http.StatusNotFound, "room not found")
		return "", false
	}
	return roomID, true
}
