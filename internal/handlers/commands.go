package handlers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/SteamVC/soundboard/internal/idgen"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/service"
)

const msgAuthenticationRequired = "Sign in with Discord first."

// HandleCommand はオブザーバーから受信した1メッセージを処理します
// エラーは要求元にのみ返し、状態は変更しません
func (h *Hub) HandleCommand(o *Observer, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(o, CodeMalformedMessage, "Invalid JSON payload.", "")
		return
	}

	switch msg.Type {
	case "play":
		if strings.TrimSpace(msg.Name) == "" {
			h.sendError(o, CodeMalformedMessage, "Missing sound name.", "")
			return
		}
		h.handlePlay(o, msg)
	case "setVolume":
		h.handleSetVolume(o, msg)
	case "list":
		h.send(o, soundsMessage{Type: "sounds", Sounds: h.refreshCatalog()})
	default:
		h.logger.Debug("unknown command", "observer_id", o.id, "type", msg.Type)
		h.sendError(o, CodeUnknownCommand, "Unknown message type.", "")
	}
}

// handlePlay は再生・履歴追加・履歴配信・ackを1回のロック内で行います
func (h *Hub) handlePlay(o *Observer, msg inboundMessage) {
	sess, authed := h.sessions.Verify(msg.Token)

	h.mu.Lock()
	defer h.mu.Unlock()

	target, err := h.rooms.TargetRoom(msg.room())
	if err != nil {
		h.sendServiceError(o, err, "")
		return
	}
	if !authed {
		h.sendError(o, CodeAuthenticationRequired, msgAuthenticationRequired, target)
		return
	}

	name, room, err := h.rooms.Play(target, strings.TrimSpace(msg.Name))
	if err != nil {
		h.logger.Info("play rejected", "observer_id", o.id, "room_id", room, "sound", msg.Name, "error", err)
		h.sendServiceError(o, err, room)
		return
	}

	entry := models.HistoryEntry{
		ID:     idgen.NewULID(),
		Sound:  name,
		At:     h.now(),
		User:   sess.User.Normalize(),
		RoomID: room,
	}
	h.history.Add(entry)
	if h.recorder != nil {
		h.recorder.Enqueue(entry)
	}
	h.broadcastLocked(h.historyMessageLocked())

	h.send(o, playAck{
		Type:     "ack",
		Action:   "play",
		OK:       true,
		Name:     name,
		User:     entry.User,
		At:       entry.At.UnixMilli(),
		RoomID:   room,
		RoomName: h.rooms.RoomName(room),
	})
}

func (h *Hub) handleSetVolume(o *Observer, msg inboundMessage) {
	_, authed := h.sessions.Verify(msg.Token)

	h.mu.Lock()
	defer h.mu.Unlock()

	target, err := h.rooms.TargetRoom(msg.room())
	if err != nil {
		h.sendServiceError(o, err, "")
		return
	}
	if !authed {
		h.sendError(o, CodeAuthenticationRequired, msgAuthenticationRequired, target)
		return
	}

	applied, err := h.rooms.SetVolume(msg.volume())
	if err != nil {
		h.sendServiceError(o, err, target)
		return
	}
	h.send(o, volumeAck{Type: "ack", Action: "setVolume", OK: true, Value: applied, RoomID: target})
}

func (h *Hub) send(o *Observer, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message", "observer_id", o.id, "error", err)
		return
	}
	if !o.enqueue(data) {
		h.logger.Warn("dropping message for slow observer", "observer_id", o.id)
	}
}

func (h *Hub) sendError(o *Observer, code, message, roomID string) {
	h.send(o, errorMessage{Type: "error", Message: message, Code: code, RoomID: roomID})
}

func (h *Hub) sendServiceError(o *Observer, err error, roomID string) {
	code, message := commandError(err)
	if code == CodeInternal {
		h.logger.Error("command failed", "observer_id", o.id, "room_id", roomID, "error", err)
	}
	h.sendError(o, code, message, roomID)
}

// commandError はサービス層のエラーをクライアント向けのコードとメッセージに変換します
func commandError(err error) (string, string) {
	switch {
	case errors.Is(err, service.ErrNoRoomsConfigured):
		return CodeNoRoomsConfigured, "No rooms are configured."
	case errors.Is(err, service.ErrNotConnected):
		return CodeNotConnected, "The bot is not connected to a voice channel in this room."
	case errors.Is(err, service.ErrClipNotFound):
		return CodeClipNotFound, "Sound not found."
	case errors.Is(err, service.ErrInvalidVolume):
		return CodeInvalidVolume, "Volume must be a finite number."
	default:
		return CodeInternal, "Playback failed."
	}
}
