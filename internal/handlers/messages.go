package handlers

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/SteamVC/soundboard/internal/history"
	"github.com/SteamVC/soundboard/internal/models"
)

// エラーコード（クライアント向け）
const (
	CodeAuthenticationRequired  = "AUTHENTICATION_REQUIRED"
	CodeNotConnected            = "NOT_CONNECTED"
	CodeClipNotFound            = "CLIP_NOT_FOUND"
	CodeInvalidVolume           = "INVALID_VOLUME"
	CodeNoRoomsConfigured       = "NO_ROOMS_CONFIGURED"
	CodeMalformedMessage        = "MALFORMED_MESSAGE"
	CodeUnknownCommand          = "UNKNOWN_COMMAND"
	CodePlaybackFailed          = "PLAYBACK_FAILED"
	CodeUpstreamExchangeFailure = "UPSTREAM_EXCHANGE_FAILURE"
	CodeInternal                = "INTERNAL_ERROR"
)

// inboundMessage はクライアントから受信するコマンドです
// roomId の代わりに旧形式の guildId も受け付けます
type inboundMessage struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Token   string          `json:"token,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	GuildID string          `json:"guildId,omitempty"`
}

func (m inboundMessage) room() string {
	if id := strings.TrimSpace(m.RoomID); id != "" {
		return id
	}
	return strings.TrimSpace(m.GuildID)
}

// volume は value を数値として解釈します。数値文字列も受け付け、解釈できない場合は NaN を返します
// null は未指定と同じ扱いです
func (m inboundMessage) volume() float64 {
	raw := bytes.TrimSpace(m.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return math.NaN()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

type soundsMessage struct {
	Type   string   `json:"type"` // "sounds"
	Sounds []string `json:"sounds"`
}

type roomsMessage struct {
	Type  string        `json:"type"` // "rooms"
	Rooms []models.Room `json:"rooms"`
}

type statusMessage struct {
	Type      string `json:"type"` // "status"
	Connected bool   `json:"connected"`
	RoomID    string `json:"roomId"`
}

type nowPlayingMessage struct {
	Type   string  `json:"type"` // "nowPlaying"
	Name   *string `json:"name"` // 停止中は null
	RoomID string  `json:"roomId"`
}

type historyMessage struct {
	Type    string              `json:"type"` // "history"
	Entries []history.EntryView `json:"entries"`
}

type volumeMessage struct {
	Type  string  `json:"type"` // "volume"
	Value float64 `json:"value"`
}

type playAck struct {
	Type     string          `json:"type"` // "ack"
	Action   string          `json:"action"`
	OK       bool            `json:"ok"`
	Name     string          `json:"name"`
	User     models.Identity `json:"user"`
	At       int64           `json:"at"`
	RoomID   string          `json:"roomId"`
	RoomName string          `json:"roomName"`
}

type volumeAck struct {
	Type   string  `json:"type"` // "ack"
	Action string  `json:"action"`
	OK     bool    `json:"ok"`
	Value  float64 `json:"value"`
	RoomID string  `json:"roomId"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
	Code    string `json:"code"`
	RoomID  string `json:"roomId,omitempty"`
}

func newNowPlaying(roomID, name string) nowPlayingMessage {
	msg := nowPlayingMessage{Type: "nowPlaying", RoomID: roomID}
	if name != "" {
		msg.Name = &name
	}
	return msg
}
