// Package service はルームごとの接続・再生状態と全体音量を管理します
// クリップの解決とボイストランスポートへの再生指示を仲介します
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/sounds"
	"github.com/SteamVC/soundboard/internal/voice"
)

const defaultVolume = 0.5

// RoomState はルームの状態です
type RoomState string

const (
	StateDisconnected RoomState = "disconnected"
	StateIdle         RoomState = "idle"
	StatePlaying      RoomState = "playing"
)

// ClipResolver はクリップ名をファイルに解決します（sounds.Library が実装）
type ClipResolver interface {
	Resolve(name string) (sounds.Clip, bool)
}

// RoomStatus はルームの状態のスナップショットです
type RoomStatus struct {
	RoomID     string    `json:"roomId"`
	Connected  bool      `json:"connected"`
	NowPlaying string    `json:"nowPlaying,omitempty"`
	State      RoomState `json:"state"`
}

// Options はRoomServiceの初期設定です
type Options struct {
	RoomIDs       []string // 許可するルームID（先頭がフォールバック先）
	DefaultVolume float64
	Discover      bool // 未知のルームへの接続を検出したらルーム一覧に追加する
	Logger        *slog.Logger
}

type roomState struct {
	id         string
	connected  bool
	nowPlaying string
	playback   voice.Playback
}

func (r *roomState) state() RoomState {
	switch {
	case !r.connected:
		return StateDisconnected
	case r.nowPlaying != "":
		return StatePlaying
	default:
		return StateIdle
	}
}

// RoomService はルームレジストリ兼再生コーディネーターです
//
// 排他制御は行いません。コマンド経路とトランスポート通知経路の両方が
// Hub の単一ロック下でこのサービスを呼び出す前提です
type RoomService struct {
	transport voice.Transport
	clips     ClipResolver
	emit      func(Event)
	discover  bool
	logger    *slog.Logger

	order  []string
	rooms  map[string]*roomState
	volume float64
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(t voice.Transport, clips ClipResolver, opts Options) *RoomService {
	v := opts.DefaultVolume
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = defaultVolume
	}
	s := &RoomService{
		transport: t,
		clips:     clips,
		emit:      func(Event) {},
		discover:  opts.Discover,
		logger:    logging.OrDefault(opts.Logger).With("component", "room_service"),
		rooms:     make(map[string]*roomState),
		volume:    clamp(v),
	}
	s.replaceRooms(opts.RoomIDs)
	return s
}

// SetEmitter はイベントの送出先を設定します
func (s *RoomService) SetEmitter(emit func(Event)) {
	if emit == nil {
		emit = func(Event) {}
	}
	s.emit = emit
}

// SetRooms は許可ルームの集合を置き換え、ルーム一覧の変更を通知します
func (s *RoomService) SetRooms(ids []string) {
	added := s.replaceRooms(ids)
	s.emit(RoomsChanged{Rooms: s.Rooms()})
	for _, id := range added {
		s.emit(StatusChanged{RoomID: id, Connected: s.rooms[id].connected})
	}
}

func (s *RoomService) replaceRooms(ids []string) []string {
	next := make(map[string]*roomState, len(ids))
	order := make([]string, 0, len(ids))
	var added []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := next[id]; dup {
			continue
		}
		st, ok := s.rooms[id]
		if !ok {
			st = &roomState{id: id}
			if s.transport != nil {
				_, st.connected = s.transport.Connection(id)
			}
			added = append(added, id)
		}
		next[id] = st
		order = append(order, id)
	}
	for id, st := range s.rooms {
		if _, keep := next[id]; !keep && st.playback != nil {
			st.playback.Stop()
		}
	}
	s.rooms = next
	s.order = order
	return added
}

// TargetRoom は要求されたルームが許可されていればそれを、そうでなければ先頭のルームを返します
func (s *RoomService) TargetRoom(requested string) (string, error) {
	if _, ok := s.rooms[requested]; ok {
		return requested, nil
	}
	if len(s.order) == 0 {
		return "", ErrNoRoomsConfigured
	}
	return s.order[0], nil
}

// Play はクリップを対象ルームで再生し、正規化されたクリップ名と実際の対象ルームを返します
func (s *RoomService) Play(roomID, clipName string) (string, string, error) {
	target, err := s.TargetRoom(roomID)
	if err != nil {
		return "", "", err
	}
	st := s.rooms[target]

	conn, ok := s.transport.Connection(target)
	if !ok {
		return "", target, ErrNotConnected
	}
	clip, ok := s.clips.Resolve(clipName)
	if !ok {
		return "", target, ErrClipNotFound
	}

	pb, err := s.transport.Play(conn, clip.Path, s.volume)
	if err != nil {
		if errors.Is(err, voice.ErrStaleConnection) || errors.Is(err, voice.ErrNotJoined) {
			return "", target, ErrNotConnected
		}
		return "", target, fmt.Errorf("play %s in room %s: %w", clip.Name, target, err)
	}
	if st.playback != nil && st.playback.ID() != pb.ID() {
		st.playback.Stop()
	}

	if !st.connected {
		// 接続通知より先に再生が届いた場合も、nowPlaying の前に接続状態を配信する
		st.connected = true
		s.emit(StatusChanged{RoomID: target, Connected: true})
	}
	st.playback = pb
	st.nowPlaying = clip.Name
	s.logger.Info("playing clip", "room_id", target, "sound", clip.Name, "playback_id", pb.ID())
	s.emit(NowPlayingChanged{RoomID: target, Name: clip.Name})
	return clip.Name, target, nil
}

// SetVolume は全体音量を[0,1]に丸めて保存し、再生中の全リソースに適用します
func (s *RoomService) SetVolume(value float64) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, ErrInvalidVolume
	}
	s.volume = clamp(value)
	for _, id := range s.order {
		if pb := s.rooms[id].playback; pb != nil {
			pb.SetVolume(s.volume)
		}
	}
	s.emit(VolumeChanged{Value: s.volume})
	return s.volume, nil
}

// Volume は現在の全体音量を返します
func (s *RoomService) Volume() float64 { return s.volume }

// HandleIdle は再生完了の通知を処理します
// 置き換え済みの古い再生からの通知は無視します
func (s *RoomService) HandleIdle(roomID, playbackID string) {
	st, ok := s.rooms[roomID]
	if !ok || st.playback == nil || st.playback.ID() != playbackID {
		return
	}
	st.playback = nil
	st.nowPlaying = ""
	s.emit(NowPlayingChanged{RoomID: roomID})
}

// HandlePlaybackError は再生エラーを通知します。他のルームや接続状態は変更しません
func (s *RoomService) HandlePlaybackError(roomID, playbackID string, err error) {
	s.logger.Error("audio playback failed", "room_id", roomID, "playback_id", playbackID, "error", err)
	s.emit(PlaybackFailed{RoomID: roomID, Message: "Audio playback failed."})
}

// HandleConnectionChanged はボイス接続の確立・切断を反映します
func (s *RoomService) HandleConnectionChanged(roomID string, connected bool) {
	st, ok := s.rooms[roomID]
	if !ok {
		if !s.discover || !connected {
			s.logger.Warn("connection change for unknown room ignored", "room_id", roomID, "connected", connected)
			return
		}
		// 新しく見つかったルームとして登録する（SetRooms内でStatusChangedも送出される）
		s.SetRooms(append(append([]string(nil), s.order...), roomID))
		return
	}

	if connected {
		if !st.connected {
			st.connected = true
			s.emit(StatusChanged{RoomID: roomID, Connected: true})
		}
		return
	}

	wasPlaying := st.nowPlaying != ""
	if st.playback != nil {
		st.playback.Stop()
		st.playback = nil
	}
	st.nowPlaying = ""
	st.connected = false
	s.emit(StatusChanged{RoomID: roomID, Connected: false})
	if wasPlaying {
		s.emit(NowPlayingChanged{RoomID: roomID})
	}
}

// Allows はルームIDが許可されているか（ディスカバリー有効時は常に許可）を返します
func (s *RoomService) Allows(roomID string) bool {
	if _, ok := s.rooms[roomID]; ok {
		return true
	}
	return s.discover
}

// RoomName はルームの表示名を返します。解決できない場合はIDを返します
func (s *RoomService) RoomName(roomID string) string {
	if namer, ok := s.transport.(voice.Namer); ok {
		if name, ok := namer.RoomName(roomID); ok && name != "" {
			return name
		}
	}
	return roomID
}

// Rooms は許可ルームの一覧を設定順で返します
func (s *RoomService) Rooms() []models.Room {
	out := make([]models.Room, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, models.Room{ID: id, Name: s.RoomName(id)})
	}
	return out
}

// Statuses は各ルームの状態を設定順で返します
func (s *RoomService) Statuses() []RoomStatus {
	out := make([]RoomStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.rooms[id]
		out = append(out, RoomStatus{
			RoomID:     id,
			Connected:  st.connected,
			NowPlaying: st.nowPlaying,
			State:      st.state(),
		})
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
