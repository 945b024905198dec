package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SteamVC/soundboard/internal/history"
	"github.com/SteamVC/soundboard/internal/idgen"
	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/SteamVC/soundboard/internal/models"
	"github.com/SteamVC/soundboard/internal/service"
	"github.com/SteamVC/soundboard/internal/session"
)

const defaultSendBuffer = 256

// ClipCatalog は再生可能なクリップ名の一覧を提供します（sounds.Library が実装）
type ClipCatalog interface {
	List() []string
}

// SessionVerifier はセッショントークンを検証します（session.Service が実装）
type SessionVerifier interface {
	Verify(token string) (session.Session, bool)
}

// HistoryRecorder は履歴エントリを非同期に永続化します（history.Persister が実装）
type HistoryRecorder interface {
	Enqueue(entry models.HistoryEntry)
}

// Observer は状態変更を購読する1つの接続です
// 送信はバッファ付きチャネル経由で行い、満杯の場合は破棄します
type Observer struct {
	id    string
	send  chan []byte
	ping  chan struct{}
	done  chan struct{}
	alive atomic.Bool
	once  sync.Once
}

func newObserver(buffer int) *Observer {
	o := &Observer{
		id:   idgen.NewObserverID(),
		send: make(chan []byte, buffer),
		ping: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	o.alive.Store(true)
	return o
}

// ID はオブザーバーの識別子を返します
func (o *Observer) ID() string { return o.id }

// Send は送信待ちのメッセージを返します
func (o *Observer) Send() <-chan []byte { return o.send }

// Ping はハートビートによるping送信要求を返します
func (o *Observer) Ping() <-chan struct{} { return o.ping }

// Done は切断時にクローズされます
func (o *Observer) Done() <-chan struct{} { return o.done }

// MarkAlive はpongを受信したことを記録します
func (o *Observer) MarkAlive() { o.alive.Store(true) }

func (o *Observer) enqueue(msg []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- msg:
		return true
	default:
		return false
	}
}

func (o *Observer) requestPing() {
	select {
	case o.ping <- struct{}{}:
	default:
	}
}

func (o *Observer) close() {
	o.once.Do(func() { close(o.done) })
}

// HubOptions はHubの任意設定です
type HubOptions struct {
	History    *history.Buffer
	Recorder   HistoryRecorder // nil の場合は永続化しない
	SendBuffer int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Hub はルーム状態・履歴・オブザーバー集合を1つのロックで直列化し、
// 状態変更を全オブザーバーへ配信します
//
// コマンド経路とボイストランスポートの通知経路は、どちらもこのロックを取得します
type Hub struct {
	mu        sync.Mutex
	rooms     *service.RoomService
	history   *history.Buffer
	sessions  SessionVerifier
	clips     ClipCatalog
	catalog   []string // 最後に読み込んだクリップ一覧（ロック下で参照する）
	recorder  HistoryRecorder
	observers map[*Observer]struct{}

	sendBuffer int
	logger     *slog.Logger
	now        func() time.Time
}

// NewHub は新しいHubを作成し、RoomServiceのイベント送出先として登録します
func NewHub(rooms *service.RoomService, sessions SessionVerifier, clips ClipCatalog, opts HubOptions) *Hub {
	h := &Hub{
		rooms:      rooms,
		history:    opts.History,
		sessions:   sessions,
		clips:      clips,
		catalog:    nonNil(clips.List()),
		recorder:   opts.Recorder,
		observers:  make(map[*Observer]struct{}),
		sendBuffer: opts.SendBuffer,
		logger:     logging.OrDefault(opts.Logger).With("component", "hub"),
		now:        opts.Now,
	}
	if h.history == nil {
		h.history = history.New(0)
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.now == nil {
		h.now = time.Now
	}
	// RoomService はHubのロック下でのみ呼ばれるため、emit もロック下で実行される
	rooms.SetEmitter(h.handleEvent)
	return h
}

// Connect は新しいオブザーバーを登録します
// スナップショットはロック下で送信キューに積まれ、その後のイベントは必ずスナップショットより後に届きます
func (h *Hub) Connect() *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := h.snapshotLocked()
	o := newObserver(len(snapshot) + h.sendBuffer)
	for _, msg := range snapshot {
		o.enqueue(msg)
	}
	h.observers[o] = struct{}{}
	h.logger.Info("observer connected", "observer_id", o.id, "observers", len(h.observers))
	return o
}

// Disconnect はオブザーバーを登録解除します。登録済みでなくてもエラーにはなりません
func (h *Hub) Disconnect(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	n := len(h.observers)
	h.mu.Unlock()

	o.close()
	if ok {
		h.logger.Info("observer disconnected", "observer_id", o.id, "observers", n)
	}
}

// observerCount は接続中のオブザーバー数を返します
func (h *Hub) observerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast はメッセージを全オブザーバーへ送信します
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(msg)
}

// BroadcastClips はクリップ一覧を差し替えて変更を通知します
// ディレクトリの読み込みは呼び出し側でロックの外で行ってください
func (h *Hub) BroadcastClips(clips []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.catalog = nonNil(clips)
	h.broadcastLocked(soundsMessage{Type: "sounds", Sounds: h.catalog})
}

// refreshCatalog はロックの外でクリップ一覧を読み直し、キャッシュを更新して返します
func (h *Hub) refreshCatalog() []string {
	clips := nonNil(h.clips.List())
	h.mu.Lock()
	h.catalog = clips
	h.mu.Unlock()
	return clips
}

// RunHeartbeat は interval ごとに生存確認を行います。ctx が終了するまでブロックします
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep は前回のpingに応答しなかったオブザーバーを切断し、残りにpingを要求します
func (h *Hub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for o := range h.observers {
		if !o.alive.Load() {
			delete(h.observers, o)
			o.close()
			h.logger.Info("observer terminated by heartbeat", "observer_id", o.id)
			continue
		}
		o.alive.Store(false)
		o.requestPing()
	}
}

// CloseAll は全オブザーバーを切断します（シャットダウン時）
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		delete(h.observers, o)
		o.close()
	}
}

// Rooms はルーム一覧と状態、現在の音量を返します
func (h *Hub) Rooms() ([]models.Room, []service.RoomStatus, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.Rooms(), h.rooms.Statuses(), h.rooms.Volume()
}

// AllowsRoom はルームへの接続操作が許可されているかを返します
func (h *Hub) AllowsRoom(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms.Allows(roomID)
}

// SetRooms はルーム一覧を置き換えます
func (h *Hub) SetRooms(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.SetRooms(ids)
}

// OnIdle は voice.Listener の実装です
func (h *Hub) OnIdle(roomID, playbackID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.HandleIdle(roomID, playbackID)
}

// OnPlaybackError は voice.Listener の実装です
func (h *Hub) OnPlaybackError(roomID, playbackID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.HandlePlaybackError(roomID, playbackID, err)
}

// OnConnectionChanged は voice.Listener の実装です
func (h *Hub) OnConnectionChanged(roomID string, connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms.HandleConnectionChanged(roomID, connected)
}

func (h *Hub) handleEvent(ev service.Event) {
	switch e := ev.(type) {
	case service.RoomsChanged:
		h.broadcastLocked(roomsMessage{Type: "rooms", Rooms: e.Rooms})
	case service.StatusChanged:
		h.broadcastLocked(statusMessage{Type: "status", Connected: e.Connected, RoomID: e.RoomID})
	case service.NowPlayingChanged:
		h.broadcastLocked(newNowPlaying(e.RoomID, e.Name))
	case service.VolumeChanged:
		h.broadcastLocked(volumeMessage{Type: "volume", Value: e.Value})
	case service.PlaybackFailed:
		h.broadcastLocked(errorMessage{Type: "error", Message: e.Message, Code: CodePlaybackFailed, RoomID: e.RoomID})
	default:
		h.logger.Warn("unhandled room event", "event", ev)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "error", err)
		return
	}
	for o := range h.observers {
		if !o.enqueue(data) {
			h.logger.Warn("dropping message for slow observer", "observer_id", o.id)
		}
	}
}

// snapshotLocked は sounds, rooms, ルームごとの status と nowPlaying, history, volume の順で返します
func (h *Hub) snapshotLocked() [][]byte {
	msgs := []any{
		soundsMessage{Type: "sounds", Sounds: h.catalog},
		roomsMessage{Type: "rooms", Rooms: h.rooms.Rooms()},
	}
	for _, st := range h.rooms.Statuses() {
		msgs = append(msgs,
			statusMessage{Type: "status", Connected: st.Connected, RoomID: st.RoomID},
			newNowPlaying(st.RoomID, st.NowPlaying),
		)
	}
	msgs = append(msgs,
		h.historyMessageLocked(),
		volumeMessage{Type: "volume", Value: h.rooms.Volume()},
	)

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			h.logger.Error("failed to encode snapshot", "error", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

func (h *Hub) historyMessageLocked() historyMessage {
	return historyMessage{Type: "history", Entries: h.history.Serialize(h.rooms.RoomName)}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
