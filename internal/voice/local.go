package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SteamVC/soundboard/internal/logging"
)

const eventQueueSize = 256

// LocalOptions は LocalTransport の設定です
type LocalOptions struct {
	ClipDuration time.Duration     // 1クリップの擬似再生時間
	ConnectDelay time.Duration     // Join にかかる擬似的な接続時間
	RoomNames    map[string]string // ルームIDと表示名の対応
	Logger       *slog.Logger
}

// LocalTransport はプロセス内で完結するトランスポートです
// 接続は Join/Leave で明示的に作成・破棄し、再生は ClipDuration 経過後に idle を通知します
type LocalTransport struct {
	clipDuration time.Duration
	connectDelay time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	conns    map[string]*localConn
	names    map[string]string
	listener Listener

	seq      atomic.Uint64
	events   chan func()
	done     chan struct{} // Run の終了で閉じる
	stopOnce sync.Once
}

type localConn struct {
	roomID  string
	current *localPlayback
}

func (c *localConn) RoomID() string { return c.roomID }

type localPlayback struct {
	id     string
	roomID string
	path   string

	mu      sync.Mutex
	volume  float64
	timer   *time.Timer
	stopped bool
}

func (p *localPlayback) ID() string { return p.id }

func (p *localPlayback) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Volume は現在適用されている音量を返します
func (p *localPlayback) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *localPlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// NewLocalTransport は新しいLocalTransportを作成します
// 通知を配送するには Run を別goroutineで起動してください
func NewLocalTransport(opts LocalOptions) *LocalTransport {
	if opts.ClipDuration <= 0 {
		opts.ClipDuration = 3 * time.Second
	}
	names := make(map[string]string, len(opts.RoomNames))
	for k, v := range opts.RoomNames {
		names[k] = v
	}
	return &LocalTransport{
		clipDuration: opts.ClipDuration,
		connectDelay: opts.ConnectDelay,
		logger:       logging.OrDefault(opts.Logger).With("component", "voice_local"),
		conns:        make(map[string]*localConn),
		names:        names,
		events:       make(chan func(), eventQueueSize),
		done:         make(chan struct{}),
	}
}

// Run は通知を1つのgoroutineで順番に配送します。ctx がキャンセルされるまでブロックします
// Run の終了後に積まれた通知は破棄されます
func (t *LocalTransport) Run(ctx context.Context) {
	defer t.stopOnce.Do(func() { close(t.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-t.events:
			fn()
		}
	}
}

func (t *LocalTransport) dispatch(fn func()) {
	select {
	case t.events <- fn:
	case <-t.done:
	}
}

func (t *LocalTransport) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *LocalTransport) currentListener() Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

func (t *LocalTransport) RoomName(roomID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.names[roomID]
	return name, ok
}

func (t *LocalTransport) Connection(roomID string) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[roomID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Join はルームに接続します。ctx の期限内に接続できなければエラーを返し、再試行はしません
// すでに接続済みの場合は何もしません
func (t *LocalTransport) Join(ctx context.Context, roomID string) error {
	if _, ok := t.Connection(roomID); ok {
		return nil
	}

	if t.connectDelay > 0 {
		timer := time.NewTimer(t.connectDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("join room %s: %w", roomID, ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	t.mu.Lock()
	if _, ok := t.conns[roomID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.conns[roomID] = &localConn{roomID: roomID}
	t.mu.Unlock()

	t.logger.Info("joined room", "room_id", roomID)
	t.dispatch(func() {
		if l := t.currentListener(); l != nil {
			l.OnConnectionChanged(roomID, true)
		}
	})
	return nil
}

// Leave はルームから切断し、再生中のクリップを停止します
func (t *LocalTransport) Leave(roomID string) error {
	t.mu.Lock()
	c, ok := t.conns[roomID]
	if !ok {
		t.mu.Unlock()
		return ErrNotJoined
	}
	delete(t.conns, roomID)
	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}
	t.mu.Unlock()

	t.logger.Info("left room", "room_id", roomID)
	t.dispatch(func() {
		if l := t.currentListener(); l != nil {
			l.OnConnectionChanged(roomID, false)
		}
	})
	return nil
}

func (t *LocalTransport) Play(conn Connection, path string, volume float64) (Playback, error) {
	lc, ok := conn.(*localConn)
	if !ok {
		return nil, fmt.Errorf("voice: unsupported connection %T", conn)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[lc.roomID] != lc {
		return nil, ErrStaleConnection
	}
	if lc.current != nil {
		lc.current.Stop()
	}

	pb := &localPlayback{
		id:     strconv.FormatUint(t.seq.Add(1), 10),
		roomID: lc.roomID,
		path:   path,
		volume: volume,
	}
	lc.current = pb

	if _, err := os.Stat(path); err != nil {
		// 通知は呼び出し元のロックと競合しないよう別goroutineから積む
		go t.dispatch(func() {
			if l := t.currentListener(); l != nil {
				l.OnPlaybackError(pb.roomID, pb.id, err)
				l.OnIdle(pb.roomID, pb.id)
			}
		})
		return pb, nil
	}

	pb.timer = time.AfterFunc(t.clipDuration, func() { t.finish(lc, pb) })
	return pb, nil
}

func (t *LocalTransport) finish(lc *localConn, pb *localPlayback) {
	pb.mu.Lock()
	stopped := pb.stopped
	pb.mu.Unlock()
	if stopped {
		return
	}

	t.mu.Lock()
	if lc.current == pb {
		lc.current = nil
	}
	t.mu.Unlock()

	t.dispatch(func() {
		if l := t.currentListener(); l != nil {
			l.OnIdle(pb.roomID, pb.id)
		}
	})
}
