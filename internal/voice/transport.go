// Package voice はボイスセッションへの接続と再生を抽象化します
// 音声コーデックやボイスプロトコルそのものはこのパッケージの範囲外です
package voice

import "errors"

var (
	ErrNotJoined       = errors.New("voice: not joined to room")
	ErrStaleConnection = errors.New("voice: connection is no longer active")
)

// Connection はルームへのアクティブな接続ハンドルです
type Connection interface {
	RoomID() string
}

// Playback は再生中のリソースです
type Playback interface {
	ID() string
	SetVolume(v float64)
	Stop()
}

// Listener はトランスポートからの非同期通知を受け取ります
// 通知はトランスポート自身のgoroutineから順番に届き、Play の呼び出し中に同期的に呼ばれることはありません
type Listener interface {
	OnIdle(roomID, playbackID string)
	OnPlaybackError(roomID, playbackID string, err error)
	OnConnectionChanged(roomID string, connected bool)
}

// Transport はコーディネーターが利用するボイストランスポートの契約です
type Transport interface {
	Connection(roomID string) (Connection, bool)
	// Play は接続上で再生を開始します。再生中のものは idle 通知なしで置き換えられます
	Play(conn Connection, path string, volume float64) (Playback, error)
	SetListener(l Listener)
}

// Namer はルームIDから表示名を解決できるトランスポートが実装します
type Namer interface {
	RoomName(roomID string) (string, bool)
}
