// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// Identity は認証済みユーザーのスナップショットです
// セッショントークンと履歴エントリの両方に埋め込まれます
type Identity struct {
	ID            string `json:"id"`                      // ユーザーの一意な識別子
	Username      string `json:"username"`                // ユーザー名
	GlobalName    string `json:"globalName,omitempty"`    // 表示名（オプショナル）
	Discriminator string `json:"discriminator,omitempty"` // 旧形式の識別番号（"0" は未設定扱い）
	Avatar        string `json:"avatar,omitempty"`        // アバター画像のハッシュ
}

// Normalize はクライアントへ渡す形式に整えたコピーを返します
func (u Identity) Normalize() Identity {
	if u.Discriminator == "0" {
		u.Discriminator = ""
	}
	return u
}

// Room はサウンドを再生するボイスルームを表します
type Room struct {
	ID   string `json:"id"`   // ルームの一意な識別子
	Name string `json:"name"` // 表示名（未解決の場合はIDと同じ）
}

// HistoryEntry は1回の再生操作の記録です
// ルームの表示名は保存せず、読み出し時に解決します
type HistoryEntry struct {
	ID     string    `json:"id"`     // エントリID（ULID）
	Sound  string    `json:"sound"`  // 再生したクリップ名
	At     time.Time `json:"at"`     // 再生日時
	User   Identity  `json:"user"`   // 操作したユーザー
	RoomID string    `json:"roomId"` // 再生先のルームID
}
