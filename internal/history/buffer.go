// Package history は再生操作の履歴を新しい順に保持します
package history

import (
	"github.com/SteamVC/soundboard/internal/models"
)

// EntryView はクライアントへ送る履歴エントリの形式です
type EntryView struct {
	ID       string          `json:"id"`
	Sound    string          `json:"sound"`
	At       int64           `json:"at"` // Unixミリ秒
	User     models.Identity `json:"user"`
	RoomID   string          `json:"roomId"`
	RoomName string          `json:"roomName"`
}

// Buffer は容量付きの履歴バッファです
// 先頭が最新で、容量を超えた分は末尾から切り捨てます
// 容量が0以下の場合は切り捨てを行わず、無制限に増えます
//
// 排他制御は行いません。呼び出し側（Hub）のロック下で使用してください
type Buffer struct {
	capacity int
	entries  []models.HistoryEntry
}

// New は新しいBufferを作成します
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Capacity は設定された容量を返します
func (b *Buffer) Capacity() int { return b.capacity }

// Add はエントリを先頭に追加します
func (b *Buffer) Add(entry models.HistoryEntry) {
	b.entries = append(b.entries, models.HistoryEntry{})
	copy(b.entries[1:], b.entries)
	b.entries[0] = entry
	b.prune()
}

// Restore は永続化層から読み込んだエントリ（新しい順）で内容を置き換えます
func (b *Buffer) Restore(entries []models.HistoryEntry) {
	b.entries = append([]models.HistoryEntry(nil), entries...)
	b.prune()
}

func (b *Buffer) prune() {
	if b.capacity <= 0 {
		return
	}
	if len(b.entries) > b.capacity {
		clear(b.entries[b.capacity:])
		b.entries = b.entries[:b.capacity]
	}
}

// Len は保持しているエントリ数を返します
func (b *Buffer) Len() int { return len(b.entries) }

// Entries は新しい順のコピーを返します
func (b *Buffer) Entries() []models.HistoryEntry {
	return append([]models.HistoryEntry(nil), b.entries...)
}

// Serialize は読み出し時点のルーム名を解決したビューを返します
func (b *Buffer) Serialize(roomName func(roomID string) string) []EntryView {
	out := make([]EntryView, 0, len(b.entries))
	for _, e := range b.entries {
		name := e.RoomID
		if roomName != nil {
			name = roomName(e.RoomID)
		}
		out = append(out, EntryView{
			ID:       e.ID,
			Sound:    e.Sound,
			At:       e.At.UnixMilli(),
			User:     e.User,
			RoomID:   e.RoomID,
			RoomName: name,
		})
	}
	return out
}
