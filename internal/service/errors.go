package service

import "errors"

// カスタムエラー定義
// コマンド単位のエラーは要求元にのみ返され、状態は変更されません
var (
	ErrNoRoomsConfigured = errors.New("no rooms configured")
	ErrNotConnected      = errors.New("not connected to a voice channel in this room, use /join first")
	ErrClipNotFound      = errors.New("sound not found")
	ErrInvalidVolume     = errors.New("invalid volume value")
)
