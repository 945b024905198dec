package service

import "github.com/SteamVC/soundboard/internal/models"

// Event はRoomServiceが発行する状態変更通知です
// Hubが1つの関数で型ごとに振り分けてブロードキャストします
type Event interface {
	isEvent()
}

// RoomsChanged はルーム一覧が置き換えられたことを表します
type RoomsChanged struct {
	Rooms []models.Room
}

// StatusChanged はルームの接続状態の変化を表します
type StatusChanged struct {
	RoomID    string
	Connected bool
}

// NowPlayingChanged は再生中クリップの変化を表します（Name が空なら停止）
type NowPlayingChanged struct {
	RoomID string
	Name   string
}

// VolumeChanged は全体音量の変化を表します
type VolumeChanged struct {
	Value float64
}

// PlaybackFailed は再生エラーのベストエフォート通知です
type PlaybackFailed struct {
	RoomID  string
	Message string
}

func (RoomsChanged) isEvent()      {}
func (StatusChanged) isEvent()     {}
func (NowPlayingChanged) isEvent() {}
func (VolumeChanged) isEvent()     {}
func (PlaybackFailed) isEvent()    {}
