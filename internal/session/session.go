// Package session はステートレスな署名付きセッショントークンを発行・検証します
// トークンはサーバー側に保存されず、署名鍵が変わらない限り有効です
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/SteamVC/soundboard/internal/models"
)

// ErrEmptySecret は署名鍵が設定されていない場合のエラーです
var ErrEmptySecret = errors.New("session: signing secret is empty")

const separator = "."

var encoding = base64.RawURLEncoding

// Session はトークンから復元された認証済みの状態です
type Session struct {
	User      models.Identity // トークンに埋め込まれたユーザー
	CreatedAt time.Time       // 発行日時
}

// payload はトークン本体のJSON形式
type payload struct {
	User models.Identity `json:"user"`
	IAT  int64           `json:"iat"` // 発行日時（Unixミリ秒）
}

// Service はセッショントークンの署名と検証を行います
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService は新しいServiceを作成します
// now が nil の場合は time.Now を使用します
func NewService(secret string, now func() time.Time) (*Service, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if now == nil {
		now = time.Now
	}
	return &Service{secret: []byte(secret), now: now}, nil
}

// Sign はユーザーのスナップショットと発行日時を含むトークンを生成します
func (s *Service) Sign(user models.Identity) (string, error) {
	b, err := json.Marshal(payload{User: user.Normalize(), IAT: s.now().UnixMilli()})
	if err != nil {
		return "", err
	}
	base := encoding.EncodeToString(b)
	return base + separator + s.signature(base), nil
}

// Verify はトークンを検証し、正しければSessionを返します
// 失敗の理由は区別せず、常に false を返すだけで副作用はありません
func (s *Service) Verify(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	base, sig, ok := strings.Cut(token, separator)
	if !ok || base == "" || sig == "" {
		return Session{}, false
	}

	expected := s.signature(base)
	if len(sig) != len(expected) {
		return Session{}, false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return Session{}, false
	}

	raw, err := encoding.DecodeString(base)
	if err != nil {
		return Session{}, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Session{}, false
	}
	return Session{User: p.User, CreatedAt: time.UnixMilli(p.IAT)}, true
}

func (s *Service) signature(base string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(base))
	return encoding.EncodeToString(mac.Sum(nil))
}
