// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SteamVC/soundboard/internal/logging"
)

const (
	defaultAPIAddr           = ":8080"          // APIサーバーのデフォルトリッスンアドレス
	defaultSoundDir          = "./sounds"       // クリップを置くデフォルトのディレクトリ
	defaultHistoryLimit      = 200              // 履歴の最大件数
	defaultVolume            = 0.5              // 起動時の音量
	defaultHeartbeatInterval = 30 * time.Second // オブザーバーの生存確認間隔
	defaultJoinTimeout       = 10 * time.Second // ボイス接続のタイムアウト
	defaultClipDuration      = 3 * time.Second  // ローカル再生の擬似的な長さ
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   // APIサーバーのリッスンアドレス
	AllowedOrigin []string // CORSで許可するオリジン一覧

	DiscordClientID     string // OAuth2 クライアントID
	DiscordClientSecret string // OAuth2 クライアントシークレット
	RedirectURI         string // OAuth2 のコールバックURL
	SessionSecret       string // セッショントークンの署名鍵

	RoomIDs       []string          // 許可するルームID（先頭がデフォルト）
	RoomNames     map[string]string // ルームIDと表示名の対応
	RoomDiscovery bool              // 接続を検出したルームを自動で追加する

	SoundDirs     []string // クリップを探すディレクトリ
	HistoryLimit  int      // 履歴の最大件数（0は無制限）
	DefaultVolume float64  // 起動時の音量
	RedisAddr     string   // 履歴の永続化先（空なら永続化しない）

	HeartbeatInterval time.Duration
	VoiceJoinTimeout  time.Duration
	VoiceClipDuration time.Duration
	LogLevel          slog.Level
}

// SecureCookies はCookieにSecure属性を付けるべきかを返します
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.RedirectURI), "https://")
}

// Load は環境変数から設定を読み込みます
// 必須の値が欠けている場合や値が不正な場合は、該当する変数名をまとめたエラーを返します
func Load() (Config, error) {
	cfg := Config{
		APIAddr:       envOr("API_ADDR", defaultAPIAddr),
		AllowedOrigin: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		SoundDirs:     envCSV("SOUND_DIR", []string{defaultSoundDir}),
		HistoryLimit:  envInt("HISTORY_LIMIT", defaultHistoryLimit),
		LogLevel:      slog.LevelInfo,
	}

	missing := make([]string, 0, 3)
	invalid := make([]string, 0, 4)

	cfg.DiscordClientID = strings.TrimSpace(os.Getenv("DISCORD_CLIENT_ID"))
	if cfg.DiscordClientID == "" {
		missing = append(missing, "DISCORD_CLIENT_ID")
	}
	cfg.DiscordClientSecret = strings.TrimSpace(os.Getenv("DISCORD_CLIENT_SECRET"))
	if cfg.DiscordClientSecret == "" {
		missing = append(missing, "DISCORD_CLIENT_SECRET")
	}
	cfg.SessionSecret = envOr("SESSION_SECRET", cfg.DiscordClientSecret)
	cfg.RedirectURI = envOr("OAUTH_REDIRECT_URI", defaultRedirectURI(cfg.APIAddr))

	// 旧形式の変数名も受け付ける
	cfg.RoomIDs = envCSV("ROOM_IDS", envCSV("DISCORD_GUILD_IDS", envCSV("DISCORD_GUILD_ID", nil)))

	if v := strings.TrimSpace(os.Getenv("ROOM_DISCOVERY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			invalid = append(invalid, "ROOM_DISCOVERY")
		} else {
			cfg.RoomDiscovery = b
		}
	}
	if len(cfg.RoomIDs) == 0 && !cfg.RoomDiscovery {
		missing = append(missing, "ROOM_IDS")
	}

	names, err := parseRoomNames(os.Getenv("ROOM_NAMES"))
	if err != nil {
		invalid = append(invalid, "ROOM_NAMES")
	}
	cfg.RoomNames = names

	if cfg.HistoryLimit < 0 {
		logging.OrDefault(nil).Warn("negative HISTORY_LIMIT, fallback to default", "value", cfg.HistoryLimit, "default", defaultHistoryLimit)
		cfg.HistoryLimit = defaultHistoryLimit
	}

	cfg.DefaultVolume = defaultVolume
	if v := strings.TrimSpace(os.Getenv("DEFAULT_VOLUME")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 1 {
			invalid = append(invalid, "DEFAULT_VOLUME")
		} else {
			cfg.DefaultVolume = f
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, defaultHeartbeatInterval},
		{"VOICE_JOIN_TIMEOUT", &cfg.VoiceJoinTimeout, defaultJoinTimeout},
		{"VOICE_CLIP_DURATION", &cfg.VoiceClipDuration, defaultClipDuration},
	}
	for _, d := range durations {
		v, ok := envDuration(d.key, d.def)
		if !ok {
			invalid = append(invalid, d.key)
		}
		*d.dst = v
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		level, ok := logging.ParseLevel(v)
		if !ok {
			invalid = append(invalid, "LOG_LEVEL")
		}
		cfg.LogLevel = level
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

func defaultRedirectURI(addr string) string {
	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	return "http://" + host + "/auth/callback"
}

// parseRoomNames は "id=name,id2=name2" 形式を解析します
func parseRoomNames(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range envSplit(v) {
		id, name, ok := strings.Cut(pair, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			return out, fmt.Errorf("invalid room name pair %q", pair)
		}
		out[id] = name
	}
	return out, nil
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			logging.OrDefault(nil).Warn("invalid integer, fallback to default", "key", key, "value", v, "default", def)
			return def
		}
		return i
	}
	return def
}

// envDuration は環境変数から時間を取得します（"30s" 形式、または秒数）
// 値が不正な場合は false を返します
func envDuration(key string, def time.Duration) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, true
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, false
	}
	return d, true
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if out := envSplit(os.Getenv(key)); len(out) > 0 {
		return out
	}
	return def
}

func envSplit(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
