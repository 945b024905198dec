// Package sounds は設定されたディレクトリからサウンドクリップを列挙・解決します
package sounds

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/SteamVC/soundboard/internal/logging"
)

// Clip は解決済みのサウンドクリップです
type Clip struct {
	Name string // 正規化されたファイル名
	Path string // 絶対パス
}

var soundExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".ogg":  {},
	".flac": {},
}

// IsSoundFile は拡張子がサポート対象かどうかを返します（大文字小文字は区別しない）
func IsSoundFile(name string) bool {
	_, ok := soundExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Library は複数の検索ディレクトリにまたがるクリップ一覧です
// 同名のファイルは先に設定されたディレクトリが優先されます
type Library struct {
	dirs   []string
	logger *slog.Logger
}

// NewLibrary は新しいLibraryを作成します
// ディレクトリは絶対パスに正規化されます
func NewLibrary(dirs []string, logger *slog.Logger) *Library {
	abs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d == "" {
			continue
		}
		if p, err := filepath.Abs(d); err == nil {
			d = p
		}
		abs = append(abs, filepath.Clean(d))
	}
	return &Library{dirs: abs, logger: logging.OrDefault(logger).With("component", "sounds")}
}

// Dirs は検索ディレクトリの一覧を返します
func (l *Library) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// List は全ディレクトリのクリップ名を重複なしでソートして返します
// 読み込めないディレクトリはログに出して読み飛ばします
func (l *Library) List() []string {
	seen := make(map[string]struct{})
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Error("failed to read sounds directory", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !IsSoundFile(e.Name()) {
				continue
			}
			seen[e.Name()] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve はクリップ名をファイルパスに解決します
// 名前はベース名に切り詰められ、設定ディレクトリの外を指すものは拒否されます
func (l *Library) Resolve(name string) (Clip, bool) {
	safe := filepath.Base(strings.TrimSpace(name))
	if safe == "" || safe == "." || safe == ".." || safe == string(filepath.Separator) {
		return Clip{}, false
	}
	if strings.ContainsAny(safe, `/\`) || !IsSoundFile(safe) {
		return Clip{}, false
	}

	for _, dir := range l.dirs {
		candidate := filepath.Join(dir, safe)
		rel, err := filepath.Rel(dir, candidate)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return Clip{Name: safe, Path: candidate}, true
	}
	return Clip{}, false
}
