package repo

import (
	"context"
	"encoding/json"

	"github.com/SteamVC/soundboard/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultHistoryKey = "history:entries"

var _ HistoryRepo = (*RedisHistoryRepo)(nil)

// RedisHistoryRepo は再生履歴をRedisのリストに保存します
// 先頭（LPUSH側）が最新です
type RedisHistoryRepo struct {
	rdb *redis.Client
	key string
}

func NewRedisHistoryRepo(rdb *redis.Client) *RedisHistoryRepo {
	return &RedisHistoryRepo{rdb: rdb, key: defaultHistoryKey}
}

// withKey は保存先のキーを差し替えたコピーを返します
func (rr *RedisHistoryRepo) withKey(key string) *RedisHistoryRepo {
	return &RedisHistoryRepo{rdb: rr.rdb, key: key}
}

// Append はエントリを先頭に追加し、limit件を超えた分を削除します
// limitが0以下の場合は削除しません
func (rr *RedisHistoryRepo) Append(ctx context.Context, entry models.HistoryEntry, limit int) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := rr.rdb.TxPipeline()
	pipe.LPush(ctx, rr.key, b)
	if limit > 0 {
		pipe.LTrim(ctx, rr.key, 0, int64(limit-1))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Recent は新しい順に最大limit件を返します
// 壊れたエントリは読み飛ばします
func (rr *RedisHistoryRepo) Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := rr.rdb.LRange(ctx, rr.key, 0, stop).Result()
	if err == redis.Nil {
		return []models.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	res := make([]models.HistoryEntry, 0, len(vals))
	for _, v := range vals {
		var e models.HistoryEntry
		if json.Unmarshal([]byte(v), &e) == nil {
			res = append(res, e)
		}
	}
	return res, nil
}
