package repo

import (
	"context"

	"github.com/SteamVC/soundboard/internal/models"
)

// HistoryRepo は再生履歴の永続化を担当します
type HistoryRepo interface {
	Append(ctx context.Context, entry models.HistoryEntry, limit int) error
	Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}
