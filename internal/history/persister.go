package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SteamVC/soundboard/internal/logging"
	"github.com/SteamVC/soundboard/internal/models"
)

const (
	defaultQueueSize = 128
	writeTimeout     = 3 * time.Second
)

// Store は履歴の永続化先です（repo.RedisHistoryRepo が実装）
type Store interface {
	Append(ctx context.Context, entry models.HistoryEntry, limit int) error
	Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}

// Persister は履歴エントリを1つのgoroutineで順番に永続化します
// Hubのロック下から呼ばれるため、Enqueue はブロックしません
type Persister struct {
	store  Store
	limit  int
	queue  chan models.HistoryEntry
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewPersister は新しいPersisterを作成し、書き込みgoroutineを開始します
func NewPersister(store Store, limit int, logger *slog.Logger) *Persister {
	p := &Persister{
		store:  store,
		limit:  limit,
		queue:  make(chan models.HistoryEntry, defaultQueueSize),
		logger: logging.OrDefault(logger).With("component", "history_persister"),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Load は起動時に直近の履歴を読み込みます
func (p *Persister) Load(ctx context.Context) ([]models.HistoryEntry, error) {
	return p.store.Recent(ctx, p.limit)
}

// Enqueue はエントリを書き込みキューに積みます
// キューが満杯の場合は破棄して警告を出します
func (p *Persister) Enqueue(entry models.HistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- entry:
	default:
		p.logger.Warn("history queue full, dropping entry", "entry_id", entry.ID)
	}
}

// Close はキューに残ったエントリを書き終えてから停止します
func (p *Persister) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Persister) run() {
	defer close(p.done)
	for entry := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := p.store.Append(ctx, entry, p.limit); err != nil {
			p.logger.Error("failed to persist history entry", "entry_id", entry.ID, "error", err)
		}
		cancel()
	}
}
