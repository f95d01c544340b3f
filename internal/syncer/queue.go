package syncer

import (
	"log/slog"
	"sync"

	"github.com/iudanet/kvsync/internal/models"
)

const (
	// DefaultQueueLimit - емкость очереди отложенных операций
	DefaultQueueLimit = 1000
	// queueKeepOnOverflow - сколько самых свежих записей остается после переполнения
	queueKeepOnOverflow = 500
)

// offlineQueue хранит мутации, не доставленные на сервер. FIFO: воспроизведение
// идет строго в порядке постановки. Переполнение - документированная lossy
// backpressure политика: очередь усекается до самых свежих записей.
type offlineQueue struct {
	logger  *slog.Logger
	mu      sync.Mutex
	entries []models.QueueEntry
	limit   int
	keep    int
}

func newOfflineQueue(limit int, logger *slog.Logger) *offlineQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	keep := queueKeepOnOverflow
	if keep > limit {
		keep = limit / 2
	}
	return &offlineQueue{
		logger: logger,
		limit:  limit,
		keep:   keep,
	}
}

// Push добавляет запись в хвост очереди, усекая ее при переполнении
func (q *offlineQueue) Push(entry models.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry)
	if len(q.entries) <= q.limit {
		return
	}

	dropped := len(q.entries) - q.keep
	q.entries = append([]models.QueueEntry(nil), q.entries[dropped:]...)

	q.logger.Warn("offline queue overflow, oldest entries dropped",
		"dropped", dropped,
		"kept", len(q.entries),
		"limit", q.limit)
}

// Drain забирает все записи в FIFO-порядке, очередь пустеет.
// Не доставленные записи вызывающий возвращает через Push.
func (q *offlineQueue) Drain() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries
	q.entries = nil
	return entries
}

// Len возвращает количество отложенных записей
func (q *offlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
