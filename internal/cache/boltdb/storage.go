package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/kvsync/internal/cache"
	"github.com/iudanet/kvsync/internal/validation"
)

// Options настраивает хранилище кэша
type Options struct {
	// Codec применяется к сериализованному значению перед записью
	// (сжатие/шифрование). nil = без преобразования.
	Codec cache.Codec

	Logger *slog.Logger

	// MaxSize ограничивает суммарный логический размер значений в байтах.
	// 0 = без ограничения.
	MaxSize int64

	// MaxItemSize ограничивает размер одного значения. 0 = ограничен только MaxSize.
	MaxItemSize int64

	// DefaultTTL применяется к записям без явного TTL. 0 = бессрочно.
	DefaultTTL time.Duration

	// CleanupInterval включает периодическую зачистку истекших элементов.
	// 0 = только ленивое вытеснение на чтении.
	CleanupInterval time.Duration
}

// record представляет элемент в том виде, в котором он лежит в BoltDB.
// Data хранит значение после Codec.Encode; Size - логический размер значения
// до преобразования, именно он участвует в учете емкости.
type record struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Data      []byte         `json:"data"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"`
	Size      int64          `json:"size"`
	TTL       int64          `json:"ttl,omitempty"`
}

// indexEntry дублирует метаданные записи в памяти для учета емкости
// и выбора жертвы вытеснения без чтения значений с диска
type indexEntry struct {
	size      int64
	version   int64
	timestamp int64
	ttl       int64
}

// Storage represents BoltDB-backed cache implementation
type Storage struct {
	db     *bbolt.DB
	codec  cache.Codec
	logger *slog.Logger

	bucket    []byte
	namespace string

	mu        sync.Mutex
	index     map[string]*indexEntry
	totalSize int64

	maxSize     int64
	maxItemSize int64
	defaultTTL  int64 // ms

	cleanupDone chan struct{}
	cleanupWG   sync.WaitGroup

	// nowFn подменяется в тестах для детерминированных TTL-проверок
	nowFn func() int64
}

var _ cache.Store = (*Storage)(nil)

// New creates a new BoltDB cache for the namespace.
// dbPath is the path to the BoltDB database file.
func New(ctx context.Context, dbPath, namespace string, opts Options) (*Storage, error) {
	if err := validation.ValidateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	codec := opts.Codec
	if codec == nil {
		codec = cache.NoopCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Storage{
		db:          db,
		codec:       codec,
		logger:      logger,
		bucket:      []byte("items:" + namespace),
		namespace:   namespace,
		index:       make(map[string]*indexEntry),
		maxSize:     opts.MaxSize,
		maxItemSize: opts.MaxItemSize,
		defaultTTL:  opts.DefaultTTL.Milliseconds(),
		nowFn:       func() int64 { return time.Now().UnixMilli() },
	}

	if err := s.initBucket(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bucket: %w", err)
	}

	if err := s.buildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build index: %w", err)
	}

	if opts.CleanupInterval > 0 {
		s.cleanupDone = make(chan struct{})
		s.cleanupWG.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}

	return s, nil
}

// Close closes the database connection and stops the cleanup pass
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return nil
	}
	db := s.db
	s.db = nil
	done := s.cleanupDone
	s.cleanupDone = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
		s.cleanupWG.Wait()
	}

	return db.Close()
}

// initBucket создает bucket namespace, если он не существует
func (s *Storage) initBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(s.bucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
}

// buildIndex восстанавливает учет размеров и временных меток из BoltDB
func (s *Storage) buildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			s.index[string(k)] = &indexEntry{
				size:      rec.Size,
				version:   rec.Version,
				timestamp: rec.Timestamp,
				ttl:       rec.TTL,
			}
			s.totalSize += rec.Size

			return nil
		})
	})
}

// cleanupLoop периодически вычищает истекшие элементы, чтобы возвращать
// место не дожидаясь чтения по этим ключам
func (s *Storage) cleanupLoop(interval time.Duration) {
	defer s.cleanupWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupDone:
			return
		case <-ticker.C:
			if removed := s.removeExpired(); removed > 0 {
				s.logger.Debug("cleanup pass evicted expired items",
					"namespace", s.namespace,
					"removed", removed)
			}
		}
	}
}

// removeExpired удаляет все истекшие на данный момент элементы
func (s *Storage) removeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0
	}

	now := s.nowFn()
	removed := 0
	for key, entry := range s.index {
		if expired(entry, now) {
			if err := s.deleteLocked(key); err != nil {
				s.logger.Warn("failed to evict expired item", "key", key, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// expired проверяет истечение TTL записи индекса
func expired(entry *indexEntry, now int64) bool {
	return entry.ttl > 0 && now >= entry.timestamp+entry.ttl
}

// deleteLocked удаляет элемент из BoltDB и индекса. Вызывается под s.mu.
func (s *Storage) deleteLocked(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	if entry, ok := s.index[key]; ok {
		s.totalSize -= entry.size
		delete(s.index, key)
	}
	return nil
}

// GetStats returns aggregate storage statistics
func (s *Storage) GetStats(ctx context.Context) (*cache.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, cache.ErrStorageClosed
	}

	stats := &cache.Stats{
		TotalKeys: len(s.index),
		TotalSize: s.totalSize,
	}

	for _, entry := range s.index {
		if stats.OldestItem == 0 || entry.timestamp < stats.OldestItem {
			stats.OldestItem = entry.timestamp
		}
		if entry.timestamp > stats.NewestItem {
			stats.NewestItem = entry.timestamp
		}
	}

	if stats.TotalKeys > 0 {
		stats.AverageKeySize = stats.TotalSize / int64(stats.TotalKeys)
	}

	return stats, nil
}

// IsNearCapacity reports whether used size reached thresholdPct percent of max size
func (s *Storage) IsNearCapacity(ctx context.Context, thresholdPct float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return false, cache.ErrStorageClosed
	}
	if s.maxSize <= 0 {
		return false, nil
	}

	usagePct := float64(s.totalSize) / float64(s.maxSize) * 100
	return usagePct >= thresholdPct, nil
}

// Clear removes all items from the namespace
func (s *Storage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return cache.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		// Удаляем bucket полностью и создаем заново пустой
		if err := tx.DeleteBucket(s.bucket); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		if _, err := tx.CreateBucket(s.bucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear transaction failed: %w", err)
	}

	s.index = make(map[string]*indexEntry)
	s.totalSize = 0

	return nil
}
