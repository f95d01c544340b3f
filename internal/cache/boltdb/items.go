package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/kvsync/internal/cache"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/internal/validation"
)

// SetItem stores or updates an item, evicting oldest items if capacity requires
func (s *Storage) SetItem(ctx context.Context, key string, value any, opts ...cache.SetOption) (*models.StorageItem, error) {
	if err := validation.ValidateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	options := cache.ApplySetOptions(opts)

	// Сериализуем значение; логический размер считается до codec
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	size := int64(len(raw))

	if s.maxItemSize > 0 && size > s.maxItemSize {
		return nil, fmt.Errorf("value of %d bytes for key %q: %w", size, key, cache.ErrItemTooLarge)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return nil, fmt.Errorf("value of %d bytes for key %q exceeds storage capacity: %w", size, key, cache.ErrItemTooLarge)
	}

	encoded, err := s.codec.Encode(raw)
	if err != nil {
		return nil, fmt.Errorf("codec %s failed: %w", s.codec.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, cache.ErrStorageClosed
	}

	// Освобождаем место вытеснением самых старых элементов
	if err := s.evictForLocked(key, size); err != nil {
		return nil, err
	}

	timestamp := options.Timestamp
	if timestamp == 0 {
		timestamp = s.nowFn()
	}

	version := options.Version
	if version == 0 {
		version = 1
		if existing, ok := s.index[key]; ok {
			version = existing.version + 1
		}
	}

	ttl := options.TTL.Milliseconds()
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	rec := record{
		Data:      encoded,
		Metadata:  options.Metadata,
		Version:   version,
		Timestamp: timestamp,
		Size:      size,
		TTL:       ttl,
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", s.bucket)
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save item: %w", err)
	}

	if existing, ok := s.index[key]; ok {
		s.totalSize -= existing.size
	}
	s.index[key] = &indexEntry{size: size, version: version, timestamp: timestamp, ttl: ttl}
	s.totalSize += size

	return &models.StorageItem{
		Key:       key,
		Value:     value,
		Metadata:  options.Metadata,
		Version:   version,
		Timestamp: timestamp,
		Size:      size,
		TTL:       ttl,
	}, nil
}

// evictForLocked вытесняет элементы в порядке старшинства timestamp, пока не
// освободится место под size байт для ключа key. Вызывается под s.mu.
func (s *Storage) evictForLocked(key string, size int64) error {
	if s.maxSize <= 0 {
		return nil
	}

	projected := s.totalSize + size
	if existing, ok := s.index[key]; ok {
		projected -= existing.size
	}
	if projected <= s.maxSize {
		return nil
	}

	// Кандидаты на вытеснение: все ключи кроме записываемого, старшие первыми
	type victim struct {
		key       string
		size      int64
		timestamp int64
	}
	victims := make([]victim, 0, len(s.index))
	for k, entry := range s.index {
		if k == key {
			continue
		}
		victims = append(victims, victim{key: k, size: entry.size, timestamp: entry.timestamp})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].timestamp < victims[j].timestamp })

	for _, v := range victims {
		if projected <= s.maxSize {
			break
		}
		if err := s.deleteLocked(v.key); err != nil {
			return fmt.Errorf("failed to evict item %q: %w", v.key, err)
		}
		s.logger.Debug("evicted item to free space",
			"namespace", s.namespace,
			"key", v.key,
			"freed", v.size)
		projected -= v.size
	}

	if projected > s.maxSize {
		return fmt.Errorf("cannot free %d bytes for key %q: %w", size, key, cache.ErrItemTooLarge)
	}
	return nil
}

// GetItem returns the stored value, lazily evicting it if TTL elapsed
func (s *Storage) GetItem(ctx context.Context, key string) (any, error) {
	item, err := s.GetItemWithMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

// GetItemWithMetadata returns the full item including sync metadata
func (s *Storage) GetItemWithMetadata(ctx context.Context, key string) (*models.StorageItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, cache.ErrStorageClosed
	}

	entry, ok := s.index[key]
	if !ok {
		return nil, cache.ErrItemNotFound
	}

	// Ленивое вытеснение: истекший элемент удаляется при чтении
	if expired(entry, s.nowFn()) {
		if err := s.deleteLocked(key); err != nil {
			s.logger.Warn("failed to evict expired item", "key", key, "error", err)
		}
		return nil, cache.ErrItemNotFound
	}

	return s.readLocked(key)
}

// readLocked читает и декодирует запись. Вызывается под s.mu.
func (s *Storage) readLocked(key string) (*models.StorageItem, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return cache.ErrItemNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return cache.ErrItemNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.codec.Decode(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("codec %s failed: %w", s.codec.Name(), err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return &models.StorageItem{
		Key:       key,
		Value:     value,
		Metadata:  rec.Metadata,
		Version:   rec.Version,
		Timestamp: rec.Timestamp,
		Size:      rec.Size,
		TTL:       rec.TTL,
	}, nil
}

// RemoveItem deletes an item. Removing a missing key is not an error.
func (s *Storage) RemoveItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return cache.ErrStorageClosed
	}

	return s.deleteLocked(key)
}

// GetAllKeys returns all non-expired keys, sorted
func (s *Storage) GetAllKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, cache.ErrStorageClosed
	}

	now := s.nowFn()
	keys := make([]string, 0, len(s.index))
	for key, entry := range s.index {
		if expired(entry, now) {
			if err := s.deleteLocked(key); err != nil {
				s.logger.Warn("failed to evict expired item", "key", key, "error", err)
			}
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys, nil
}

// GetAllItems returns all non-expired items with values
func (s *Storage) GetAllItems(ctx context.Context) ([]*models.StorageItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, cache.ErrStorageClosed
	}

	now := s.nowFn()
	items := make([]*models.StorageItem, 0, len(s.index))
	for key, entry := range s.index {
		if expired(entry, now) {
			if err := s.deleteLocked(key); err != nil {
				s.logger.Warn("failed to evict expired item", "key", key, "error", err)
			}
			continue
		}

		item, err := s.readLocked(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read item %q: %w", key, err)
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// Export returns a schema-versioned snapshot of the whole namespace
func (s *Storage) Export(ctx context.Context) (*cache.Snapshot, error) {
	items, err := s.GetAllItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export items: %w", err)
	}

	return &cache.Snapshot{
		SchemaVersion: cache.SnapshotSchemaVersion,
		Namespace:     s.namespace,
		ExportedAt:    s.nowFn(),
		Items:         items,
	}, nil
}

// Import replaces namespace contents with a snapshot
func (s *Storage) Import(ctx context.Context, snapshot *cache.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snapshot.SchemaVersion != cache.SnapshotSchemaVersion {
		return fmt.Errorf("snapshot version %d, expected %d: %w",
			snapshot.SchemaVersion, cache.SnapshotSchemaVersion, cache.ErrSnapshotSchema)
	}

	if err := s.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear before import: %w", err)
	}

	for _, item := range snapshot.Items {
		opts := []cache.SetOption{
			cache.WithVersion(item.Version),
			cache.WithTimestamp(item.Timestamp),
			cache.WithMetadata(item.Metadata),
		}
		if item.TTL > 0 {
			opts = append(opts, cache.WithTTL(time.Duration(item.TTL)*time.Millisecond))
		}
		if _, err := s.SetItem(ctx, item.Key, item.Value, opts...); err != nil {
			return fmt.Errorf("failed to import item %q: %w", item.Key, err)
		}
	}

	return nil
}
