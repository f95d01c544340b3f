package cache

import (
	"context"
	"time"

	"github.com/iudanet/kvsync/internal/models"
)

//go:generate moq -out store_mock.go . Store

// SnapshotSchemaVersion версия схемы снапшота для Export/Import
const SnapshotSchemaVersion = 1

// Store defines interface for the namespaced local key/value cache.
// The cache is the authoritative local copy: всякая мутация движка сначала
// попадает сюда и только потом уходит на сервер.
type Store interface {
	// SetItem stores or updates an item, evicting oldest items if capacity requires.
	// Returns the stored item with its assigned version, timestamp and size.
	SetItem(ctx context.Context, key string, value any, opts ...SetOption) (*models.StorageItem, error)

	// GetItem returns the stored value.
	// Returns ErrItemNotFound if the item doesn't exist or its TTL has elapsed
	// (an expired item is evicted on read).
	GetItem(ctx context.Context, key string) (any, error)

	// GetItemWithMetadata returns the full item including sync metadata
	GetItemWithMetadata(ctx context.Context, key string) (*models.StorageItem, error)

	// RemoveItem deletes an item. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// GetAllKeys returns all non-expired keys
	GetAllKeys(ctx context.Context) ([]string, error)

	// GetAllItems returns all non-expired items with values.
	// Used by the reconciliation pass.
	GetAllItems(ctx context.Context) ([]*models.StorageItem, error)

	// Clear removes all items from the namespace
	Clear(ctx context.Context) error

	// GetStats returns aggregate storage statistics
	GetStats(ctx context.Context) (*Stats, error)

	// Export returns a schema-versioned snapshot of the whole namespace
	Export(ctx context.Context) (*Snapshot, error)

	// Import replaces namespace contents with a snapshot.
	// Returns ErrSnapshotSchema on schema version mismatch.
	Import(ctx context.Context, snapshot *Snapshot) error

	// IsNearCapacity reports whether used size reached thresholdPct percent of max size
	IsNearCapacity(ctx context.Context, thresholdPct float64) (bool, error)

	// Close releases the backing medium and stops the cleanup pass
	Close() error
}

// Stats представляет агрегированную статистику хранилища
type Stats struct {
	TotalKeys      int   `json:"total_keys"`
	TotalSize      int64 `json:"total_size"`
	AverageKeySize int64 `json:"average_key_size"`
	OldestItem     int64 `json:"oldest_item"` // epoch ms, 0 если хранилище пусто
	NewestItem     int64 `json:"newest_item"` // epoch ms, 0 если хранилище пусто
}

// Snapshot представляет полный снимок namespace для Export/Import
type Snapshot struct {
	Namespace     string                `json:"namespace"`
	Items         []*models.StorageItem `json:"items"`
	SchemaVersion int                   `json:"schema_version"`
	ExportedAt    int64                 `json:"exported_at"` // epoch ms
}

// SetOptions собирает параметры записи
type SetOptions struct {
	Metadata  map[string]any
	TTL       time.Duration
	Version   int64 // 0 = назначить следующую версию автоматически
	Timestamp int64 // epoch ms, 0 = текущее время
}

// SetOption настраивает одну запись
type SetOption func(*SetOptions)

// WithTTL задает время жизни элемента
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) { o.TTL = ttl }
}

// WithMetadata прикрепляет метаданные к элементу
func WithMetadata(metadata map[string]any) SetOption {
	return func(o *SetOptions) { o.Metadata = metadata }
}

// WithVersion фиксирует версию записи (для применения удаленных значений).
// Без этой опции версия = версия существующего элемента + 1.
func WithVersion(version int64) SetOption {
	return func(o *SetOptions) { o.Version = version }
}

// WithTimestamp фиксирует timestamp записи (для применения удаленных значений)
func WithTimestamp(timestamp int64) SetOption {
	return func(o *SetOptions) { o.Timestamp = timestamp }
}

// ApplySetOptions собирает SetOptions из списка опций
func ApplySetOptions(opts []SetOption) SetOptions {
	var options SetOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
