package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/kvsync/internal/conflict"
	"github.com/iudanet/kvsync/internal/models"
)

// Ошибки валидации конфигурации
var (
	ErrNoServerURL     = errors.New("server url is required")
	ErrNoUserID        = errors.New("user id is required")
	ErrInvalidMode     = errors.New("transport mode must be poll, channel or auto")
	ErrInvalidStrategy = errors.New("unknown conflict strategy")
	ErrInvalidBackoff  = errors.New("backoff strategy must be exponential")
	ErrInvalidMerge    = errors.New("merge strategy must be structural")
	ErrInvalidCleanup  = errors.New("cleanup strategy must be lazy or interval")
)

// RetryConfig задает политику переподключения
type RetryConfig struct {
	// BackoffStrategy - имя стратегии роста задержки; поддерживается "exponential"
	BackoffStrategy string        `json:"backoff_strategy"`
	MaxAttempts     int           `json:"max_attempts"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	Jitter          bool          `json:"jitter"`
}

// ConflictConfig задает политику разрешения конфликтов
type ConflictConfig struct {
	// OnConflict вызывается при стратегии manual; для остальных стратегий
	// используется как внешний resolver при явном resolve
	OnConflict conflict.ManualFunc `json:"-"`

	Strategy models.Strategy `json:"strategy"`

	// MergeStrategy уточняет поведение merge; поддерживается "structural"
	MergeStrategy string `json:"merge_strategy"`

	// AutoResolve: расхождение с удаленным значением разрешается сразу.
	// false - конфликт публикуется событием, локальные данные не трогаются.
	AutoResolve bool `json:"auto_resolve"`
}

// StorageConfig задает параметры локального кэша
type StorageConfig struct {
	Path               string        `json:"path"`
	Namespace          string        `json:"namespace"`
	EncryptionKey      string        `json:"-"` // passphrase; пустая строка - шифрование выключено
	CleanupStrategy    string        `json:"cleanup_strategy"` // "lazy" или "interval"
	MaxSize            int64         `json:"max_size"`
	MaxItemSize        int64         `json:"max_item_size"`
	TTL                time.Duration `json:"ttl"` // TTL по умолчанию, 0 - без TTL
	CleanupInterval    time.Duration `json:"cleanup_interval"`
	CompressionEnabled bool          `json:"compression_enabled"`
}

// NetworkConfig задает транспортные параметры
type NetworkConfig struct {
	// Mode выбирает транспорт: poll, channel или auto
	Mode string `json:"mode"`

	PollInterval       time.Duration `json:"poll_interval"`
	PromotionInterval  time.Duration `json:"promotion_interval"`
	BackgroundInterval time.Duration `json:"background_interval"`

	// BackgroundSync включает периодическую фоновую сверку с сервером
	BackgroundSync bool `json:"background_sync"`
}

// Config - полная конфигурация движка синхронизации
type Config struct {
	ServerURL  string `json:"server_url"`
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
	APIKey     string `json:"-"`

	Retry    RetryConfig    `json:"retry"`
	Conflict ConflictConfig `json:"conflict"`
	Storage  StorageConfig  `json:"storage"`
	Network  NetworkConfig  `json:"network"`

	// Timeout ограничивает каждую удаленную операцию
	Timeout time.Duration `json:"timeout"`

	// AutoConnect: подключение при создании движка, без явного Connect
	AutoConnect bool `json:"auto_connect"`

	// Reconnection включает автоматическое переподключение
	Reconnection bool `json:"reconnection"`
}

// Default возвращает конфигурацию со значениями по умолчанию.
// ServerURL и UserID заполняет встраивающее приложение.
func Default() *Config {
	return &Config{
		InstanceID:   uuid.NewString(),
		Timeout:      30 * time.Second,
		AutoConnect:  false,
		Reconnection: true,
		Retry: RetryConfig{
			BackoffStrategy: "exponential",
			MaxAttempts:     10,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			Jitter:          true,
		},
		Conflict: ConflictConfig{
			Strategy:      models.StrategyLastWriteWins,
			MergeStrategy: "structural",
			AutoResolve:   true,
		},
		Storage: StorageConfig{
			Path:            "kvsync.db",
			Namespace:       "default",
			CleanupStrategy: "lazy",
			MaxSize:         64 << 20, // 64 MiB
			MaxItemSize:     1 << 20,  // 1 MiB
		},
		Network: NetworkConfig{
			Mode:               "auto",
			PollInterval:       5 * time.Second,
			PromotionInterval:  30 * time.Second,
			BackgroundInterval: time.Minute,
		},
	}
}

// Validate проверяет конфигурацию. Малформированная конфигурация - это
// фатальная ошибка вызова, а не повод для очереди.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	if c.UserID == "" {
		return ErrNoUserID
	}

	switch c.Network.Mode {
	case "poll", "channel", "auto":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Network.Mode)
	}

	valid := false
	for _, s := range models.Strategies() {
		if c.Conflict.Strategy == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Conflict.Strategy)
	}

	// Пустая строка означает поведение по умолчанию
	switch c.Retry.BackoffStrategy {
	case "", "exponential":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackoff, c.Retry.BackoffStrategy)
	}
	switch c.Conflict.MergeStrategy {
	case "", "structural":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMerge, c.Conflict.MergeStrategy)
	}
	switch c.Storage.CleanupStrategy {
	case "", "lazy", "interval":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCleanup, c.Storage.CleanupStrategy)
	}

	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Storage.MaxSize <= 0 {
		return errors.New("storage max size must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry max attempts must not be negative")
	}
	return nil
}
